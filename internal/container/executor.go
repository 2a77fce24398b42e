// Package container runs commands inside workload containers and fetches
// files out of them, over the Kubernetes exec subresource.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// Target identifies one container in one pod.
type Target struct {
	Namespace string
	Pod       string
	Container string
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s:%s", t.Namespace, t.Pod, t.Container)
}

// Executor runs commands in a workload container.
type Executor interface {
	// Exec runs command in the target container and returns its stdout.
	// A failed command returns an error carrying the command and stderr.
	Exec(ctx context.Context, target Target, command []string) (string, error)

	// FetchDir returns the regular files directly under dir in the target
	// container, keyed by base name.
	FetchDir(ctx context.Context, target Target, dir string) (map[string][]byte, error)
}

// SPDYExecutor implements Executor over the Kubernetes exec API.
type SPDYExecutor struct {
	config *restclient.Config
	client kubernetes.Interface
}

// NewSPDYExecutor creates an executor talking to the cluster of the given
// REST config.
func NewSPDYExecutor(config *restclient.Config) (*SPDYExecutor, error) {
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return &SPDYExecutor{config: config, client: client}, nil
}

func (e *SPDYExecutor) Exec(ctx context.Context, target Target, command []string) (string, error) {
	stdout, err := e.stream(ctx, target, command)
	return string(stdout), err
}

func (e *SPDYExecutor) FetchDir(ctx context.Context, target Target, dir string) (map[string][]byte, error) {
	stdout, err := e.stream(ctx, target, []string{"tar", "cf", "-", "-C", dir, "."})
	if err != nil {
		return nil, err
	}
	return readArchive(stdout, dir)
}

func (e *SPDYExecutor) stream(ctx context.Context, target Target, command []string) ([]byte, error) {
	req := e.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(target.Pod).
		Namespace(target.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: target.Container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.config, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create executor for %s: %w", target, err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return stdout.Bytes(), fmt.Errorf("command %q failed in %s: %w: %s",
			strings.Join(command, " "), target, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// readArchive unpacks the regular files of a tar stream, keyed by base name.
func readArchive(archive []byte, dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive of %s: %w", dir, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s from archive of %s: %w", hdr.Name, dir, err)
		}
		files[path.Base(hdr.Name)] = data
	}
	return files, nil
}
