// Package secrets provides a thin key/value store for sensitive material,
// backed by Kubernetes secrets.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// Secret is one stored record: a name, an opaque payload and an optional
// type tag (e.g. TLS).
type Secret struct {
	Name string
	Type corev1.SecretType
	Data map[string][]byte
}

// Store reads and writes secret records in a single namespace scope per
// call. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the named secret or a NotFound error.
	Get(ctx context.Context, namespace, name string) (*Secret, error)

	// Ensure creates the secret if it does not exist and returns the stored
	// record. An existing secret is returned unchanged; created reports
	// whether a create happened.
	Ensure(ctx context.Context, namespace string, sec Secret, owner client.Object) (stored *Secret, created bool, err error)

	// Apply creates the secret or overwrites its payload if it exists.
	Apply(ctx context.Context, namespace string, sec Secret, owner client.Object) error

	// Delete removes the named secret; deleting an absent secret is not an
	// error.
	Delete(ctx context.Context, namespace, name string) error
}

// K8sStore implements Store on the Kubernetes secret API.
type K8sStore struct {
	client client.Client
	scheme *runtime.Scheme
}

// NewK8sStore returns a Store writing through the given client. The scheme
// is needed to set owner references; owners may be nil for unowned secrets.
func NewK8sStore(c client.Client, scheme *runtime.Scheme) *K8sStore {
	return &K8sStore{client: c, scheme: scheme}
}

func (s *K8sStore) Get(ctx context.Context, namespace, name string) (*Secret, error) {
	obj := &corev1.Secret{}
	if err := s.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, obj); err != nil {
		return nil, err
	}
	return fromObject(obj), nil
}

func (s *K8sStore) Ensure(ctx context.Context, namespace string, sec Secret, owner client.Object) (*Secret, bool, error) {
	existing, err := s.Get(ctx, namespace, sec.Name)
	if err == nil {
		return existing, false, nil
	}
	if !errors.IsNotFound(err) {
		return nil, false, fmt.Errorf("failed to get secret %s: %w", sec.Name, err)
	}

	obj, err := s.toObject(namespace, sec, owner)
	if err != nil {
		return nil, false, err
	}
	if err := s.client.Create(ctx, obj); err != nil {
		if errors.IsAlreadyExists(err) {
			existing, err := s.Get(ctx, namespace, sec.Name)
			return existing, false, err
		}
		return nil, false, fmt.Errorf("failed to create secret %s: %w", sec.Name, err)
	}
	return fromObject(obj), true, nil
}

func (s *K8sStore) Apply(ctx context.Context, namespace string, sec Secret, owner client.Object) error {
	obj := &corev1.Secret{}
	err := s.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: sec.Name}, obj)
	if errors.IsNotFound(err) {
		created, err := s.toObject(namespace, sec, owner)
		if err != nil {
			return err
		}
		if err := s.client.Create(ctx, created); err != nil {
			return fmt.Errorf("failed to create secret %s: %w", sec.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get secret %s: %w", sec.Name, err)
	}

	obj.Data = sec.Data
	if err := s.client.Update(ctx, obj); err != nil {
		return fmt.Errorf("failed to update secret %s: %w", sec.Name, err)
	}
	return nil
}

func (s *K8sStore) Delete(ctx context.Context, namespace, name string) error {
	obj := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
	}
	if err := s.client.Delete(ctx, obj); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete secret %s: %w", name, err)
	}
	return nil
}

func (s *K8sStore) toObject(namespace string, sec Secret, owner client.Object) (*corev1.Secret, error) {
	obj := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sec.Name,
			Namespace: namespace,
		},
		Type: sec.Type,
		Data: sec.Data,
	}
	if obj.Type == "" {
		obj.Type = corev1.SecretTypeOpaque
	}
	if owner != nil {
		if err := controllerutil.SetControllerReference(owner, obj, s.scheme); err != nil {
			return nil, fmt.Errorf("failed to set owner reference on secret %s: %w", sec.Name, err)
		}
	}
	return obj, nil
}

func fromObject(obj *corev1.Secret) *Secret {
	return &Secret{
		Name: obj.Name,
		Type: obj.Type,
		Data: obj.Data,
	}
}

// GeneratePassword returns a random hex password of the given length.
func GeneratePassword(length int) (string, error) {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return hex.EncodeToString(buf)[:length], nil
}
