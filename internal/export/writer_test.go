package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
)

func sampleResources() []ExportedResource {
	return []ExportedResource{
		{
			Kind: "Domain",
			Name: "customers",
			Object: DomainRecord{
				Kind: "Domain",
				ID:   "d-1",
				Name: "customers",
			},
		},
		{
			Kind:       "KeystoneService",
			Name:       "cinder",
			APIVersion: manifestAPIVersion,
			Object: &keystonev1beta1.KeystoneService{
				TypeMeta: metav1.TypeMeta{
					APIVersion: manifestAPIVersion,
					Kind:       "KeystoneService",
				},
				ObjectMeta: metav1.ObjectMeta{
					Name:      "cinder",
					Namespace: "openstack",
				},
				Spec: keystonev1beta1.KeystoneServiceSpec{
					APIRef:      keystonev1beta1.APIRefSpec{Name: "keystone"},
					Service:     "cinder",
					ServiceType: "volumev3",
					Region:      "RegionOne",
					InternalUrl: "http://cinder.openstack.svc:8776/v3",
				},
			},
		},
		{
			Kind: "Endpoint",
			Name: "cinder-internal-regionone",
			Object: EndpointRecord{
				Kind:      "Endpoint",
				ID:        "e-1",
				Service:   "cinder",
				Interface: "internal",
				Region:    "RegionOne",
				URL:       "http://cinder.openstack.svc:8776/v3",
			},
		},
	}
}

func TestWriterToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	w := NewWriter(WriterOptions{OutputFile: path})

	if err := w.Write(sampleResources()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	out := string(raw)

	if got := strings.Count(out, "---\n"); got != 2 {
		t.Errorf("got %d document separators, want 2", got)
	}
	for _, want := range []string{
		"kind: Domain",
		"name: customers",
		"apiVersion: keystone.sunbeam-operators.io/v1beta1",
		"kind: KeystoneService",
		"namespace: openstack",
		"kind: Endpoint",
		"url: http://cinder.openstack.svc:8776/v3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriterToDirectory(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(WriterOptions{OutputDir: dir})

	if err := w.Write(sampleResources()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	for _, want := range []string{
		"domains/customers.yaml",
		"services/cinder.yaml",
		"endpoints/cinder-internal-regionone.yaml",
	} {
		if _, err := os.Stat(filepath.Join(dir, want)); err != nil {
			t.Errorf("missing output file %s: %v", want, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "services", "cinder.yaml"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !strings.Contains(string(raw), "service: cinder") || !strings.Contains(string(raw), "kind: KeystoneService") {
		t.Errorf("unexpected manifest content:\n%s", raw)
	}
}

func TestKindToDirectory(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{kind: "Domain", want: "domains"},
		{kind: "Project", want: "projects"},
		{kind: "User", want: "users"},
		{kind: "KeystoneService", want: "services"},
		{kind: "Endpoint", want: "endpoints"},
	}
	for _, tt := range tests {
		if got := kindToDirectory(tt.kind); got != tt.want {
			t.Errorf("kindToDirectory(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}
