package v1beta1

import (
	"fmt"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// PublicPort is the port the keystone public API listens on
	PublicPort = 5000

	// AdminPort is the port the keystone admin API listens on
	AdminPort = 35357

	// APIVersion is the keystone API version served
	APIVersion = "v3"
)

// KeystoneAPISpec defines the desired state of KeystoneAPI
type KeystoneAPISpec struct {
	// Image is the keystone container image to deploy
	// +kubebuilder:default="quay.io/openstack.kolla/keystone:2024.1-ubuntu-jammy"
	// +optional
	Image string `json:"image,omitempty"`

	// Replicas is the number of keystone pods to run
	// +kubebuilder:default=1
	// +kubebuilder:validation:Minimum=1
	// +optional
	Replicas *int32 `json:"replicas,omitempty"`

	// Region is a space-separated list of regions to register; the first
	// entry is used for bootstrap
	// +kubebuilder:default="RegionOne"
	// +optional
	Region string `json:"region,omitempty"`

	// AdminUser is the name of the cloud administrator account
	// +kubebuilder:default="admin"
	// +optional
	AdminUser string `json:"adminUser,omitempty"`

	// AdminRole is the role granted to administrator accounts
	// +kubebuilder:default="admin"
	// +optional
	AdminRole string `json:"adminRole,omitempty"`

	// ServiceProject is the project that holds OpenStack service accounts
	// +kubebuilder:default="services"
	// +optional
	ServiceProject string `json:"serviceProject,omitempty"`

	// PublicHostname overrides the host used in the public endpoint URL
	// (defaults to the in-cluster service DNS name)
	// +optional
	PublicHostname string `json:"publicHostname,omitempty"`

	// InternalHostname overrides the host used in the internal endpoint URL
	// +optional
	InternalHostname string `json:"internalHostname,omitempty"`

	// AdminHostname overrides the host used in the admin endpoint URL
	// +optional
	AdminHostname string `json:"adminHostname,omitempty"`

	// Database contains the reference to the database credentials secret
	// +kubebuilder:validation:Required
	Database DatabaseSpec `json:"database"`

	// TokenExpiration is the token validity in seconds
	// +kubebuilder:default=3600
	// +kubebuilder:validation:Minimum=60
	// +optional
	TokenExpiration int32 `json:"tokenExpiration,omitempty"`

	// FernetMaxActiveKeys is the size of the fernet key rotation set
	// +kubebuilder:default=3
	// +kubebuilder:validation:Minimum=3
	// +optional
	FernetMaxActiveKeys int32 `json:"fernetMaxActiveKeys,omitempty"`

	// LogLevel is the workload log level (DEBUG, INFO, WARNING or ERROR)
	// +kubebuilder:default="WARNING"
	// +optional
	LogLevel string `json:"logLevel,omitempty"`

	// Debug enables debug logging in the workload regardless of LogLevel
	// +optional
	Debug bool `json:"debug,omitempty"`

	// Ingress exposes the public endpoint outside the cluster
	// +optional
	Ingress *IngressSpec `json:"ingress,omitempty"`
}

// DatabaseSpec defines where the database credentials come from
type DatabaseSpec struct {
	// SecretRef contains the reference to the secret with database credentials
	// +kubebuilder:validation:Required
	SecretRef DatabaseSecretRefSpec `json:"secretRef"`
}

// DatabaseSecretRefSpec defines a reference to a database credentials secret
type DatabaseSecretRefSpec struct {
	// Name is the name of the secret
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// Namespace is the namespace of the secret (defaults to resource namespace)
	// +optional
	Namespace *string `json:"namespace,omitempty"`

	// DatabaseKey is the key in the secret for the database name (defaults to "database")
	// +kubebuilder:default="database"
	// +optional
	DatabaseKey string `json:"databaseKey,omitempty"`

	// UsernameKey is the key in the secret for the username (defaults to "username")
	// +kubebuilder:default="username"
	// +optional
	UsernameKey string `json:"usernameKey,omitempty"`

	// PasswordKey is the key in the secret for the password (defaults to "password")
	// +kubebuilder:default="password"
	// +optional
	PasswordKey string `json:"passwordKey,omitempty"`

	// HostKey is the key in the secret for the database host (defaults to "host")
	// +kubebuilder:default="host"
	// +optional
	HostKey string `json:"hostKey,omitempty"`

	// PortKey is the key in the secret for the database port (defaults to "port")
	// +kubebuilder:default="port"
	// +optional
	PortKey string `json:"portKey,omitempty"`
}

// IngressSpec defines public endpoint exposure
type IngressSpec struct {
	// Enabled creates an Ingress for the public endpoint
	Enabled bool `json:"enabled"`

	// Host is the external hostname routed to the public endpoint
	// +optional
	Host string `json:"host,omitempty"`

	// ClassName selects the ingress controller
	// +optional
	ClassName *string `json:"className,omitempty"`
}

// KeystoneAPIStatus defines the observed state of KeystoneAPI
type KeystoneAPIStatus struct {
	// Ready indicates if the keystone service is bootstrapped and serving
	Ready bool `json:"ready"`

	// Status is a human-readable status message
	// +optional
	Status string `json:"status,omitempty"`

	// Message contains additional information about the status
	// +optional
	Message string `json:"message,omitempty"`

	// Bootstrapped is true once the one-time bootstrap sequence completed
	// +optional
	Bootstrapped bool `json:"bootstrapped,omitempty"`

	// APIEndpoints maps endpoint interfaces (admin, internal, public) to URLs
	// +optional
	APIEndpoints map[string]string `json:"apiEndpoints,omitempty"`
}

// Regions returns the configured region list; the first entry is the
// bootstrap region.
func (k *KeystoneAPI) Regions() []string {
	regions := strings.Fields(k.Spec.Region)
	if len(regions) == 0 {
		regions = []string{"RegionOne"}
	}
	return regions
}

// ServiceHostname returns the in-cluster DNS name of the keystone service.
func (k *KeystoneAPI) ServiceHostname() string {
	return fmt.Sprintf("%s.%s.svc", k.Name, k.Namespace)
}

// AuthURL returns the URL the operator itself authenticates against,
// always the in-cluster service on the public port.
func (k *KeystoneAPI) AuthURL() string {
	return fmt.Sprintf("http://%s:%d/%s", k.ServiceHostname(), PublicPort, APIVersion)
}

// PublicURL returns the public endpoint URL. The ingress host takes
// precedence over the in-cluster service name unless PublicHostname is set.
func (k *KeystoneAPI) PublicURL() string {
	host := k.Spec.PublicHostname
	if host == "" && k.Spec.Ingress != nil && k.Spec.Ingress.Enabled {
		host = k.Spec.Ingress.Host
	}
	if host == "" {
		host = k.ServiceHostname()
	}
	return fmt.Sprintf("http://%s:%d/%s", host, PublicPort, APIVersion)
}

// InternalURL returns the internal endpoint URL.
func (k *KeystoneAPI) InternalURL() string {
	host := k.Spec.InternalHostname
	if host == "" {
		host = k.ServiceHostname()
	}
	return fmt.Sprintf("http://%s:%d/%s", host, PublicPort, APIVersion)
}

// AdminURL returns the admin endpoint URL.
func (k *KeystoneAPI) AdminURL() string {
	host := k.Spec.AdminHostname
	if host == "" {
		host = k.ServiceHostname()
	}
	return fmt.Sprintf("http://%s:%d/%s", host, AdminPort, APIVersion)
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Ready",type=boolean,JSONPath=`.status.ready`,description="Whether keystone is bootstrapped and serving"
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.status.status`,description="Current lifecycle phase"
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// KeystoneAPI deploys and bootstraps a keystone identity service
type KeystoneAPI struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   KeystoneAPISpec   `json:"spec,omitempty"`
	Status KeystoneAPIStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// KeystoneAPIList contains a list of KeystoneAPI
type KeystoneAPIList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []KeystoneAPI `json:"items"`
}

func init() {
	SchemeBuilder.Register(&KeystoneAPI{}, &KeystoneAPIList{})
}
