package v1beta1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Requirer-side identity relation data keys. A consumer fills these in
// through the KeystoneService spec; registration proceeds only once every
// one of them is present and non-empty.
const (
	KeyService     = "service"
	KeyInternalURL = "internal-url"
	KeyPublicURL   = "public-url"
	KeyAdminURL    = "admin-url"
	KeyRegion      = "region"
)

// Provider-side identity relation data keys, published in the credentials
// secret once registration completed.
const (
	KeyAdminDomainID    = "admin-domain-id"
	KeyAdminProjectID   = "admin-project-id"
	KeyAdminUserID      = "admin-user-id"
	KeyAPIVersion       = "api-version"
	KeyAuthHost         = "auth-host"
	KeyAuthPort         = "auth-port"
	KeyAuthProtocol     = "auth-protocol"
	KeyInternalHost     = "internal-host"
	KeyInternalPort     = "internal-port"
	KeyInternalProtocol = "internal-protocol"
	KeyServiceDomain    = "service-domain"
	KeyServiceDomainID  = "service-domain-id"
	KeyServiceHost      = "service-host"
	KeyServicePassword  = "service-password"
	KeyServicePort      = "service-port"
	KeyServiceProtocol  = "service-protocol"
	KeyServiceProject   = "service-project"
	KeyServiceProjectID = "service-project-id"
	KeyServiceUsername  = "service-username"
)

// RequiredRequirerKeys are the keys a requirer must provide before the
// provider side registers the service and emits credentials.
var RequiredRequirerKeys = []string{
	KeyService,
	KeyInternalURL,
	KeyPublicURL,
	KeyAdminURL,
	KeyRegion,
}

// KeystoneServiceSpec defines the desired state of KeystoneService
type KeystoneServiceSpec struct {
	// APIRef references the KeystoneAPI to register with
	// +kubebuilder:validation:Required
	APIRef APIRefSpec `json:"apiRef"`

	// Service is the name of the service to register (e.g. cinder)
	// +kubebuilder:validation:Required
	Service string `json:"service"`

	// ServiceType is the catalog type of the service (defaults to Service)
	// +optional
	ServiceType string `json:"serviceType,omitempty"`

	// InternalUrl is the service endpoint reachable inside the deployment
	// +kubebuilder:validation:Required
	InternalUrl string `json:"internalUrl"`

	// PublicUrl is the service endpoint reachable by cloud users
	// +kubebuilder:validation:Required
	PublicUrl string `json:"publicUrl"`

	// AdminUrl is the service endpoint reserved for administrative traffic
	// +kubebuilder:validation:Required
	AdminUrl string `json:"adminUrl"`

	// Region is the region the endpoints are registered in
	// +kubebuilder:validation:Required
	Region string `json:"region"`
}

// APIRefSpec defines a reference to a KeystoneAPI
type APIRefSpec struct {
	// Name is the name of the KeystoneAPI resource
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// Namespace is the namespace of the KeystoneAPI (defaults to resource namespace)
	// +optional
	Namespace *string `json:"namespace,omitempty"`
}

// KeystoneServiceStatus defines the observed state of KeystoneService
type KeystoneServiceStatus struct {
	// Ready indicates the service is registered and credentials are published
	Ready bool `json:"ready"`

	// Status is a human-readable status message
	// +optional
	Status string `json:"status,omitempty"`

	// Message contains additional information about the status
	// +optional
	Message string `json:"message,omitempty"`

	// ServiceID is the catalog ID of the registered service
	// +optional
	ServiceID string `json:"serviceID,omitempty"`

	// UserID is the ID of the service account created for the service
	// +optional
	UserID string `json:"userID,omitempty"`

	// CredentialsSecret is the name of the secret holding the provider data
	// +optional
	CredentialsSecret string `json:"credentialsSecret,omitempty"`

	// Conditions represent the latest available observations
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// RequirerData returns the requirer side of the relation as a data bag.
func (s *KeystoneService) RequirerData() map[string]string {
	return map[string]string{
		KeyService:     s.Spec.Service,
		KeyInternalURL: s.Spec.InternalUrl,
		KeyPublicURL:   s.Spec.PublicUrl,
		KeyAdminURL:    s.Spec.AdminUrl,
		KeyRegion:      s.Spec.Region,
	}
}

// MissingRequirerKeys returns the required requirer keys absent or empty in
// data, in declaration order. An empty result means the bag is complete.
func MissingRequirerKeys(data map[string]string) []string {
	var missing []string
	for _, key := range RequiredRequirerKeys {
		if data[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Ready",type=boolean,JSONPath=`.status.ready`,description="Whether the service is registered"
// +kubebuilder:printcolumn:name="Service",type=string,JSONPath=`.spec.service`,description="The registered service name"
// +kubebuilder:printcolumn:name="Region",type=string,JSONPath=`.spec.region`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// KeystoneService registers a service with keystone and publishes the
// resulting credentials for the requirer
type KeystoneService struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   KeystoneServiceSpec   `json:"spec,omitempty"`
	Status KeystoneServiceStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// KeystoneServiceList contains a list of KeystoneService
type KeystoneServiceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []KeystoneService `json:"items"`
}

func init() {
	SchemeBuilder.Register(&KeystoneService{}, &KeystoneServiceList{})
}
