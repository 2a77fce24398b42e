package export

import (
	"regexp"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
)

// manifestAPIVersion is stamped on generated KeystoneService manifests.
var manifestAPIVersion = keystonev1beta1.GroupVersion.String()

// TransformerOptions configures the transformer
type TransformerOptions struct {
	TargetNamespace string
	APIRef          string
}

// Transformer transforms catalog objects to output documents
type Transformer struct {
	opts TransformerOptions
}

// NewTransformer creates a new transformer
func NewTransformer(opts TransformerOptions) *Transformer {
	return &Transformer{opts: opts}
}

// DomainRecord is the inventory form of a domain. Catalog objects without
// an operator-managed counterpart export as plain records, not manifests.
type DomainRecord struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// ProjectRecord is the inventory form of a project.
type ProjectRecord struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Domain      string `json:"domain,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// UserRecord is the inventory form of a user. Passwords never leave
// keystone and are not part of the record.
type UserRecord struct {
	Kind             string `json:"kind"`
	ID               string `json:"id"`
	Name             string `json:"name"`
	Domain           string `json:"domain,omitempty"`
	DefaultProjectID string `json:"default_project_id,omitempty"`
	Email            string `json:"email,omitempty"`
	Enabled          *bool  `json:"enabled,omitempty"`
}

// RoleRecord is the inventory form of a role.
type RoleRecord struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RegionRecord is the inventory form of a region.
type RegionRecord struct {
	Kind           string `json:"kind"`
	ID             string `json:"id"`
	Description    string `json:"description,omitempty"`
	ParentRegionID string `json:"parent_region_id,omitempty"`
}

// EndpointRecord is the inventory form of an endpoint, with the owning
// service resolved to its name.
type EndpointRecord struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Service   string `json:"service,omitempty"`
	Interface string `json:"interface"`
	Region    string `json:"region,omitempty"`
	URL       string `json:"url"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// TransformDomain transforms a domain into an inventory record
func (t *Transformer) TransformDomain(domain keystone.Domain) ExportedResource {
	return ExportedResource{
		Kind: "Domain",
		Name: sanitizeName(domain.Name),
		Object: DomainRecord{
			Kind:        "Domain",
			ID:          domain.ID,
			Name:        domain.Name,
			Description: domain.Description,
			Enabled:     domain.Enabled,
		},
	}
}

// TransformProject transforms a project into an inventory record
func (t *Transformer) TransformProject(project keystone.Project, domainName string) ExportedResource {
	return ExportedResource{
		Kind: "Project",
		Name: recordName(project.Name, domainName),
		Object: ProjectRecord{
			Kind:        "Project",
			ID:          project.ID,
			Name:        project.Name,
			Domain:      domainName,
			Description: project.Description,
			Enabled:     project.Enabled,
		},
	}
}

// TransformUser transforms a user into an inventory record
func (t *Transformer) TransformUser(user keystone.User, domainName string) ExportedResource {
	return ExportedResource{
		Kind: "User",
		Name: recordName(user.Name, domainName),
		Object: UserRecord{
			Kind:             "User",
			ID:               user.ID,
			Name:             user.Name,
			Domain:           domainName,
			DefaultProjectID: user.DefaultProjectID,
			Email:            user.Email,
			Enabled:          user.Enabled,
		},
	}
}

// TransformRole transforms a role into an inventory record
func (t *Transformer) TransformRole(role keystone.Role) ExportedResource {
	return ExportedResource{
		Kind: "Role",
		Name: sanitizeName(role.Name),
		Object: RoleRecord{
			Kind: "Role",
			ID:   role.ID,
			Name: role.Name,
		},
	}
}

// TransformRegion transforms a region into an inventory record
func (t *Transformer) TransformRegion(region keystone.Region) ExportedResource {
	return ExportedResource{
		Kind: "Region",
		Name: sanitizeName(region.ID),
		Object: RegionRecord{
			Kind:           "Region",
			ID:             region.ID,
			Description:    region.Description,
			ParentRegionID: region.ParentRegionID,
		},
	}
}

// TransformService folds a service and its endpoints into KeystoneService
// manifests, one per region the service has endpoints in. Applying the
// manifests puts the existing catalog entries under operator management.
func (t *Transformer) TransformService(service keystone.Service, endpoints []keystone.Endpoint) []ExportedResource {
	regions := endpointRegions(endpoints)
	if len(regions) == 0 {
		// A service without endpoints still exports, with empty URLs
		regions = []string{""}
	}

	var resources []ExportedResource
	for _, region := range regions {
		name := sanitizeName(service.Name)
		if len(regions) > 1 {
			name = sanitizeName(service.Name + "-" + region)
		}

		manifest := &keystonev1beta1.KeystoneService{
			TypeMeta: metav1.TypeMeta{
				APIVersion: manifestAPIVersion,
				Kind:       "KeystoneService",
			},
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: t.opts.TargetNamespace,
			},
			Spec: keystonev1beta1.KeystoneServiceSpec{
				APIRef: keystonev1beta1.APIRefSpec{
					Name: t.opts.APIRef,
				},
				Service:     service.Name,
				ServiceType: service.Type,
				Region:      region,
				InternalUrl: endpointURL(endpoints, "internal", region),
				PublicUrl:   endpointURL(endpoints, "public", region),
				AdminUrl:    endpointURL(endpoints, "admin", region),
			},
		}

		resources = append(resources, ExportedResource{
			Kind:       "KeystoneService",
			Name:       name,
			APIVersion: manifestAPIVersion,
			Object:     manifest,
		})
	}

	return resources
}

// TransformEndpoint transforms an endpoint into an inventory record
func (t *Transformer) TransformEndpoint(endpoint keystone.Endpoint, serviceName string) ExportedResource {
	if serviceName == "" {
		serviceName = endpoint.ServiceID
	}

	return ExportedResource{
		Kind: "Endpoint",
		Name: sanitizeName(serviceName + "-" + endpoint.Interface + "-" + endpoint.Region),
		Object: EndpointRecord{
			Kind:      "Endpoint",
			ID:        endpoint.ID,
			Service:   serviceName,
			Interface: endpoint.Interface,
			Region:    endpoint.Region,
			URL:       endpoint.URL,
			Enabled:   endpoint.Enabled,
		},
	}
}

// endpointRegions returns the distinct regions in endpoint order
func endpointRegions(endpoints []keystone.Endpoint) []string {
	var regions []string
	seen := make(map[string]bool)
	for _, endpoint := range endpoints {
		if seen[endpoint.Region] {
			continue
		}
		seen[endpoint.Region] = true
		regions = append(regions, endpoint.Region)
	}
	return regions
}

// endpointURL returns the URL of the endpoint matching interface and region
func endpointURL(endpoints []keystone.Endpoint, iface, region string) string {
	for _, endpoint := range endpoints {
		if strings.EqualFold(endpoint.Interface, iface) && strings.EqualFold(endpoint.Region, region) {
			return endpoint.URL
		}
	}
	return ""
}

// recordName builds the output name of a record, qualified by domain when
// the object lives outside the default domain
func recordName(name, domain string) string {
	if domain != "" && !strings.EqualFold(domain, keystone.DefaultDomainName) {
		return sanitizeName(domain + "-" + name)
	}
	return sanitizeName(name)
}

// sanitizeName converts a name to a valid Kubernetes resource name
func sanitizeName(name string) string {
	// Convert to lowercase
	name = strings.ToLower(name)

	// Replace invalid characters with dashes
	re := regexp.MustCompile(`[^a-z0-9-]`)
	name = re.ReplaceAllString(name, "-")

	// Remove leading/trailing dashes
	name = strings.Trim(name, "-")

	// Collapse multiple dashes
	re = regexp.MustCompile(`-+`)
	name = re.ReplaceAllString(name, "-")

	// Truncate to 63 characters (Kubernetes name limit)
	if len(name) > 63 {
		name = name[:63]
		// Remove trailing dash after truncation
		name = strings.TrimRight(name, "-")
	}

	// Ensure name is not empty
	if name == "" {
		name = "unnamed"
	}

	return name
}
