// Package export turns a live Keystone catalog into YAML documents:
// KeystoneService manifests for catalog services and plain inventory
// records for everything else.
package export

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
)

// ExporterOptions configures the export behavior
type ExporterOptions struct {
	// Target namespace for generated manifests
	TargetNamespace string

	// KeystoneAPI reference for generated manifests
	APIRef string

	// Include only these resource types (empty means all)
	Include []string

	// Exclude these resource types
	Exclude []string

	// Skip operator-managed and keystone built-in resources
	SkipDefaults bool
}

// Exporter exports the Keystone catalog to YAML documents
type Exporter struct {
	client      *keystone.Client
	log         logr.Logger
	opts        ExporterOptions
	filter      *Filter
	transformer *Transformer

	domainsByID map[string]string
	services    []keystone.Service
}

// NewExporter creates a new exporter
func NewExporter(client *keystone.Client, log logr.Logger, opts ExporterOptions) *Exporter {
	// Set defaults
	if opts.APIRef == "" {
		opts.APIRef = "keystone"
	}

	return &Exporter{
		client: client,
		log:    log.WithName("exporter"),
		opts:   opts,
		filter: NewFilter(opts.Include, opts.Exclude, opts.SkipDefaults),
		transformer: NewTransformer(TransformerOptions{
			TargetNamespace: opts.TargetNamespace,
			APIRef:          opts.APIRef,
		}),
	}
}

// ExportedResource represents an exported catalog entry
type ExportedResource struct {
	Kind       string
	Name       string
	APIVersion string
	Object     interface{}
}

// Export exports the whole catalog
func (e *Exporter) Export(ctx context.Context) ([]ExportedResource, error) {
	var resources []ExportedResource

	// Export in dependency order
	exporters := []struct {
		name     string
		typeName string
		fn       func(ctx context.Context) ([]ExportedResource, error)
	}{
		{"domains", ResourceTypeDomains, e.exportDomains},
		{"projects", ResourceTypeProjects, e.exportProjects},
		{"users", ResourceTypeUsers, e.exportUsers},
		{"roles", ResourceTypeRoles, e.exportRoles},
		{"regions", ResourceTypeRegions, e.exportRegions},
		{"services", ResourceTypeServices, e.exportServices},
		{"endpoints", ResourceTypeEndpoints, e.exportEndpoints},
	}

	for _, exp := range exporters {
		if !e.filter.ShouldIncludeType(exp.typeName) {
			e.log.V(1).Info("Skipping resource type", "type", exp.name)
			continue
		}

		e.log.V(1).Info("Exporting", "type", exp.name)
		res, err := exp.fn(ctx)
		if err != nil {
			// Log error but continue with other resources
			e.log.Error(err, "Failed to export", "type", exp.name)
			continue
		}
		resources = append(resources, res...)
	}

	return resources, nil
}

func (e *Exporter) exportDomains(ctx context.Context) ([]ExportedResource, error) {
	domains, err := e.client.ListDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	var resources []ExportedResource
	for _, domain := range domains {
		if e.filter.ShouldSkipDomain(domain.Name) {
			continue
		}
		resources = append(resources, e.transformer.TransformDomain(domain))
	}

	return resources, nil
}

func (e *Exporter) exportProjects(ctx context.Context) ([]ExportedResource, error) {
	projects, err := e.client.ListProjects(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	domains, err := e.domainNames(ctx)
	if err != nil {
		return nil, err
	}

	var resources []ExportedResource
	for _, project := range projects {
		if e.filter.ShouldSkipProject(project.Name) {
			continue
		}
		resources = append(resources, e.transformer.TransformProject(project, domains[project.DomainID]))
	}

	return resources, nil
}

func (e *Exporter) exportUsers(ctx context.Context) ([]ExportedResource, error) {
	users, err := e.client.ListUsers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	domains, err := e.domainNames(ctx)
	if err != nil {
		return nil, err
	}

	var resources []ExportedResource
	for _, user := range users {
		if e.filter.ShouldSkipUser(user.Name) {
			continue
		}
		resources = append(resources, e.transformer.TransformUser(user, domains[user.DomainID]))
	}

	return resources, nil
}

func (e *Exporter) exportRoles(ctx context.Context) ([]ExportedResource, error) {
	roles, err := e.client.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	var resources []ExportedResource
	for _, role := range roles {
		if e.filter.ShouldSkipRole(role.Name) {
			continue
		}
		resources = append(resources, e.transformer.TransformRole(role))
	}

	return resources, nil
}

func (e *Exporter) exportRegions(ctx context.Context) ([]ExportedResource, error) {
	regions, err := e.client.ListRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}

	var resources []ExportedResource
	for _, region := range regions {
		resources = append(resources, e.transformer.TransformRegion(region))
	}

	return resources, nil
}

func (e *Exporter) exportServices(ctx context.Context) ([]ExportedResource, error) {
	services, err := e.catalogServices(ctx)
	if err != nil {
		return nil, err
	}

	var resources []ExportedResource
	for _, service := range services {
		if e.filter.ShouldSkipService(service.Name, service.Type) {
			continue
		}

		endpoints, err := e.client.ListEndpoints(ctx, service.ID)
		if err != nil {
			e.log.Error(err, "Failed to list endpoints", "service", service.Name)
			continue
		}

		resources = append(resources, e.transformer.TransformService(service, endpoints)...)
	}

	return resources, nil
}

func (e *Exporter) exportEndpoints(ctx context.Context) ([]ExportedResource, error) {
	endpoints, err := e.client.ListEndpoints(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	services, err := e.catalogServices(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]keystone.Service, len(services))
	for _, service := range services {
		byID[service.ID] = service
	}

	var resources []ExportedResource
	for _, endpoint := range endpoints {
		service := byID[endpoint.ServiceID]
		if e.filter.ShouldSkipService(service.Name, service.Type) {
			continue
		}
		resources = append(resources, e.transformer.TransformEndpoint(endpoint, service.Name))
	}

	return resources, nil
}

// domainNames maps domain IDs to names so records carry readable domains.
func (e *Exporter) domainNames(ctx context.Context) (map[string]string, error) {
	if e.domainsByID != nil {
		return e.domainsByID, nil
	}

	domains, err := e.client.ListDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	e.domainsByID = make(map[string]string, len(domains))
	for _, domain := range domains {
		e.domainsByID[domain.ID] = domain.Name
	}

	return e.domainsByID, nil
}

func (e *Exporter) catalogServices(ctx context.Context) ([]keystone.Service, error) {
	if e.services != nil {
		return e.services, nil
	}

	services, err := e.client.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	e.services = services
	return services, nil
}
