package export

import (
	"strings"

	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
)

// Resource type constants
const (
	ResourceTypeDomains   = "domains"
	ResourceTypeProjects  = "projects"
	ResourceTypeUsers     = "users"
	ResourceTypeRoles     = "roles"
	ResourceTypeRegions   = "regions"
	ResourceTypeServices  = "services"
	ResourceTypeEndpoints = "endpoints"
)

// Domains the bootstrap sequence creates
var operatorDomains = map[string]bool{
	keystone.DefaultDomainName: true,
	keystone.AdminDomainName:   true,
	keystone.ServiceDomainName: true,
}

// Projects the bootstrap sequence creates ("services" is the default
// service project name)
var operatorProjects = map[string]bool{
	keystone.AdminProjectName: true,
	"services":                true,
}

// Users the bootstrap sequence creates
var operatorUsers = map[string]bool{
	"admin": true,
}

// Keystone built-in roles plus the ones bootstrap creates
var builtinRoles = map[string]bool{
	"admin":   true,
	"member":  true,
	"reader":  true,
	"service": true,
}

// Filter determines which resources to include/exclude
type Filter struct {
	include      map[string]bool
	exclude      map[string]bool
	skipDefaults bool
}

// NewFilter creates a new filter
func NewFilter(include, exclude []string, skipDefaults bool) *Filter {
	f := &Filter{
		include:      make(map[string]bool),
		exclude:      make(map[string]bool),
		skipDefaults: skipDefaults,
	}

	for _, t := range include {
		f.include[strings.ToLower(t)] = true
	}
	for _, t := range exclude {
		f.exclude[strings.ToLower(t)] = true
	}

	return f
}

// ShouldIncludeType checks if a resource type should be included
func (f *Filter) ShouldIncludeType(resourceType string) bool {
	resourceType = strings.ToLower(resourceType)

	// If exclude list is set, check it
	if f.exclude[resourceType] {
		return false
	}

	// If include list is set, only include specified types
	if len(f.include) > 0 {
		return f.include[resourceType]
	}

	return true
}

// ShouldSkipDomain checks if a domain should be skipped
func (f *Filter) ShouldSkipDomain(name string) bool {
	if !f.skipDefaults {
		return false
	}

	return operatorDomains[strings.ToLower(name)]
}

// ShouldSkipProject checks if a project should be skipped
func (f *Filter) ShouldSkipProject(name string) bool {
	if !f.skipDefaults {
		return false
	}

	return operatorProjects[strings.ToLower(name)]
}

// ShouldSkipUser checks if a user should be skipped
func (f *Filter) ShouldSkipUser(name string) bool {
	if !f.skipDefaults {
		return false
	}

	// The operator's own bootstrap account
	if strings.EqualFold(name, keystone.ServiceAdminUsername) {
		return true
	}

	// Service accounts registered via KeystoneService resources
	if strings.HasPrefix(name, "svc_") {
		return true
	}

	return operatorUsers[strings.ToLower(name)]
}

// ShouldSkipRole checks if a role should be skipped
func (f *Filter) ShouldSkipRole(name string) bool {
	if !f.skipDefaults {
		return false
	}

	return builtinRoles[strings.ToLower(name)]
}

// ShouldSkipService checks if a catalog service should be skipped. The
// identity entry is keystone itself and stays operator-managed.
func (f *Filter) ShouldSkipService(name, serviceType string) bool {
	if !f.skipDefaults {
		return false
	}

	return strings.EqualFold(serviceType, "identity") || strings.EqualFold(name, "keystone")
}
