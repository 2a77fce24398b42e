package keystone

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sunbeam-operators/keystone-operator/internal/container"
)

// Paths inside the workload container.
const (
	// ConfigDir is the directory keystone-manage reads configuration from
	ConfigDir = "/etc/keystone"

	// FernetKeyRepository holds the fernet token signing keys
	FernetKeyRepository = "/etc/keystone/fernet-keys"

	// CredentialKeyRepository holds the credential encryption keys
	CredentialKeyRepository = "/etc/keystone/credential-keys"
)

// Well-known identity names.
const (
	// ServiceAdminUsername is the admin account reserved for the operator's
	// own use; the bootstrap command creates it in the Default domain
	ServiceAdminUsername = "_keystone-operator-admin"

	// AdminDomainName is the domain holding administrator accounts
	AdminDomainName = "admin_domain"

	// AdminProjectName is the administrative project inside AdminDomainName
	AdminProjectName = "admin"

	// ServiceDomainName is the domain holding service accounts
	ServiceDomainName = "service_domain"

	// DefaultDomainName is the domain the bootstrap command creates
	DefaultDomainName = "default"

	// MemberRoleName is the regular membership role
	MemberRoleName = "Member"
)

const defaultDescription = "Created by Keystone operator"

// BootstrapError is the single failure kind of the bootstrap sequence: any
// CLI or API error during a step is wrapped into it and aborts the whole
// sequence.
type BootstrapError struct {
	Step string
	Err  error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Deployment describes the keystone deployment under management.
type Deployment struct {
	// AdminUser and AdminPassword are the cloud administrator credentials
	AdminUser     string
	AdminPassword string

	// AdminRole is the role granted to administrator accounts
	AdminRole string

	// ServiceProject is the project holding service accounts
	ServiceProject string

	// ServicePassword is the password of ServiceAdminUsername
	ServicePassword string

	// Regions lists the regions to register; the first is the bootstrap
	// region
	Regions []string

	// Endpoint URLs registered for keystone itself
	AdminURL    string
	InternalURL string
	PublicURL   string
}

// StatusFunc receives human-readable progress messages while a long
// operation runs.
type StatusFunc func(status string)

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Client     *Client
	Executor   container.Executor // required for SetupIdentityService
	Target     container.Target
	Deployment Deployment
	Status     StatusFunc
}

// Manager drives a keystone deployment through bootstrap and keeps its
// catalog and initial accounts in the desired state.
type Manager struct {
	client *Client
	exec   container.Executor
	target container.Target
	dep    Deployment
	status StatusFunc
	log    logr.Logger
}

// NewManager creates a manager for one keystone deployment
func NewManager(cfg ManagerConfig, log logr.Logger) *Manager {
	status := cfg.Status
	if status == nil {
		status = func(string) {}
	}
	return &Manager{
		client: cfg.Client,
		exec:   cfg.Executor,
		target: cfg.Target,
		dep:    cfg.Deployment,
		status: status,
		log:    log.WithName("keystone-manager"),
	}
}

// ============================================================================
// Bootstrap CLI sequence
// ============================================================================

// SetupIdentityService runs the one-time initialization inside the workload
// container: database sync, fernet and credential key setup and the
// keystone bootstrap. Steps run strictly in that order and the first
// failure aborts the sequence.
func (m *Manager) SetupIdentityService(ctx context.Context) error {
	if m.exec == nil {
		return &BootstrapError{Step: "bootstrap", Err: fmt.Errorf("no container executor configured")}
	}
	if err := m.syncDatabase(ctx); err != nil {
		return err
	}
	if err := m.fernetSetup(ctx); err != nil {
		return err
	}
	if err := m.credentialSetup(ctx); err != nil {
		return err
	}
	return m.bootstrap(ctx)
}

func (m *Manager) syncDatabase(ctx context.Context) error {
	m.status("Syncing database")
	m.log.Info("syncing database")
	out, err := m.exec.Exec(ctx, m.target, []string{
		"sudo", "-u", "keystone",
		"keystone-manage", "--config-dir", ConfigDir, "db_sync",
	})
	if err != nil {
		m.log.Error(err, "database sync failed")
		return &BootstrapError{Step: "database sync", Err: err}
	}
	m.log.V(1).Info("database sync complete", "output", out)
	return nil
}

func (m *Manager) fernetSetup(ctx context.Context) error {
	m.status("Setting up fernet tokens")
	m.log.Info("setting up fernet tokens")
	out, err := m.exec.Exec(ctx, m.target, []string{
		"sudo", "-u", "keystone",
		"keystone-manage", "--config-dir", ConfigDir, "fernet_setup",
	})
	if err != nil {
		m.log.Error(err, "fernet setup failed")
		return &BootstrapError{Step: "fernet setup", Err: err}
	}
	m.log.V(1).Info("fernet setup complete", "output", out)
	return nil
}

func (m *Manager) credentialSetup(ctx context.Context) error {
	m.status("Setting up credentials")
	m.log.Info("setting up credential keys")
	_, err := m.exec.Exec(ctx, m.target, []string{
		"sudo", "-u", "keystone",
		"keystone-manage", "--config-dir", ConfigDir, "credential_setup",
	})
	if err != nil {
		m.log.Error(err, "credential setup failed")
		return &BootstrapError{Step: "credential setup", Err: err}
	}
	return nil
}

func (m *Manager) bootstrap(ctx context.Context) error {
	m.status("Bootstrapping Keystone")
	m.log.Info("bootstrapping keystone", "region", m.bootstrapRegion())
	_, err := m.exec.Exec(ctx, m.target, []string{
		"keystone-manage", "--config-dir", ConfigDir, "bootstrap",
		"--bootstrap-username", ServiceAdminUsername,
		"--bootstrap-password", m.dep.ServicePassword,
		"--bootstrap-project-name", AdminProjectName,
		"--bootstrap-role-name", m.dep.AdminRole,
		"--bootstrap-service-name", "keystone",
		"--bootstrap-admin-url", m.dep.AdminURL,
		"--bootstrap-public-url", m.dep.PublicURL,
		"--bootstrap-internal-url", m.dep.InternalURL,
		"--bootstrap-region-id", m.bootstrapRegion(),
	})
	if err != nil {
		m.log.Error(err, "bootstrap failed")
		return &BootstrapError{Step: "bootstrap", Err: err}
	}
	return nil
}

func (m *Manager) bootstrapRegion() string {
	if len(m.dep.Regions) == 0 {
		return "RegionOne"
	}
	return m.dep.Regions[0]
}

// ============================================================================
// Initial projects and users
// ============================================================================

// InitialSetupResult carries the identifiers recorded by the initial
// projects and users setup.
type InitialSetupResult struct {
	DefaultDomainID  string
	AdminDomainID    string
	AdminProjectID   string
	AdminUserName    string
	AdminUserID      string
	ServiceDomainID  string
	ServiceProjectID string
}

// SetupInitialProjectsAndUsers creates the administrative and service
// domains, projects, users and role grants a fresh keystone starts out
// with, then registers keystone's own catalog entries. Safe to re-run.
func (m *Manager) SetupInitialProjectsAndUsers(ctx context.Context) (*InitialSetupResult, error) {
	m.status("Setting up initial projects and users")
	result, err := m.setupProjectsAndUsers(ctx)
	if err != nil {
		m.log.Error(err, "initial projects and users setup failed")
		return nil, &BootstrapError{Step: "initial projects and users setup", Err: err}
	}
	return result, nil
}

func (m *Manager) setupProjectsAndUsers(ctx context.Context) (*InitialSetupResult, error) {
	result := &InitialSetupResult{}

	defaultDomain, err := m.GetDomain(ctx, DefaultDomainName)
	if err != nil {
		return nil, err
	}
	if defaultDomain == nil {
		return nil, fmt.Errorf("default domain not found; was keystone bootstrapped?")
	}
	result.DefaultDomainID = defaultDomain.ID

	adminDomain, adminProject, adminUser, err := m.setupAdminAccounts(ctx)
	if err != nil {
		return nil, err
	}
	result.AdminDomainID = adminDomain.ID
	result.AdminProjectID = adminProject.ID
	result.AdminUserName = adminUser.Name
	result.AdminUserID = adminUser.ID

	serviceDomain, serviceProject, err := m.setupServiceAccounts(ctx)
	if err != nil {
		return nil, err
	}
	result.ServiceDomainID = serviceDomain.ID
	result.ServiceProjectID = serviceProject.ID

	if err := m.UpdateServiceCatalog(ctx); err != nil {
		return nil, err
	}

	return result, nil
}

func (m *Manager) setupAdminAccounts(ctx context.Context) (*Domain, *Project, *User, error) {
	adminDomain, err := m.EnsureDomain(ctx, AdminDomainName, true)
	if err != nil {
		return nil, nil, nil, err
	}

	adminProject, err := m.EnsureProject(ctx, AdminProjectName, adminDomain.ID, true)
	if err != nil {
		return nil, nil, nil, err
	}

	adminUser, err := m.EnsureUser(ctx, User{
		Name:     m.dep.AdminUser,
		Password: m.dep.AdminPassword,
		DomainID: adminDomain.ID,
	}, true)
	if err != nil {
		return nil, nil, nil, err
	}

	memberRole, err := m.EnsureRole(ctx, MemberRoleName, true)
	if err != nil {
		return nil, nil, nil, err
	}
	adminRole, err := m.EnsureRole(ctx, m.dep.AdminRole, true)
	if err != nil {
		return nil, nil, nil, err
	}

	// Member and admin on the admin project, admin on the whole domain
	if err := m.GrantRole(ctx, memberRole, adminUser, adminProject, nil); err != nil {
		return nil, nil, nil, err
	}
	if err := m.GrantRole(ctx, adminRole, adminUser, adminProject, nil); err != nil {
		return nil, nil, nil, err
	}
	if err := m.GrantRole(ctx, adminRole, adminUser, nil, adminDomain); err != nil {
		return nil, nil, nil, err
	}

	return adminDomain, adminProject, adminUser, nil
}

func (m *Manager) setupServiceAccounts(ctx context.Context) (*Domain, *Project, error) {
	serviceDomain, err := m.EnsureDomain(ctx, ServiceDomainName, true)
	if err != nil {
		return nil, nil, err
	}

	serviceProject, err := m.EnsureProject(ctx, m.dep.ServiceProject, serviceDomain.ID, true)
	if err != nil {
		return nil, nil, err
	}

	return serviceDomain, serviceProject, nil
}

// UpdateServiceCatalog re-asserts keystone's own service entry and its
// admin, internal and public endpoints in every configured region.
func (m *Manager) UpdateServiceCatalog(ctx context.Context) error {
	service, err := m.EnsureService(ctx, "keystone", "identity", "Keystone Identity Service", true)
	if err != nil {
		return err
	}

	interfaces := []struct {
		name string
		url  string
	}{
		{"admin", m.dep.AdminURL},
		{"internal", m.dep.InternalURL},
		{"public", m.dep.PublicURL},
	}

	for _, region := range m.dep.Regions {
		if _, err := m.EnsureRegion(ctx, region, true); err != nil {
			return err
		}
		for _, iface := range interfaces {
			if _, err := m.EnsureEndpoint(ctx, service, iface.name, region, iface.url, true); err != nil {
				return err
			}
		}
	}

	return nil
}

// EnsureServiceAccount ensures a service user exists in the service domain
// with the admin role on the service project, and returns it. An existing
// user keeps its current password; created reports whether the user was
// just made.
func (m *Manager) EnsureServiceAccount(ctx context.Context, username, password string) (*User, bool, error) {
	serviceDomain, err := m.GetDomain(ctx, ServiceDomainName)
	if err != nil {
		return nil, false, err
	}
	if serviceDomain == nil {
		return nil, false, fmt.Errorf("service domain not found; was keystone bootstrapped?")
	}

	serviceProject, err := m.client.FindProject(ctx, m.dep.ServiceProject, serviceDomain.ID)
	if err != nil {
		return nil, false, err
	}
	if serviceProject == nil {
		return nil, false, fmt.Errorf("service project %s not found in %s", m.dep.ServiceProject, ServiceDomainName)
	}

	user, err := m.client.FindUser(ctx, username, serviceDomain.ID)
	if err != nil {
		return nil, false, err
	}
	created := false
	if user == nil {
		user, err = m.EnsureUser(ctx, User{
			Name:     username,
			Password: password,
			DomainID: serviceDomain.ID,
		}, false)
		if err != nil {
			return nil, false, err
		}
		created = true
	}

	adminRole, err := m.EnsureRole(ctx, m.dep.AdminRole, true)
	if err != nil {
		return nil, false, err
	}
	if err := m.GrantRole(ctx, adminRole, user, serviceProject, nil); err != nil {
		return nil, false, err
	}

	return user, created, nil
}

// UpdateUserPassword resets a user's password.
func (m *Manager) UpdateUserPassword(ctx context.Context, user *User, password string) error {
	if err := m.client.UpdateUserPassword(ctx, user.ID, password); err != nil {
		return fmt.Errorf("failed to update password for %s: %w", user.Name, err)
	}
	return nil
}

// DeregisterService removes a service's catalog entries and its service
// account. Absent resources are skipped.
func (m *Manager) DeregisterService(ctx context.Context, serviceName, username string) error {
	service, err := m.client.FindService(ctx, serviceName)
	if err != nil {
		return err
	}
	if service != nil {
		endpoints, err := m.client.ListEndpoints(ctx, service.ID)
		if err != nil {
			return err
		}
		for _, endpoint := range endpoints {
			if err := m.client.DeleteEndpoint(ctx, endpoint.ID); err != nil {
				return fmt.Errorf("failed to delete %s endpoint %s: %w", serviceName, endpoint.ID, err)
			}
		}
		if err := m.client.DeleteService(ctx, service.ID); err != nil {
			return fmt.Errorf("failed to delete service %s: %w", serviceName, err)
		}
		m.log.Info("deregistered service", "service", serviceName)
	}

	serviceDomain, err := m.GetDomain(ctx, ServiceDomainName)
	if err != nil || serviceDomain == nil {
		return err
	}
	user, err := m.client.FindUser(ctx, username, serviceDomain.ID)
	if err != nil {
		return err
	}
	if user != nil {
		if err := m.client.DeleteUser(ctx, user.ID); err != nil {
			return fmt.Errorf("failed to delete user %s: %w", username, err)
		}
		m.log.Info("deleted service account", "user", username)
	}
	return nil
}

// ============================================================================
// Idempotent resource reconciliation
// ============================================================================

// GetDomain returns the domain with the given case-insensitive name, or nil
// when no such domain exists.
func (m *Manager) GetDomain(ctx context.Context, name string) (*Domain, error) {
	return m.client.FindDomain(ctx, name)
}

// GetUser returns the user with the given case-insensitive name within a
// domain, or nil when no such user exists.
func (m *Manager) GetUser(ctx context.Context, name, domainID string) (*User, error) {
	return m.client.FindUser(ctx, name, domainID)
}

// EnsureDomain returns the named domain, creating it when absent. With
// mayExist an existing domain is returned as is; without it an existing
// domain makes the create fail.
func (m *Manager) EnsureDomain(ctx context.Context, name string, mayExist bool) (*Domain, error) {
	if mayExist {
		domain, err := m.client.FindDomain(ctx, name)
		if err != nil {
			return nil, err
		}
		if domain != nil {
			m.log.V(1).Info("domain already exists", "domain", name, "id", domain.ID)
			return domain, nil
		}
	}

	domain, err := m.client.CreateDomain(ctx, Domain{
		Name:        name,
		Description: defaultDescription,
		Enabled:     boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create domain %s: %w", name, err)
	}
	m.log.Info("created domain", "domain", name, "id", domain.ID)
	return domain, nil
}

// EnsureProject returns the named project within a domain, creating it when
// absent.
func (m *Manager) EnsureProject(ctx context.Context, name, domainID string, mayExist bool) (*Project, error) {
	if mayExist {
		project, err := m.client.FindProject(ctx, name, domainID)
		if err != nil {
			return nil, err
		}
		if project != nil {
			m.log.V(1).Info("project already exists", "project", name, "id", project.ID)
			return project, nil
		}
	}

	project, err := m.client.CreateProject(ctx, Project{
		Name:        name,
		DomainID:    domainID,
		Description: defaultDescription,
		Enabled:     boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create project %s: %w", name, err)
	}
	m.log.Info("created project", "project", name, "id", project.ID)
	return project, nil
}

// EnsureUser returns the user described by user, creating it when absent.
// The password applies to a created user only.
func (m *Manager) EnsureUser(ctx context.Context, user User, mayExist bool) (*User, error) {
	if mayExist {
		existing, err := m.client.FindUser(ctx, user.Name, user.DomainID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			m.log.V(1).Info("user already exists", "user", user.Name, "id", existing.ID)
			return existing, nil
		}
	}

	if user.Enabled == nil {
		user.Enabled = boolPtr(true)
	}
	if user.Description == "" {
		user.Description = defaultDescription
	}
	created, err := m.client.CreateUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", user.Name, err)
	}
	m.log.Info("created user", "user", created.Name, "id", created.ID)
	return created, nil
}

// EnsureRole returns the named role, creating it when absent.
func (m *Manager) EnsureRole(ctx context.Context, name string, mayExist bool) (*Role, error) {
	if mayExist {
		role, err := m.client.FindRole(ctx, name)
		if err != nil {
			return nil, err
		}
		if role != nil {
			m.log.V(1).Info("role already exists", "role", name, "id", role.ID)
			return role, nil
		}
	}

	role, err := m.client.CreateRole(ctx, Role{Name: name})
	if err != nil {
		return nil, fmt.Errorf("failed to create role %s: %w", name, err)
	}
	m.log.Info("created role", "role", name, "id", role.ID)
	return role, nil
}

// GrantRole assigns role to user on exactly one of project or domain. The
// grant is idempotent.
func (m *Manager) GrantRole(ctx context.Context, role *Role, user *User, project *Project, domain *Domain) error {
	if (project == nil) == (domain == nil) {
		return fmt.Errorf("exactly one of project or domain must be given")
	}
	if project != nil {
		if err := m.client.GrantRoleOnProject(ctx, role.ID, user.ID, project.ID); err != nil {
			return fmt.Errorf("failed to grant %s to %s on project %s: %w", role.Name, user.Name, project.Name, err)
		}
		return nil
	}
	if err := m.client.GrantRoleOnDomain(ctx, role.ID, user.ID, domain.ID); err != nil {
		return fmt.Errorf("failed to grant %s to %s on domain %s: %w", role.Name, user.Name, domain.Name, err)
	}
	return nil
}

// EnsureRegion returns the region with the given ID, creating it when
// absent.
func (m *Manager) EnsureRegion(ctx context.Context, id string, mayExist bool) (*Region, error) {
	if mayExist {
		region, err := m.client.FindRegion(ctx, id)
		if err != nil {
			return nil, err
		}
		if region != nil {
			m.log.V(1).Info("region already exists", "region", id)
			return region, nil
		}
	}

	region, err := m.client.CreateRegion(ctx, Region{
		ID:          id,
		Description: defaultDescription,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create region %s: %w", id, err)
	}
	m.log.Info("created region", "region", id)
	return region, nil
}

// EnsureService returns the named catalog service, creating it when absent.
func (m *Manager) EnsureService(ctx context.Context, name, serviceType, description string, mayExist bool) (*Service, error) {
	if mayExist {
		service, err := m.client.FindService(ctx, name)
		if err != nil {
			return nil, err
		}
		if service != nil {
			m.log.V(1).Info("service already exists", "service", name, "id", service.ID)
			return service, nil
		}
	}

	service, err := m.client.CreateService(ctx, Service{
		Name:        name,
		Type:        serviceType,
		Description: description,
		Enabled:     boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create service %s: %w", name, err)
	}
	m.log.Info("created service", "service", name, "id", service.ID)
	return service, nil
}

// EnsureEndpoint returns the endpoint of service for the given interface
// and region, creating it when absent. An existing endpoint whose URL
// differs is patched to the desired URL.
func (m *Manager) EnsureEndpoint(ctx context.Context, service *Service, iface, region, url string, mayExist bool) (*Endpoint, error) {
	if mayExist {
		endpoint, err := m.client.FindEndpoint(ctx, service.ID, iface, region)
		if err != nil {
			return nil, err
		}
		if endpoint != nil {
			if endpoint.URL != url {
				if err := m.client.UpdateEndpointURL(ctx, endpoint.ID, url); err != nil {
					return nil, fmt.Errorf("failed to update %s %s endpoint: %w", service.Name, iface, err)
				}
				m.log.Info("updated endpoint url", "service", service.Name, "interface", iface, "region", region, "url", url)
				endpoint.URL = url
			}
			return endpoint, nil
		}
	}

	endpoint, err := m.client.CreateEndpoint(ctx, Endpoint{
		Interface: iface,
		Region:    region,
		ServiceID: service.ID,
		URL:       url,
		Enabled:   boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s %s endpoint: %w", service.Name, iface, err)
	}
	m.log.Info("created endpoint", "service", service.Name, "interface", iface, "region", region, "url", url)
	return endpoint, nil
}

func boolPtr(b bool) *bool { return &b }
