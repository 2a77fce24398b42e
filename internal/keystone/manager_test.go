package keystone

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/sunbeam-operators/keystone-operator/internal/container"
)

// scriptedExecutor records executed commands and can fail a chosen step.
type scriptedExecutor struct {
	commands [][]string
	targets  []container.Target
	failOn   string
}

func (s *scriptedExecutor) Exec(ctx context.Context, target container.Target, command []string) (string, error) {
	s.commands = append(s.commands, command)
	s.targets = append(s.targets, target)
	joined := strings.Join(command, " ")
	if s.failOn != "" && strings.Contains(joined, s.failOn) {
		return "", fmt.Errorf("command %q failed in %s: exit status 1", joined, target)
	}
	return "", nil
}

func (s *scriptedExecutor) FetchDir(ctx context.Context, target container.Target, dir string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func testDeployment() Deployment {
	return Deployment{
		AdminUser:       "admin",
		AdminPassword:   "admin-pass",
		AdminRole:       "admin",
		ServiceProject:  "services",
		ServicePassword: "svc-admin-pass",
		Regions:         []string{"RegionOne"},
		AdminURL:        "http://keystone.openstack.svc:35357/v3",
		InternalURL:     "http://keystone.openstack.svc:5000/v3",
		PublicURL:       "http://keystone.openstack.svc:5000/v3",
	}
}

func testTarget() container.Target {
	return container.Target{Namespace: "openstack", Pod: "keystone-0", Container: "keystone"}
}

func (f *fakeIdentity) domainByName(name string) *Domain {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.domains {
		if f.domains[i].Name == name {
			domain := f.domains[i]
			return &domain
		}
	}
	return nil
}

func (f *fakeIdentity) projectByName(name string) *Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.projects {
		if f.projects[i].Name == name {
			project := f.projects[i]
			return &project
		}
	}
	return nil
}

func (f *fakeIdentity) roleByName(name string) *Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.roles {
		if f.roles[i].Name == name {
			role := f.roles[i]
			return &role
		}
	}
	return nil
}

func (f *fakeIdentity) endpointsFor(serviceID string) []Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Endpoint
	for _, e := range f.endpoints {
		if e.ServiceID == serviceID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeIdentity) grantList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.grants...)
}

func TestSetupIdentityServiceRunsStepsInOrder(t *testing.T) {
	exec := &scriptedExecutor{}
	target := testTarget()
	var statuses []string
	m := NewManager(ManagerConfig{
		Executor:   exec,
		Target:     target,
		Deployment: testDeployment(),
		Status:     func(s string) { statuses = append(statuses, s) },
	}, logr.Discard())

	if err := m.SetupIdentityService(context.Background()); err != nil {
		t.Fatalf("SetupIdentityService() error = %v", err)
	}

	want := [][]string{
		{"sudo", "-u", "keystone", "keystone-manage", "--config-dir", "/etc/keystone", "db_sync"},
		{"sudo", "-u", "keystone", "keystone-manage", "--config-dir", "/etc/keystone", "fernet_setup"},
		{"sudo", "-u", "keystone", "keystone-manage", "--config-dir", "/etc/keystone", "credential_setup"},
		{
			"keystone-manage", "--config-dir", "/etc/keystone", "bootstrap",
			"--bootstrap-username", "_keystone-operator-admin",
			"--bootstrap-password", "svc-admin-pass",
			"--bootstrap-project-name", "admin",
			"--bootstrap-role-name", "admin",
			"--bootstrap-service-name", "keystone",
			"--bootstrap-admin-url", "http://keystone.openstack.svc:35357/v3",
			"--bootstrap-public-url", "http://keystone.openstack.svc:5000/v3",
			"--bootstrap-internal-url", "http://keystone.openstack.svc:5000/v3",
			"--bootstrap-region-id", "RegionOne",
		},
	}
	if !reflect.DeepEqual(exec.commands, want) {
		t.Errorf("commands =\n%v\nwant\n%v", exec.commands, want)
	}
	for i, got := range exec.targets {
		if got != target {
			t.Errorf("command %d ran in %s, want %s", i, got, target)
		}
	}

	wantStatuses := []string{
		"Syncing database",
		"Setting up fernet tokens",
		"Setting up credentials",
		"Bootstrapping Keystone",
	}
	if !reflect.DeepEqual(statuses, wantStatuses) {
		t.Errorf("statuses = %v, want %v", statuses, wantStatuses)
	}
}

func TestSetupIdentityServiceAbortsOnFirstFailure(t *testing.T) {
	exec := &scriptedExecutor{failOn: "fernet_setup"}
	m := NewManager(ManagerConfig{
		Executor:   exec,
		Target:     testTarget(),
		Deployment: testDeployment(),
	}, logr.Discard())

	err := m.SetupIdentityService(context.Background())
	if err == nil {
		t.Fatal("expected the fernet failure to surface")
	}

	var bootstrapErr *BootstrapError
	if !errors.As(err, &bootstrapErr) {
		t.Fatalf("error = %T, want *BootstrapError", err)
	}
	if bootstrapErr.Step != "fernet setup" {
		t.Errorf("Step = %q, want fernet setup", bootstrapErr.Step)
	}
	if len(exec.commands) != 2 {
		t.Errorf("ran %d commands after the failure, want 2", len(exec.commands))
	}
}

func TestSetupIdentityServiceRequiresExecutor(t *testing.T) {
	m := NewManager(ManagerConfig{Deployment: testDeployment()}, logr.Discard())

	err := m.SetupIdentityService(context.Background())
	var bootstrapErr *BootstrapError
	if !errors.As(err, &bootstrapErr) {
		t.Fatalf("error = %v, want *BootstrapError", err)
	}
	if !strings.Contains(err.Error(), "no container executor configured") {
		t.Errorf("error = %v", err)
	}
}

func TestSetupInitialProjectsAndUsers(t *testing.T) {
	f := newFakeIdentity(t)
	// The bootstrap command creates the default domain; names match
	// case-insensitively
	defaultDomain := f.addDomain("Default")
	m := NewManager(ManagerConfig{
		Client:     testClient(f, Config{SystemScope: true}),
		Deployment: testDeployment(),
	}, logr.Discard())

	result, err := m.SetupInitialProjectsAndUsers(context.Background())
	if err != nil {
		t.Fatalf("SetupInitialProjectsAndUsers() error = %v", err)
	}

	if result.DefaultDomainID != defaultDomain.ID {
		t.Errorf("DefaultDomainID = %q, want %q", result.DefaultDomainID, defaultDomain.ID)
	}

	adminDomain := f.domainByName("admin_domain")
	if adminDomain == nil || result.AdminDomainID != adminDomain.ID {
		t.Fatalf("admin_domain = %+v, result.AdminDomainID = %q", adminDomain, result.AdminDomainID)
	}
	adminProject := f.projectByName("admin")
	if adminProject == nil || adminProject.DomainID != adminDomain.ID || result.AdminProjectID != adminProject.ID {
		t.Fatalf("admin project = %+v, result.AdminProjectID = %q", adminProject, result.AdminProjectID)
	}
	adminUser := f.userByName("admin")
	if adminUser == nil || adminUser.DomainID != adminDomain.ID {
		t.Fatalf("admin user = %+v", adminUser)
	}
	if result.AdminUserName != "admin" || result.AdminUserID != adminUser.ID {
		t.Errorf("result admin user = %s/%s, want admin/%s", result.AdminUserName, result.AdminUserID, adminUser.ID)
	}

	serviceDomain := f.domainByName("service_domain")
	if serviceDomain == nil || result.ServiceDomainID != serviceDomain.ID {
		t.Fatalf("service_domain = %+v, result.ServiceDomainID = %q", serviceDomain, result.ServiceDomainID)
	}
	serviceProject := f.projectByName("services")
	if serviceProject == nil || serviceProject.DomainID != serviceDomain.ID || result.ServiceProjectID != serviceProject.ID {
		t.Fatalf("services project = %+v, result.ServiceProjectID = %q", serviceProject, result.ServiceProjectID)
	}

	memberRole := f.roleByName("Member")
	adminRole := f.roleByName("admin")
	if memberRole == nil || adminRole == nil {
		t.Fatalf("roles Member=%v admin=%v, want both", memberRole, adminRole)
	}

	wantGrants := []string{
		fmt.Sprintf("project:%s user:%s role:%s", adminProject.ID, adminUser.ID, memberRole.ID),
		fmt.Sprintf("project:%s user:%s role:%s", adminProject.ID, adminUser.ID, adminRole.ID),
		fmt.Sprintf("domain:%s user:%s role:%s", adminDomain.ID, adminUser.ID, adminRole.ID),
	}
	if got := f.grantList(); !reflect.DeepEqual(got, wantGrants) {
		t.Errorf("grants = %v, want %v", got, wantGrants)
	}

	// Keystone's own catalog entries come along
	keystoneService := f.serviceByName("keystone")
	if keystoneService == nil || keystoneService.Type != "identity" {
		t.Fatalf("keystone service = %+v", keystoneService)
	}
	endpoints := f.endpointsFor(keystoneService.ID)
	if len(endpoints) != 3 {
		t.Fatalf("keystone has %d endpoints, want 3", len(endpoints))
	}
	urls := map[string]string{}
	for _, endpoint := range endpoints {
		if endpoint.Region != "RegionOne" {
			t.Errorf("endpoint %s in region %q, want RegionOne", endpoint.ID, endpoint.Region)
		}
		urls[endpoint.Interface] = endpoint.URL
	}
	dep := testDeployment()
	if urls["admin"] != dep.AdminURL || urls["internal"] != dep.InternalURL || urls["public"] != dep.PublicURL {
		t.Errorf("endpoint urls = %v", urls)
	}
}

func TestSetupInitialProjectsAndUsersIsIdempotent(t *testing.T) {
	f := newFakeIdentity(t)
	f.addDomain("default")
	m := NewManager(ManagerConfig{
		Client:     testClient(f, Config{SystemScope: true}),
		Deployment: testDeployment(),
	}, logr.Discard())
	ctx := context.Background()

	first, err := m.SetupInitialProjectsAndUsers(ctx)
	if err != nil {
		t.Fatalf("first run error = %v", err)
	}
	countsAfterFirst := f.counts()

	second, err := m.SetupInitialProjectsAndUsers(ctx)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}

	if *first != *second {
		t.Errorf("results differ across runs:\nfirst  %+v\nsecond %+v", *first, *second)
	}
	if got := f.counts(); got != countsAfterFirst {
		t.Errorf("second run created entities: %+v, want %+v", got, countsAfterFirst)
	}
}

func TestSetupInitialProjectsAndUsersRequiresBootstrap(t *testing.T) {
	f := newFakeIdentity(t)
	m := NewManager(ManagerConfig{
		Client:     testClient(f, Config{SystemScope: true}),
		Deployment: testDeployment(),
	}, logr.Discard())

	_, err := m.SetupInitialProjectsAndUsers(context.Background())
	if err == nil {
		t.Fatal("expected an error without the default domain")
	}
	var bootstrapErr *BootstrapError
	if !errors.As(err, &bootstrapErr) {
		t.Fatalf("error = %T, want *BootstrapError", err)
	}
	if bootstrapErr.Step != "initial projects and users setup" {
		t.Errorf("Step = %q", bootstrapErr.Step)
	}
	if !strings.Contains(err.Error(), "default domain not found") {
		t.Errorf("error = %v", err)
	}
}

func TestEnsureServiceAccount(t *testing.T) {
	f := newFakeIdentity(t)
	serviceDomain := f.addDomain("service_domain")
	servicesProject := f.addProject("services", serviceDomain.ID)
	m := NewManager(ManagerConfig{
		Client:     testClient(f, Config{SystemScope: true}),
		Deployment: testDeployment(),
	}, logr.Discard())
	ctx := context.Background()

	user, created, err := m.EnsureServiceAccount(ctx, "svc_cinder", "first-password")
	if err != nil {
		t.Fatalf("EnsureServiceAccount() error = %v", err)
	}
	if !created {
		t.Error("created = false on first call, want true")
	}
	stored := f.userByName("svc_cinder")
	if stored == nil || stored.DomainID != serviceDomain.ID || stored.Password != "first-password" {
		t.Fatalf("stored user = %+v", stored)
	}

	adminRole := f.roleByName("admin")
	if adminRole == nil {
		t.Fatal("admin role was not ensured")
	}
	wantGrant := fmt.Sprintf("project:%s user:%s role:%s", servicesProject.ID, user.ID, adminRole.ID)
	grants := f.grantList()
	if len(grants) != 1 || grants[0] != wantGrant {
		t.Errorf("grants = %v, want [%s]", grants, wantGrant)
	}

	// A second call with a different password keeps the existing account
	// untouched
	again, created, err := m.EnsureServiceAccount(ctx, "svc_cinder", "other-password")
	if err != nil {
		t.Fatalf("EnsureServiceAccount() second call error = %v", err)
	}
	if created {
		t.Error("created = true on second call, want false")
	}
	if again.ID != user.ID {
		t.Errorf("second call returned user %s, want %s", again.ID, user.ID)
	}
	if stored := f.userByName("svc_cinder"); stored.Password != "first-password" {
		t.Errorf("password = %q, want the original", stored.Password)
	}
}

func TestEnsureServiceAccountRequiresServiceDomain(t *testing.T) {
	f := newFakeIdentity(t)
	m := NewManager(ManagerConfig{
		Client:     testClient(f, Config{SystemScope: true}),
		Deployment: testDeployment(),
	}, logr.Discard())

	_, _, err := m.EnsureServiceAccount(context.Background(), "svc_cinder", "pw")
	if err == nil || !strings.Contains(err.Error(), "service domain not found") {
		t.Errorf("error = %v, want missing service domain", err)
	}
}

func TestUpdateServiceCatalogRegionsAndDrift(t *testing.T) {
	f := newFakeIdentity(t)
	dep := testDeployment()
	dep.Regions = []string{"RegionOne", "RegionTwo"}
	m := NewManager(ManagerConfig{
		Client:     testClient(f, Config{SystemScope: true}),
		Deployment: dep,
	}, logr.Discard())
	ctx := context.Background()

	if err := m.UpdateServiceCatalog(ctx); err != nil {
		t.Fatalf("UpdateServiceCatalog() error = %v", err)
	}

	service := f.serviceByName("keystone")
	if service == nil || service.Type != "identity" {
		t.Fatalf("keystone service = %+v", service)
	}
	counts := f.counts()
	if counts.services != 1 || counts.regions != 2 || counts.endpoints != 6 {
		t.Fatalf("counts = %+v, want 1 service, 2 regions, 6 endpoints", counts)
	}

	// Re-running changes nothing
	if err := m.UpdateServiceCatalog(ctx); err != nil {
		t.Fatalf("UpdateServiceCatalog() rerun error = %v", err)
	}
	if got := f.counts(); got != counts {
		t.Errorf("rerun created entities: %+v, want %+v", got, counts)
	}

	// A changed URL is patched onto the existing endpoints
	moved := dep
	moved.InternalURL = "http://keystone-internal.openstack.svc:5000/v3"
	drifted := NewManager(ManagerConfig{
		Client:     testClient(f, Config{SystemScope: true}),
		Deployment: moved,
	}, logr.Discard())
	if err := drifted.UpdateServiceCatalog(ctx); err != nil {
		t.Fatalf("UpdateServiceCatalog() after drift error = %v", err)
	}
	if got := f.counts(); got != counts {
		t.Errorf("drift update created entities: %+v, want %+v", got, counts)
	}
	for _, endpoint := range f.endpointsFor(service.ID) {
		want := dep.AdminURL
		switch endpoint.Interface {
		case "internal":
			want = moved.InternalURL
		case "public":
			want = dep.PublicURL
		}
		if endpoint.URL != want {
			t.Errorf("%s endpoint in %s = %q, want %q", endpoint.Interface, endpoint.Region, endpoint.URL, want)
		}
	}
}

func TestDeregisterService(t *testing.T) {
	f := newFakeIdentity(t)
	serviceDomain := f.addDomain("service_domain")
	f.addUser("svc_cinder", serviceDomain.ID, "pw")
	cinder := f.addService("cinder", "volumev3")
	f.addEndpoint(cinder.ID, "public", "RegionOne", "http://cinder:8776/v3")
	f.addEndpoint(cinder.ID, "internal", "RegionOne", "http://cinder:8776/v3")
	glance := f.addService("glance", "image")
	f.addEndpoint(glance.ID, "public", "RegionOne", "http://glance:9292")

	m := NewManager(ManagerConfig{
		Client:     testClient(f, Config{SystemScope: true}),
		Deployment: testDeployment(),
	}, logr.Discard())
	ctx := context.Background()

	if err := m.DeregisterService(ctx, "cinder", "svc_cinder"); err != nil {
		t.Fatalf("DeregisterService() error = %v", err)
	}

	if f.serviceByName("cinder") != nil {
		t.Error("cinder service still registered")
	}
	if f.userByName("svc_cinder") != nil {
		t.Error("svc_cinder account still present")
	}
	if f.serviceByName("glance") == nil {
		t.Error("glance service was removed")
	}
	counts := f.counts()
	if counts.endpoints != 1 {
		t.Errorf("endpoints = %d, want only glance's left", counts.endpoints)
	}

	// Deregistering an absent service is a no-op
	if err := m.DeregisterService(ctx, "cinder", "svc_cinder"); err != nil {
		t.Fatalf("DeregisterService() rerun error = %v", err)
	}
	if got := f.counts(); got != counts {
		t.Errorf("rerun changed state: %+v, want %+v", got, counts)
	}
}

func TestGrantRoleRequiresExactlyOneTarget(t *testing.T) {
	m := NewManager(ManagerConfig{Deployment: testDeployment()}, logr.Discard())
	role := &Role{ID: "rol-1", Name: "admin"}
	user := &User{ID: "usr-1", Name: "admin"}
	ctx := context.Background()

	if err := m.GrantRole(ctx, role, user, nil, nil); err == nil ||
		!strings.Contains(err.Error(), "exactly one of project or domain") {
		t.Errorf("GrantRole(nil, nil) error = %v", err)
	}
	if err := m.GrantRole(ctx, role, user, &Project{ID: "prj-1"}, &Domain{ID: "dom-1"}); err == nil ||
		!strings.Contains(err.Error(), "exactly one of project or domain") {
		t.Errorf("GrantRole(project, domain) error = %v", err)
	}
}
