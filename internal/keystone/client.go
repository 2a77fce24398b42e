// Package keystone provides a client for the Keystone v3 identity API and
// the manager that drives a keystone deployment through bootstrap.
package keystone

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
)

// Client provides methods to interact with the Keystone v3 API
type Client struct {
	baseURL           string
	username          string
	password          string
	userDomainName    string
	projectName       string
	projectDomainName string
	systemScope       bool

	httpClient  *resty.Client
	limiter     chan struct{}
	token       string
	tokenExpiry time.Time
	tokenMutex  sync.RWMutex
	log         logr.Logger
}

// Config holds Keystone client configuration
type Config struct {
	BaseURL           string
	Username          string
	Password          string
	UserDomainName    string // defaults to "Default"
	ProjectName       string // optional; project-scoped auth
	ProjectDomainName string // defaults to UserDomainName
	SystemScope       bool   // system-scoped auth, takes precedence
}

// NewClient creates a new Keystone client
func NewClient(cfg Config, log logr.Logger) *Client {
	if cfg.UserDomainName == "" {
		cfg.UserDomainName = "Default"
	}
	if cfg.ProjectDomainName == "" {
		cfg.ProjectDomainName = cfg.UserDomainName
	}

	httpClient := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(0)

	return &Client{
		baseURL:           strings.TrimSuffix(cfg.BaseURL, "/"),
		username:          cfg.Username,
		password:          cfg.Password,
		userDomainName:    cfg.UserDomainName,
		projectName:       cfg.ProjectName,
		projectDomainName: cfg.ProjectDomainName,
		systemScope:       cfg.SystemScope,
		httpClient:        httpClient,
		log:               log.WithName("keystone-client"),
	}
}

type authRequest struct {
	Auth authPayload `json:"auth"`
}

type authPayload struct {
	Identity authIdentity `json:"identity"`
	Scope    *authScope   `json:"scope,omitempty"`
}

type authIdentity struct {
	Methods  []string     `json:"methods"`
	Password passwordAuth `json:"password"`
}

type passwordAuth struct {
	User authUser `json:"user"`
}

type authUser struct {
	Name     string    `json:"name"`
	Domain   domainRef `json:"domain"`
	Password string    `json:"password"`
}

type domainRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type authScope struct {
	Project *projectScope `json:"project,omitempty"`
	System  *systemScope  `json:"system,omitempty"`
}

type projectScope struct {
	Name   string    `json:"name"`
	Domain domainRef `json:"domain"`
}

type systemScope struct {
	All bool `json:"all"`
}

type tokenResponse struct {
	Token struct {
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"token"`
}

// getToken gets a valid token, re-authenticating if necessary
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.tokenMutex.RLock()
	if c.isTokenValid() {
		defer c.tokenMutex.RUnlock()
		return c.token, nil
	}
	c.tokenMutex.RUnlock()

	c.tokenMutex.Lock()
	defer c.tokenMutex.Unlock()

	// Double-check after acquiring write lock
	if c.isTokenValid() {
		return c.token, nil
	}

	auth := authRequest{
		Auth: authPayload{
			Identity: authIdentity{
				Methods: []string{"password"},
				Password: passwordAuth{
					User: authUser{
						Name:     c.username,
						Domain:   domainRef{Name: c.userDomainName},
						Password: c.password,
					},
				},
			},
		},
	}
	switch {
	case c.systemScope:
		auth.Auth.Scope = &authScope{System: &systemScope{All: true}}
	case c.projectName != "":
		auth.Auth.Scope = &authScope{
			Project: &projectScope{
				Name:   c.projectName,
				Domain: domainRef{Name: c.projectDomainName},
			},
		}
	}

	var token tokenResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(auth).
		SetResult(&token).
		Post(c.baseURL + "/auth/tokens")

	if err != nil {
		return "", fmt.Errorf("failed to authenticate with Keystone: %w", err)
	}

	if resp.IsError() {
		return "", fmt.Errorf("failed to authenticate with Keystone: %s: %s", resp.Status(), string(resp.Body()))
	}

	subject := resp.Header().Get("X-Subject-Token")
	if subject == "" {
		return "", fmt.Errorf("failed to authenticate with Keystone: no subject token in response")
	}

	c.token = subject
	c.tokenExpiry = token.Token.ExpiresAt

	return c.token, nil
}

// isTokenValid checks if the current token is still valid
func (c *Client) isTokenValid() bool {
	if c.token == "" {
		return false
	}
	// Add a buffer of 30 seconds before expiration
	return time.Now().Add(30 * time.Second).Before(c.tokenExpiry)
}

// Ping checks if the Keystone server is accessible with the configured
// credentials
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.getToken(ctx)
	return err
}

// request creates an authenticated request
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	return c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Auth-Token", token), nil
}

// acquire reserves a slot in the shared request limiter; the returned
// release must be called once the request finished.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	if c.limiter == nil {
		return func() {}, nil
	}
	select {
	case c.limiter <- struct{}{}:
		return func() { <-c.limiter }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ============================================================================
// Generic CRUD Operations
// ============================================================================

// Keystone wraps every entity in a singular envelope on create and get, and
// in a plural envelope on list; create returns the entity in the body.

// create POSTs a wrapped entity and decodes the wrapped response
func (c *Client) create(ctx context.Context, path string, body, result interface{}) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.SetBody(body).SetResult(result).Post(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("%s: %s", resp.Status(), string(resp.Body()))
	}

	return nil
}

// get retrieves a resource
func (c *Client) get(ctx context.Context, path string, params map[string]string, result interface{}) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	if params != nil {
		req.SetQueryParams(params)
	}

	resp, err := req.SetResult(result).Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("%s: %s", resp.Status(), string(resp.Body()))
	}

	return nil
}

// patch updates fields of a resource in place
func (c *Client) patch(ctx context.Context, path string, body interface{}) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.SetBody(body).Patch(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("%s: %s", resp.Status(), string(resp.Body()))
	}

	return nil
}

// put issues a bodyless PUT, used for role grants
func (c *Client) put(ctx context.Context, path string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.Put(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("%s: %s", resp.Status(), string(resp.Body()))
	}

	return nil
}

// delete deletes a resource
func (c *Client) delete(ctx context.Context, path string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.Delete(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("%s: %s", resp.Status(), string(resp.Body()))
	}

	return nil
}

// ============================================================================
// Domain Operations
// ============================================================================

// Domain represents a Keystone domain
type Domain struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// ListDomains lists all domains
func (c *Client) ListDomains(ctx context.Context) ([]Domain, error) {
	var out struct {
		Domains []Domain `json:"domains"`
	}
	if err := c.get(ctx, "/domains", nil, &out); err != nil {
		return nil, err
	}
	return out.Domains, nil
}

// FindDomain finds a domain by case-insensitive name; nil when absent
func (c *Client) FindDomain(ctx context.Context, name string) (*Domain, error) {
	domains, err := c.ListDomains(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range domains {
		if strings.EqualFold(d.Name, name) {
			return &d, nil
		}
	}
	return nil, nil
}

// CreateDomain creates a domain
func (c *Client) CreateDomain(ctx context.Context, domain Domain) (*Domain, error) {
	body := struct {
		Domain Domain `json:"domain"`
	}{Domain: domain}
	var out struct {
		Domain Domain `json:"domain"`
	}
	if err := c.create(ctx, "/domains", body, &out); err != nil {
		return nil, err
	}
	return &out.Domain, nil
}

// ============================================================================
// Project Operations
// ============================================================================

// Project represents a Keystone project
type Project struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	DomainID    string `json:"domain_id,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// ListProjects lists projects, optionally scoped to a domain
func (c *Client) ListProjects(ctx context.Context, domainID string) ([]Project, error) {
	params := map[string]string{}
	if domainID != "" {
		params["domain_id"] = domainID
	}
	var out struct {
		Projects []Project `json:"projects"`
	}
	if err := c.get(ctx, "/projects", params, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// FindProject finds a project by case-insensitive name within a domain;
// nil when absent
func (c *Client) FindProject(ctx context.Context, name, domainID string) (*Project, error) {
	projects, err := c.ListProjects(ctx, domainID)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if strings.EqualFold(p.Name, name) {
			return &p, nil
		}
	}
	return nil, nil
}

// CreateProject creates a project
func (c *Client) CreateProject(ctx context.Context, project Project) (*Project, error) {
	body := struct {
		Project Project `json:"project"`
	}{Project: project}
	var out struct {
		Project Project `json:"project"`
	}
	if err := c.create(ctx, "/projects", body, &out); err != nil {
		return nil, err
	}
	return &out.Project, nil
}

// ============================================================================
// User Operations
// ============================================================================

// User represents a Keystone user
type User struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name,omitempty"`
	DomainID         string `json:"domain_id,omitempty"`
	DefaultProjectID string `json:"default_project_id,omitempty"`
	Email            string `json:"email,omitempty"`
	Description      string `json:"description,omitempty"`
	Password         string `json:"password,omitempty"`
	Enabled          *bool  `json:"enabled,omitempty"`
}

// ListUsers lists users, optionally scoped to a domain
func (c *Client) ListUsers(ctx context.Context, domainID string) ([]User, error) {
	params := map[string]string{}
	if domainID != "" {
		params["domain_id"] = domainID
	}
	var out struct {
		Users []User `json:"users"`
	}
	if err := c.get(ctx, "/users", params, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// FindUser finds a user by case-insensitive name within a domain; nil when
// absent
func (c *Client) FindUser(ctx context.Context, name, domainID string) (*User, error) {
	users, err := c.ListUsers(ctx, domainID)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Name, name) {
			return &u, nil
		}
	}
	return nil, nil
}

// CreateUser creates a user
func (c *Client) CreateUser(ctx context.Context, user User) (*User, error) {
	body := struct {
		User User `json:"user"`
	}{User: user}
	var out struct {
		User User `json:"user"`
	}
	if err := c.create(ctx, "/users", body, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// UpdateUserPassword sets a new password for a user
func (c *Client) UpdateUserPassword(ctx context.Context, userID, password string) error {
	body := struct {
		User User `json:"user"`
	}{User: User{Password: password}}
	return c.patch(ctx, "/users/"+userID, body)
}

// DeleteUser deletes a user
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	return c.delete(ctx, "/users/"+userID)
}

// ============================================================================
// Role Operations
// ============================================================================

// Role represents a Keystone role
type Role struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// ListRoles lists all roles
func (c *Client) ListRoles(ctx context.Context) ([]Role, error) {
	var out struct {
		Roles []Role `json:"roles"`
	}
	if err := c.get(ctx, "/roles", nil, &out); err != nil {
		return nil, err
	}
	return out.Roles, nil
}

// FindRole finds a role by case-insensitive name; nil when absent
func (c *Client) FindRole(ctx context.Context, name string) (*Role, error) {
	roles, err := c.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		if strings.EqualFold(r.Name, name) {
			return &r, nil
		}
	}
	return nil, nil
}

// CreateRole creates a role
func (c *Client) CreateRole(ctx context.Context, role Role) (*Role, error) {
	body := struct {
		Role Role `json:"role"`
	}{Role: role}
	var out struct {
		Role Role `json:"role"`
	}
	if err := c.create(ctx, "/roles", body, &out); err != nil {
		return nil, err
	}
	return &out.Role, nil
}

// GrantRoleOnProject assigns a role to a user on a project. The grant is
// idempotent on the server side.
func (c *Client) GrantRoleOnProject(ctx context.Context, roleID, userID, projectID string) error {
	return c.put(ctx, fmt.Sprintf("/projects/%s/users/%s/roles/%s", projectID, userID, roleID))
}

// GrantRoleOnDomain assigns a role to a user on a domain.
func (c *Client) GrantRoleOnDomain(ctx context.Context, roleID, userID, domainID string) error {
	return c.put(ctx, fmt.Sprintf("/domains/%s/users/%s/roles/%s", domainID, userID, roleID))
}

// ============================================================================
// Region Operations
// ============================================================================

// Region represents a Keystone region
type Region struct {
	ID             string `json:"id,omitempty"`
	Description    string `json:"description,omitempty"`
	ParentRegionID string `json:"parent_region_id,omitempty"`
}

// ListRegions lists all regions
func (c *Client) ListRegions(ctx context.Context) ([]Region, error) {
	var out struct {
		Regions []Region `json:"regions"`
	}
	if err := c.get(ctx, "/regions", nil, &out); err != nil {
		return nil, err
	}
	return out.Regions, nil
}

// FindRegion finds a region by ID; nil when absent
func (c *Client) FindRegion(ctx context.Context, id string) (*Region, error) {
	regions, err := c.ListRegions(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range regions {
		if strings.EqualFold(r.ID, id) {
			return &r, nil
		}
	}
	return nil, nil
}

// CreateRegion creates a region
func (c *Client) CreateRegion(ctx context.Context, region Region) (*Region, error) {
	body := struct {
		Region Region `json:"region"`
	}{Region: region}
	var out struct {
		Region Region `json:"region"`
	}
	if err := c.create(ctx, "/regions", body, &out); err != nil {
		return nil, err
	}
	return &out.Region, nil
}

// ============================================================================
// Service Operations
// ============================================================================

// Service represents a Keystone catalog service
type Service struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// ListServices lists all catalog services
func (c *Client) ListServices(ctx context.Context) ([]Service, error) {
	var out struct {
		Services []Service `json:"services"`
	}
	if err := c.get(ctx, "/services", nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// FindService finds a service by case-insensitive name; nil when absent
func (c *Client) FindService(ctx context.Context, name string) (*Service, error) {
	services, err := c.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range services {
		if strings.EqualFold(s.Name, name) {
			return &s, nil
		}
	}
	return nil, nil
}

// CreateService creates a catalog service
func (c *Client) CreateService(ctx context.Context, service Service) (*Service, error) {
	body := struct {
		Service Service `json:"service"`
	}{Service: service}
	var out struct {
		Service Service `json:"service"`
	}
	if err := c.create(ctx, "/services", body, &out); err != nil {
		return nil, err
	}
	return &out.Service, nil
}

// DeleteService deletes a catalog service
func (c *Client) DeleteService(ctx context.Context, serviceID string) error {
	return c.delete(ctx, "/services/"+serviceID)
}

// ============================================================================
// Endpoint Operations
// ============================================================================

// Endpoint represents a Keystone catalog endpoint
type Endpoint struct {
	ID        string `json:"id,omitempty"`
	Interface string `json:"interface,omitempty"`
	Region    string `json:"region,omitempty"`
	ServiceID string `json:"service_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// ListEndpoints lists endpoints, optionally filtered by service
func (c *Client) ListEndpoints(ctx context.Context, serviceID string) ([]Endpoint, error) {
	params := map[string]string{}
	if serviceID != "" {
		params["service_id"] = serviceID
	}
	var out struct {
		Endpoints []Endpoint `json:"endpoints"`
	}
	if err := c.get(ctx, "/endpoints", params, &out); err != nil {
		return nil, err
	}
	return out.Endpoints, nil
}

// FindEndpoint finds the endpoint of a service for an interface and region;
// nil when absent
func (c *Client) FindEndpoint(ctx context.Context, serviceID, iface, region string) (*Endpoint, error) {
	endpoints, err := c.ListEndpoints(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	for _, e := range endpoints {
		if strings.EqualFold(e.Interface, iface) && strings.EqualFold(e.Region, region) {
			return &e, nil
		}
	}
	return nil, nil
}

// CreateEndpoint creates a catalog endpoint
func (c *Client) CreateEndpoint(ctx context.Context, endpoint Endpoint) (*Endpoint, error) {
	body := struct {
		Endpoint Endpoint `json:"endpoint"`
	}{Endpoint: endpoint}
	var out struct {
		Endpoint Endpoint `json:"endpoint"`
	}
	if err := c.create(ctx, "/endpoints", body, &out); err != nil {
		return nil, err
	}
	return &out.Endpoint, nil
}

// UpdateEndpointURL changes the URL of an existing endpoint
func (c *Client) UpdateEndpointURL(ctx context.Context, endpointID, url string) error {
	body := struct {
		Endpoint Endpoint `json:"endpoint"`
	}{Endpoint: Endpoint{URL: url}}
	return c.patch(ctx, "/endpoints/"+endpointID, body)
}

// DeleteEndpoint deletes a catalog endpoint
func (c *Client) DeleteEndpoint(ctx context.Context, endpointID string) error {
	return c.delete(ctx, "/endpoints/"+endpointID)
}
