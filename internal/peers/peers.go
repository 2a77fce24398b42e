// Package peers stores the bootstrap state shared between operator
// replicas: the service admin password, the bootstrapped flag and the
// identifiers recorded by a successful bootstrap. Only the elected leader
// writes here; everyone reads.
package peers

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sunbeam-operators/keystone-operator/internal/secrets"
)

// Peer data bag keys.
const (
	KeyPassword         = "keystone_password"
	KeyBootstrapped     = "keystone_bootstrapped"
	KeyDefaultDomainID  = "default_domain_id"
	KeyAdminDomainID    = "admin_domain_id"
	KeyAdminProjectID   = "admin_project_id"
	KeyAdminUser        = "admin_user"
	KeyServiceDomainID  = "service_domain_id"
	KeyServiceProjectID = "service_project_id"
)

// PasswordLength is the generated length of the service admin password.
const PasswordLength = 32

// IdentityRefs carries the identifiers a successful bootstrap records.
type IdentityRefs struct {
	DefaultDomainID  string
	AdminDomainID    string
	AdminProjectID   string
	AdminUser        string
	ServiceDomainID  string
	ServiceProjectID string
}

// Bag is the peer data bag for one keystone deployment, persisted in the
// secret "<app>-peers".
type Bag struct {
	store     secrets.Store
	namespace string
	name      string
}

// SecretNameFor returns the peer bag secret name for an application.
func SecretNameFor(app string) string {
	return fmt.Sprintf("%s-peers", app)
}

// New returns the peer bag for the named keystone deployment.
func New(store secrets.Store, namespace, app string) *Bag {
	return &Bag{
		store:     store,
		namespace: namespace,
		name:      SecretNameFor(app),
	}
}

// SecretName returns the name of the backing secret.
func (b *Bag) SecretName() string {
	return b.name
}

// Ensure creates the backing secret if it does not exist.
func (b *Bag) Ensure(ctx context.Context, owner client.Object) error {
	_, _, err := b.store.Ensure(ctx, b.namespace, secrets.Secret{
		Name: b.name,
		Data: map[string][]byte{},
	}, owner)
	return err
}

// Password returns the stored service admin password, or the empty string
// when none is set yet.
func (b *Bag) Password(ctx context.Context) (string, error) {
	data, err := b.data(ctx)
	if err != nil {
		return "", err
	}
	return string(data[KeyPassword]), nil
}

// EnsurePassword generates and stores the service admin password if absent
// and returns the stored value. Leader-only.
func (b *Bag) EnsurePassword(ctx context.Context, owner client.Object) (string, error) {
	data, err := b.data(ctx)
	if err != nil {
		return "", err
	}
	if pw := string(data[KeyPassword]); pw != "" {
		return pw, nil
	}
	pw, err := secrets.GeneratePassword(PasswordLength)
	if err != nil {
		return "", err
	}
	data[KeyPassword] = []byte(pw)
	if err := b.apply(ctx, data, owner); err != nil {
		return "", err
	}
	return pw, nil
}

// IsBootstrapped reports whether the bootstrapped flag is set. An absent
// bag or flag reads as false.
func (b *Bag) IsBootstrapped(ctx context.Context) (bool, error) {
	data, err := b.data(ctx)
	if err != nil {
		return false, err
	}
	raw, ok := data[KeyBootstrapped]
	if !ok {
		return false, nil
	}
	var bootstrapped bool
	if err := json.Unmarshal(raw, &bootstrapped); err != nil {
		return false, fmt.Errorf("malformed %s value %q: %w", KeyBootstrapped, raw, err)
	}
	return bootstrapped, nil
}

// SetBootstrapped marks the deployment bootstrapped and records the
// identifiers. Passing nil refs clears the flag and the identifiers while
// keeping the password. Leader-only.
func (b *Bag) SetBootstrapped(ctx context.Context, refs *IdentityRefs, owner client.Object) error {
	data, err := b.data(ctx)
	if err != nil {
		return err
	}
	if refs == nil {
		data[KeyBootstrapped] = mustJSON(false)
		for _, key := range []string{
			KeyDefaultDomainID, KeyAdminDomainID, KeyAdminProjectID,
			KeyAdminUser, KeyServiceDomainID, KeyServiceProjectID,
		} {
			delete(data, key)
		}
		return b.apply(ctx, data, owner)
	}

	data[KeyBootstrapped] = mustJSON(true)
	data[KeyDefaultDomainID] = []byte(refs.DefaultDomainID)
	data[KeyAdminDomainID] = []byte(refs.AdminDomainID)
	data[KeyAdminProjectID] = []byte(refs.AdminProjectID)
	data[KeyAdminUser] = []byte(refs.AdminUser)
	data[KeyServiceDomainID] = []byte(refs.ServiceDomainID)
	data[KeyServiceProjectID] = []byte(refs.ServiceProjectID)
	return b.apply(ctx, data, owner)
}

// Refs returns the identifiers recorded by the last successful bootstrap.
func (b *Bag) Refs(ctx context.Context) (*IdentityRefs, error) {
	data, err := b.data(ctx)
	if err != nil {
		return nil, err
	}
	return &IdentityRefs{
		DefaultDomainID:  string(data[KeyDefaultDomainID]),
		AdminDomainID:    string(data[KeyAdminDomainID]),
		AdminProjectID:   string(data[KeyAdminProjectID]),
		AdminUser:        string(data[KeyAdminUser]),
		ServiceDomainID:  string(data[KeyServiceDomainID]),
		ServiceProjectID: string(data[KeyServiceProjectID]),
	}, nil
}

func (b *Bag) data(ctx context.Context) (map[string][]byte, error) {
	sec, err := b.store.Get(ctx, b.namespace, b.name)
	if errors.IsNotFound(err) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read peer state: %w", err)
	}
	data := make(map[string][]byte, len(sec.Data))
	for key, val := range sec.Data {
		data[key] = val
	}
	return data, nil
}

func (b *Bag) apply(ctx context.Context, data map[string][]byte, owner client.Object) error {
	if err := b.store.Apply(ctx, b.namespace, secrets.Secret{Name: b.name, Data: data}, owner); err != nil {
		return fmt.Errorf("failed to write peer state: %w", err)
	}
	return nil
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
