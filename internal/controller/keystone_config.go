package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
	"github.com/sunbeam-operators/keystone-operator/internal/peers"
	"github.com/sunbeam-operators/keystone-operator/internal/render"
)

// FinalizerName guards external cleanup on deletion.
const FinalizerName = "keystone.sunbeam-operators.io/finalizer"

// Default timing constants
const (
	// DefaultSyncPeriod is the default interval for re-checking successfully reconciled resources.
	// This allows detecting drift in keystone and ensuring resources stay in sync.
	DefaultSyncPeriod = 5 * time.Minute

	// RequeueDelay is the delay before rechecking a resource that is waiting
	// on a precondition (workload starting, database credentials pending).
	RequeueDelay = 10 * time.Second

	// ErrorRequeueDelay is the delay before retrying after a failure.
	ErrorRequeueDelay = 30 * time.Second
)

// Global controller configuration (set once at startup)
var (
	globalSyncPeriod     = DefaultSyncPeriod
	globalSyncPeriodOnce sync.Once
)

// SetSyncPeriod sets the global sync period for all controllers.
// This should only be called once during initialization, before any controllers start.
func SetSyncPeriod(d time.Duration) {
	globalSyncPeriodOnce.Do(func() {
		globalSyncPeriod = d
	})
}

// GetSyncPeriod returns the configured sync period for controllers.
func GetSyncPeriod() time.Duration {
	return globalSyncPeriod
}

// Deterministic names of the objects managed per KeystoneAPI.
func fernetKeysSecretName(api *keystonev1beta1.KeystoneAPI) string {
	return fmt.Sprintf("%s.fernet-keys", api.Name)
}

func credentialKeysSecretName(api *keystonev1beta1.KeystoneAPI) string {
	return fmt.Sprintf("%s.credential-keys", api.Name)
}

func adminPasswordSecretName(api *keystonev1beta1.KeystoneAPI) string {
	return fmt.Sprintf("%s-admin-password", api.Name)
}

func configMapName(api *keystonev1beta1.KeystoneAPI) string {
	return fmt.Sprintf("%s-config", api.Name)
}

func credentialsSecretName(svc *keystonev1beta1.KeystoneService) string {
	return fmt.Sprintf("%s-credentials", svc.Name)
}

// GetDatabaseContextFromAPI resolves the database credentials secret of a
// KeystoneAPI into a render context. A missing secret or missing keys mean
// the database is not ready yet.
func GetDatabaseContextFromAPI(ctx context.Context, c client.Client, api *keystonev1beta1.KeystoneAPI) (render.DatabaseContext, error) {
	ref := api.Spec.Database.SecretRef

	secretNamespace := api.Namespace
	if ref.Namespace != nil {
		secretNamespace = *ref.Namespace
	}
	secretName := types.NamespacedName{
		Name:      ref.Name,
		Namespace: secretNamespace,
	}

	secret := &corev1.Secret{}
	if err := c.Get(ctx, secretName, secret); err != nil {
		return render.DatabaseContext{}, fmt.Errorf("failed to get database secret: %w", err)
	}

	value := func(key, fallback string) string {
		if key == "" {
			key = fallback
		}
		return string(secret.Data[key])
	}

	dbCtx := render.NewDatabaseContext(
		value(ref.DatabaseKey, "database"),
		value(ref.UsernameKey, "username"),
		value(ref.PasswordKey, "password"),
		value(ref.HostKey, "host"),
		value(ref.PortKey, "port"),
	)
	if missing := dbCtx.Missing(); len(missing) > 0 {
		return dbCtx, fmt.Errorf("database secret %s is missing %v", secretName, missing)
	}
	return dbCtx, nil
}

// GetKeystoneConfigFromAPI builds the keystone client configuration for the
// operator's own service admin account of a KeystoneAPI deployment. The
// password lives in the peer state secret and exists only once the leader
// has generated it.
func GetKeystoneConfigFromAPI(ctx context.Context, c client.Client, api *keystonev1beta1.KeystoneAPI) (keystone.Config, error) {
	cfg := keystone.Config{
		BaseURL:     api.AuthURL(),
		Username:    keystone.ServiceAdminUsername,
		SystemScope: true,
	}

	secret := &corev1.Secret{}
	secretName := types.NamespacedName{
		Name:      peers.SecretNameFor(api.Name),
		Namespace: api.Namespace,
	}
	if err := c.Get(ctx, secretName, secret); err != nil {
		return cfg, fmt.Errorf("failed to get peer state secret: %w", err)
	}

	password, ok := secret.Data[peers.KeyPassword]
	if !ok || len(password) == 0 {
		return cfg, fmt.Errorf("password key %q not found in secret %s", peers.KeyPassword, secretName)
	}
	cfg.Password = string(password)

	return cfg, nil
}
