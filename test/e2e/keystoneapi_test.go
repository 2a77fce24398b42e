package e2e

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
	"github.com/sunbeam-operators/keystone-operator/internal/peers"
)

func TestKeystoneAPIBootstrap(t *testing.T) {
	skipIfNoCluster(t)

	apiName, apiNS := getOrCreateAPI(t)

	api := &keystonev1beta1.KeystoneAPI{}
	require.NoError(t, k8sClient.Get(ctx, types.NamespacedName{
		Name:      apiName,
		Namespace: apiNS,
	}, api))

	assert.True(t, api.Status.Ready, "expected API to be ready")
	assert.True(t, api.Status.Bootstrapped, "expected API to be bootstrapped")
	assert.Equal(t, "Active", api.Status.Status)

	for _, iface := range []string{"admin", "internal", "public"} {
		assert.Contains(t, api.Status.APIEndpoints, iface)
	}
}

func TestKeystoneAPIManagedObjects(t *testing.T) {
	skipIfNoCluster(t)

	apiName, apiNS := getOrCreateAPI(t)

	// Peer state carries the generated service admin password and the
	// bootstrap flag
	peerSecret := &corev1.Secret{}
	require.NoError(t, k8sClient.Get(ctx, types.NamespacedName{
		Name:      peers.SecretNameFor(apiName),
		Namespace: apiNS,
	}, peerSecret))
	assert.NotEmpty(t, peerSecret.Data[peers.KeyPassword])
	assert.Equal(t, "true", string(peerSecret.Data[peers.KeyBootstrapped]))

	// Fernet and credential key seeds exist before the workload starts
	for _, name := range []string{
		fmt.Sprintf("%s.fernet-keys", apiName),
		fmt.Sprintf("%s.credential-keys", apiName),
	} {
		secret := &corev1.Secret{}
		require.NoError(t, k8sClient.Get(ctx, types.NamespacedName{
			Name:      name,
			Namespace: apiNS,
		}, secret), "missing key secret %s", name)
		assert.NotEmpty(t, secret.Data, "key secret %s is empty", name)
	}

	// Rendered workload configuration
	cm := &corev1.ConfigMap{}
	require.NoError(t, k8sClient.Get(ctx, types.NamespacedName{
		Name:      fmt.Sprintf("%s-config", apiName),
		Namespace: apiNS,
	}, cm))
	assert.Contains(t, cm.Data, "keystone.conf")

	// Workload serves
	dep := &appsv1.Deployment{}
	require.NoError(t, k8sClient.Get(ctx, types.NamespacedName{
		Name:      apiName,
		Namespace: apiNS,
	}, dep))
	assert.GreaterOrEqual(t, dep.Status.ReadyReplicas, int32(1))

	svc := &corev1.Service{}
	require.NoError(t, k8sClient.Get(ctx, types.NamespacedName{
		Name:      apiName,
		Namespace: apiNS,
	}, svc))
}

func TestKeystoneAPIInitialCatalog(t *testing.T) {
	skipIfNoCluster(t)

	apiName, apiNS := getOrCreateAPI(t)
	skipIfNoKeystoneAccess(t, apiName, apiNS)

	kc := getInternalKeystoneClient(t, apiName, apiNS)

	// Bootstrap domains
	for _, name := range []string{keystone.AdminDomainName, keystone.ServiceDomainName} {
		domain, err := kc.FindDomain(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, domain, "domain %s not found", name)
	}

	adminDomain, err := kc.FindDomain(ctx, keystone.AdminDomainName)
	require.NoError(t, err)
	require.NotNil(t, adminDomain)

	// Cloud admin account lives in the admin domain
	admin, err := kc.FindUser(ctx, "admin", adminDomain.ID)
	require.NoError(t, err)
	assert.NotNil(t, admin, "admin user not found")

	// Keystone registers itself in the catalog
	identity, err := kc.FindService(ctx, "keystone")
	require.NoError(t, err)
	require.NotNil(t, identity, "identity service not found")
	assert.Equal(t, "identity", identity.Type)

	endpoints, err := kc.ListEndpoints(ctx, identity.ID)
	require.NoError(t, err)
	assert.Len(t, endpoints, 3, "expected admin, internal and public endpoints")
}
