package e2e

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
)

func TestKeystoneServiceRegistration(t *testing.T) {
	skipIfNoCluster(t)

	apiName, apiNS := getOrCreateAPI(t)
	svc := createTestService(t, apiName, apiNS, "volume")

	assert.Equal(t, "Ready", svc.Status.Status)
	assert.NotEmpty(t, svc.Status.ServiceID)
	assert.NotEmpty(t, svc.Status.UserID)
	assert.Equal(t, fmt.Sprintf("%s-credentials", svc.Name), svc.Status.CredentialsSecret)

	var ready *metav1.Condition
	for i := range svc.Status.Conditions {
		if svc.Status.Conditions[i].Type == "Ready" {
			ready = &svc.Status.Conditions[i]
		}
	}
	require.NotNil(t, ready, "missing Ready condition")
	assert.Equal(t, metav1.ConditionTrue, ready.Status)

	// The requirer-side credentials secret
	secret := &corev1.Secret{}
	require.NoError(t, k8sClient.Get(ctx, types.NamespacedName{
		Name:      svc.Status.CredentialsSecret,
		Namespace: svc.Namespace,
	}, secret))

	for _, key := range []string{
		"api-version",
		"auth-host", "auth-port", "auth-protocol",
		"service-host", "service-port", "service-protocol",
		"service-username", "service-password",
		"service-domain", "service-project",
		"admin-domain-id", "admin-project-id", "admin-user-id",
	} {
		assert.Contains(t, secret.Data, key, "secret keys: %v", getSecretKeys(secret))
	}
	assert.Equal(t, "svc_"+svc.Spec.Service, string(secret.Data["service-username"]))
	assert.NotEmpty(t, secret.Data["service-password"])
}

func TestKeystoneServiceCatalogEntry(t *testing.T) {
	skipIfNoCluster(t)

	apiName, apiNS := getOrCreateAPI(t)
	skipIfNoKeystoneAccess(t, apiName, apiNS)

	svc := createTestService(t, apiName, apiNS, "catalog")
	kc := getInternalKeystoneClient(t, apiName, apiNS)

	// Catalog entry
	service, err := kc.FindService(ctx, svc.Spec.Service)
	require.NoError(t, err)
	require.NotNil(t, service, "service not in catalog")
	assert.Equal(t, svc.Spec.ServiceType, service.Type)
	assert.Equal(t, svc.Status.ServiceID, service.ID)

	// Endpoints for all three interfaces
	endpoints, err := kc.ListEndpoints(ctx, service.ID)
	require.NoError(t, err)
	assert.Len(t, endpoints, 3)
	for _, endpoint := range endpoints {
		assert.Equal(t, svc.Spec.Region, endpoint.Region)
	}

	// Service account in the service domain
	serviceDomain, err := kc.FindDomain(ctx, keystone.ServiceDomainName)
	require.NoError(t, err)
	require.NotNil(t, serviceDomain)

	user, err := kc.FindUser(ctx, "svc_"+svc.Spec.Service, serviceDomain.ID)
	require.NoError(t, err)
	require.NotNil(t, user, "service account not created")
	assert.Equal(t, svc.Status.UserID, user.ID)
}

func TestKeystoneServiceDeregistration(t *testing.T) {
	skipIfNoCluster(t)

	apiName, apiNS := getOrCreateAPI(t)
	skipIfNoKeystoneAccess(t, apiName, apiNS)

	svc := createTestService(t, apiName, apiNS, "cleanup")
	kc := getInternalKeystoneClient(t, apiName, apiNS)

	serviceName := svc.Spec.Service
	serviceDomain, err := kc.FindDomain(ctx, keystone.ServiceDomainName)
	require.NoError(t, err)
	require.NotNil(t, serviceDomain)

	// Delete the resource; the finalizer removes the catalog entries first
	require.NoError(t, k8sClient.Delete(ctx, svc))
	err = wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		gone := &keystonev1beta1.KeystoneService{}
		getErr := k8sClient.Get(ctx, types.NamespacedName{
			Name:      svc.Name,
			Namespace: svc.Namespace,
		}, gone)
		return errors.IsNotFound(getErr), nil
	})
	require.NoError(t, err, "KeystoneService was not deleted")

	service, err := kc.FindService(ctx, serviceName)
	require.NoError(t, err)
	assert.Nil(t, service, "service still in catalog after deletion")

	user, err := kc.FindUser(ctx, "svc_"+serviceName, serviceDomain.ID)
	require.NoError(t, err)
	assert.Nil(t, user, "service account still exists after deletion")
}

func TestKeystoneServiceIncompleteData(t *testing.T) {
	skipIfNoCluster(t)

	apiName, apiNS := getOrCreateAPI(t)

	svc := &keystonev1beta1.KeystoneService{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "e2e-incomplete",
			Namespace: testNamespace,
		},
		Spec: keystonev1beta1.KeystoneServiceSpec{
			APIRef:  keystonev1beta1.APIRefSpec{Name: apiName, Namespace: &apiNS},
			Service: "incomplete",
			Region:  "RegionOne",
			// No endpoint URLs
		},
	}
	require.NoError(t, k8sClient.Create(ctx, svc))
	t.Cleanup(func() {
		k8sClient.Delete(ctx, svc)
	})

	waitForCondition(t, svc.Name, svc.Namespace, svc, func() bool {
		return svc.Status.Status == "WaitingForData"
	}, "service reports missing data")
	assert.False(t, svc.Status.Ready)
	assert.Contains(t, svc.Status.Message, "internal-url")
}
