package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
	"github.com/sunbeam-operators/keystone-operator/internal/peers"
)

// requiredContext is the only Kubernetes context that E2E tests are allowed to run against.
// This prevents accidentally running tests against production clusters.
const requiredContext = "kind-keystone-operator-dev"

var (
	testNamespace  string
	keystoneAPIRef string
	timeout        = 30 * time.Second
	interval       = 1 * time.Second

	// bootstrapTimeout covers db_sync plus the initial catalog setup,
	// which takes minutes on a cold database
	bootstrapTimeout = 10 * time.Minute
)

var (
	k8sClient client.Client
	ctx       = context.Background()
)

func init() {
	// Allow configuring test namespace via environment
	testNamespace = os.Getenv("TEST_NAMESPACE")
	if testNamespace == "" {
		testNamespace = "keystone-operator-e2e"
	}

	// Allow using an existing KeystoneAPI
	keystoneAPIRef = os.Getenv("KEYSTONE_API_NAME")
}

func TestMain(m *testing.M) {
	// Setup
	if err := setupSuite(); err != nil {
		fmt.Printf("Failed to setup test suite: %v\n", err)
		os.Exit(1)
	}

	// Run tests
	code := m.Run()

	// Teardown
	teardownSuite()

	os.Exit(code)
}

func setupSuite() error {
	// Validate we're running against the correct context
	if err := validateKubeContext(); err != nil {
		return err
	}

	// Add scheme
	if err := keystonev1beta1.AddToScheme(scheme.Scheme); err != nil {
		return fmt.Errorf("failed to add scheme: %w", err)
	}

	// Get config
	cfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get kubeconfig: %w", err)
	}

	// Create client
	k8sClient, err = client.New(cfg, client.Options{Scheme: scheme.Scheme})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	// Create test namespace
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: testNamespace,
		},
	}
	if err := k8sClient.Create(ctx, ns); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace: %w", err)
	}

	return nil
}

// validateKubeContext ensures tests only run against the allowed context
func validateKubeContext() error {
	// Load kubeconfig
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	configOverrides := &clientcmd.ConfigOverrides{}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)

	rawConfig, err := kubeConfig.RawConfig()
	if err != nil {
		return fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	currentContext := rawConfig.CurrentContext
	if currentContext != requiredContext {
		return fmt.Errorf(
			"E2E tests can only run against context %q, but current context is %q.\n"+
				"Switch context with: kubectl config use-context %s",
			requiredContext, currentContext, requiredContext)
	}

	// Also verify the context exists and is valid
	if _, exists := rawConfig.Contexts[currentContext]; !exists {
		return fmt.Errorf("context %q not found in kubeconfig", currentContext)
	}

	fmt.Printf("✓ Running E2E tests against context: %s\n", currentContext)
	return nil
}

// getCurrentContext returns the current kubectl context name
func getCurrentContext() string {
	out, err := exec.Command("kubectl", "config", "current-context").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func teardownSuite() {
	// Only delete namespace if we created it (not using existing)
	if os.Getenv("KEEP_TEST_NAMESPACE") == "" {
		ns := &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{
				Name: testNamespace,
			},
		}
		k8sClient.Delete(ctx, ns)
	}
}

// skipIfNoCluster skips the test if USE_EXISTING_CLUSTER is not set
func skipIfNoCluster(t *testing.T) {
	if os.Getenv("USE_EXISTING_CLUSTER") != "true" {
		t.Skip("Skipping e2e test - set USE_EXISTING_CLUSTER=true to run against a real cluster")
	}
}

// skipIfNoKeystoneAccess skips the test if direct keystone API access is
// unavailable. Tests that talk to keystone itself (drift detection, cleanup
// verification, export) need the public endpoint reachable, either in-cluster
// or through port-forwarding.
func skipIfNoKeystoneAccess(t *testing.T, apiName, apiNS string) {
	if !canConnectToKeystone(apiName, apiNS) {
		t.Skipf("Skipping test - direct keystone access unavailable. Set up port-forwarding: "+
			"kubectl port-forward -n %s svc/%s 5000:%d and set KEYSTONE_URL=http://localhost:5000/v3",
			apiNS, apiName, keystonev1beta1.PublicPort)
	}
}

// getOrCreateAPI returns the KeystoneAPI name and namespace to use for tests
func getOrCreateAPI(t *testing.T) (string, string) {
	// Use existing deployment if configured
	if keystoneAPIRef != "" {
		apiNS := os.Getenv("KEYSTONE_API_NAMESPACE")
		if apiNS == "" {
			apiNS = testNamespace
		}
		// Verify the deployment exists
		api := &keystonev1beta1.KeystoneAPI{}
		err := k8sClient.Get(ctx, types.NamespacedName{
			Name:      keystoneAPIRef,
			Namespace: apiNS,
		}, api)
		require.NoError(t, err, "Referenced KeystoneAPI not found")
		return keystoneAPIRef, apiNS
	}

	// Create a new deployment for the test
	return createTestAPI(t), testNamespace
}

func createTestAPI(t *testing.T) string {
	// Database credentials for the workload; the database itself must
	// already be running in the cluster
	dbSecret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "keystone-db-credentials",
			Namespace: testNamespace,
		},
		StringData: map[string]string{
			"database": envOr("KEYSTONE_DB_NAME", "keystone"),
			"username": envOr("KEYSTONE_DB_USER", "keystone"),
			"password": envOr("KEYSTONE_DB_PASSWORD", "password"),
			"host":     envOr("KEYSTONE_DB_HOST", "mysql.mysql.svc.cluster.local"),
			"port":     envOr("KEYSTONE_DB_PORT", "3306"),
		},
	}
	err := k8sClient.Create(ctx, dbSecret)
	if err != nil && !errors.IsAlreadyExists(err) {
		require.NoError(t, err)
	}

	// Create KeystoneAPI
	api := &keystonev1beta1.KeystoneAPI{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "test-keystone",
			Namespace: testNamespace,
		},
		Spec: keystonev1beta1.KeystoneAPISpec{
			Region: "RegionOne",
			Database: keystonev1beta1.DatabaseSpec{
				SecretRef: keystonev1beta1.DatabaseSecretRefSpec{
					Name: dbSecret.Name,
				},
			},
		},
	}
	err = k8sClient.Create(ctx, api)
	if err != nil && !errors.IsAlreadyExists(err) {
		require.NoError(t, err)
	}

	// Wait for keystone to bootstrap and serve
	err = wait.PollUntilContextTimeout(ctx, interval, bootstrapTimeout, true, func(ctx context.Context) (bool, error) {
		updated := &keystonev1beta1.KeystoneAPI{}
		if err := k8sClient.Get(ctx, types.NamespacedName{
			Name:      api.Name,
			Namespace: api.Namespace,
		}, updated); err != nil {
			return false, nil
		}
		return updated.Status.Ready, nil
	})
	require.NoError(t, err, "KeystoneAPI did not become ready")

	return api.Name
}

// createTestService registers a uniquely named catalog service through a
// KeystoneService resource and waits for it to be ready
func createTestService(t *testing.T, apiName, apiNS, suffix string) *keystonev1beta1.KeystoneService {
	name := fmt.Sprintf("e2e-%s-%d", suffix, time.Now().UnixNano())
	svc := &keystonev1beta1.KeystoneService{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
		},
		Spec: keystonev1beta1.KeystoneServiceSpec{
			APIRef:      keystonev1beta1.APIRefSpec{Name: apiName, Namespace: &apiNS},
			Service:     name,
			ServiceType: "volumev3",
			Region:      "RegionOne",
			InternalUrl: fmt.Sprintf("http://%s.%s.svc:8776/v3", name, testNamespace),
			PublicUrl:   fmt.Sprintf("http://%s.example.com:8776/v3", name),
			AdminUrl:    fmt.Sprintf("http://%s.%s.svc:8776/v3", name, testNamespace),
		},
	}
	require.NoError(t, k8sClient.Create(ctx, svc))
	t.Cleanup(func() {
		k8sClient.Delete(ctx, svc)
	})

	// Wait for the service to register
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		updated := &keystonev1beta1.KeystoneService{}
		if err := k8sClient.Get(ctx, types.NamespacedName{
			Name:      svc.Name,
			Namespace: svc.Namespace,
		}, updated); err != nil {
			return false, nil
		}
		svc.Status = updated.Status
		return updated.Status.Ready, nil
	})
	require.NoError(t, err, "KeystoneService did not become ready")

	return svc
}

// waitForReady waits for a resource to become ready
func waitForReady(t *testing.T, name, namespace string, obj client.Object, checkReady func() bool) {
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		if err := k8sClient.Get(ctx, types.NamespacedName{
			Name:      name,
			Namespace: namespace,
		}, obj); err != nil {
			return false, nil
		}
		return checkReady(), nil
	})
	require.NoError(t, err, "Resource did not become ready: %s/%s", namespace, name)
}

// waitForCondition waits for a specific condition
func waitForCondition(t *testing.T, name, namespace string, obj client.Object, condition func() bool, description string) {
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		if err := k8sClient.Get(ctx, types.NamespacedName{
			Name:      name,
			Namespace: namespace,
		}, obj); err != nil {
			return false, nil
		}
		return condition(), nil
	})
	require.NoError(t, err, "Condition not met: %s for %s/%s", description, namespace, name)
}

// keystoneBaseURL returns the URL tests use for direct keystone access.
// KEYSTONE_URL supports the port-forwarded case; the default is the
// in-cluster service DNS name.
func keystoneBaseURL(apiName, apiNS string) string {
	if url := os.Getenv("KEYSTONE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d/%s",
		apiName, apiNS, keystonev1beta1.PublicPort, keystonev1beta1.APIVersion)
}

// keystoneClientConfig builds a system-scoped client configuration from the
// operator's own service admin account in the peer state secret
func keystoneClientConfig(apiName, apiNS string) (keystone.Config, error) {
	secret := &corev1.Secret{}
	if err := k8sClient.Get(ctx, types.NamespacedName{
		Name:      peers.SecretNameFor(apiName),
		Namespace: apiNS,
	}, secret); err != nil {
		return keystone.Config{}, fmt.Errorf("failed to get peer state secret: %w", err)
	}

	return keystone.Config{
		BaseURL:     keystoneBaseURL(apiName, apiNS),
		Username:    keystone.ServiceAdminUsername,
		Password:    string(secret.Data[peers.KeyPassword]),
		SystemScope: true,
	}, nil
}

// getInternalKeystoneClient returns our internal keystone API client for testing
func getInternalKeystoneClient(t *testing.T, apiName, apiNS string) *keystone.Client {
	cfg, err := keystoneClientConfig(apiName, apiNS)
	require.NoError(t, err, "could not build keystone client config")
	return keystone.NewClient(cfg, ctrl.Log.WithName("test"))
}

// canConnectToKeystone tests if we can connect to keystone from the test environment
func canConnectToKeystone(apiName, apiNS string) bool {
	cfg, err := keystoneClientConfig(apiName, apiNS)
	if err != nil {
		return false
	}
	kc := keystone.NewClient(cfg, ctrl.Log.WithName("test"))
	return kc.Ping(ctx) == nil
}

// envOr returns the value of an environment variable or a fallback
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Helper function to run kubectl commands
func kubectl(args ...string) error {
	cmd := exec.Command("kubectl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Helper function to get project root
func projectRoot() string {
	dir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// getSecretKeys returns the keys in a secret's data
func getSecretKeys(secret *corev1.Secret) []string {
	keys := make([]string, 0, len(secret.Data))
	for k := range secret.Data {
		keys = append(keys, k)
	}
	return keys
}
