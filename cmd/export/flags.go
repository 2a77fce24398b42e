package export

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
	"github.com/sunbeam-operators/keystone-operator/internal/controller"
	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
)

// Options holds the export command options
type Options struct {
	// Connection options (direct mode)
	URL      string
	Username string
	Password string
	Project  string

	// Connection options (from-api mode)
	FromAPI   string
	Namespace string

	// Output options
	Output    string
	OutputDir string

	// Manifest generation options
	TargetNamespace string
	APIRef          string

	// Filtering options
	Include      []string
	Exclude      []string
	SkipDefaults bool

	// General options
	Verbose bool

	// Internal
	includeRaw string
	excludeRaw string
}

// BindFlags binds the options to the given flag set
func (o *Options) BindFlags(fs *flag.FlagSet) {
	// Connection options (direct mode)
	fs.StringVar(&o.URL, "url", "", "Keystone server URL (e.g., http://keystone.example.com:5000/v3)")
	fs.StringVar(&o.Username, "username", "", "Keystone admin username")
	fs.StringVar(&o.Password, "password", "", "Keystone admin password (use env var KEYSTONE_PASSWORD for security)")
	fs.StringVar(&o.Project, "project", "", "Project to scope the token to (default: system scope)")

	// Connection options (from-api mode)
	fs.StringVar(&o.FromAPI, "from-api", "", "Name of KeystoneAPI CR to read connection details from")
	fs.StringVar(&o.Namespace, "namespace", "", "Namespace of the KeystoneAPI CR (required with --from-api)")

	// Output options
	fs.StringVar(&o.Output, "output", "", "Output file path (default: stdout)")
	fs.StringVar(&o.OutputDir, "output-dir", "", "Output directory for multiple files (creates directory structure)")

	// Manifest generation options
	fs.StringVar(&o.TargetNamespace, "target-namespace", "default", "Namespace for generated manifests")
	fs.StringVar(&o.APIRef, "api-ref", "", "Name of KeystoneAPI to reference in generated manifests")

	// Filtering options
	fs.StringVar(&o.includeRaw, "include", "", "Comma-separated list of resource types to include (e.g., services,users)")
	fs.StringVar(&o.excludeRaw, "exclude", "", "Comma-separated list of resource types to exclude")
	fs.BoolVar(&o.SkipDefaults, "skip-defaults", true, "Skip operator-managed keystone resources (bootstrap domains, roles, etc.)")

	// General options
	fs.BoolVar(&o.Verbose, "verbose", false, "Enable verbose output")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: keystone-operator export [options]

Export the Keystone catalog to YAML. Catalog services become KeystoneService
manifests; domains, projects, users, roles, regions and endpoints become
plain inventory records.

Connection Options (choose one mode):

  Direct connection:
    --url           Keystone server URL
    --username      Admin username
    --password      Admin password (or use KEYSTONE_PASSWORD env var)
    --project       Project scope (system scope when omitted)

  From existing KeystoneAPI CR:
    --from-api      Name of KeystoneAPI CR
    --namespace     Namespace of KeystoneAPI

Output Options:
    --output        Output file path (default: stdout)
    --output-dir    Output directory (creates file structure)

Manifest Options:
    --target-namespace  Namespace for generated manifests (default: "default")
    --api-ref           KeystoneAPI name to reference (defaults to --from-api)

Filtering Options:
    --include       Resource types to include (comma-separated)
    --exclude       Resource types to exclude (comma-separated)
    --skip-defaults Skip operator-managed resources (default: true)

Resource types: domains, projects, users, roles, regions, services,
                endpoints

Examples:

  # Export the whole catalog to stdout
  keystone-operator export \
    --url http://keystone.example.com:5000/v3 \
    --username admin \
    --password "$KEYSTONE_PASSWORD"

  # Export to directory structure
  keystone-operator export \
    --url http://keystone.example.com:5000/v3 \
    --username admin \
    --password "$KEYSTONE_PASSWORD" \
    --output-dir ./manifests

  # Export using an existing KeystoneAPI CR
  keystone-operator export \
    --from-api keystone \
    --namespace openstack

  # Export only catalog services and users
  keystone-operator export \
    --url http://keystone.example.com:5000/v3 \
    --username admin \
    --password "$KEYSTONE_PASSWORD" \
    --include services,users

`)
		fs.PrintDefaults()
	}
}

// Validate validates the options
func (o *Options) Validate() error {
	// Parse include/exclude lists
	if o.includeRaw != "" {
		o.Include = strings.Split(o.includeRaw, ",")
		for i := range o.Include {
			o.Include[i] = strings.TrimSpace(o.Include[i])
		}
	}
	if o.excludeRaw != "" {
		o.Exclude = strings.Split(o.excludeRaw, ",")
		for i := range o.Exclude {
			o.Exclude[i] = strings.TrimSpace(o.Exclude[i])
		}
	}

	// Check password from environment if not provided
	if o.Password == "" {
		o.Password = os.Getenv("KEYSTONE_PASSWORD")
	}

	// Validate connection mode
	directMode := o.URL != ""
	apiMode := o.FromAPI != ""

	if !directMode && !apiMode {
		return fmt.Errorf("either --url or --from-api is required")
	}

	if directMode && apiMode {
		return fmt.Errorf("cannot use both --url and --from-api")
	}

	if directMode {
		if o.Username == "" {
			return fmt.Errorf("--username is required when using --url")
		}
		if o.Password == "" {
			return fmt.Errorf("--password is required when using --url (or set KEYSTONE_PASSWORD env var)")
		}
	}

	if apiMode && o.Namespace == "" {
		return fmt.Errorf("--namespace is required when using --from-api")
	}

	// Validate output options
	if o.Output != "" && o.OutputDir != "" {
		return fmt.Errorf("cannot use both --output and --output-dir")
	}

	// Generated manifests reference the source KeystoneAPI by default
	if o.APIRef == "" && o.FromAPI != "" {
		o.APIRef = o.FromAPI
	}

	return nil
}

// GetKeystoneConfig returns the Keystone client configuration
func (o *Options) GetKeystoneConfig(ctx context.Context, log logr.Logger) (keystone.Config, error) {
	if o.URL != "" {
		// Direct mode
		cfg := keystone.Config{
			BaseURL:  o.URL,
			Username: o.Username,
			Password: o.Password,
		}
		if o.Project != "" {
			cfg.ProjectName = o.Project
		} else {
			cfg.SystemScope = true
		}
		return cfg, nil
	}

	// From-api mode - need to read from Kubernetes
	cfg, err := config.GetConfig()
	if err != nil {
		return keystone.Config{}, fmt.Errorf("failed to get kubeconfig: %w (ensure KUBECONFIG is set or ~/.kube/config exists)", err)
	}

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(keystonev1beta1.AddToScheme(scheme))

	k8sClient, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return keystone.Config{}, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return o.loadFromAPI(ctx, k8sClient, log)
}

func (o *Options) loadFromAPI(ctx context.Context, k8sClient client.Client, log logr.Logger) (keystone.Config, error) {
	// Get KeystoneAPI
	api := &keystonev1beta1.KeystoneAPI{}
	if err := k8sClient.Get(ctx, types.NamespacedName{
		Name:      o.FromAPI,
		Namespace: o.Namespace,
	}, api); err != nil {
		return keystone.Config{}, fmt.Errorf("failed to get KeystoneAPI %s/%s: %w", o.Namespace, o.FromAPI, err)
	}

	if !api.Status.Bootstrapped {
		return keystone.Config{}, fmt.Errorf("KeystoneAPI %s/%s is not bootstrapped yet", o.Namespace, o.FromAPI)
	}

	// The operator account and its password come from the peer state secret
	cfg, err := controller.GetKeystoneConfigFromAPI(ctx, k8sClient, api)
	if err != nil {
		return keystone.Config{}, err
	}

	// The in-cluster service DNS name rarely resolves from outside; prefer
	// the public endpoint, which follows the ingress host when one is set
	cfg.BaseURL = api.PublicURL()

	log.V(1).Info("Loaded connection details", "api", o.FromAPI, "url", cfg.BaseURL)

	return cfg, nil
}
