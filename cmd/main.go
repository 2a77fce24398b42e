package main

import (
	"flag"
	"os"
	"time"

	// Import all Kubernetes client auth plugins
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
	"github.com/sunbeam-operators/keystone-operator/cmd/export"
	"github.com/sunbeam-operators/keystone-operator/internal/container"
	"github.com/sunbeam-operators/keystone-operator/internal/controller"
	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
	"github.com/sunbeam-operators/keystone-operator/internal/leadership"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(keystonev1beta1.AddToScheme(scheme))
}

func main() {
	// Subcommands run before manager flag parsing
	if len(os.Args) > 1 && os.Args[1] == "export" {
		export.Run(os.Args[2:])
		return
	}

	var metricsAddr string
	var enableLeaderElection bool
	var probeAddr string
	var syncPeriod time.Duration
	var maxConcurrentRequests int

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.DurationVar(&syncPeriod, "sync-period", controller.DefaultSyncPeriod,
		"The interval at which successfully reconciled resources are re-checked for drift. "+
			"Higher values reduce keystone API load but increase time to detect external changes.")
	flag.IntVar(&maxConcurrentRequests, "max-concurrent-requests", 10,
		"Maximum number of concurrent requests to keystone. Set to 0 for no limit. "+
			"Lower values reduce keystone load but increase reconciliation time.")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	// Configure global sync period for all controllers
	controller.SetSyncPeriod(syncPeriod)
	setupLog.Info("configured sync period", "syncPeriod", syncPeriod)
	setupLog.Info("configured max concurrent requests", "maxConcurrentRequests", maxConcurrentRequests)

	restConfig := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "keystone-operator.sunbeam-operators.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	// Create shared keystone client manager with rate limiting
	clientManager := keystone.NewClientManagerWithConfig(ctrl.Log, keystone.ClientManagerConfig{
		MaxConcurrentRequests: maxConcurrentRequests,
	})

	// Executor for running keystone-manage inside workload containers
	executor, err := container.NewSPDYExecutor(restConfig)
	if err != nil {
		setupLog.Error(err, "unable to create container executor")
		os.Exit(1)
	}

	// The elected manager is the only replica allowed to bootstrap and to
	// write shared state. Without leader election a single replica is
	// assumed and treated as leader.
	var tracker leadership.Tracker
	if enableLeaderElection {
		tracker = leadership.FromElected(mgr.Elected())
	} else {
		tracker = leadership.Fixed(true)
	}

	// Setup controllers
	if err = (&controller.KeystoneAPIReconciler{
		Client:        mgr.GetClient(),
		Scheme:        mgr.GetScheme(),
		ClientManager: clientManager,
		Executor:      executor,
		Leadership:    tracker,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "KeystoneAPI")
		os.Exit(1)
	}

	if err = (&controller.KeystoneServiceReconciler{
		Client:        mgr.GetClient(),
		Scheme:        mgr.GetScheme(),
		ClientManager: clientManager,
		Leadership:    tracker,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "KeystoneService")
		os.Exit(1)
	}

	// Add health checks
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
