package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	btrixv1alpha1 "github.com/vnznznz/browsertrix-cloud/api/v1alpha1"
	"github.com/vnznznz/browsertrix-cloud/internal/config"
	"github.com/vnznznz/browsertrix-cloud/internal/controller"
	"github.com/vnznznz/browsertrix-cloud/internal/health"
	"github.com/vnznznz/browsertrix-cloud/internal/logger"
	"github.com/vnznznz/browsertrix-cloud/internal/notify"
	"github.com/vnznznz/browsertrix-cloud/internal/render"
	"github.com/vnznznz/browsertrix-cloud/internal/storage"
)

var (
	scheme = runtime.NewScheme()
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(btrixv1alpha1.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme
}

func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var secureMetrics bool
	var enableHTTP2 bool
	var tlsOpts []func(*tls.Config)
	var configPath string
	var storagesPath string
	var jobNamespace string
	var skipStorageVerify bool
	var logLevel string
	var logFormat string

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&secureMetrics, "metrics-secure", true,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	flag.StringVar(&configPath, "config-path", "", "Directory containing crawler_defaults.yaml")
	flag.StringVar(&storagesPath, "storages-path", "", "Directory containing storages.yaml")
	flag.StringVar(&jobNamespace, "job-namespace", "default", "Namespace where CrawlJob and ProfileJob records live")
	flag.BoolVar(&skipStorageVerify, "skip-storage-verify", false,
		"Skip the startup upload probe against each configured storage")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "console", "Log format (json or console)")
	flag.Parse()

	logger.Configure(logger.Config{
		ServiceName: "btrix-operator",
		Environment: os.Getenv("ENVIRONMENT"),
		LogLevel:    logLevel,
		Format:      logFormat,
	})

	ctrl.SetLogger(logger.NewControllerRuntimeLogger())

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	disableHTTP2 := func(c *tls.Config) {
		logger.Info().Msg("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	metricsServerOptions := metricsserver.Options{
		BindAddress:   metricsAddr,
		SecureServing: secureMetrics,
		TLSOpts:       tlsOpts,
	}

	if secureMetrics {
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}

	defaults, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("unable to load crawler defaults")
		os.Exit(1)
	}
	logger.Info().
		Str("namespace", defaults.Namespace).
		Str("image", defaults.Image).
		Str("nodeType", defaults.NodeType).
		Msg("loaded crawler defaults")

	storages, err := storage.Load(storagesPath)
	if err != nil {
		logger.Error().Err(err).Msg("unable to load storage registry")
		os.Exit(1)
	}
	logger.Info().Strs("storages", storages.Names()).Msg("loaded storage registry")

	verifyCtx := context.Background()
	if !skipStorageVerify {
		if err := storage.VerifyAll(verifyCtx, storages); err != nil {
			logger.Error().Err(err).Msg("storage verification failed")
			os.Exit(1)
		}
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsServerOptions,
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "btrix-operator-lock",
	})
	if err != nil {
		logger.Error().Err(err).Msg("unable to start manager")
		os.Exit(1)
	}

	k8sClient, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		logger.Error().Err(err).Msg("unable to create kubernetes client")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		logger.Error().Err(err).Msg("unable to set up health check")
		os.Exit(1)
	}

	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		logger.Error().Err(err).Msg("unable to set up ready check")
		os.Exit(1)
	}

	if err := mgr.AddReadyzCheck("kubernetes", health.KubernetesCheck(k8sClient)); err != nil {
		logger.Error().Err(err).Msg("unable to set up Kubernetes health check")
		os.Exit(1)
	}

	// Readiness tracks the first configured storage; VerifyAll already
	// proved the rest at startup.
	if names := storages.Names(); len(names) > 0 {
		st, err := storages.Resolve(names[0])
		if err != nil {
			logger.Error().Err(err).Msg("unable to resolve storage for health check")
			os.Exit(1)
		}
		s3Client, err := storage.NewS3Client(verifyCtx, st)
		if err != nil {
			logger.Error().Err(err).Msg("unable to create S3 client for health check")
			os.Exit(1)
		}
		if err := mgr.AddReadyzCheck("s3", health.StorageCheck(s3Client)); err != nil {
			logger.Error().Err(err).Msg("unable to set up S3 health check")
			os.Exit(1)
		}
	}

	renderer := render.New(defaults)
	notifier := notify.New()

	crawlReconciler := &controller.CrawlJobReconciler{
		Client:       mgr.GetClient(),
		Scheme:       mgr.GetScheme(),
		Recorder:     mgr.GetEventRecorderFor("crawljob-controller"),
		Renderer:     renderer,
		Storages:     storages,
		Notifier:     notifier,
		Defaults:     defaults,
		JobNamespace: jobNamespace,
	}

	profileReconciler := &controller.ProfileJobReconciler{
		Client:       mgr.GetClient(),
		Scheme:       mgr.GetScheme(),
		Recorder:     mgr.GetEventRecorderFor("profilejob-controller"),
		Renderer:     renderer,
		Storages:     storages,
		Notifier:     notifier,
		Defaults:     defaults,
		JobNamespace: jobNamespace,
	}

	if err := crawlReconciler.SetupWithManager(mgr); err != nil {
		logger.Error().
			Err(err).
			Str("controller", "CrawlJob").
			Msg("unable to create controller")
		os.Exit(1)
	}

	if err := profileReconciler.SetupWithManager(mgr); err != nil {
		logger.Error().
			Err(err).
			Str("controller", "ProfileJob").
			Msg("unable to create controller")
		os.Exit(1)
	}

	sweeper := &controller.ExpirationSweeper{
		Client:        mgr.GetClient(),
		JobNamespace:  jobNamespace,
		CrawlEvents:   crawlReconciler.ExpiryEvents(),
		ProfileEvents: profileReconciler.ExpiryEvents(),
	}
	if err := mgr.Add(sweeper); err != nil {
		logger.Error().Err(err).Msg("unable to add expiration sweeper to manager")
		os.Exit(1)
	}

	logger.Info().Msg("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		logger.Error().Err(err).Msg("problem running manager")
		os.Exit(1)
	}
}
