package manager

import (
	"crypto/tls"
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	controller "go.miloapis.com/email-provider-listapi/internal"
	"go.miloapis.com/email-provider-listapi/pkg/listapi"
)

// CreateManagerCommand returns the command running the ContactGroupMembership controller.
func CreateManagerCommand() *cobra.Command {
	var (
		metricsAddr, probeAddr                    string
		metricsCertPath, metricsCertName          string
		metricsCertKey                            string
		secureMetrics, enableHTTP2                bool
		enableLeaderElection                      bool
		leaderElectionID, leaderElectionNamespace string
		leaseDuration, renewDeadline, retryPeriod time.Duration
	)

	zapOpts := zap.Options{
		Development: true,
	}

	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Start the controller manager",
		Long:  "Start the Kubernetes controller manager that syncs ContactGroupMemberships to the list provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
			setupLog := ctrl.Log.WithName("setup")

			listConfig := listapi.NewConfigFromEnv()
			if err := listConfig.Validate(); err != nil {
				setupLog.Error(err, "invalid list provider configuration", "env", listapi.EnvAPIKey)
				return err
			}

			var tlsOpts []func(*tls.Config)
			if !enableHTTP2 {
				tlsOpts = append(tlsOpts, func(c *tls.Config) {
					setupLog.Info("disabling http/2")
					c.NextProtos = []string{"http/1.1"}
				})
			}

			metricsServerOptions := metricsserver.Options{
				BindAddress:   metricsAddr,
				SecureServing: secureMetrics,
				TLSOpts:       tlsOpts,
			}
			if secureMetrics {
				metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
			}

			// Without a certificate path controller-runtime serves metrics with a self-signed certificate.
			var metricsCertWatcher *certwatcher.CertWatcher
			if len(metricsCertPath) > 0 {
				setupLog.Info("Initializing metrics certificate watcher using provided certificates",
					"metrics-cert-path", metricsCertPath, "metrics-cert-name", metricsCertName, "metrics-cert-key", metricsCertKey)

				var err error
				metricsCertWatcher, err = certwatcher.New(
					filepath.Join(metricsCertPath, metricsCertName),
					filepath.Join(metricsCertPath, metricsCertKey),
				)
				if err != nil {
					setupLog.Error(err, "unable to initialize metrics certificate watcher")
					return fmt.Errorf("failed to initialize metrics certificate watcher: %w", err)
				}

				metricsServerOptions.TLSOpts = append(metricsServerOptions.TLSOpts, func(config *tls.Config) {
					config.GetCertificate = metricsCertWatcher.GetCertificate
				})
			}

			scheme := runtime.NewScheme()
			utilruntime.Must(clientgoscheme.AddToScheme(scheme))
			utilruntime.Must(notificationmiloapiscomv1alpha1.AddToScheme(scheme))

			mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
				Scheme:                  scheme,
				Metrics:                 metricsServerOptions,
				HealthProbeBindAddress:  probeAddr,
				LeaderElection:          enableLeaderElection,
				LeaderElectionID:        leaderElectionID,
				LeaderElectionNamespace: leaderElectionNamespace,
				LeaseDuration:           &leaseDuration,
				RenewDeadline:           &renewDeadline,
				RetryPeriod:             &retryPeriod,
			})
			if err != nil {
				setupLog.Error(err, "unable to start manager")
				return fmt.Errorf("unable to start manager: %w", err)
			}

			if metricsCertWatcher != nil {
				setupLog.Info("Adding metrics certificate watcher to manager")
				if err := mgr.Add(metricsCertWatcher); err != nil {
					setupLog.Error(err, "unable to add metrics certificate watcher to manager")
					return fmt.Errorf("unable to add metrics certificate watcher to manager: %w", err)
				}
			}

			membershipController := &controller.ListMembershipController{
				Client: mgr.GetClient(),
				Lists:  controller.NewListClientFactory(listConfig, listapi.WithLogger(ctrl.Log.WithName("listapi"))),
			}
			if err := membershipController.SetupWithManager(mgr); err != nil {
				setupLog.Error(err, "unable to create controller", "controller", "ListMembership")
				return fmt.Errorf("unable to create list membership controller: %w", err)
			}

			if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
				return fmt.Errorf("unable to set up health check: %w", err)
			}
			if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
				return fmt.Errorf("unable to set up ready check: %w", err)
			}

			setupLog.Info("starting manager")
			if err := mgr.Start(cmd.Context()); err != nil {
				setupLog.Error(err, "problem running manager")
				return fmt.Errorf("problem running manager: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metrics endpoint binds to. "+
		"Use :8443 for HTTPS or :8080 for HTTP, or leave as 0 to disable the metrics service.")
	cmd.Flags().StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	cmd.Flags().BoolVar(&secureMetrics, "metrics-secure", true,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	cmd.Flags().StringVar(&metricsCertPath, "metrics-cert-path", "",
		"The directory that contains the metrics server certificate.")
	cmd.Flags().StringVar(&metricsCertName, "metrics-cert-name", "tls.crt",
		"The name of the metrics server certificate file.")
	cmd.Flags().StringVar(&metricsCertKey, "metrics-cert-key", "tls.key", "The name of the metrics server key file.")
	cmd.Flags().BoolVar(&enableHTTP2, "enable-http2", false, "If set, HTTP/2 will be enabled for the metrics server")

	cmd.Flags().BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	cmd.Flags().StringVar(&leaderElectionID, "leader-election-id", "7c1e04aa.listapi.notification.miloapis.com",
		"The name of the resource that leader election will use for holding the leader lock.")
	cmd.Flags().StringVar(&leaderElectionNamespace, "leader-election-namespace", "",
		"Namespace to use for leader election. If empty, the controller will discover the namespace it is running in.")
	cmd.Flags().DurationVar(&leaseDuration, "leader-election-lease-duration", 15*time.Second,
		"The duration that non-leader candidates will wait to force acquire leadership.")
	cmd.Flags().DurationVar(&renewDeadline, "leader-election-renew-deadline", 10*time.Second,
		"The duration the acting leader will retry refreshing leadership before giving up.")
	cmd.Flags().DurationVar(&retryPeriod, "leader-election-retry-period", 2*time.Second,
		"The duration the clients should wait between attempting acquisition and renewal of a leadership.")

	fs := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOpts.BindFlags(fs)
	cmd.Flags().AddGoFlagSet(fs)

	return cmd
}
