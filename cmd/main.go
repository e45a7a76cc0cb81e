// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"
	"os"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/mikelane/gitopsd/internal/cleanup"
	"github.com/mikelane/gitopsd/internal/cluster"
	"github.com/mikelane/gitopsd/internal/config"
	"github.com/mikelane/gitopsd/internal/controller"
	"github.com/mikelane/gitopsd/internal/cost"
	"github.com/mikelane/gitopsd/internal/credentials"
	"github.com/mikelane/gitopsd/internal/deployment"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/events"
	"github.com/mikelane/gitopsd/internal/flux"
	"github.com/mikelane/gitopsd/internal/github"
	"github.com/mikelane/gitopsd/internal/gitlab"
	"github.com/mikelane/gitopsd/internal/gitops"
	"github.com/mikelane/gitopsd/internal/metrics"
	"github.com/mikelane/gitopsd/internal/namespace"
	"github.com/mikelane/gitopsd/internal/notify"
	"github.com/mikelane/gitopsd/internal/orchestrator"
	"github.com/mikelane/gitopsd/internal/statussync"
	"github.com/mikelane/gitopsd/internal/store"
	"github.com/mikelane/gitopsd/internal/webhook"
	// +kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(flux.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&cfg.Zap)))

	if err := run(ctrl.SetupSignalHandler(), cfg); err != nil {
		setupLog.Error(err, "problem running gitopsd")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress: cfg.ProbeAddr,
		LeaderElection:         cfg.LeaderElect,
		LeaderElectionID:       "gitopsd.gitopsd.io",
	})
	if err != nil {
		return fmt.Errorf("unable to create manager: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewBus()
	if err := mgr.Add(bus); err != nil {
		return fmt.Errorf("unable to add event bus: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		return fmt.Errorf("unable to create clientset: %w", err)
	}
	health := cluster.NewHealthProvider(cluster.ReadyzChecker(clientset.Discovery().RESTClient()), cfg.HealthInterval, bus.Connectivity)
	bus.Connectivity.Subscribe("connectivity-gauge", 0, func(ctx context.Context, ev events.ConnectivityChanged) {
		if ev.Connected {
			metrics.ClusterConnected.Set(1)
			return
		}
		metrics.ClusterConnected.Set(0)
		ctrl.LoggerFrom(ctx).Info("Cluster unreachable", "reason", ev.Reason)
	})
	metrics.ClusterConnected.Set(1)
	if err := mgr.Add(health); err != nil {
		return fmt.Errorf("unable to add health provider: %w", err)
	}

	clusterClient := cluster.NewClient(mgr.GetClient(), cluster.WithRetry(cfg.Retry(countRetry("kubernetes"))))

	sealer, err := credentials.NewSealer(cfg.SealingKey)
	if err != nil {
		return err
	}
	var knownHosts []byte
	if cfg.KnownHostsFile != "" {
		if knownHosts, err = os.ReadFile(cfg.KnownHostsFile); err != nil {
			return fmt.Errorf("read known hosts: %w", err)
		}
	}
	renderer := credentials.NewSecretRenderer(sealer, knownHosts)

	newGitHub := func(token string) (github.Client, error) {
		opts := []github.Option{github.WithRetryConfig(cfg.Retry(countRetry("github")))}
		if cfg.GitHubBaseURL != "" {
			opts = append(opts, github.WithBaseURL(cfg.GitHubBaseURL))
		}
		return github.NewClient(token, opts...)
	}
	newGitLab := func(token string) (gitlab.Client, error) {
		opts := []gitlab.Option{gitlab.WithRetryConfig(cfg.Retry(countRetry("gitlab")))}
		if cfg.GitLabBaseURL != "" {
			opts = append(opts, gitlab.WithBaseURL(cfg.GitLabBaseURL))
		}
		return gitlab.NewClient(token, opts...)
	}

	orchOpts := []orchestrator.Option{orchestrator.WithHealth(health)}
	if cfg.NamespaceQuotas || cfg.IsolateNetwork {
		policies := namespace.DefaultPolicies()
		if !cfg.NamespaceQuotas {
			policies = map[domain.EnvironmentType]namespace.Policy{}
		}
		guard := namespace.NewGuard(mgr.GetClient(), policies, namespace.WithIngressNamespace(cfg.IngressNamespace))
		if cfg.IsolateNetwork {
			guard.IsolateAll()
		}
		orchOpts = append(orchOpts, orchestrator.WithNamespaceGuard(guard))
	}
	orch := orchestrator.New(clusterClient, st, renderer,
		orchestrator.Config{SourceNamespace: cfg.SourceNamespace}, orchOpts...)
	provisioner := credentials.NewProvisioner(st, newGitHub, newGitLab, sealer, renderer, orch,
		credentials.Config{GitHubToken: cfg.GitHubToken})
	bootstrapper := orchestrator.NewBootstrapper(st, orch, provisioner)

	engine := gitops.NewEngine(provisioner, gitops.Config{
		WorkDir:     cfg.WorkDir,
		AuthorName:  cfg.AuthorName,
		AuthorEmail: cfg.AuthorEmail,
		Retry:       cfg.Retry(nil),
	})

	if err := mgr.Add(cleanup.NewScheduler(engine, st, cfg.CleanupInterval)); err != nil {
		return fmt.Errorf("unable to add cleanup scheduler: %w", err)
	}

	syncer := statussync.NewSyncer(clusterClient, st, bus.ResourceConverged, cfg.SyncInterval,
		statussync.WithHealth(health))
	if err := mgr.Add(syncer); err != nil {
		return fmt.Errorf("unable to add status sync: %w", err)
	}

	deployments := deployment.NewManager(st, bus, deployment.NewWorkloadExecutor(clusterClient), engine,
		deployment.WithHealth(health))
	defer deployments.Wait()

	cost.NewTracker(clusterClient, st, nil, domain.EnvDevelopment, domain.EnvTesting).
		Subscribe(bus.DeploymentCompleted)

	if cfg.GitHubToken != "" {
		gh, err := newGitHub(cfg.GitHubToken)
		if err != nil {
			return fmt.Errorf("unable to create GitHub client: %w", err)
		}
		var opts []notify.Option
		if cfg.StatusTargetURL != "" {
			opts = append(opts, notify.WithTargetURL(cfg.StatusTargetURL))
		}
		notify.NewNotifier(gh, st, opts...).Subscribe(bus.DeploymentCompleted)
	} else {
		setupLog.Info("No GitHub token configured, commit statuses are disabled")
	}

	server := webhook.NewServer(webhook.Config{
		Addr:          cfg.WebhookAddr,
		Port:          cfg.WebhookPort,
		WebhookSecret: cfg.WebhookSecret,
		RateLimit:     cfg.RateLimit,
	}, deployments, bootstrapper)
	if err := mgr.Add(server); err != nil {
		return fmt.Errorf("unable to add webhook server: %w", err)
	}

	if err := (&controller.KustomizationReconciler{
		Client: mgr.GetClient(),
		Syncer: syncer,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create controller: %w", err)
	}
	// +kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}

// openStore returns the Postgres store, or an in-memory store when no
// database is configured.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		setupLog.Info("No database configured, using the in-memory store; state is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
	}
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := metrics.RegisterPgxPoolMetrics(pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("register pool metrics: %w", err)
	}
	return store.NewPostgres(pool), pool.Close, nil
}

func countRetry(provider string) func(int, error) {
	counter := metrics.ProviderRetries.WithLabelValues(provider)
	return func(int, error) { counter.Inc() }
}
