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

// Package config loads gitopsd's runtime configuration from command-line
// flags. Every flag falls back to a GITOPSD_* environment variable.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/mikelane/gitopsd/internal/retry"
)

// EnvPrefix prefixes every environment fallback.
const EnvPrefix = "GITOPSD_"

// Config holds all gitopsd settings.
type Config struct {
	// DatabaseURL selects the Postgres store. When empty an in-memory store
	// is used, which is only suitable for development.
	DatabaseURL string
	Migrate     bool

	WebhookAddr   string
	WebhookPort   int
	WebhookSecret string
	RateLimit     int

	MetricsAddr string
	ProbeAddr   string
	LeaderElect bool

	SyncInterval   time.Duration
	HealthInterval time.Duration

	// WorkDir holds the Git working copies.
	WorkDir     string
	AuthorName  string
	AuthorEmail string

	SealingKey     string
	KnownHostsFile string

	GitHubBaseURL string
	GitHubToken   string
	GitLabBaseURL string

	SourceNamespace string
	// NamespaceQuotas bounds development and testing namespaces.
	NamespaceQuotas bool
	// IsolateNetwork adds default-deny network policies to every
	// environment namespace.
	IsolateNetwork   bool
	IngressNamespace string
	// CleanupInterval is the period of working copy pruning.
	CleanupInterval time.Duration
	// StatusTargetURL links commit statuses to a deployment page.
	StatusTargetURL string

	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	Zap zap.Options
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	r := retry.DefaultConfig()
	return &Config{
		Migrate:             true,
		WebhookPort:         8082,
		RateLimit:           10,
		MetricsAddr:         ":8080",
		ProbeAddr:           ":8081",
		SyncInterval:        30 * time.Second,
		HealthInterval:      10 * time.Second,
		WorkDir:             "/var/lib/gitopsd/repos",
		AuthorName:          "gitopsd",
		AuthorEmail:         "gitopsd@localhost",
		SourceNamespace:     "flux-system",
		NamespaceQuotas:     true,
		IngressNamespace:    "ingress-nginx",
		CleanupInterval:     time.Hour,
		RetryMaxAttempts:    r.MaxRetries,
		RetryInitialBackoff: r.InitialBackoff,
		RetryMaxBackoff:     r.MaxBackoff,
	}
}

// Load parses args, excluding the program name, on top of the defaults and
// the environment.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("gitopsd", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabaseURL, "database-url", getEnv("DATABASE_URL", cfg.DatabaseURL), "Postgres connection URL")
	fs.BoolVar(&cfg.Migrate, "migrate", getBool("MIGRATE", cfg.Migrate), "Apply schema migrations on start")

	fs.StringVar(&cfg.WebhookAddr, "webhook-addr", getEnv("WEBHOOK_ADDR", cfg.WebhookAddr), "Webhook server bind address")
	fs.IntVar(&cfg.WebhookPort, "webhook-port", getInt("WEBHOOK_PORT", cfg.WebhookPort), "Webhook server port")
	fs.StringVar(&cfg.WebhookSecret, "webhook-secret", getEnv("WEBHOOK_SECRET", cfg.WebhookSecret), "HMAC secret for signed requests")
	fs.IntVar(&cfg.RateLimit, "rate-limit", getInt("RATE_LIMIT", cfg.RateLimit), "Requests per second allowed per project")

	fs.StringVar(&cfg.MetricsAddr, "metrics-bind-address", getEnv("METRICS_BIND_ADDRESS", cfg.MetricsAddr), "The address the metric endpoint binds to")
	fs.StringVar(&cfg.ProbeAddr, "health-probe-bind-address", getEnv("HEALTH_PROBE_BIND_ADDRESS", cfg.ProbeAddr), "The address the probe endpoint binds to")
	fs.BoolVar(&cfg.LeaderElect, "leader-elect", getBool("LEADER_ELECT", cfg.LeaderElect), "Enable leader election")

	fs.DurationVar(&cfg.SyncInterval, "sync-interval", getDuration("SYNC_INTERVAL", cfg.SyncInterval), "Interval between status sync sweeps")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", getDuration("HEALTH_INTERVAL", cfg.HealthInterval), "Interval between cluster connectivity checks")

	fs.StringVar(&cfg.WorkDir, "work-dir", getEnv("WORK_DIR", cfg.WorkDir), "Directory holding Git working copies")
	fs.StringVar(&cfg.AuthorName, "commit-author-name", getEnv("COMMIT_AUTHOR_NAME", cfg.AuthorName), "Author name of GitOps commits")
	fs.StringVar(&cfg.AuthorEmail, "commit-author-email", getEnv("COMMIT_AUTHOR_EMAIL", cfg.AuthorEmail), "Author email of GitOps commits")

	fs.StringVar(&cfg.SealingKey, "sealing-key", getEnv("SEALING_KEY", cfg.SealingKey), "Key sealing credential secret material at rest")
	fs.StringVar(&cfg.KnownHostsFile, "known-hosts", getEnv("KNOWN_HOSTS", cfg.KnownHostsFile), "known_hosts file written into SSH credential secrets")

	fs.StringVar(&cfg.GitHubBaseURL, "github-base-url", getEnv("GITHUB_BASE_URL", cfg.GitHubBaseURL), "GitHub API base URL")
	fs.StringVar(&cfg.GitHubToken, "github-token", getEnv("GITHUB_TOKEN", cfg.GitHubToken), "GitHub token for deploy key removal and commit statuses")
	fs.StringVar(&cfg.GitLabBaseURL, "gitlab-base-url", getEnv("GITLAB_BASE_URL", cfg.GitLabBaseURL), "GitLab API base URL")

	fs.StringVar(&cfg.SourceNamespace, "source-namespace", getEnv("SOURCE_NAMESPACE", cfg.SourceNamespace), "Namespace holding GitRepository sources")
	fs.BoolVar(&cfg.NamespaceQuotas, "namespace-quotas", getBool("NAMESPACE_QUOTAS", cfg.NamespaceQuotas), "Apply resource quotas to development and testing namespaces")
	fs.BoolVar(&cfg.IsolateNetwork, "isolate-network", getBool("ISOLATE_NETWORK", cfg.IsolateNetwork), "Apply default-deny network policies to environment namespaces")
	fs.StringVar(&cfg.IngressNamespace, "ingress-namespace", getEnv("INGRESS_NAMESPACE", cfg.IngressNamespace), "Namespace of the ingress controller allowed into isolated namespaces")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", getDuration("CLEANUP_INTERVAL", cfg.CleanupInterval), "Interval between working copy pruning passes")
	fs.StringVar(&cfg.StatusTargetURL, "status-target-url", getEnv("STATUS_TARGET_URL", cfg.StatusTargetURL), "Commit status link, with %s for the deployment id")

	fs.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", getInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts), "Retries for provider and cluster calls")
	fs.DurationVar(&cfg.RetryInitialBackoff, "retry-initial-backoff", getDuration("RETRY_INITIAL_BACKOFF", cfg.RetryInitialBackoff), "First retry backoff")
	fs.DurationVar(&cfg.RetryMaxBackoff, "retry-max-backoff", getDuration("RETRY_MAX_BACKOFF", cfg.RetryMaxBackoff), "Upper bound on retry backoff")

	cfg.Zap.BindFlags(fs)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("webhook secret is required"))
	}
	if c.SealingKey == "" {
		errs = append(errs, errors.New("sealing key is required"))
	}
	if c.WebhookPort <= 0 || c.WebhookPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid webhook port %d", c.WebhookPort))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync interval must be positive"))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup interval must be positive"))
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		errs = append(errs, errors.New("retry max backoff is below the initial backoff"))
	}
	return errors.Join(errs...)
}

// Retry returns the retry settings. onRetry may be nil.
func (c *Config) Retry(onRetry func(attempt int, err error)) *retry.Config {
	r := retry.DefaultConfig()
	r.MaxRetries = c.RetryMaxAttempts
	r.InitialBackoff = c.RetryInitialBackoff
	r.MaxBackoff = c.RetryMaxBackoff
	r.OnRetry = onRetry
	return r
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}
