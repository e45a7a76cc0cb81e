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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/internal/cluster"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/flux"
	"github.com/mikelane/gitopsd/internal/store"
)

// SecretRenderer turns a stored credential into the data of a Flux Git
// authentication secret.
type SecretRenderer interface {
	SecretData(ctx context.Context, cred *domain.GitCredential) (map[string][]byte, error)
}

// Config holds cluster-side placement and cadence settings.
type Config struct {
	// SourceNamespace holds every project's GitRepository.
	SourceNamespace string
	// SourceInterval is how often Flux fetches the repository.
	SourceInterval time.Duration
	// SyncInterval is used when an environment does not set its own.
	SyncInterval time.Duration
	// SyncTimeout bounds a single Flux apply. Zero leaves Flux's default.
	SyncTimeout time.Duration
}

// DefaultConfig returns the default placement and cadence.
func DefaultConfig() Config {
	return Config{
		SourceNamespace: "flux-system",
		SourceInterval:  time.Minute,
		SyncInterval:    5 * time.Minute,
	}
}

// EnvironmentResult is the outcome of provisioning one environment.
type EnvironmentResult struct {
	EnvironmentID string
	Namespace     string
	Resource      *domain.GitOpsResource
	Err           error
}

// SetupResult lists what SetupProject provisioned.
type SetupResult struct {
	Source       *domain.GitOpsResource
	Environments []EnvironmentResult
}

// Failed returns the environments that could not be provisioned.
func (r *SetupResult) Failed() []EnvironmentResult {
	var failed []EnvironmentResult
	for _, env := range r.Environments {
		if env.Err != nil {
			failed = append(failed, env)
		}
	}
	return failed
}

// Err joins the per-environment errors, or returns nil.
func (r *SetupResult) Err() error {
	var errs []error
	for _, env := range r.Failed() {
		errs = append(errs, fmt.Errorf("environment %s: %w", env.EnvironmentID, env.Err))
	}
	return errors.Join(errs...)
}

// Orchestrator provisions and removes the cluster objects of GitOps-enabled
// projects.
type Orchestrator struct {
	cluster *cluster.Client
	store   store.Store
	secrets SecretRenderer
	cfg     Config
	clock   clock.PassiveClock
	health  Connectivity
	guard   NamespaceGuard
}

// NamespaceGuard applies guardrails to a freshly ensured environment
// namespace. *namespace.Guard implements it.
type NamespaceGuard interface {
	Apply(ctx context.Context, namespace string, envType domain.EnvironmentType, labels map[string]string) error
}

// Connectivity reports whether the cluster is reachable.
type Connectivity interface {
	Connected() bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHealth fails setup and teardown fast while h reports the cluster
// unreachable.
func WithHealth(h Connectivity) Option {
	return func(o *Orchestrator) { o.health = h }
}

// WithNamespaceGuard applies g to every environment namespace.
func WithNamespaceGuard(g NamespaceGuard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// errDisconnected is returned, wrapped as transient, while the cluster is
// unreachable.
var errDisconnected = errors.New("cluster unreachable")

// New creates an Orchestrator.
func New(c *cluster.Client, s store.Store, secrets SecretRenderer, cfg Config, opts ...Option) *Orchestrator {
	if cfg.SourceNamespace == "" {
		cfg.SourceNamespace = DefaultConfig().SourceNamespace
	}
	if cfg.SourceInterval == 0 {
		cfg.SourceInterval = DefaultConfig().SourceInterval
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	o := &Orchestrator{
		cluster: c,
		store:   s,
		secrets: secrets,
		cfg:     cfg,
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) checkConnected(op, projectID string) error {
	if o.health == nil || o.health.Connected() {
		return nil
	}
	return domain.WrapGitOps(op, projectID, domain.Transient(errDisconnected))
}

// SourceNamespace returns the namespace holding Git sources.
func (o *Orchestrator) SourceNamespace() string {
	return o.cfg.SourceNamespace
}

// SetupProject provisions the project's GitOps objects. credentialID names
// an already provisioned credential and may be empty for public
// repositories. The returned error covers project-wide failures only;
// per-environment failures are reported in the result.
func (o *Orchestrator) SetupProject(ctx context.Context, project *domain.Project, repo *domain.Repository, envs []domain.Environment, credentialID string) (*SetupResult, error) {
	logger := log.FromContext(ctx).WithValues("project", project.ID)

	if err := o.checkConnected("setup", project.ID); err != nil {
		return nil, err
	}
	secretData, credType, err := o.credentialSecret(ctx, project, credentialID)
	if err != nil {
		return nil, err
	}
	source := *repo
	source.URL = repo.GitURL(credType)

	result := &SetupResult{Environments: make([]EnvironmentResult, len(envs))}
	for i := range envs {
		env := &envs[i]
		result.Environments[i] = EnvironmentResult{
			EnvironmentID: env.ID,
			Namespace:     NamespaceName(project, env.Type),
		}
		if _, err := TrackedBranch(env, repo.DefaultBranch); err != nil {
			logger.Error(err, "Environment cannot follow the project's Git source", "environment", env.ID)
			result.Environments[i].Err = err
			continue
		}
		if err := o.ensureNamespace(ctx, project, env, secretData); err != nil {
			logger.Error(err, "Failed to provision environment namespace", "environment", env.ID)
			result.Environments[i].Err = err
		}
	}

	sourceRes, err := o.ensureSource(ctx, project, &source, secretData)
	if err != nil {
		return result, domain.WrapGitOps("setup git source", project.ID, err)
	}
	result.Source = sourceRes

	for i := range envs {
		if result.Environments[i].Err != nil {
			continue
		}
		res, err := o.ensureSyncTarget(ctx, project, repo, &envs[i])
		if err != nil {
			logger.Error(err, "Failed to provision sync target", "environment", envs[i].ID)
			result.Environments[i].Err = err
			continue
		}
		result.Environments[i].Resource = res
	}

	logger.Info("GitOps setup finished",
		"environments", len(envs),
		"failed", len(result.Failed()))
	return result, nil
}

// credentialSecret resolves the secret data and credential type for
// credentialID.
func (o *Orchestrator) credentialSecret(ctx context.Context, project *domain.Project, credentialID string) (map[string][]byte, domain.CredentialType, error) {
	if credentialID == "" {
		return nil, "", nil
	}
	cred, err := o.store.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, "", domain.WrapGitOps("load credential", credentialID, err)
	}
	if cred.ProjectID != project.ID {
		return nil, "", &domain.NotFoundError{Kind: "credential", ID: credentialID}
	}
	if !cred.Active() {
		return nil, "", &domain.ConflictError{Kind: "credential", ID: credentialID, Reason: "credential is revoked"}
	}
	data, err := o.secrets.SecretData(ctx, cred)
	if err != nil {
		return nil, "", domain.WrapGitOps("render credential secret", credentialID, err)
	}
	return data, cred.Type, nil
}

func (o *Orchestrator) ensureNamespace(ctx context.Context, project *domain.Project, env *domain.Environment, secretData map[string][]byte) error {
	namespace := NamespaceName(project, env.Type)
	labels := cluster.ManagedLabels(project.ID, env.ID)
	if err := o.cluster.EnsureNamespace(ctx, namespace, labels); err != nil {
		return err
	}
	if o.guard != nil {
		if err := o.guard.Apply(ctx, namespace, env.Type, labels); err != nil {
			return domain.WrapGitOps("guard namespace", namespace, err)
		}
	}
	if secretData == nil {
		return nil
	}
	return o.cluster.EnsureSecret(ctx, newCredentialSecret(project, namespace, labels, secretData))
}

func (o *Orchestrator) ensureSource(ctx context.Context, project *domain.Project, repo *domain.Repository, secretData map[string][]byte) (*domain.GitOpsResource, error) {
	name := SourceName(project)
	labels := cluster.ManagedLabels(project.ID, "")

	var secretName string
	if secretData != nil {
		secretName = SecretName(project)
		if err := o.cluster.EnsureSecret(ctx, newCredentialSecret(project, o.cfg.SourceNamespace, labels, secretData)); err != nil {
			return nil, err
		}
	}

	gitRepo := flux.NewGitRepository(flux.SourceOptions{
		Name:       name,
		Namespace:  o.cfg.SourceNamespace,
		URL:        repo.URL,
		Branch:     repo.DefaultBranch,
		SecretName: secretName,
		Interval:   o.cfg.SourceInterval,
		Labels:     labels,
	})
	if err := o.cluster.Create(ctx, gitRepo); err != nil {
		return nil, err
	}

	return o.record(ctx, &domain.GitOpsResource{
		ProjectID:    project.ID,
		RepositoryID: repo.ID,
		Type:         domain.ResourceGitSource,
		Name:         name,
		Namespace:    o.cfg.SourceNamespace,
		Config: map[string]string{
			"url":    repo.URL,
			"branch": repo.DefaultBranch,
		},
	})
}

func (o *Orchestrator) ensureSyncTarget(ctx context.Context, project *domain.Project, repo *domain.Repository, env *domain.Environment) (*domain.GitOpsResource, error) {
	namespace := NamespaceName(project, env.Type)
	name := SyncName(project, env.Type)

	path := flux.OverlayPath(string(env.Type))
	interval := o.cfg.SyncInterval
	if env.GitOps != nil {
		if env.GitOps.Path != "" {
			path = env.GitOps.Path
		}
		if env.GitOps.SyncInterval > 0 {
			interval = env.GitOps.SyncInterval
		}
	}

	k := flux.NewKustomization(flux.SyncOptions{
		Name:            name,
		Namespace:       namespace,
		Path:            path,
		TargetNamespace: namespace,
		SourceName:      SourceName(project),
		SourceNamespace: o.cfg.SourceNamespace,
		Interval:        interval,
		Timeout:         o.cfg.SyncTimeout,
		Labels:          cluster.ManagedLabels(project.ID, env.ID),
	})
	if err := o.cluster.Create(ctx, k); err != nil {
		return nil, err
	}

	envID := env.ID
	return o.record(ctx, &domain.GitOpsResource{
		ProjectID:     project.ID,
		EnvironmentID: &envID,
		RepositoryID:  repo.ID,
		Type:          domain.ResourceSyncTarget,
		Name:          name,
		Namespace:     namespace,
		Config: map[string]string{
			"path":     path,
			"source":   o.cfg.SourceNamespace + "/" + SourceName(project),
			"interval": interval.String(),
		},
	})
}

// record upserts the mirror row for a created object.
func (o *Orchestrator) record(ctx context.Context, r *domain.GitOpsResource) (*domain.GitOpsResource, error) {
	now := o.clock.Now().UTC()
	r.ID = uuid.NewString()
	r.Status = domain.ResourcePending
	r.CreatedAt = now
	r.UpdatedAt = now
	stored, err := o.store.UpsertGitOpsResource(ctx, r)
	if err != nil {
		return nil, domain.WrapGitOps("record "+string(r.Type), r.Namespace+"/"+r.Name, err)
	}
	return stored, nil
}

// TeardownProject deletes the project's namespaces and Git source and
// soft-deletes its resource rows. Objects that are already gone are
// ignored. Rows are kept when a deletion fails so a retry finds them.
func (o *Orchestrator) TeardownProject(ctx context.Context, project *domain.Project) error {
	logger := log.FromContext(ctx).WithValues("project", project.ID)

	if err := o.checkConnected("teardown project", project.ID); err != nil {
		return err
	}
	resources, err := o.store.ListGitOpsResources(ctx, project.ID)
	if err != nil {
		return domain.WrapGitOps("teardown project", project.ID, err)
	}
	envs, err := o.store.ListEnvironments(ctx, project.ID)
	if err != nil {
		return domain.WrapGitOps("teardown project", project.ID, err)
	}

	namespaces := make(map[string]struct{})
	for _, env := range envs {
		namespaces[NamespaceName(project, env.Type)] = struct{}{}
	}
	var errs []error
	for _, r := range resources {
		switch r.Type {
		case domain.ResourceSyncTarget:
			namespaces[r.Namespace] = struct{}{}
		case domain.ResourceGitSource:
			src := &flux.GitRepository{ObjectMeta: metav1.ObjectMeta{Name: r.Name, Namespace: r.Namespace}}
			errs = append(errs, o.cluster.Delete(ctx, src))
		}
	}
	errs = append(errs, o.cluster.DeleteSecret(ctx, o.cfg.SourceNamespace, SecretName(project)))

	for namespace := range namespaces {
		logger.V(1).Info("Deleting environment namespace", "namespace", namespace)
		errs = append(errs, o.cluster.DeleteNamespace(ctx, namespace))
	}

	if err := errors.Join(errs...); err != nil {
		return domain.WrapGitOps("teardown project", project.ID, err)
	}

	if err := o.store.SoftDeleteGitOpsResources(ctx, project.ID, o.clock.Now().UTC()); err != nil {
		return domain.WrapGitOps("teardown project", project.ID, err)
	}
	logger.Info("GitOps teardown finished", "namespaces", len(namespaces))
	return nil
}

// RemoveCredentialSecrets deletes every copy of the project's credential
// secret.
func (o *Orchestrator) RemoveCredentialSecrets(ctx context.Context, project *domain.Project) error {
	envs, err := o.store.ListEnvironments(ctx, project.ID)
	if err != nil {
		return domain.WrapGitOps("remove credential secrets", project.ID, err)
	}
	name := SecretName(project)
	errs := []error{o.cluster.DeleteSecret(ctx, o.cfg.SourceNamespace, name)}
	for _, env := range envs {
		errs = append(errs, o.cluster.DeleteSecret(ctx, NamespaceName(project, env.Type), name))
	}
	return errors.Join(errs...)
}

// SyncObject returns an empty cluster object of the kind mirrored by r.
func SyncObject(r *domain.GitOpsResource) client.Object {
	meta := metav1.ObjectMeta{Name: r.Name, Namespace: r.Namespace}
	if r.Type == domain.ResourceGitSource {
		return &flux.GitRepository{ObjectMeta: meta}
	}
	return &flux.Kustomization{ObjectMeta: meta}
}

func newCredentialSecret(project *domain.Project, namespace string, labels map[string]string, data map[string][]byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SecretName(project),
			Namespace: namespace,
			Labels:    labels,
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}
}
