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

package credentials

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/github"
	"github.com/mikelane/gitopsd/internal/gitlab"
	"github.com/mikelane/gitopsd/internal/gitops"
	"github.com/mikelane/gitopsd/internal/store"
)

// GitHubFactory builds a GitHub client authenticated with token.
type GitHubFactory func(token string) (github.Client, error)

// GitLabFactory builds a GitLab client authenticated with token.
type GitLabFactory func(token string) (gitlab.Client, error)

// SecretRemover deletes the cluster-side copies of a project's credential.
type SecretRemover interface {
	RemoveCredentialSecrets(ctx context.Context, project *domain.Project) error
}

// Config holds provider access the provisioner needs outside a user request.
type Config struct {
	// GitHubToken, when set, lets revocation delete deploy keys without a
	// user session. Without it GitHub keys are left for manual removal.
	GitHubToken string
	// TokenUsername is paired with scoped tokens for HTTP basic auth.
	TokenUsername string
}

// Provisioner creates, serves and revokes project Git credentials.
type Provisioner struct {
	store    store.Store
	github   GitHubFactory
	gitlab   GitLabFactory
	sealer   *Sealer
	renderer *SecretRenderer
	secrets  SecretRemover
	cfg      Config
	locks    *gitops.Pool
	clock    clock.PassiveClock
}

// NewProvisioner returns a Provisioner. secrets may be nil when no cluster
// copies exist.
func NewProvisioner(s store.Store, gh GitHubFactory, gl GitLabFactory, sealer *Sealer, renderer *SecretRenderer, secrets SecretRemover, cfg Config) *Provisioner {
	if cfg.TokenUsername == "" {
		cfg.TokenUsername = "gitopsd"
	}
	return &Provisioner{
		store:    s,
		github:   gh,
		gitlab:   gl,
		sealer:   sealer,
		renderer: renderer,
		secrets:  secrets,
		cfg:      cfg,
		locks:    gitops.NewPool(),
		clock:    clock.RealClock{},
	}
}

// SetupProjectAuth returns the project's active credential, creating one
// with providerToken if none exists. providerToken is the initiating user's
// provider session and is only used for this call.
func (p *Provisioner) SetupProjectAuth(ctx context.Context, project *domain.Project, repo *domain.Repository, actorID, providerToken string) (*domain.GitCredential, error) {
	logger := log.FromContext(ctx).WithValues("project", project.ID, "repository", repo.FullName())

	release, err := p.locks.Acquire(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := p.store.GetActiveCredential(ctx, project.ID)
	if err == nil {
		logger.V(1).Info("Reusing active git credential", "credential", existing.ID)
		return redact(existing), nil
	}
	if !domain.IsNotFound(err) {
		return nil, domain.WrapOperation("setup project auth", project.ID, err)
	}

	if providerToken == "" {
		return nil, fmt.Errorf("setup project auth %s: %w: a provider session token is required", project.ID, domain.ErrAuthentication)
	}

	var (
		cred     *domain.GitCredential
		rollback func(context.Context)
	)
	switch repo.Provider {
	case domain.ProviderGitLab:
		cred, rollback, err = p.createScopedToken(ctx, project, repo, providerToken)
	case domain.ProviderGitHub:
		cred, rollback, err = p.createDeployKey(ctx, project, repo, providerToken)
	default:
		return nil, &domain.ConflictError{Kind: "repository", ID: repo.ID, Reason: fmt.Sprintf("unsupported git provider %q", repo.Provider)}
	}
	if err != nil {
		return nil, domain.WrapOperation("setup project auth", project.ID, err)
	}

	cred.ID = uuid.NewString()
	cred.ProjectID = project.ID
	cred.CreatedAt = p.clock.Now()
	if err := p.store.CreateCredential(ctx, cred); err != nil {
		rollback(context.WithoutCancel(ctx))
		return nil, domain.WrapOperation("setup project auth", project.ID, err)
	}

	logger.Info("Provisioned git credential", "credential", cred.ID, "type", cred.Type, "actor", actorID)
	return redact(cred), nil
}

func (p *Provisioner) createScopedToken(ctx context.Context, project *domain.Project, repo *domain.Repository, providerToken string) (*domain.GitCredential, func(context.Context), error) {
	client, err := p.gitlab(providerToken)
	if err != nil {
		return nil, nil, err
	}
	token, err := client.CreateProjectToken(ctx, repo.FullName(), gitlab.TokenOptions{
		Name:        "gitopsd-" + project.Slug,
		Scopes:      []string{gitlab.ScopeReadRepository},
		AccessLevel: gitlab.ReporterAccess,
	})
	if err != nil {
		return nil, nil, err
	}

	sealed, err := p.sealer.Seal([]byte(token.Token))
	if err != nil {
		return nil, nil, err
	}
	rollback := func(ctx context.Context) {
		if err := client.RevokeToken(ctx, token.ID); err != nil {
			log.FromContext(ctx).Error(err, "Failed to revoke orphaned project token", "token", token.ID)
		}
	}
	return &domain.GitCredential{
		Type:           domain.CredentialScopedToken,
		ExternalID:     strconv.Itoa(token.ID),
		Username:       p.cfg.TokenUsername,
		SecretMaterial: sealed,
		Scopes:         token.Scopes,
		ExpiresAt:      token.ExpiresAt,
	}, rollback, nil
}

func (p *Provisioner) createDeployKey(ctx context.Context, project *domain.Project, repo *domain.Repository, providerToken string) (*domain.GitCredential, func(context.Context), error) {
	privatePEM, publicKey, err := GenerateKeyPair("gitopsd@" + project.Slug)
	if err != nil {
		return nil, nil, err
	}

	client, err := p.github(providerToken)
	if err != nil {
		return nil, nil, err
	}
	key, err := client.CreateDeployKey(ctx, repo.Owner, repo.Name, &github.DeployKey{
		Title:    "gitopsd: " + project.Slug,
		Key:      publicKey,
		ReadOnly: true,
	})
	if err != nil {
		return nil, nil, err
	}

	sealed, err := p.sealer.Seal(privatePEM)
	if err != nil {
		return nil, nil, err
	}
	rollback := func(ctx context.Context) {
		if err := client.DeleteDeployKey(ctx, repo.Owner, repo.Name, key.ID); err != nil {
			log.FromContext(ctx).Error(err, "Failed to delete orphaned deploy key", "key", key.ID)
		}
	}
	return &domain.GitCredential{
		Type:           domain.CredentialDeployKey,
		ExternalID:     strconv.FormatInt(key.ID, 10),
		SecretMaterial: sealed,
		PublicKey:      publicKey,
		Scopes:         []string{"read"},
	}, rollback, nil
}

// GenerateKeyPair returns a new ed25519 key pair: the private key as an
// OpenSSH PEM block and the public key in authorized_keys format.
func GenerateKeyPair(comment string) (privatePEM []byte, publicKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, "", fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", fmt.Errorf("convert public key: %w", err)
	}
	publicKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	return pem.EncodeToMemory(block), publicKey, nil
}

// RevokeCredential revokes the project's active credential at the provider
// (best effort), removes its cluster secrets and marks it revoked. It is a
// no-op when the project has no active credential.
func (p *Provisioner) RevokeCredential(ctx context.Context, projectID string) error {
	logger := log.FromContext(ctx).WithValues("project", projectID)

	cred, err := p.store.GetActiveCredential(ctx, projectID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return domain.WrapOperation("revoke credential", projectID, err)
	}

	if err := p.revokeAtProvider(ctx, cred); err != nil {
		logger.Error(err, "Failed to revoke credential at provider", "credential", cred.ID)
	}

	if p.secrets != nil {
		project, err := p.store.GetProject(ctx, projectID)
		if err != nil {
			return domain.WrapOperation("revoke credential", projectID, err)
		}
		if err := p.secrets.RemoveCredentialSecrets(ctx, project); err != nil {
			return domain.WrapOperation("revoke credential", projectID, err)
		}
	}

	if err := p.store.RevokeCredential(ctx, cred.ID, p.clock.Now()); err != nil {
		return domain.WrapOperation("revoke credential", projectID, err)
	}
	logger.Info("Revoked git credential", "credential", cred.ID)
	return nil
}

// revokeAtProvider treats a credential the provider no longer knows as
// revoked.
func (p *Provisioner) revokeAtProvider(ctx context.Context, cred *domain.GitCredential) error {
	repo, err := p.store.GetProjectRepository(ctx, cred.ProjectID)
	if err != nil {
		return err
	}

	switch cred.Type {
	case domain.CredentialScopedToken:
		id, err := strconv.Atoi(cred.ExternalID)
		if err != nil {
			return fmt.Errorf("invalid token id %q: %w", cred.ExternalID, err)
		}
		token, err := p.sealer.Open(cred.SecretMaterial)
		if err != nil {
			return err
		}
		client, err := p.gitlab(string(token))
		if err != nil {
			return err
		}
		err = client.RevokeToken(ctx, id)
		if domain.IsNotFound(err) || errors.Is(err, domain.ErrAuthentication) {
			return nil
		}
		return err

	case domain.CredentialDeployKey:
		if p.cfg.GitHubToken == "" {
			log.FromContext(ctx).Info("No GitHub token configured, deploy key must be removed manually",
				"repository", repo.FullName(), "key", cred.ExternalID)
			return nil
		}
		id, err := strconv.ParseInt(cred.ExternalID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid deploy key id %q: %w", cred.ExternalID, err)
		}
		client, err := p.github(p.cfg.GitHubToken)
		if err != nil {
			return err
		}
		err = client.DeleteDeployKey(ctx, repo.Owner, repo.Name, id)
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unsupported credential type %q", cred.Type)
}

// RequestReprovision retires the project's credential after the provider
// rejected it. Revocation at the provider and secret removal are best
// effort; the row is marked revoked regardless. A new credential needs a
// user session, so the next GitOps setup request for the project
// provisions it.
func (p *Provisioner) RequestReprovision(ctx context.Context, projectID, reason string) error {
	logger := log.FromContext(ctx).WithValues("project", projectID)

	cred, err := p.store.GetActiveCredential(ctx, projectID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return domain.WrapOperation("request reprovision", projectID, err)
	}

	if err := p.revokeAtProvider(ctx, cred); err != nil {
		logger.Error(err, "Failed to revoke rejected credential at provider", "credential", cred.ID)
	}
	if p.secrets != nil {
		project, err := p.store.GetProject(ctx, projectID)
		if err == nil {
			err = p.secrets.RemoveCredentialSecrets(ctx, project)
		}
		if err != nil {
			logger.Error(err, "Failed to remove secrets of rejected credential", "credential", cred.ID)
		}
	}

	if err := p.store.RevokeCredential(ctx, cred.ID, p.clock.Now()); err != nil {
		return domain.WrapOperation("request reprovision", projectID, err)
	}
	logger.Error(errors.New(reason), "Git credential rejected by provider, re-run GitOps setup to provision a new one",
		"credential", cred.ID)
	return nil
}

// GitAuth returns the transport auth for the project's active credential.
// It returns a NotFoundError when the project has none, which callers treat
// as a public repository.
func (p *Provisioner) GitAuth(ctx context.Context, projectID string) (transport.AuthMethod, error) {
	cred, err := p.store.GetActiveCredential(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return p.renderer.TransportAuth(cred)
}

// redact strips secret material so callers only see the credential's
// identity.
func redact(c *domain.GitCredential) *domain.GitCredential {
	out := *c
	out.SecretMaterial = nil
	return &out
}
