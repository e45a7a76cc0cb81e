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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/mikelane/gitopsd/api/v1alpha1"
	"github.com/mikelane/gitopsd/internal/cluster"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/flux"
	"github.com/mikelane/gitopsd/internal/store"
)

var fixedTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type staticSecrets struct{}

func (staticSecrets) SecretData(_ context.Context, cred *domain.GitCredential) (map[string][]byte, error) {
	return map[string][]byte{"username": []byte(cred.Username), "password": []byte("token")}, nil
}

type fakeProvisioner struct {
	store   *store.Memory
	created int
	revoked []string
}

func (p *fakeProvisioner) SetupProjectAuth(ctx context.Context, project *domain.Project, _ *domain.Repository, _, _ string) (*domain.GitCredential, error) {
	if existing, err := p.store.GetActiveCredential(ctx, project.ID); err == nil {
		return existing, nil
	}
	p.created++
	cred := &domain.GitCredential{ID: "cred-2", ProjectID: project.ID, Type: domain.CredentialScopedToken, Username: "oauth2"}
	return cred, p.store.CreateCredential(ctx, cred)
}

func (p *fakeProvisioner) RevokeCredential(_ context.Context, projectID string) error {
	p.revoked = append(p.revoked, projectID)
	return nil
}

type staticHealth bool

func (h staticHealth) Connected() bool { return bool(h) }

type recordingGuard struct {
	applied map[string]domain.EnvironmentType
	err     error
}

func (g *recordingGuard) Apply(_ context.Context, namespace string, envType domain.EnvironmentType, _ map[string]string) error {
	if g.applied == nil {
		g.applied = make(map[string]domain.EnvironmentType)
	}
	g.applied[namespace] = envType
	return g.err
}

func newTestScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
	Expect(flux.AddToScheme(scheme)).To(Succeed())
	return scheme
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx     context.Context
		mem     *store.Memory
		project *domain.Project
		repo    *domain.Repository
		envs    []domain.Environment
		funcs   interceptor.Funcs
		k8s     client.Client
		orch    *Orchestrator
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemory()
		project = &domain.Project{ID: "p1", OrganizationID: "org", Name: "Shop", Slug: "shop"}
		repo = &domain.Repository{
			ID: "r1", ProjectID: "p1", Provider: domain.ProviderGitHub,
			URL: "https://github.com/acme/shop.git", DefaultBranch: "main",
			Owner: "acme", Name: "shop", Private: true,
		}
		envs = []domain.Environment{
			{ID: "e-stg", ProjectID: "p1", Name: "Staging", Type: domain.EnvStaging},
			{ID: "e-prd", ProjectID: "p1", Name: "Production", Type: domain.EnvProduction},
		}
		mem.AddProject(*project)
		mem.AddRepository(*repo)
		for _, env := range envs {
			mem.AddEnvironment(env)
		}
		Expect(mem.CreateCredential(ctx, &domain.GitCredential{
			ID: "cred-1", ProjectID: "p1", Type: domain.CredentialScopedToken, Username: "oauth2",
		})).To(Succeed())
		funcs = interceptor.Funcs{}
	})

	JustBeforeEach(func() {
		k8s = fake.NewClientBuilder().
			WithScheme(newTestScheme()).
			WithInterceptorFuncs(funcs).
			Build()
		orch = New(cluster.NewClient(k8s), mem, staticSecrets{}, DefaultConfig())
	})

	Describe("SetupProject", func() {
		It("applies namespace guardrails per environment type", func() {
			guard := &recordingGuard{}
			orch = New(cluster.NewClient(k8s), mem, staticSecrets{}, DefaultConfig(), WithNamespaceGuard(guard))

			result, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Err()).NotTo(HaveOccurred())
			Expect(guard.applied).To(Equal(map[string]domain.EnvironmentType{
				"shop-staging":    domain.EnvStaging,
				"shop-production": domain.EnvProduction,
			}))
		})

		It("reports a guardrail failure per environment", func() {
			guard := &recordingGuard{err: errors.New("quota rejected")}
			orch = New(cluster.NewClient(k8s), mem, staticSecrets{}, DefaultConfig(), WithNamespaceGuard(guard))

			result, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Failed()).To(HaveLen(2))
			Expect(result.Err()).To(MatchError(ContainSubstring("quota rejected")))
		})

		It("keeps every environment on the branch the Git source follows", func() {
			envs[0].GitOps = &domain.GitOpsConfig{Enabled: true}
			envs[1].GitOps = &domain.GitOpsConfig{Enabled: true, Branch: "release"}

			result, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Failed()).To(HaveLen(1))
			Expect(result.Failed()[0].EnvironmentID).To(Equal("e-prd"))
			Expect(domain.IsConflict(result.Failed()[0].Err)).To(BeTrue())

			src := &flux.GitRepository{}
			Expect(k8s.Get(ctx, types.NamespacedName{Namespace: "flux-system", Name: "shop"}, src)).To(Succeed())
			branch, err := TrackedBranch(&envs[0], repo.DefaultBranch)
			Expect(err).NotTo(HaveOccurred())
			Expect(branch).To(Equal(src.Spec.Reference.Branch))

			Expect(k8s.Get(ctx, types.NamespacedName{Name: "shop-production"}, &corev1.Namespace{})).NotTo(Succeed())
		})

		It("fails with a retryable error while the cluster is unreachable", func() {
			orch = New(cluster.NewClient(k8s), mem, staticSecrets{}, DefaultConfig(), WithHealth(staticHealth(false)))

			_, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
			Expect(err).To(MatchError(domain.ErrTransient))
			Expect(domain.IsRetryable(err)).To(BeTrue())

			Expect(orch.TeardownProject(ctx, project)).To(MatchError(domain.ErrTransient))

			rows, err := mem.ListGitOpsResources(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(BeEmpty())
		})

		It("creates namespaces, secrets, one source and one sync target per environment", func() {
			result, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Err()).NotTo(HaveOccurred())
			Expect(result.Source).NotTo(BeNil())
			Expect(result.Source.Type).To(Equal(domain.ResourceGitSource))

			for _, ns := range []string{"shop-staging", "shop-production"} {
				namespace := &corev1.Namespace{}
				Expect(k8s.Get(ctx, types.NamespacedName{Name: ns}, namespace)).To(Succeed())
				Expect(namespace.Labels).To(HaveKeyWithValue(cluster.LabelProject, "p1"))

				secret := &corev1.Secret{}
				Expect(k8s.Get(ctx, types.NamespacedName{Namespace: ns, Name: "shop-git-credentials"}, secret)).To(Succeed())
				Expect(secret.Data).To(HaveKeyWithValue("username", []byte("oauth2")))
			}

			src := &flux.GitRepository{}
			Expect(k8s.Get(ctx, types.NamespacedName{Namespace: "flux-system", Name: "shop"}, src)).To(Succeed())
			Expect(src.Spec.SecretRef).NotTo(BeNil())
			Expect(src.Spec.SecretRef.Name).To(Equal("shop-git-credentials"))
			Expect(src.Spec.Reference.Branch).To(Equal("main"))

			k := &flux.Kustomization{}
			Expect(k8s.Get(ctx, types.NamespacedName{Namespace: "shop-production", Name: "shop-production"}, k)).To(Succeed())
			Expect(k.Spec.Path).To(Equal("./k8s/overlays/production"))
			Expect(k.Spec.Prune).To(BeTrue())
			Expect(k.Spec.SourceRef.Name).To(Equal("shop"))

			rows, err := mem.ListGitOpsResources(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(3))
			for _, row := range rows {
				Expect(row.Status).To(Equal(domain.ResourcePending))
			}
		})

		It("is idempotent when run twice", func() {
			first, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
			Expect(err).NotTo(HaveOccurred())
			before, _ := mem.ListGitOpsResources(ctx, "p1")

			second, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Err()).NotTo(HaveOccurred())
			after, _ := mem.ListGitOpsResources(ctx, "p1")

			Expect(after).To(Equal(before))
			Expect(second.Source.ID).To(Equal(first.Source.ID))
		})

		It("skips secrets when no credential is given", func() {
			repo.Private = false
			_, err := orch.SetupProject(ctx, project, repo, envs, "")
			Expect(err).NotTo(HaveOccurred())

			src := &flux.GitRepository{}
			Expect(k8s.Get(ctx, types.NamespacedName{Namespace: "flux-system", Name: "shop"}, src)).To(Succeed())
			Expect(src.Spec.SecretRef).To(BeNil())

			err = k8s.Get(ctx, types.NamespacedName{Namespace: "shop-staging", Name: "shop-git-credentials"}, &corev1.Secret{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("refuses a revoked credential", func() {
			Expect(mem.RevokeCredential(ctx, "cred-1", fixedTime)).To(Succeed())
			_, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
			Expect(domain.IsConflict(err)).To(BeTrue())
		})

		Context("when one environment cannot be provisioned", func() {
			BeforeEach(func() {
				funcs.Create = func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
					if _, ok := obj.(*corev1.Namespace); ok && obj.GetName() == "shop-staging" {
						return apierrors.NewForbidden(schema.GroupResource{Resource: "namespaces"}, obj.GetName(), errors.New("quota"))
					}
					return c.Create(ctx, obj, opts...)
				}
			})

			It("provisions the other environments and reports the failure", func() {
				result, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
				Expect(err).NotTo(HaveOccurred())

				failed := result.Failed()
				Expect(failed).To(HaveLen(1))
				Expect(failed[0].EnvironmentID).To(Equal("e-stg"))
				Expect(domain.IsPermission(failed[0].Err)).To(BeTrue())
				Expect(result.Err()).To(HaveOccurred())

				Expect(result.Environments[1].Err).NotTo(HaveOccurred())
				Expect(result.Environments[1].Resource).NotTo(BeNil())

				rows, _ := mem.ListGitOpsResources(ctx, "p1")
				Expect(rows).To(HaveLen(2))
			})
		})
	})

	Describe("TeardownProject", func() {
		It("deletes namespaces and the source and soft-deletes rows", func() {
			_, err := orch.SetupProject(ctx, project, repo, envs, "cred-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(orch.TeardownProject(ctx, project)).To(Succeed())

			err = k8s.Get(ctx, types.NamespacedName{Name: "shop-staging"}, &corev1.Namespace{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
			err = k8s.Get(ctx, types.NamespacedName{Namespace: "flux-system", Name: "shop"}, &flux.GitRepository{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())

			rows, _ := mem.ListGitOpsResources(ctx, "p1")
			Expect(rows).To(BeEmpty())
		})

		It("succeeds when nothing was provisioned", func() {
			Expect(orch.TeardownProject(ctx, project)).To(Succeed())
		})
	})

	Describe("Bootstrapper", func() {
		var (
			prov *fakeProvisioner
			boot *Bootstrapper
			req  *v1alpha1.GitOpsSetupRequest
		)

		JustBeforeEach(func() {
			Expect(mem.RevokeCredential(ctx, "cred-1", fixedTime)).To(Succeed())
			prov = &fakeProvisioner{store: mem}
			boot = NewBootstrapper(mem, orch, prov)
			req = &v1alpha1.GitOpsSetupRequest{
				ProjectID:        "p1",
				RepositoryID:     "r1",
				RepositoryURL:    "https://github.com/acme/shop.git",
				RepositoryBranch: "release",
				ActorID:          "alice",
				Environments: []v1alpha1.EnvironmentRef{
					{ID: "e-stg", Type: "staging", Name: "Staging"},
				},
			}
		})

		It("rejects actors without an admin role", func() {
			_, err := boot.Setup(ctx, req, "user-token")
			Expect(domain.IsPermission(err)).To(BeTrue())
			Expect(prov.created).To(BeZero())
		})

		It("provisions the credential once and tracks the requested branch", func() {
			mem.AddProjectMember("p1", "alice", domain.RoleOwner)

			result, err := boot.Setup(ctx, req, "user-token")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Err()).NotTo(HaveOccurred())
			_, err = boot.Setup(ctx, req, "user-token")
			Expect(err).NotTo(HaveOccurred())
			Expect(prov.created).To(Equal(1))

			src := &flux.GitRepository{}
			Expect(k8s.Get(ctx, types.NamespacedName{Namespace: "flux-system", Name: "shop"}, src)).To(Succeed())
			Expect(src.Spec.Reference.Branch).To(Equal("release"))
		})

		It("revokes the credential on teardown", func() {
			mem.AddProjectMember("p1", "alice", domain.RoleAdmin)
			Expect(boot.Teardown(ctx, "p1", "alice")).To(Succeed())
			Expect(prov.revoked).To(ConsistOf("p1"))
		})
	})
})
