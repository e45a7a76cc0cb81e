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

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/api/v1alpha1"
	"github.com/mikelane/gitopsd/internal/deployment"
	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/gitops"
	"github.com/mikelane/gitopsd/internal/metrics"
	"github.com/mikelane/gitopsd/internal/orchestrator"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New()

// Deployments is the deployment lifecycle as seen by the HTTP ingress.
type Deployments interface {
	CreateDirect(ctx context.Context, req deployment.CreateRequest) (*domain.Deployment, error)
	CreateFromGitOps(ctx context.Context, req deployment.CreateRequest) (*domain.Deployment, error)
	CreateFromGitPush(ctx context.Context, n *v1alpha1.GitPushNotification) (*domain.Deployment, error)
	Approve(ctx context.Context, deploymentID, approverID string, comment *string) (*domain.Deployment, error)
	Reject(ctx context.Context, deploymentID, approverID string, comment *string) (*domain.Deployment, error)
	Rollback(ctx context.Context, deploymentID, actorID string) (*domain.Deployment, error)
}

// GitOps enables and disables GitOps for projects.
type GitOps interface {
	Setup(ctx context.Context, req *v1alpha1.GitOpsSetupRequest, providerToken string) (*orchestrator.SetupResult, error)
	Teardown(ctx context.Context, projectID, actorID string) error
}

// Config configures the Server.
type Config struct {
	Addr          string
	Port          int
	WebhookSecret string
	// RateLimit requests per RateWindow are allowed per project.
	RateLimit  int
	RateWindow time.Duration
}

// Server handles signed webhook and command requests
type Server struct {
	cfg         Config
	deployments Deployments
	gitops      GitOps
	rateLimiter *RateLimiter
	router      chi.Router
	server      *http.Server
	logger      logr.Logger
}

// NewServer creates a new webhook server
func NewServer(cfg Config, deployments Deployments, gitops GitOps) *Server {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Second
	}
	s := &Server{
		cfg:         cfg,
		deployments: deployments,
		gitops:      gitops,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		router:      chi.NewRouter(),
		logger:      log.Log.WithName("webhook"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.withLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTP)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.verifySignature)

		r.Post("/hooks/git-push", s.handleGitPush)
		r.Post("/hooks/gitops-setup", s.handleSetup)
		r.Post("/hooks/gitops-teardown", s.handleTeardown)

		r.Post("/deployments", s.handleCreateDeployment)
		r.Post("/deployments/{id}/approve", s.handleVote(true))
		r.Post("/deployments/{id}/reject", s.handleVote(false))
		r.Post("/deployments/{id}/rollback", s.handleRollback)
	})
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the webhook server
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Starting webhook server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// NeedLeaderElection implements manager.LeaderElectionRunnable. Every
// replica serves requests.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down webhook server")
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.WithValues("requestId", middleware.GetReqID(r.Context()), "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(log.IntoContext(r.Context(), logger)))
	})
}

// verifySignature rejects requests whose body does not match the
// signature header, and restores the body for the handler.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.FromContext(r.Context())
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			logger.Error(err, "Failed to read request body")
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		_ = r.Body.Close()

		if !ValidateSignature(payload, r.Header.Get(SignatureHeader), s.cfg.WebhookSecret) {
			logger.Info("Invalid webhook signature")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(payload))
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleGitPush(w http.ResponseWriter, r *http.Request) {
	var n v1alpha1.GitPushNotification
	if !s.decode(w, r, &n) || !s.allow(w, r, n.ProjectID) {
		return
	}
	d, err := s.deployments.CreateFromGitPush(r.Context(), &n)
	if err != nil {
		s.fail(w, r, "Failed to record git push", err)
		return
	}
	writeJSON(w, http.StatusOK, newDeploymentResponse(d))
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.GitOpsSetupRequest
	if !s.decode(w, r, &req) || !s.allow(w, r, req.ProjectID) {
		return
	}
	result, err := s.gitops.Setup(r.Context(), &req, r.Header.Get(ProviderTokenHeader))
	if result == nil {
		s.fail(w, r, "GitOps setup failed", err)
		return
	}
	status := http.StatusOK
	if err != nil || len(result.Failed()) > 0 {
		log.FromContext(r.Context()).Error(err, "GitOps setup partially failed",
			"project", req.ProjectID, "failed", len(result.Failed()))
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, newSetupResponse(result))
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	var req TeardownRequest
	if !s.decode(w, r, &req) || !s.allow(w, r, req.ProjectID) {
		return
	}
	if err := s.gitops.Teardown(r.Context(), req.ProjectID, req.ActorID); err != nil {
		s.fail(w, r, "GitOps teardown failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req CreateDeploymentRequest
	if !s.decode(w, r, &req) || !s.allow(w, r, req.ProjectID) {
		return
	}
	create := deployment.CreateRequest{
		ProjectID:     req.ProjectID,
		EnvironmentID: req.EnvironmentID,
		Version:       req.Version,
		Changes:       req.Changes,
		ActorID:       req.ActorID,
		BaseRevision:  req.BaseRevision,
	}

	var (
		d   *domain.Deployment
		err error
	)
	if domain.DeploymentMethod(req.Method) == domain.MethodGitOps {
		d, err = s.deployments.CreateFromGitOps(r.Context(), create)
	} else {
		d, err = s.deployments.CreateDirect(r.Context(), create)
	}
	if err != nil {
		s.fail(w, r, "Failed to create deployment", err)
		return
	}
	writeJSON(w, http.StatusCreated, newDeploymentResponse(d))
}

func (s *Server) handleVote(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VoteRequest
		if !s.decode(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")
		vote := s.deployments.Reject
		if approve {
			vote = s.deployments.Approve
		}
		d, err := vote(r.Context(), id, req.ApproverID, req.Comment)
		if err != nil {
			s.fail(w, r, "Failed to record vote", err)
			return
		}
		writeJSON(w, http.StatusOK, newDeploymentResponse(d))
	}
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.deployments.Rollback(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	if err != nil {
		s.fail(w, r, "Failed to roll back", err)
		return
	}
	writeJSON(w, http.StatusCreated, newDeploymentResponse(d))
}

// decode parses and validates the JSON body into v, answering 400 on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation error: "+err.Error())
		return false
	}
	return true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, projectID string) bool {
	if s.rateLimiter.Allow(projectID) {
		return true
	}
	log.FromContext(r.Context()).Info("Rate limit exceeded", "project", projectID)
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.FromContext(r.Context()).Error(err, msg)
	} else {
		log.FromContext(r.Context()).V(1).Info(msg, "error", err.Error())
	}
	resp := ErrorResponse{Error: err.Error()}
	var mce *gitops.MergeConflictError
	if errors.As(err, &mce) {
		resp.Conflicts = mce.Conflicts
	}
	writeJSON(w, status, resp)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case domain.IsPermission(err):
		return http.StatusForbidden
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGitOpsNotEnabled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
