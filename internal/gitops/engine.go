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

package gitops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/flux"
	"github.com/mikelane/gitopsd/internal/manifest"
	"github.com/mikelane/gitopsd/internal/orchestrator"
	"github.com/mikelane/gitopsd/internal/retry"
)

const remoteName = "origin"

// AuthProvider supplies Git credentials and handles their failure.
type AuthProvider interface {
	// GitAuth returns the project's transport auth, or nil for public
	// repositories.
	GitAuth(ctx context.Context, projectID string) (transport.AuthMethod, error)
	// RequestReprovision reports that the provider rejected the project's
	// credential.
	RequestReprovision(ctx context.Context, projectID, reason string) error
}

// Config configures the Engine.
type Config struct {
	// WorkDir holds one working copy per project.
	WorkDir     string
	AuthorName  string
	AuthorEmail string
	// NetworkTimeout bounds each clone, fetch or push.
	NetworkTimeout time.Duration
	Retry          *retry.Config
}

// CommitRequest asks for changes to be committed to an environment's
// manifest.
type CommitRequest struct {
	Project     *domain.Project
	Environment *domain.Environment
	Repository  *domain.Repository
	Changes     domain.Changes
	Actor       string
	// BaseRevision is the commit the actor's edit started from. When set
	// and behind the branch head, remote edits are checked for conflicts.
	BaseRevision string
	// Message overrides the summary line of the commit message.
	Message string
	// RestoreRevision, when set, puts the manifest back to its content at
	// that commit instead of applying Changes.
	RestoreRevision string
}

// CommitResult describes the pushed commit.
type CommitResult struct {
	Hash       string
	Message    string
	Resolution Resolution
	// Applied is the part of the request that was written.
	Applied   domain.Changes
	Conflicts []Conflict
	// Skipped is set when the manifest already had the requested values.
	// Hash is then the current branch head.
	Skipped bool
}

// Engine commits change sets to GitOps repositories.
type Engine struct {
	auth  AuthProvider
	pool  *Pool
	cfg   Config
	clock clock.PassiveClock
}

// NewEngine creates an Engine.
func NewEngine(auth AuthProvider, cfg Config) *Engine {
	if cfg.AuthorName == "" {
		cfg.AuthorName = "gitopsd"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "gitopsd@localhost"
	}
	if cfg.NetworkTimeout == 0 {
		cfg.NetworkTimeout = time.Minute
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Engine{
		auth:  auth,
		pool:  NewPool(),
		cfg:   cfg,
		clock: clock.RealClock{},
	}
}

// Target resolves the branch and manifest path of an environment. repo's
// DefaultBranch must be the branch the project's Git source follows.
func Target(env *domain.Environment, repo *domain.Repository) (branch, manifestPath string, err error) {
	if !env.GitOpsEnabled() {
		return "", "", domain.ErrGitOpsNotEnabled
	}
	branch, err = orchestrator.TrackedBranch(env, repo.DefaultBranch)
	if err != nil {
		return "", "", err
	}
	dir := env.GitOps.Path
	if dir == "" {
		dir = flux.OverlayPath(string(env.Type))
	}
	dir = strings.TrimPrefix(path.Clean(dir), "./")
	return branch, path.Join(dir, manifest.FileName), nil
}

// CommitFromChanges writes req.Changes to the environment's manifest,
// commits and pushes. Transient Git failures are retried with backoff. A
// rejected credential triggers re-provisioning and is not retried. When
// remote edits conflict with the request in a way that needs a person, the
// result lists the conflicts and the error is a ConflictError.
func (e *Engine) CommitFromChanges(ctx context.Context, req *CommitRequest) (*CommitResult, error) {
	target := req.Environment.ID
	branch, file, err := Target(req.Environment, req.Repository)
	if err != nil {
		return nil, domain.WrapGitOps("commit", target, err)
	}

	release, err := e.pool.Acquire(ctx, req.Project.ID)
	if err != nil {
		return nil, domain.WrapGitOps("commit", target, err)
	}
	defer release()

	auth, err := e.auth.GitAuth(ctx, req.Project.ID)
	if err != nil && !domain.IsNotFound(err) {
		return nil, domain.WrapGitOps("commit", target, err)
	}

	var result *CommitResult
	err = retry.Do(ctx, e.cfg.Retry, nil, func() error {
		var attemptErr error
		result, attemptErr = e.commit(ctx, req, branch, file, auth)
		return attemptErr
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			if rerr := e.auth.RequestReprovision(ctx, req.Project.ID, err.Error()); rerr != nil {
				log.FromContext(ctx).Error(rerr, "Failed to request credential re-provisioning", "project", req.Project.ID)
			}
		}
		return result, domain.WrapGitOps("commit", target, err)
	}
	return result, nil
}

func (e *Engine) commit(ctx context.Context, req *CommitRequest, branch, file string, auth transport.AuthMethod) (*CommitResult, error) {
	logger := log.FromContext(ctx).WithValues("project", req.Project.ID, "environment", req.Environment.ID)

	remoteURL := req.Repository.URL
	if _, ok := auth.(*gitssh.PublicKeys); ok {
		remoteURL = req.Repository.GitURL(domain.CredentialDeployKey)
	}
	repo, err := e.open(ctx, e.workDir(req.Project), remoteURL, branch, auth)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}

	head := headHash(repo)
	result := &CommitResult{Resolution: ResolutionAuto, Applied: req.Changes.Without()}
	if req.RestoreRevision == "" && req.BaseRevision != "" && head != "" && req.BaseRevision != head {
		merge, err := e.remoteMerge(repo, req, file, head)
		if err != nil {
			return nil, err
		}
		result.Resolution = merge.Resolution
		result.Conflicts = merge.Conflicts
		result.Applied = merge.Apply
		if merge.Resolution == ResolutionManual {
			return result, &MergeConflictError{File: file, Base: req.BaseRevision, Conflicts: merge.Conflicts}
		}
	}

	current, err := util.ReadFile(wt.Filesystem, file)
	switch {
	case errors.Is(err, os.ErrNotExist):
		current = nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	var updated []byte
	if req.RestoreRevision != "" {
		updated, result.Applied, err = restore(repo, req.RestoreRevision, file, current)
	} else {
		updated, err = apply(req.Project, current, result.Applied)
	}
	if err != nil {
		return nil, err
	}
	if current != nil && string(updated) == string(current) {
		logger.V(1).Info("Manifest already up to date", "file", file)
		result.Skipped = true
		result.Hash = head
		return result, nil
	}

	if err := wt.Filesystem.MkdirAll(path.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", path.Dir(file), err)
	}
	if err := util.WriteFile(wt.Filesystem, file, updated, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", file, err)
	}
	if _, err := wt.Add(file); err != nil {
		return nil, fmt.Errorf("stage %s: %w", file, err)
	}

	result.Message = CommitMessage(req, result.Applied)
	hash, err := wt.Commit(result.Message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  e.cfg.AuthorName,
			Email: e.cfg.AuthorEmail,
			When:  e.clock.Now(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, e.cfg.NetworkTimeout)
	defer cancel()
	refspec := config.RefSpec(plumbing.NewBranchReferenceName(branch) + ":" + plumbing.NewBranchReferenceName(branch))
	err = repo.PushContext(pushCtx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refspec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, classify("push", err)
	}

	result.Hash = hash.String()
	logger.Info("Pushed manifest change",
		"commit", result.Hash,
		"fields", result.Applied.FieldNames(),
		"resolution", result.Resolution)
	return result, nil
}

// apply writes changes onto current, or onto a default manifest when the
// file does not exist yet.
func apply(project *domain.Project, current []byte, changes domain.Changes) ([]byte, error) {
	base := current
	if base == nil {
		var err error
		if base, err = manifest.Default(orchestrator.WorkloadName(project)); err != nil {
			return nil, err
		}
	}
	return manifest.Apply(base, changes)
}

// restore returns the manifest as it was at revision and the fields in
// which it differs from current.
func restore(repo *git.Repository, revision, file string, current []byte) ([]byte, domain.Changes, error) {
	doc, err := fileAt(repo, revision, file)
	if err != nil {
		return nil, domain.Changes{}, err
	}
	if doc == nil {
		return nil, domain.Changes{}, &domain.NotFoundError{Kind: "manifest", ID: file + "@" + short(revision)}
	}
	changed, err := manifest.Diff(current, doc)
	if err != nil {
		return nil, domain.Changes{}, err
	}
	return doc, changed, nil
}

// remoteMerge compares the request with what changed on the branch since
// the request's base revision.
func (e *Engine) remoteMerge(repo *git.Repository, req *CommitRequest, file, head string) (MergeResult, error) {
	before, err := fileAt(repo, req.BaseRevision, file)
	if err != nil {
		return MergeResult{}, err
	}
	after, err := fileAt(repo, head, file)
	if err != nil {
		return MergeResult{}, err
	}
	remote, err := manifest.Diff(before, after)
	if err != nil {
		return MergeResult{}, err
	}
	return ResolveConflicts(req.Changes, remote), nil
}

// open returns an up to date working copy of branch, cloning it on first
// use. Local commits that never reached the remote are discarded.
func (e *Engine) open(ctx context.Context, dir, url, branch string, auth transport.AuthMethod) (*git.Repository, error) {
	netCtx, cancel := context.WithTimeout(ctx, e.cfg.NetworkTimeout)
	defer cancel()

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return clone(netCtx, dir, url, branch, auth)
	}
	if err != nil {
		return nil, fmt.Errorf("open working copy: %w", err)
	}

	local := plumbing.NewBranchReferenceName(branch)
	err = repo.FetchContext(netCtx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec("+" + local + ":" + plumbing.NewRemoteReferenceName(remoteName, branch))},
		Auth:       auth,
		Force:      true,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate), errors.Is(err, transport.ErrEmptyRemoteRepository):
	default:
		return nil, classify("fetch", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, local)); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", branch, err)
	}
	remote, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return repo, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", branch, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remote.Hash(), Mode: git.HardReset}); err != nil {
		return nil, fmt.Errorf("reset to %s: %w", remote.Hash(), err)
	}
	return repo, nil
}

func clone(ctx context.Context, dir, url, branch string, auth transport.AuthMethod) (*git.Repository, error) {
	local := plumbing.NewBranchReferenceName(branch)
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		Auth:          auth,
		RemoteName:    remoteName,
		ReferenceName: local,
		SingleBranch:  true,
	})
	if err == nil {
		return repo, nil
	}
	_ = os.RemoveAll(dir)
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, classify("clone", err)
	}

	// An empty repository has no branch to clone; start one locally.
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init working copy: %w", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{url}}); err != nil {
		return nil, fmt.Errorf("add remote: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, local)); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", branch, err)
	}
	return repo, nil
}

func (e *Engine) workDir(project *domain.Project) string {
	return filepath.Join(e.cfg.WorkDir, project.ID)
}

// WorkingCopies returns the ids of projects with a working copy on disk.
func (e *Engine) WorkingCopies() ([]string, error) {
	entries, err := os.ReadDir(e.cfg.WorkDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// RemoveWorkingCopy deletes a project's working copy once no commit holds it.
func (e *Engine) RemoveWorkingCopy(ctx context.Context, projectID string) error {
	release, err := e.pool.Acquire(ctx, projectID)
	if err != nil {
		return err
	}
	defer release()
	return os.RemoveAll(e.workDir(&domain.Project{ID: projectID}))
}

// CommitMessage summarizes the changed fields and the actor.
func CommitMessage(req *CommitRequest, applied domain.Changes) string {
	fields := applied.Fields()
	names := applied.FieldNames()

	var b strings.Builder
	summary := req.Message
	if summary == "" {
		summary = fmt.Sprintf("deploy(%s): update %s", req.Environment.Name, strings.Join(names, ", "))
	}
	b.WriteString(summary)
	b.WriteString("\n\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, fields[name])
	}
	actor := req.Actor
	if actor == "" {
		actor = "system"
	}
	fmt.Fprintf(&b, "\nTriggered-by: %s\n", actor)
	return b.String()
}

func headHash(repo *git.Repository) string {
	ref, err := repo.Head()
	if err != nil {
		return ""
	}
	return ref.Hash().String()
}

// fileAt reads file at revision. A missing file yields nil.
func fileAt(repo *git.Repository, revision, file string) ([]byte, error) {
	commit, err := repo.CommitObject(plumbing.NewHash(revision))
	if err != nil {
		return nil, &domain.NotFoundError{Kind: "revision", ID: revision}
	}
	f, err := commit.File(file)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", file, short(revision), err)
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", file, short(revision), err)
	}
	return []byte(contents), nil
}

// classify sorts Git transport errors into authentication failures,
// missing repositories and retryable faults.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod),
		strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrAuthentication, err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return &domain.NotFoundError{Kind: "git repository", ID: op}
	case errors.Is(err, git.ErrNonFastForwardUpdate),
		strings.Contains(err.Error(), "non-fast-forward"),
		errors.Is(err, context.DeadlineExceeded),
		retry.IsTransient(err):
		return domain.Transient(fmt.Errorf("%s: %w", op, err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func short(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
