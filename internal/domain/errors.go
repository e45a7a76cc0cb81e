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

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRollbackTarget is returned when no earlier successful deployment exists.
	ErrNoRollbackTarget = errors.New("no successful deployment to roll back to")
	// ErrGitOpsNotEnabled is returned for GitOps operations on an environment
	// without an enabled GitOps block.
	ErrGitOpsNotEnabled = errors.New("gitops is not enabled for environment")
	// ErrAuthentication marks a Git authentication failure. It is terminal and
	// requires the credential to be re-provisioned.
	ErrAuthentication = errors.New("git authentication failed")
	// ErrTransient marks failures of infrastructure that may recover on retry.
	ErrTransient = errors.New("transient infrastructure failure")
)

// PermissionError reports that an actor may not perform an action.
type PermissionError struct {
	Actor  string
	Action string
	Target string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("actor %q is not permitted to %s %s", e.Actor, e.Action, e.Target)
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ConflictError reports a state that forbids the requested change.
type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Kind, e.ID, e.Reason)
}

// OperationError wraps a failure of an external collaborator.
type OperationError struct {
	Op     string
	Target string
	Err    error
}

func (e *OperationError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// GitOpsError wraps a failure while talking to Git or the GitOps controller.
type GitOpsError struct {
	Op     string
	Target string
	Err    error
}

func (e *GitOpsError) Error() string {
	return fmt.Sprintf("gitops %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *GitOpsError) Unwrap() error { return e.Err }

type transientError struct {
	err error
}

func (e *transientError) Error() string        { return e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient marks err as a retryable infrastructure failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsBusiness reports whether err is a permission, not-found or conflict error.
func IsBusiness(err error) bool {
	return IsPermission(err) || IsNotFound(err) || IsConflict(err)
}

// WrapOperation wraps err in an OperationError. Business errors are
// returned unchanged so callers can still match them by type.
func WrapOperation(op, target string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusiness(err) {
		return err
	}
	return &OperationError{Op: op, Target: target, Err: err}
}

// WrapGitOps wraps err in a GitOpsError, leaving business errors unchanged.
func WrapGitOps(op, target string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusiness(err) {
		return err
	}
	return &GitOpsError{Op: op, Target: target, Err: err}
}

func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errors.Is(err, ErrNoRollbackTarget)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsRetryable reports whether retrying the failed call may succeed.
// Business and authentication failures never are.
func IsRetryable(err error) bool {
	if err == nil || IsBusiness(err) || errors.Is(err, ErrAuthentication) || errors.Is(err, ErrGitOpsNotEnabled) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var oe *OperationError
	return errors.As(err, &oe)
}
