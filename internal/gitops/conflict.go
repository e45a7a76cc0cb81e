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
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mikelane/gitopsd/internal/domain"
	"github.com/mikelane/gitopsd/internal/manifest"
)

// Resolution is how a local change set was reconciled with remote edits.
type Resolution string

const (
	// ResolutionAuto means no field conflicted.
	ResolutionAuto Resolution = "auto"
	// ResolutionSmart means only environment variables or resource
	// quantities conflicted; the remote values were kept for those.
	ResolutionSmart Resolution = "smart"
	// ResolutionManual means the image or replica count conflicted and a
	// person has to choose.
	ResolutionManual Resolution = "manual"
)

// Conflict is one field changed to different values on both sides.
type Conflict struct {
	Field  string `json:"field"`
	Path   string `json:"path"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// MergeConflictError reports remote edits that conflict with a change set
// in a way a person has to resolve. It matches domain.IsConflict.
type MergeConflictError struct {
	File      string
	Base      string
	Conflicts []Conflict
}

func (e *MergeConflictError) Error() string { return e.conflict().Error() }

func (e *MergeConflictError) Unwrap() error { return e.conflict() }

func (e *MergeConflictError) conflict() *domain.ConflictError {
	return &domain.ConflictError{
		Kind:   "manifest",
		ID:     e.File,
		Reason: fmt.Sprintf("%d field(s) changed remotely since %s", len(e.Conflicts), short(e.Base)),
	}
}

// MergeResult is the outcome of ResolveConflicts.
type MergeResult struct {
	Resolution Resolution
	// Merged is the combined change set. For manual resolutions it is the
	// remote change set alone.
	Merged domain.Changes
	// Apply is the part of the local change set that still has to be
	// written on top of the remote state.
	Apply     domain.Changes
	Conflicts []Conflict
}

// DetectConflicts returns the fields present in both change sets with
// different values, ordered by field.
func DetectConflicts(local, remote domain.Changes) []Conflict {
	lf, rf := local.Fields(), remote.Fields()
	var conflicts []Conflict
	for _, field := range slices.Sorted(maps.Keys(lf)) {
		rv, ok := rf[field]
		if !ok || rv == lf[field] {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Field:  field,
			Path:   manifest.Path(field),
			Local:  lf[field],
			Remote: rv,
		})
	}
	return conflicts
}

// ResolveConflicts merges local on top of remote. Keys are compared
// semantically: two different environment variables or resource names never
// conflict.
func ResolveConflicts(local, remote domain.Changes) MergeResult {
	conflicts := DetectConflicts(local, remote)
	if len(conflicts) == 0 {
		return MergeResult{
			Resolution: ResolutionAuto,
			Merged:     remote.Merge(local),
			Apply:      local.Without(),
		}
	}

	fields := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		if !mergeable(c.Field) {
			return MergeResult{
				Resolution: ResolutionManual,
				Merged:     remote.Without(),
				Conflicts:  conflicts,
			}
		}
		fields = append(fields, c.Field)
	}

	apply := local.Without(fields...)
	return MergeResult{
		Resolution: ResolutionSmart,
		Merged:     remote.Merge(apply),
		Apply:      apply,
		Conflicts:  conflicts,
	}
}

// mergeable reports whether a conflict on field may keep the remote value
// without asking anyone.
func mergeable(field string) bool {
	return strings.HasPrefix(field, domain.FieldEnv) ||
		strings.HasPrefix(field, domain.FieldRequests) ||
		strings.HasPrefix(field, domain.FieldLimits)
}
