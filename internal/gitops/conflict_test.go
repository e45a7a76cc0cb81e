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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikelane/gitopsd/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func TestDetectConflicts(t *testing.T) {
	tests := []struct {
		name      string
		local     domain.Changes
		remote    domain.Changes
		wantPaths []string
	}{
		{
			name:      "same field with different values",
			local:     domain.Changes{Replicas: ptr(int32(3))},
			remote:    domain.Changes{Replicas: ptr(int32(5))},
			wantPaths: []string{"spec.replicas"},
		},
		{
			name:   "different fields",
			local:  domain.Changes{Image: ptr("a")},
			remote: domain.Changes{Replicas: ptr(int32(5))},
		},
		{
			name:   "same field with same value",
			local:  domain.Changes{Image: ptr("a")},
			remote: domain.Changes{Image: ptr("a")},
		},
		{
			name:   "different environment variables never conflict",
			local:  domain.Changes{Env: map[string]string{"A": "1"}},
			remote: domain.Changes{Env: map[string]string{"B": "2"}},
		},
		{
			name:      "same environment variable",
			local:     domain.Changes{Env: map[string]string{"A": "1"}},
			remote:    domain.Changes{Env: map[string]string{"A": "2"}},
			wantPaths: []string{"spec.template.spec.containers[0].env[A]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflicts := DetectConflicts(tt.local, tt.remote)
			var paths []string
			for _, c := range conflicts {
				paths = append(paths, c.Path)
			}
			assert.Equal(t, tt.wantPaths, paths)
		})
	}
}

func TestResolveConflicts_Auto(t *testing.T) {
	res := ResolveConflicts(
		domain.Changes{Image: ptr("a")},
		domain.Changes{Replicas: ptr(int32(5))},
	)
	assert.Equal(t, ResolutionAuto, res.Resolution)
	assert.Empty(t, res.Conflicts)
	require.NotNil(t, res.Merged.Image)
	require.NotNil(t, res.Merged.Replicas)
	assert.Equal(t, "a", *res.Merged.Image)
	assert.Equal(t, int32(5), *res.Merged.Replicas)
	assert.Equal(t, []string{"image"}, res.Apply.FieldNames())
}

func TestResolveConflicts_SmartKeepsRemoteForConflictingKeys(t *testing.T) {
	res := ResolveConflicts(
		domain.Changes{Image: ptr("a"), Env: map[string]string{"LOG": "debug", "NEW": "1"}},
		domain.Changes{Env: map[string]string{"LOG": "info"}},
	)
	assert.Equal(t, ResolutionSmart, res.Resolution)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "env.LOG", res.Conflicts[0].Field)
	assert.Equal(t, "info", res.Merged.Env["LOG"])
	assert.Equal(t, "1", res.Merged.Env["NEW"])
	assert.Equal(t, []string{"env.NEW", "image"}, res.Apply.FieldNames())
}

func TestResolveConflicts_ManualForImageOrReplicas(t *testing.T) {
	res := ResolveConflicts(
		domain.Changes{Replicas: ptr(int32(3)), Env: map[string]string{"LOG": "debug"}},
		domain.Changes{Replicas: ptr(int32(5)), Env: map[string]string{"LOG": "info"}},
	)
	assert.Equal(t, ResolutionManual, res.Resolution)
	assert.Len(t, res.Conflicts, 2)
	assert.True(t, res.Apply.IsEmpty())
	assert.Equal(t, int32(5), *res.Merged.Replicas)
}
