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
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Changes is the declarative change set applied to a workload manifest.
// Nil fields are left untouched.
type Changes struct {
	Image     *string           `json:"image,omitempty"`
	Replicas  *int32            `json:"replicas,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Resources *ResourceChanges  `json:"resources,omitempty"`
}

// ResourceChanges holds container resource quantities keyed by resource name.
type ResourceChanges struct {
	Requests map[string]string `json:"requests,omitempty"`
	Limits   map[string]string `json:"limits,omitempty"`
}

// IsEmpty reports whether c changes nothing.
func (c Changes) IsEmpty() bool {
	return len(c.Fields()) == 0
}

// Field path prefixes produced by Fields.
const (
	FieldImage    = "image"
	FieldReplicas = "replicas"
	FieldEnv      = "env."
	FieldRequests = "resources.requests."
	FieldLimits   = "resources.limits."
)

// Fields flattens c into semantic field paths and their string values.
// Environment variables are keyed by name and resources by kind, so two
// change sets touching different keys never share a path.
func (c Changes) Fields() map[string]string {
	out := map[string]string{}
	if c.Image != nil {
		out[FieldImage] = *c.Image
	}
	if c.Replicas != nil {
		out[FieldReplicas] = fmt.Sprintf("%d", *c.Replicas)
	}
	for k, v := range c.Env {
		out[FieldEnv+k] = v
	}
	if c.Resources != nil {
		for k, v := range c.Resources.Requests {
			out[FieldRequests+k] = v
		}
		for k, v := range c.Resources.Limits {
			out[FieldLimits+k] = v
		}
	}
	return out
}

// ChangesFromFields is the inverse of Fields.
func ChangesFromFields(fields map[string]string) (Changes, error) {
	var c Changes
	for path, v := range fields {
		switch {
		case path == FieldImage:
			img := v
			c.Image = &img
		case path == FieldReplicas:
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return Changes{}, fmt.Errorf("parse replicas %q: %w", v, err)
			}
			r := int32(n)
			c.Replicas = &r
		case strings.HasPrefix(path, FieldEnv):
			c.Env = setKey(c.Env, strings.TrimPrefix(path, FieldEnv), v)
		case strings.HasPrefix(path, FieldRequests):
			c.resources().Requests = setKey(c.resources().Requests, strings.TrimPrefix(path, FieldRequests), v)
		case strings.HasPrefix(path, FieldLimits):
			c.resources().Limits = setKey(c.resources().Limits, strings.TrimPrefix(path, FieldLimits), v)
		default:
			return Changes{}, fmt.Errorf("unknown change field %q", path)
		}
	}
	return c, nil
}

// FieldNames returns the sorted field paths changed by c.
func (c Changes) FieldNames() []string {
	return slices.Sorted(maps.Keys(c.Fields()))
}

// Without returns a copy of c with the given field paths removed.
func (c Changes) Without(paths ...string) Changes {
	drop := map[string]bool{}
	for _, p := range paths {
		drop[p] = true
	}
	out := Changes{}
	if c.Image != nil && !drop[FieldImage] {
		img := *c.Image
		out.Image = &img
	}
	if c.Replicas != nil && !drop[FieldReplicas] {
		r := *c.Replicas
		out.Replicas = &r
	}
	for k, v := range c.Env {
		if drop[FieldEnv+k] {
			continue
		}
		if out.Env == nil {
			out.Env = map[string]string{}
		}
		out.Env[k] = v
	}
	if c.Resources != nil {
		for k, v := range c.Resources.Requests {
			if drop[FieldRequests+k] {
				continue
			}
			out.resources().Requests = setKey(out.resources().Requests, k, v)
		}
		for k, v := range c.Resources.Limits {
			if drop[FieldLimits+k] {
				continue
			}
			out.resources().Limits = setKey(out.resources().Limits, k, v)
		}
	}
	return out
}

// Merge overlays other on top of c and returns the result.
func (c Changes) Merge(other Changes) Changes {
	out := c.Without()
	if other.Image != nil {
		img := *other.Image
		out.Image = &img
	}
	if other.Replicas != nil {
		r := *other.Replicas
		out.Replicas = &r
	}
	for k, v := range other.Env {
		out.Env = setKey(out.Env, k, v)
	}
	if other.Resources != nil {
		for k, v := range other.Resources.Requests {
			out.resources().Requests = setKey(out.resources().Requests, k, v)
		}
		for k, v := range other.Resources.Limits {
			out.resources().Limits = setKey(out.resources().Limits, k, v)
		}
	}
	return out
}

func (c *Changes) resources() *ResourceChanges {
	if c.Resources == nil {
		c.Resources = &ResourceChanges{}
	}
	return c.Resources
}

func setKey(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = map[string]string{}
	}
	m[k] = v
	return m
}
