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

package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikelane/gitopsd/internal/domain"
)

const workload = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: shop # owned by the shop team
  labels:
    app: shop
spec:
  replicas: 2
  selector:
    matchLabels:
      app: shop
  template:
    metadata:
      labels:
        app: shop
    spec:
      containers:
      - name: app
        image: x:1
        ports:
        - containerPort: 8080
        env:
        - name: MODE
          value: "fast"
        - name: SECRET
          valueFrom:
            secretKeyRef:
              name: shop
              key: token
        resources:
          requests:
            cpu: 100m
      - name: sidecar
        image: proxy:1
`

func ptr[T any](v T) *T { return &v }

func TestApply_ImageLeavesEverythingElseUntouched(t *testing.T) {
	out, err := Apply([]byte(workload), domain.Changes{Image: ptr("x:2")})
	require.NoError(t, err)

	want := strings.Replace(workload, "image: x:1", "image: x:2", 1)
	assert.Equal(t, want, string(out))

	read, err := Read(out)
	require.NoError(t, err)
	require.NotNil(t, read.Image)
	assert.Equal(t, "x:2", *read.Image)
}

const wideWorkload = `---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: shop
spec:
  replicas: 2
  template:
    spec:
      containers:
        - name: app
          image: x:1
          ports:
            - containerPort: 8080
              protocol: TCP
`

func TestApply_KeepsSequenceIndentAndSeparator(t *testing.T) {
	out, err := Apply([]byte(wideWorkload), domain.Changes{Image: ptr("x:2")})
	require.NoError(t, err)
	assert.Equal(t, strings.Replace(wideWorkload, "image: x:1", "image: x:2", 1), string(out))
}

func TestApply_SameValuesRoundTripByteForByte(t *testing.T) {
	for name, doc := range map[string]string{"compact": workload, "wide": wideWorkload} {
		t.Run(name, func(t *testing.T) {
			out, err := Apply([]byte(doc), domain.Changes{Image: ptr("x:1"), Replicas: ptr(int32(2))})
			require.NoError(t, err)
			assert.Equal(t, doc, string(out))
		})
	}
}

func TestApply_Replicas(t *testing.T) {
	out, err := Apply([]byte(workload), domain.Changes{Replicas: ptr(int32(5))})
	require.NoError(t, err)
	assert.Contains(t, string(out), "\n  replicas: 5\n")
	assert.Equal(t, strings.Replace(workload, "replicas: 2", "replicas: 5", 1), string(out))
}

func TestApply_EnvAndResources(t *testing.T) {
	out, err := Apply([]byte(workload), domain.Changes{
		Env: map[string]string{"MODE": "slow", "PORT": "8080", "SECRET": "plain"},
		Resources: &domain.ResourceChanges{
			Requests: map[string]string{"memory": "256Mi"},
			Limits:   map[string]string{"cpu": "1"},
		},
	})
	require.NoError(t, err)

	read, err := Read(out)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"MODE": "slow", "PORT": "8080", "SECRET": "plain"}, read.Env)
	assert.Equal(t, map[string]string{"cpu": "100m", "memory": "256Mi"}, read.Resources.Requests)
	assert.Equal(t, map[string]string{"cpu": "1"}, read.Resources.Limits)
	assert.NotContains(t, string(out), "secretKeyRef")
	assert.Contains(t, string(out), "image: proxy:1", "second container must be untouched")
}

func TestApply_NoContainer(t *testing.T) {
	_, err := Apply([]byte("apiVersion: v1\nkind: ConfigMap\n"), domain.Changes{Image: ptr("x:2")})
	assert.ErrorIs(t, err, ErrNoContainer)
}

func TestDefault_AcceptsChanges(t *testing.T) {
	doc, err := Default("shop")
	require.NoError(t, err)

	out, err := Apply(doc, domain.Changes{Image: ptr("registry/shop:v1"), Replicas: ptr(int32(3))})
	require.NoError(t, err)

	read, err := Read(out)
	require.NoError(t, err)
	assert.Equal(t, "registry/shop:v1", *read.Image)
	assert.Equal(t, int32(3), *read.Replicas)
}

func TestDiff(t *testing.T) {
	head, err := Apply([]byte(workload), domain.Changes{
		Replicas: ptr(int32(5)),
		Env:      map[string]string{"NEW": "1"},
	})
	require.NoError(t, err)

	diff, err := Diff([]byte(workload), head)
	require.NoError(t, err)
	assert.Equal(t, []string{"env.NEW", "replicas"}, diff.FieldNames())

	same, err := Diff([]byte(workload), []byte(workload))
	require.NoError(t, err)
	assert.True(t, same.IsEmpty())

	all, err := Diff(nil, []byte(workload))
	require.NoError(t, err)
	assert.Contains(t, all.FieldNames(), "image")
}

func TestPath(t *testing.T) {
	assert.Equal(t, "spec.replicas", Path("replicas"))
	assert.Equal(t, "spec.template.spec.containers[0].image", Path("image"))
	assert.Equal(t, "spec.template.spec.containers[0].env[PORT]", Path("env.PORT"))
	assert.Equal(t, "spec.template.spec.containers[0].resources.limits.cpu", Path("resources.limits.cpu"))
}
