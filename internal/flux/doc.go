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

// Package flux provides minimal Go types for the two Flux custom resources
// the control plane drives, the GitRepository source and the Kustomization
// sync target, together with builders that render them from project and
// environment settings.
//
// The types are hand written instead of importing the Flux API modules. They
// carry only the fields read or written here and register themselves with a
// runtime.Scheme through AddToScheme.
//
// # Layout
//
// One GitRepository per project lives in the configured source namespace
// (flux-system by default). One Kustomization per environment lives in the
// environment's namespace, points at ./k8s/overlays/<environment-type> and
// has pruning enabled so objects removed from Git are removed from the
// cluster.
package flux
