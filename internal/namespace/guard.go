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

// Package namespace applies per-environment guardrails to the namespaces the
// orchestrator creates: a resource quota and optional network isolation.
package namespace

import (
	"context"
	"fmt"
	"maps"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/gitopsd/internal/domain"
)

// Object names created in each guarded namespace.
const (
	QuotaName        = "gitopsd-quota"
	DenyAllName      = "gitopsd-default-deny"
	AllowIngressName = "gitopsd-allow-ingress"
	AllowEgressName  = "gitopsd-allow-egress"
)

// metadataNameLabel is set by the API server on every namespace.
const metadataNameLabel = "kubernetes.io/metadata.name"

// Policy is the guardrail set for one environment type.
type Policy struct {
	// Quota is the hard limit of the namespace. Nil creates no quota.
	Quota corev1.ResourceList
	// IsolateNetwork denies all traffic except ingress from the ingress
	// controller, DNS, HTTPS egress and traffic inside the namespace.
	IsolateNetwork bool
}

// DefaultPolicies bounds development and testing environments. Staging and
// production are left unconstrained.
func DefaultPolicies() map[domain.EnvironmentType]Policy {
	quota := corev1.ResourceList{
		corev1.ResourceRequestsCPU:            resource.MustParse("2"),
		corev1.ResourceRequestsMemory:         resource.MustParse("4Gi"),
		corev1.ResourceLimitsCPU:              resource.MustParse("4"),
		corev1.ResourceLimitsMemory:           resource.MustParse("8Gi"),
		corev1.ResourcePersistentVolumeClaims: resource.MustParse("0"),
		"services.loadbalancers":              resource.MustParse("0"),
	}
	return map[domain.EnvironmentType]Policy{
		domain.EnvDevelopment: {Quota: quota},
		domain.EnvTesting:     {Quota: quota.DeepCopy()},
	}
}

// Guard applies guardrail policies to environment namespaces.
type Guard struct {
	client           client.Client
	policies         map[domain.EnvironmentType]Policy
	ingressNamespace string
	appPort          int
}

// Option configures a Guard.
type Option func(*Guard)

// WithIngressNamespace names the namespace of the ingress controller that
// isolated namespaces accept traffic from.
func WithIngressNamespace(ns string) Option {
	return func(g *Guard) { g.ingressNamespace = ns }
}

// WithAppPort sets the container port isolated namespaces expose.
func WithAppPort(port int) Option {
	return func(g *Guard) { g.appPort = port }
}

// NewGuard creates a Guard. A nil policies map uses DefaultPolicies.
func NewGuard(c client.Client, policies map[domain.EnvironmentType]Policy, opts ...Option) *Guard {
	if policies == nil {
		policies = DefaultPolicies()
	}
	g := &Guard{
		client:           c,
		policies:         policies,
		ingressNamespace: "ingress-nginx",
		appPort:          8080,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsolateAll turns on network isolation for every environment type.
func (g *Guard) IsolateAll() {
	for _, t := range []domain.EnvironmentType{domain.EnvDevelopment, domain.EnvTesting, domain.EnvStaging, domain.EnvProduction} {
		p := g.policies[t]
		p.IsolateNetwork = true
		g.policies[t] = p
	}
}

// Apply creates or updates the guardrails of namespace for envType. labels
// are copied onto every object.
func (g *Guard) Apply(ctx context.Context, namespace string, envType domain.EnvironmentType, labels map[string]string) error {
	policy, ok := g.policies[envType]
	if !ok {
		return nil
	}
	if policy.Quota != nil {
		if err := g.ensureResourceQuota(ctx, namespace, policy.Quota, labels); err != nil {
			return fmt.Errorf("failed to ensure resource quota: %w", err)
		}
	}
	if policy.IsolateNetwork {
		if err := g.ensureNetworkPolicies(ctx, namespace, labels); err != nil {
			return err
		}
	}
	log.FromContext(ctx).V(1).Info("Applied namespace guardrails",
		"namespace", namespace, "quota", policy.Quota != nil, "isolated", policy.IsolateNetwork)
	return nil
}

func (g *Guard) ensureResourceQuota(ctx context.Context, namespace string, hard corev1.ResourceList, labels map[string]string) error {
	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: QuotaName, Namespace: namespace},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, g.client, quota, func() error {
		quota.Spec.Hard = hard.DeepCopy()
		quota.Labels = mergeLabels(quota.Labels, labels)
		return nil
	})
	return err
}

func (g *Guard) ensureNetworkPolicies(ctx context.Context, namespace string, labels map[string]string) error {
	for _, desired := range []struct {
		name string
		spec networkingv1.NetworkPolicySpec
	}{
		{DenyAllName, denyAllSpec()},
		{AllowIngressName, g.allowIngressSpec()},
		{AllowEgressName, g.allowEgressSpec()},
	} {
		policy := &networkingv1.NetworkPolicy{
			ObjectMeta: metav1.ObjectMeta{Name: desired.name, Namespace: namespace},
		}
		_, err := controllerutil.CreateOrUpdate(ctx, g.client, policy, func() error {
			policy.Spec = desired.spec
			policy.Labels = mergeLabels(policy.Labels, labels)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to ensure network policy %s: %w", desired.name, err)
		}
	}
	return nil
}

// denyAllSpec selects every pod; empty rule lists deny all traffic.
func denyAllSpec() networkingv1.NetworkPolicySpec {
	return networkingv1.NetworkPolicySpec{
		PodSelector: metav1.LabelSelector{},
		PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
		Ingress:     []networkingv1.NetworkPolicyIngressRule{},
		Egress:      []networkingv1.NetworkPolicyEgressRule{},
	}
}

func (g *Guard) allowIngressSpec() networkingv1.NetworkPolicySpec {
	tcp := corev1.ProtocolTCP
	appPort := intstr.FromInt(g.appPort)
	return networkingv1.NetworkPolicySpec{
		PodSelector: metav1.LabelSelector{},
		PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
		Ingress: []networkingv1.NetworkPolicyIngressRule{
			{
				From: []networkingv1.NetworkPolicyPeer{{
					NamespaceSelector: &metav1.LabelSelector{
						MatchLabels: map[string]string{metadataNameLabel: g.ingressNamespace},
					},
				}},
				Ports: []networkingv1.NetworkPolicyPort{{Protocol: &tcp, Port: &appPort}},
			},
			// Same-namespace traffic
			{From: []networkingv1.NetworkPolicyPeer{{PodSelector: &metav1.LabelSelector{}}}},
		},
	}
}

func (g *Guard) allowEgressSpec() networkingv1.NetworkPolicySpec {
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP
	dns := intstr.FromInt(53)
	https := intstr.FromInt(443)
	return networkingv1.NetworkPolicySpec{
		PodSelector: metav1.LabelSelector{},
		PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
		Egress: []networkingv1.NetworkPolicyEgressRule{
			{
				To: []networkingv1.NetworkPolicyPeer{{
					NamespaceSelector: &metav1.LabelSelector{
						MatchLabels: map[string]string{metadataNameLabel: "kube-system"},
					},
				}},
				Ports: []networkingv1.NetworkPolicyPort{
					{Protocol: &udp, Port: &dns},
					{Protocol: &tcp, Port: &dns},
				},
			},
			{Ports: []networkingv1.NetworkPolicyPort{{Protocol: &tcp, Port: &https}}},
			{To: []networkingv1.NetworkPolicyPeer{{PodSelector: &metav1.LabelSelector{}}}},
		},
	}
}

func mergeLabels(existing, labels map[string]string) map[string]string {
	if existing == nil {
		existing = make(map[string]string, len(labels))
	}
	maps.Copy(existing, labels)
	return existing
}
