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

// Package manifest applies change sets to apps/v1 Deployment manifests as
// structural edits on the parsed YAML tree. Fields not named by a change set
// keep their value, comments and formatting.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"sigs.k8s.io/kustomize/kyaml/yaml"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/mikelane/gitopsd/internal/domain"
)

// FileName is the workload manifest inside an environment's sync path.
const FileName = "deployment.yaml"

// ErrNoContainer is returned for manifests without a pod template container.
var ErrNoContainer = errors.New("manifest has no container in spec.template.spec.containers")

var containersPath = []string{"spec", "template", "spec", "containers"}

// Apply sets the fields present in changes on the first container of doc
// and returns the re-encoded document.
func Apply(doc []byte, changes domain.Changes) ([]byte, error) {
	node, err := yaml.Parse(string(doc))
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	container, err := firstContainer(node)
	if err != nil {
		return nil, err
	}

	if changes.Replicas != nil {
		replicas := yaml.NewRNode(&yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   yaml.NodeTagInt,
			Value: strconv.FormatInt(int64(*changes.Replicas), 10),
		})
		if err := node.PipeE(yaml.LookupCreate(yaml.MappingNode, "spec"), yaml.SetField("replicas", replicas)); err != nil {
			return nil, fmt.Errorf("set replicas: %w", err)
		}
	}
	if changes.Image != nil {
		if err := container.PipeE(yaml.SetField("image", yaml.NewStringRNode(*changes.Image))); err != nil {
			return nil, fmt.Errorf("set image: %w", err)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(changes.Env)) {
		if err := setEnv(container, name, changes.Env[name]); err != nil {
			return nil, fmt.Errorf("set env %s: %w", name, err)
		}
	}
	if changes.Resources != nil {
		if err := setQuantities(container, "requests", changes.Resources.Requests); err != nil {
			return nil, err
		}
		if err := setQuantities(container, "limits", changes.Resources.Limits); err != nil {
			return nil, err
		}
	}

	return encode(node, doc)
}

// encode writes node back in the sequence indentation of the original
// document, keeping a leading document separator.
func encode(node *yaml.RNode, original []byte) ([]byte, error) {
	out, err := yaml.MarshalWithOptions(node.Document(), &yaml.EncoderOptions{
		SeqIndent: yaml.SequenceIndentStyle(yaml.DeriveSeqIndentStyle(string(original))),
	})
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if separator := leadingSeparator(original); separator != "" && !bytes.HasPrefix(out, []byte(separator)) {
		out = append([]byte(separator), out...)
	}
	return out, nil
}

func leadingSeparator(doc []byte) string {
	for _, sep := range []string{"---\n", "---\r\n"} {
		if bytes.HasPrefix(doc, []byte(sep)) {
			return sep
		}
	}
	return ""
}

// Read extracts the change-set view of doc: replicas and the first
// container's image, literal env values and resource quantities.
func Read(doc []byte) (domain.Changes, error) {
	node, err := yaml.Parse(string(doc))
	if err != nil {
		return domain.Changes{}, fmt.Errorf("parse manifest: %w", err)
	}
	container, err := firstContainer(node)
	if err != nil {
		return domain.Changes{}, err
	}

	fields := map[string]string{}
	if v, ok := scalar(node, "spec", "replicas"); ok {
		fields[domain.FieldReplicas] = v
	}
	if v, ok := scalar(container, "image"); ok {
		fields[domain.FieldImage] = v
	}

	env, err := container.Pipe(yaml.Lookup("env"))
	if err != nil {
		return domain.Changes{}, fmt.Errorf("read env: %w", err)
	}
	if env != nil {
		elems, err := env.Elements()
		if err != nil {
			return domain.Changes{}, fmt.Errorf("read env: %w", err)
		}
		for _, e := range elems {
			name, ok := scalar(e, "name")
			if !ok {
				continue
			}
			if value, ok := scalar(e, "value"); ok {
				fields[domain.FieldEnv+name] = value
			}
		}
	}

	for kind, prefix := range map[string]string{"requests": domain.FieldRequests, "limits": domain.FieldLimits} {
		m, err := container.Pipe(yaml.Lookup("resources", kind))
		if err != nil {
			return domain.Changes{}, fmt.Errorf("read resources.%s: %w", kind, err)
		}
		if m == nil {
			continue
		}
		err = m.VisitFields(func(f *yaml.MapNode) error {
			fields[prefix+f.Key.YNode().Value] = f.Value.YNode().Value
			return nil
		})
		if err != nil {
			return domain.Changes{}, fmt.Errorf("read resources.%s: %w", kind, err)
		}
	}

	return domain.ChangesFromFields(fields)
}

// Diff returns the fields whose value in head differs from base, with
// head's values. An empty base means every field of head is new.
func Diff(base, head []byte) (domain.Changes, error) {
	var before map[string]string
	if len(base) > 0 {
		c, err := Read(base)
		if err != nil {
			return domain.Changes{}, fmt.Errorf("read base: %w", err)
		}
		before = c.Fields()
	}
	if len(head) == 0 {
		return domain.Changes{}, nil
	}
	after, err := Read(head)
	if err != nil {
		return domain.Changes{}, fmt.Errorf("read head: %w", err)
	}

	changed := map[string]string{}
	for k, v := range after.Fields() {
		if old, ok := before[k]; !ok || old != v {
			changed[k] = v
		}
	}
	return domain.ChangesFromFields(changed)
}

// Default renders a minimal single-container Deployment.
func Default(name string) ([]byte, error) {
	labels := map[string]any{"app.kubernetes.io/name": name}
	doc := map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":   name,
			"labels": labels,
		},
		"spec": map[string]any{
			"replicas": 1,
			"selector": map[string]any{"matchLabels": labels},
			"template": map[string]any{
				"metadata": map[string]any{"labels": labels},
				"spec": map[string]any{
					"containers": []any{
						map[string]any{"name": name},
					},
				},
			},
		},
	}
	out, err := sigsyaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render default manifest: %w", err)
	}
	return out, nil
}

// Path returns the manifest location of a change field, for messages shown
// to people resolving conflicts.
func Path(field string) string {
	const container = "spec.template.spec.containers[0]."
	switch {
	case field == domain.FieldReplicas:
		return "spec.replicas"
	case field == domain.FieldImage:
		return container + "image"
	case strings.HasPrefix(field, domain.FieldEnv):
		return container + "env[" + strings.TrimPrefix(field, domain.FieldEnv) + "]"
	default:
		return container + field
	}
}

func firstContainer(node *yaml.RNode) (*yaml.RNode, error) {
	containers, err := node.Pipe(yaml.Lookup(containersPath...))
	if err != nil {
		return nil, fmt.Errorf("lookup containers: %w", err)
	}
	if containers == nil {
		return nil, ErrNoContainer
	}
	elems, err := containers.Elements()
	if err != nil {
		return nil, fmt.Errorf("lookup containers: %w", err)
	}
	if len(elems) == 0 {
		return nil, ErrNoContainer
	}
	return elems[0], nil
}

func setEnv(container *yaml.RNode, name, value string) error {
	env, err := container.Pipe(yaml.LookupCreate(yaml.SequenceNode, "env"))
	if err != nil {
		return err
	}
	elems, err := env.Elements()
	if err != nil {
		return err
	}
	for _, e := range elems {
		if n, _ := scalar(e, "name"); n == name {
			if _, err := e.Pipe(yaml.Clear("valueFrom")); err != nil {
				return err
			}
			return e.PipeE(yaml.SetField("value", yaml.NewStringRNode(value)))
		}
	}

	entry := yaml.NewRNode(&yaml.Node{Kind: yaml.MappingNode})
	if err := entry.PipeE(yaml.SetField("name", yaml.NewStringRNode(name))); err != nil {
		return err
	}
	if err := entry.PipeE(yaml.SetField("value", yaml.NewStringRNode(value))); err != nil {
		return err
	}
	return env.PipeE(yaml.Append(entry.YNode()))
}

func setQuantities(container *yaml.RNode, kind string, quantities map[string]string) error {
	if len(quantities) == 0 {
		return nil
	}
	m, err := container.Pipe(yaml.LookupCreate(yaml.MappingNode, "resources", kind))
	if err != nil {
		return fmt.Errorf("lookup resources.%s: %w", kind, err)
	}
	for _, name := range slices.Sorted(maps.Keys(quantities)) {
		if err := m.PipeE(yaml.SetField(name, yaml.NewStringRNode(quantities[name]))); err != nil {
			return fmt.Errorf("set resources.%s.%s: %w", kind, name, err)
		}
	}
	return nil
}

func scalar(node *yaml.RNode, path ...string) (string, bool) {
	n, err := node.Pipe(yaml.Lookup(path...))
	if err != nil || n == nil {
		return "", false
	}
	if n.YNode().Kind != yaml.ScalarNode {
		return "", false
	}
	return n.YNode().Value, true
}
