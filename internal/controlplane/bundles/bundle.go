/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package bundles distributes automation definitions as OCI artifacts.
// A bundle is a YAML document carrying one or more automation definitions;
// pushing packs it into an OCI manifest, pulling retrieves and parses it,
// and Import registers the definitions with a tenant's automation store
// under a new owner.
package bundles

import (
	"fmt"
	"strings"

	sigsyaml "sigs.k8s.io/yaml"

	"github.com/gatetower/gatetower/internal/controlplane/automations"
	"github.com/gatetower/gatetower/internal/fabric"
)

// Media types of the two blobs in a bundle artifact.
const (
	ArtifactType     = "application/vnd.gatetower.bundle.v1"
	MediaTypeConfig  = "application/vnd.gatetower.bundle.config.v1+json"
	MediaTypeContent = "application/vnd.gatetower.bundle.content.v1+yaml"
)

// Bundle is the document format: YAML on the wire, parsed through the
// json-tagged automation types.
type Bundle struct {
	Name        string                   `json:"name"`
	Version     string                   `json:"version"`
	Description string                   `json:"description,omitempty"`
	Automations []automations.Automation `json:"automations"`
}

// Manifest is the config blob: bundle metadata without the definitions.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Automations []string `json:"automations"`
}

// Parse decodes a YAML bundle document.
func Parse(data []byte) (*Bundle, error) {
	const op = "bundles.Parse"
	var b Bundle
	if err := sigsyaml.Unmarshal(data, &b); err != nil {
		return nil, fabric.E(fabric.KindInvalidInput, op, err)
	}
	if b.Name == "" {
		return nil, fabric.E(fabric.KindInvalidInput, op, "bundle name is required")
	}
	if len(b.Automations) == 0 {
		return nil, fabric.E(fabric.KindInvalidInput, op, "bundle carries no automations")
	}
	return &b, nil
}

// Marshal encodes the bundle back to YAML.
func (b *Bundle) Marshal() ([]byte, error) {
	return sigsyaml.Marshal(b)
}

// manifest derives the config blob from a bundle.
func (b *Bundle) manifest() Manifest {
	names := make([]string, 0, len(b.Automations))
	for _, a := range b.Automations {
		names = append(names, a.Name)
	}
	return Manifest{
		Name:        b.Name,
		Version:     b.Version,
		Description: b.Description,
		Automations: names,
	}
}

// Import registers every definition in the bundle with the automation store,
// rebound to owner with fresh ids and inactive until explicitly enabled.
// Returns the new automation ids.
func Import(b *Bundle, owner string, st *automations.Store) ([]string, error) {
	const op = "bundles.Import"
	if owner == "" {
		return nil, fabric.E(fabric.KindInvalidInput, op, "owner is required")
	}
	ids := make([]string, 0, len(b.Automations))
	for i := range b.Automations {
		a := b.Automations[i]
		a.ID = ""
		a.OwnerID = owner
		a.IsActive = false
		if err := st.Create(&a); err != nil {
			return ids, fmt.Errorf("import %q: %w", a.Name, err)
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// Ref names a bundle in an OCI registry.
type Ref struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

// ParseRef parses "registry/path[:tag][@digest]", with an optional oci://
// prefix. The tag separator is only recognized after the last path slash so
// registry ports survive.
func ParseRef(s string) (*Ref, error) {
	const op = "bundles.ParseRef"
	s = strings.TrimPrefix(s, "oci://")
	if s == "" {
		return nil, fabric.E(fabric.KindInvalidInput, op, "empty reference")
	}

	ref := &Ref{}
	if at := strings.Index(s, "@"); at >= 0 {
		ref.Digest = s[at+1:]
		s = s[:at]
	}
	slash := strings.LastIndex(s, "/")
	if slash < 0 {
		return nil, fabric.E(fabric.KindInvalidInput, op, "reference must contain a registry and path")
	}
	if colon := strings.LastIndex(s[slash:], ":"); colon >= 0 {
		ref.Tag = s[slash+colon+1:]
		s = s[:slash+colon]
	}
	first := strings.Index(s, "/")
	ref.Registry = s[:first]
	ref.Path = s[first+1:]
	if ref.Registry == "" || ref.Path == "" {
		return nil, fabric.E(fabric.KindInvalidInput, op, "reference must contain a registry and path")
	}
	return ref, nil
}

func (r *Ref) String() string {
	out := r.Registry + "/" + r.Path
	if r.Tag != "" {
		out += ":" + r.Tag
	}
	if r.Digest != "" {
		out += "@" + r.Digest
	}
	return out
}
