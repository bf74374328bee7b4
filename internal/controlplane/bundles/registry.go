/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package bundles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Client pushes and pulls bundle artifacts from OCI registries.
type Client struct {
	// PlainHTTP allows insecure registries (for dev/test).
	PlainHTTP bool
	// Username for registry auth (anonymous if empty).
	Username string
	// Password for registry auth.
	Password string

	log logr.Logger
}

// NewClient creates a client for OCI registry operations.
func NewClient(log logr.Logger) *Client {
	return &Client{log: log}
}

// WithAuth sets credentials for registry authentication.
func (c *Client) WithAuth(username, password string) *Client {
	c.Username = username
	c.Password = password
	return c
}

// WithPlainHTTP enables HTTP (non-TLS) for dev registries.
func (c *Client) WithPlainHTTP(plain bool) *Client {
	c.PlainHTTP = plain
	return c
}

// PushResult holds the result of pushing a bundle to a registry.
type PushResult struct {
	Ref         string   `json:"ref"`
	Digest      string   `json:"digest"`
	ConfigSize  int64    `json:"config_size"`
	ContentSize int64    `json:"content_size"`
	Automations []string `json:"automations"`
}

// PullResult holds the result of pulling a bundle from a registry.
type PullResult struct {
	Ref         string   `json:"ref"`
	Digest      string   `json:"digest"`
	Size        int64    `json:"size"`
	Name        string   `json:"name,omitempty"`
	Automations []string `json:"automations,omitempty"`
}

// Push packs a bundle into an OCI artifact and pushes it to the registry
// named by ref.
func (c *Client) Push(ctx context.Context, ref *Ref, bundle *Bundle) (*PushResult, error) {
	content, err := bundle.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	configData, err := json.Marshal(bundle.manifest())
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	// Build the OCI manifest in a memory store
	store := memory.New()

	configDesc, err := oras.PushBytes(ctx, store, MediaTypeConfig, configData)
	if err != nil {
		return nil, fmt.Errorf("push config to memory: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeContent, content)
	if err != nil {
		return nil, fmt.Errorf("push content to memory: %w", err)
	}

	packOpts := oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{contentDesc},
	}
	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, ArtifactType, packOpts)
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := c.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}

	copyDesc, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	c.log.Info("bundle pushed", "ref", ref.String(), "digest", copyDesc.Digest.String())
	names := make([]string, 0, len(bundle.Automations))
	for _, a := range bundle.Automations {
		names = append(names, a.Name)
	}
	return &PushResult{
		Ref:         ref.String(),
		Digest:      copyDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
		Automations: names,
	}, nil
}

// Pull downloads a bundle artifact and parses its content layer.
func (c *Client) Pull(ctx context.Context, ref *Ref) (*Bundle, *PullResult, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}

	store := memory.New()
	pullRef := ref.Tag
	if ref.Digest != "" {
		pullRef = ref.Digest
	}
	if pullRef == "" {
		pullRef = "latest"
	}

	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("pull from registry: %w", err)
	}

	manifestData, err := fetchAll(ctx, store, manifestDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	var content []byte
	for _, layer := range manifest.Layers {
		if layer.MediaType == MediaTypeContent {
			content, err = fetchAll(ctx, store, layer)
			if err != nil {
				return nil, nil, fmt.Errorf("fetch content layer: %w", err)
			}
		}
	}
	if content == nil {
		return nil, nil, fmt.Errorf("no bundle content layer in manifest")
	}

	bundle, err := Parse(content)
	if err != nil {
		return nil, nil, err
	}

	result := &PullResult{
		Ref:    ref.String(),
		Digest: manifestDesc.Digest.String(),
		Size:   manifestDesc.Size,
	}
	if manifest.Config.Size > 0 {
		if configData, err := fetchAll(ctx, store, manifest.Config); err == nil {
			var m Manifest
			if json.Unmarshal(configData, &m) == nil {
				result.Name = m.Name
				result.Automations = m.Automations
			}
		}
	}

	c.log.Info("bundle pulled", "ref", ref.String(), "digest", result.Digest)
	return bundle, result, nil
}

// repository creates a remote.Repository for the given reference.
func (c *Client) repository(ref *Ref) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Path)
	if err != nil {
		return nil, err
	}

	repo.PlainHTTP = c.PlainHTTP

	if c.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: c.Username,
				Password: c.Password,
			}),
		}
	}

	return repo, nil
}

func fetchAll(ctx context.Context, store *memory.Store, desc ocispec.Descriptor) ([]byte, error) {
	rc, err := store.Fetch(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
