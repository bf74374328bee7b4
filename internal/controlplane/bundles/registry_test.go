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
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestNewClientOptions(t *testing.T) {
	c := NewClient(logr.Discard()).WithAuth("robot", "s3cret").WithPlainHTTP(true)
	if c.Username != "robot" || c.Password != "s3cret" {
		t.Errorf("auth = %s/%s", c.Username, c.Password)
	}
	if !c.PlainHTTP {
		t.Error("PlainHTTP not set")
	}
}

func TestRepositoryUsesCredentials(t *testing.T) {
	c := NewClient(logr.Discard()).WithAuth("robot", "s3cret").WithPlainHTTP(true)
	ref, err := ParseRef("localhost:5000/team/incident:v1")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	repo, err := c.repository(ref)
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	if !repo.PlainHTTP {
		t.Error("PlainHTTP not propagated")
	}
	if repo.Client == nil {
		t.Error("auth client not configured")
	}
}

func TestRepositoryAnonymous(t *testing.T) {
	c := NewClient(logr.Discard())
	ref, err := ParseRef("ghcr.io/acme/incident")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	repo, err := c.repository(ref)
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	if repo.PlainHTTP {
		t.Error("PlainHTTP set without opting in")
	}
}

func TestPushUnreachableRegistryFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c := NewClient(logr.Discard()).WithPlainHTTP(true)
	ref, err := ParseRef("localhost:1/team/incident:v1")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	b, err := Parse([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := c.Push(ctx, ref, b); err == nil {
		t.Error("expected push to unreachable registry to fail")
	}
}

func TestPullUnreachableRegistryFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c := NewClient(logr.Discard()).WithPlainHTTP(true)
	ref, err := ParseRef("localhost:1/team/incident:v1")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	if _, _, err := c.Pull(ctx, ref); err == nil {
		t.Error("expected pull from unreachable registry to fail")
	}
}
