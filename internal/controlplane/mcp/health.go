/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package mcp

import (
	"context"
	"sync"
	"time"
)

// HealthChecker refreshes server statuses on an interval.
type HealthChecker struct {
	registry *Registry
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// NewHealthChecker creates a checker over the registry. A non-positive
// interval gets the standard 30s.
func NewHealthChecker(registry *Registry, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{registry: registry, interval: interval}
}

// Start begins the check loop. Safe to call more than once.
func (h *HealthChecker) Start(ctx context.Context) {
	h.mu.Lock()
	if h.ticker != nil {
		h.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.ticker = time.NewTicker(h.interval)
	ticker := h.ticker
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.registry.CheckHealth(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				h.registry.CheckHealth(loopCtx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	if h.ticker == nil {
		h.mu.Unlock()
		return
	}
	h.ticker.Stop()
	h.ticker = nil
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.mu.Unlock()
	h.wg.Wait()
}
