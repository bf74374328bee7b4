/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit provides the sliding-window limiter shared by the
// API-key service and the integration proxy. State is process-local: one
// timestamp deque per key, pruned lazily on each check, guarded by a per-key
// lock so hot keys do not contend with each other.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Decision reports whether a request is allowed and why not.
type Decision struct {
	Allowed   bool
	Reason    string
	Remaining int
}

// Window is a sliding-window counter over a fixed duration.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Limiter tracks request timestamps per key over a sliding window.
type Limiter struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*window
}

// NewLimiter creates a limiter with the given window length. An hour is the
// fabric's standard window.
func NewLimiter(windowLen time.Duration) *Limiter {
	if windowLen <= 0 {
		windowLen = time.Hour
	}
	return &Limiter{
		window: windowLen,
		now:    time.Now,
		keys:   make(map[string]*window),
	}
}

// WithClock overrides the limiter's clock. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) windowFor(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.keys[key]
	if !ok {
		w = &window{}
		l.keys[key] = w
	}
	return w
}

// Allow records one request for key if fewer than limit requests landed in
// the window, and reports the decision. limit <= 0 means unlimited.
func (l *Limiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	w := l.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(cutoff)
	if len(w.stamps) >= limit {
		return Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("Rate limit exceeded: %d requests per %s", limit, l.window),
			Remaining: 0,
		}
	}
	w.stamps = append(w.stamps, now)
	return Decision{Allowed: true, Remaining: limit - len(w.stamps)}
}

// Peek reports how many requests key has left without recording one.
func (l *Limiter) Peek(key string, limit int) int {
	if limit <= 0 {
		return -1
	}
	cutoff := l.now().Add(-l.window)
	w := l.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(cutoff)
	if remaining := limit - len(w.stamps); remaining > 0 {
		return remaining
	}
	return 0
}

// Reset drops all recorded requests for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// prune drops timestamps at or before cutoff. Stamps are appended in order,
// so the prefix scan stops at the first survivor.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
