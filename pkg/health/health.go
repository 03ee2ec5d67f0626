// Copyright 2025 The OPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package health implements C13: every long-running subsystem (team
// cache loader, log producer, durable-store pool) registers itself with
// a staleness threshold and reports in by calling Beat; each call to
// Report turns the most recent beats into a healthy/stale verdict per
// subscriber, and the process is live only if every subscriber is
// healthy. There is no background loop: verdicts are computed only when
// Report is called.
package health

import (
	"sync"
	"time"

	"github.com/posthog/capture-flags/pkg/clock"
)

// Status is one subscriber's most recently computed verdict.
type Status struct {
	Name     string    `json:"name"`
	Healthy  bool      `json:"healthy"`
	LastBeat time.Time `json:"last_beat"`
}

type subscriber struct {
	threshold time.Duration
	lastBeat  time.Time
}

// Registry tracks subscriber liveness. Safe for concurrent use.
type Registry struct {
	clk clock.Source

	mu   sync.Mutex
	subs map[string]*subscriber
}

func New(clk clock.Source) *Registry {
	return &Registry{clk: clk, subs: make(map[string]*subscriber)}
}

// Register adds a subscriber with an initial beat, so a subsystem that
// registers but never calls Beat again isn't immediately reported stale
// before its first real heartbeat is due.
func (r *Registry) Register(name string, staleAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[name] = &subscriber{threshold: staleAfter, lastBeat: r.clk.Now()}
}

// Beat records that name is still alive.
func (r *Registry) Beat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[name]; ok {
		s.lastBeat = r.clk.Now()
	}
}

// Report returns the current status of every registered subscriber.
func (r *Registry) Report() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	out := make([]Status, 0, len(r.subs))
	for name, s := range r.subs {
		out = append(out, Status{
			Name:     name,
			Healthy:  now.Sub(s.lastBeat) <= s.threshold,
			LastBeat: s.lastBeat,
		})
	}
	return out
}

// Live reports whether every registered subscriber is currently healthy.
// A process with no registered subscribers yet is considered live.
func (r *Registry) Live() bool {
	for _, s := range r.Report() {
		if !s.Healthy {
			return false
		}
	}
	return true
}
