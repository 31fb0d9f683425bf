// Package health provides readiness state tracking, dependency probes, and
// HTTP health check handlers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

const probeTimeout = 2 * time.Second

// Probe reports whether one dependency (target database, audit store) is
// reachable. A nil error means healthy.
type Probe func(ctx context.Context) error

// Checker tracks readiness state and per-dependency health.
// It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{probes: make(map[string]Probe)}
}

// Register adds a named dependency probe. Registered probes run on each
// readiness check.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// CheckDependencies runs every registered probe and returns per-dependency
// status. The second return is false when any probe failed.
func (c *Checker) CheckDependencies(ctx context.Context) (map[string]string, bool) {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, probe := range c.probes {
		probes[name] = probe
	}
	c.mu.RUnlock()

	statuses := make(map[string]string, len(probes))
	healthy := true
	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := probe(probeCtx)
		cancel()
		if err != nil {
			statuses[name] = err.Error()
			healthy = false
			continue
		}
		statuses[name] = "ok"
	}
	return statuses, healthy
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when the
// state is Ready and every dependency probe passes, 503 otherwise.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
			return
		}
		deps, healthy := c.CheckDependencies(r.Context())
		if !healthy {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Dependencies: deps})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: c.State(), Dependencies: deps})
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
