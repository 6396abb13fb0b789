// health.go - /health HTTP endpoint, spec.md §7.
// SPDX-License-Identifier: AGPL-3.0-only

// Package health runs a set of named liveliness checks on a timer and
// serves their aggregate result over HTTP, grounded in the teacher
// pack's healthcheck.Monitor/Observation shape (carlaKC-lnd/healthcheck),
// adapted from "retry N times then shut down" into "report the latest
// per-check result", since spec.md §7 wants a passive /health probe, not
// an independent shutdown trigger — fatal conditions already cancel the
// shutdown token through the subsystems named in §7 themselves.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("health")

// Check is one named liveliness probe, the Go shape of the teacher's
// Observation without its retry/backoff/shutdown machinery.
type Check struct {
	Name  string
	Check func() error
}

// Monitor polls a set of Checks on Interval and serves their latest
// results as a handler for spec.md §7's /health endpoint.
type Monitor struct {
	checks   []Check
	interval time.Duration

	mu      sync.RWMutex
	results map[string]error

	started int32
	quit    chan struct{}
	wg      sync.WaitGroup
}

func NewMonitor(interval time.Duration, checks ...Check) *Monitor {
	return &Monitor{
		checks:   checks,
		interval: interval,
		results:  make(map[string]error, len(checks)),
		quit:     make(chan struct{}),
	}
}

// Start begins the polling loop; calling it twice is a no-op.
func (m *Monitor) Start() {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return
	}
	m.runAll()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.runAll()
			case <-m.quit:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	m.wg.Wait()
}

func (m *Monitor) runAll() {
	for _, c := range m.checks {
		err := c.Check()
		if err != nil {
			log.Warningf("health: check %q failed: %v", c.Name, err)
		}
		m.mu.Lock()
		m.results[c.Name] = err
		m.mu.Unlock()
	}
}

// Healthy reports whether every check's last run succeeded. A Monitor
// with zero checks and no Start call yet is considered healthy, matching
// the "no fatal subsystem has terminated" default of an idle node.
func (m *Monitor) Healthy() (bool, map[string]string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	failures := make(map[string]string)
	for name, err := range m.results {
		if err != nil {
			failures[name] = err.Error()
		}
	}
	return len(failures) == 0, failures
}

type statusBody struct {
	Healthy  bool              `json:"healthy"`
	Failures map[string]string `json:"failures,omitempty"`
}

// ServeHTTP implements spec.md §7's /health contract: 200 "healthy" only
// when topology is routable, the gateway connection is authenticated (for
// clients), the replay filter is operational, and no fatal subsystem has
// terminated — each condition registered as one named Check.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	healthy, failures := m.Healthy()
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(statusBody{Healthy: healthy, Failures: failures})
}
