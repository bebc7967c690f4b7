// Copyright 2023 The fleetsync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package monitor provides health checking for fleetsync processes: broker
// connection and heartbeat checks of sync sessions plus basic runtime checks,
// served over HTTP for liveness and readiness probes.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/fleetsync/pkg/mqttsync"
)

// Session is the part of a sync session the health checks look at.
type Session interface {
	ID() string
	State() mqttsync.State
	Ready() bool
}

// HealthChecker provides health checking functionality
type HealthChecker struct {
	mu sync.RWMutex

	node      string
	version   string
	started   time.Time
	healthy   bool
	lastCheck time.Time

	checks map[string]HealthCheck
}

// HealthCheck represents a health check function
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	LastChecked time.Time
	LastError   error
	Enabled     bool
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    int64                  `json:"uptime"`
	Version   string                 `json:"version"`
	Node      string                 `json:"node"`
	Checks    map[string]CheckResult `json:"checks"`
	Runtime   RuntimeInfo            `json:"runtime"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// RuntimeInfo is a snapshot of the Go runtime.
type RuntimeInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	checkPassed     = "passed"
	checkFailed     = "failed"
	checkUnknown    = "unknown"
)

// NewHealthChecker creates a health checker for a node with the default
// runtime checks registered.
func NewHealthChecker(node, version string) *HealthChecker {
	hc := &HealthChecker{
		node:      node,
		version:   version,
		started:   time.Now(),
		healthy:   true,
		lastCheck: time.Now(),
		checks:    make(map[string]HealthCheck),
	}

	hc.RegisterCheck("goroutines", func() error {
		if count := runtime.NumGoroutine(); count > 10000 {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	return hc
}

// RegisterSession adds the critical "broker" and "heartbeat" checks of a
// sync session. With several sessions the check names carry the session id.
func (hc *HealthChecker) RegisterSession(s Session, qualified bool) {
	broker, heartbeat := "broker", "heartbeat"
	if qualified {
		broker += ":" + s.ID()
		heartbeat += ":" + s.ID()
	}
	hc.RegisterCheck(broker, func() error {
		if st := s.State(); st != mqttsync.StateConnected {
			return fmt.Errorf("session %s is %s", s.ID(), st)
		}
		return nil
	}, true)
	hc.RegisterCheck(heartbeat, func() error {
		if !s.Ready() {
			return errors.New("no heartbeat received on the current connection")
		}
		return nil
	}, true)
}

// RegisterCheck registers a new health check
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
		Enabled:   true,
	}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	delete(hc.checks, name)
}

// EnableCheck enables a health check
func (hc *HealthChecker) EnableCheck(name string) {
	hc.setEnabled(name, true)
}

// DisableCheck disables a health check
func (hc *HealthChecker) DisableCheck(name string) {
	hc.setEnabled(name, false)
}

func (hc *HealthChecker) setEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if check, exists := hc.checks[name]; exists {
		check.Enabled = enabled
		hc.checks[name] = check
	}
}

// RunChecks executes all registered health checks
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastCheck = now

	results := make(map[string]CheckResult)
	healthy := true
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}

		start := time.Now()
		err := check.CheckFunc()
		if d := time.Since(start); d > time.Second {
			log.Printf("[WARN] Health check %s took %v", name, d)
		}

		result := CheckResult{Status: checkPassed, LastChecked: now, Critical: check.Critical}
		if err != nil {
			result.Status = checkFailed
			result.Message = err.Error()
			if check.Critical {
				healthy = false
			}
		}
		check.LastError = err
		check.LastChecked = now
		hc.checks[name] = check
		results[name] = result
	}
	hc.healthy = healthy

	return hc.statusLocked(results)
}

// GetStatus returns the current health status without running checks
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]CheckResult)
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}
		result := CheckResult{Status: checkUnknown, LastChecked: check.LastChecked, Critical: check.Critical}
		if !check.LastChecked.IsZero() {
			result.Status = checkPassed
			if check.LastError != nil {
				result.Status = checkFailed
				result.Message = check.LastError.Error()
			}
		}
		results[name] = result
	}
	return hc.statusLocked(results)
}

func (hc *HealthChecker) statusLocked(results map[string]CheckResult) HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := StatusHealthy
	if !hc.healthy {
		status = StatusUnhealthy
	}
	return HealthStatus{
		Status:    status,
		Timestamp: hc.lastCheck,
		Uptime:    int64(time.Since(hc.started).Seconds()),
		Version:   hc.version,
		Node:      hc.node,
		Checks:    results,
		Runtime: RuntimeInfo{
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  m.HeapAlloc,
			NumGC:      m.NumGC,
			GoVersion:  runtime.Version(),
		},
	}
}

// IsHealthy returns the outcome of the last RunChecks.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Failing returns the names of the enabled critical checks that fail right
// now, sorted.
func (hc *HealthChecker) Failing() []string {
	var failing []string
	for name, result := range hc.RunChecks().Checks {
		if result.Critical && result.Status == checkFailed {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}

// RegisterRoutes registers health check routes
func (hc *HealthChecker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hc.handleHealth)
	mux.HandleFunc("/health/live", hc.handleLiveness)
	mux.HandleFunc("/health/ready", hc.handleReadiness)
	mux.HandleFunc("/health/detailed", hc.handleDetailedHealth)
}

func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code, status := http.StatusOK, "ok"
	if !hc.IsHealthy() {
		code, status = http.StatusServiceUnavailable, StatusUnhealthy
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleLiveness answers as long as the process serves HTTP.
func (hc *HealthChecker) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness runs the checks: a session is ready once it is connected
// and has seen the heartbeat.
func (hc *HealthChecker) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if failing := hc.Failing(); len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "Service Unavailable: %v", failing)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (hc *HealthChecker) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := hc.RunChecks()
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[ERROR] Failed to encode health response: %v", err)
	}
}

// RunPeriodically runs the checks every interval until ctx is done and logs
// transitions between healthy and unhealthy.
func (hc *HealthChecker) RunPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasHealthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := hc.RunChecks()
			healthy := status.Status == StatusHealthy
			if healthy != wasHealthy {
				log.Printf("[INFO] Node %s health changed to %s", hc.node, status.Status)
				wasHealthy = healthy
			}
		}
	}
}
