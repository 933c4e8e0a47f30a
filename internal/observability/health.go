package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Set from main via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body. Channels lists the delivery
// channels that have a working provider; it is informational and never
// fails the probe.
type ReadinessResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]CheckResult `json:"checks"`
	Channels []string               `json:"channels,omitempty"`
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker probes one backing service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks wires the readiness endpoint. Dependencies maps a backend
// name ("postgres", "redis") to its probe; nil probes are skipped.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool
	Dependencies      map[string]HealthChecker
	Channels          func() []string
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness probe.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness probe. Dependency probes run in parallel,
// each under checkTimeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadinessResponse{Status: "ready", Checks: checks.probe(r.Context())}
		if checks.Channels != nil {
			resp.Channels = checks.Channels()
			sort.Strings(resp.Channels)
		}

		code := http.StatusOK
		for _, result := range resp.Checks {
			if result.Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeProbe(w, code, resp)
	}
}

func (c ReadinessChecks) probe(ctx context.Context) map[string]CheckResult {
	results := map[string]CheckResult{
		"definitions": {Status: "ok"},
	}
	if c.DefinitionsLoaded == nil || !c.DefinitionsLoaded() {
		results["definitions"] = CheckResult{Status: "error", Error: "no process definitions loaded"}
	}

	var mu sync.Mutex
	var g errgroup.Group
	for name, checker := range c.Dependencies {
		if checker == nil {
			continue
		}
		g.Go(func() error {
			result := runCheck(ctx, checker)
			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
