// Package health serves the liveness, readiness and status probes.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"beacon/pkg/platform/httputil"
)

// Version is set at build time via ldflags.
var Version = "dev"

const defaultCheckTimeout = 2 * time.Second

// CheckFunc probes one backing dependency. A nil return means it is usable.
type CheckFunc func(ctx context.Context) error

// SiteCounter reports how many sites are resident.
type SiteCounter interface {
	Resident() int
}

type Handler struct {
	started      time.Time
	environment  string
	checkTimeout time.Duration
	sites        SiteCounter

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// New returns a handler with no readiness checks. sites may be nil.
func New(environment string, sites SiteCounter) *Handler {
	return &Handler{
		started:      time.Now(),
		environment:  environment,
		checkTimeout: defaultCheckTimeout,
		sites:        sites,
		checks:       make(map[string]CheckFunc),
	}
}

// RegisterCheck adds or replaces a readiness check.
func (h *Handler) RegisterCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.HandleStatus)
	r.Get("/health/live", h.HandleLiveness)
	r.Get("/health/ready", h.HandleReadiness)
}

type LivenessResponse struct {
	Status string `json:"status"`
}

// HandleLiveness answers 200 for as long as the process serves HTTP.
func (h *Handler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, LivenessResponse{Status: "alive"})
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// HandleReadiness runs every check concurrently under one shared timeout and
// answers 503 when any of them fails.
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	results := h.runChecks(ctx)
	resp := ReadinessResponse{Status: "ready", Checks: results}
	status := http.StatusOK
	for _, res := range results {
		if res.Status != "up" {
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			break
		}
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *Handler) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checks))
		g       errgroup.Group
	)
	for name, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check(ctx)
			res := CheckResult{Status: "up", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "down"
				res.Error = err.Error()
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type StatusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Environment   string `json:"environment,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ResidentSites int    `json:"resident_sites"`
	Timestamp     string `json:"timestamp"`
}

func (h *Handler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	resident := 0
	if h.sites != nil {
		resident = h.sites.Resident()
	}
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		Status:        "healthy",
		Version:       Version,
		Environment:   h.environment,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		ResidentSites: resident,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}
