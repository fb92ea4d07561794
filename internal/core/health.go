package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds the whole probe run. A probe still running at the
// deadline is reported as timed out.
const healthCheckTimeout = 2 * time.Second

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthProbe checks one dependency of the delivery path.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// AdvisoryProbe is implemented by probes whose failure degrades the broker
// without stopping deliveries. The database is one: lookups keep being served
// from the last registry snapshot while it is down.
type AdvisoryProbe interface {
	HealthProbe
	Advisory() bool
}

// DetailedProbe is implemented by probes that expose state alongside the
// verdict, such as the registry snapshot age and size.
type DetailedProbe interface {
	HealthProbe
	Details() map[string]any
}

type componentStatus struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
	Advisory  bool           `json:"advisory,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// probeOutcome is written by exactly one probe goroutine into its own slot.
type probeOutcome struct {
	done    bool
	err     error
	latency time.Duration
}

// HandleHealth runs every probe concurrently under healthCheckTimeout.
//
// The aggregate is "healthy" (200) when all probes pass, "degraded" (200)
// when only advisory probes fail, and "unhealthy" (503) when any other probe
// fails or times out. Unlike /__lbheartbeat__ this is not a liveness check:
// a stale registry takes the instance out of rotation.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: statusHealthy}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	var (
		mu       sync.Mutex
		outcomes = make([]probeOutcome, len(probes))
		wg       sync.WaitGroup
	)
	for i, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := runProbe(ctx, probe)

			mu.Lock()
			outcomes[i] = probeOutcome{done: true, err: err, latency: time.Since(start)}
			mu.Unlock()
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	snapshot := append([]probeOutcome(nil), outcomes...)
	mu.Unlock()

	resp.Components = make(map[string]componentStatus, len(probes))
	for i, probe := range probes {
		comp := evaluate(probe, snapshot[i], healthCheckTimeout)
		resp.Components[probe.Name()] = comp

		switch {
		case comp.Status == statusHealthy:
		case comp.Advisory:
			if resp.Status == statusHealthy {
				resp.Status = statusDegraded
			}
		default:
			resp.Status = statusUnhealthy
		}
	}

	if resp.Status == statusUnhealthy {
		s.Logger.Warn("health check failed", "components", resp.Components)
		JSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	JSON(w, r, http.StatusOK, resp)
}

// runProbe converts a panicking probe into a failure.
func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return p.Check(ctx)
}

func evaluate(probe HealthProbe, out probeOutcome, deadline time.Duration) componentStatus {
	var comp componentStatus
	if a, ok := probe.(AdvisoryProbe); ok {
		comp.Advisory = a.Advisory()
	}
	if d, ok := probe.(DetailedProbe); ok {
		comp.Details = d.Details()
	}

	switch {
	case !out.done:
		comp.Status = statusUnhealthy
		comp.Message = "health check timed out"
		comp.LatencyMS = deadline.Milliseconds()
	case out.err != nil:
		comp.Status = statusUnhealthy
		comp.Message = out.err.Error()
		comp.LatencyMS = out.latency.Milliseconds()
	default:
		comp.Status = statusHealthy
		comp.LatencyMS = out.latency.Milliseconds()
	}
	return comp
}
