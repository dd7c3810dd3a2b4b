package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	reqTotal         atomic.Uint64
	reqErrors        atomic.Uint64
	rateLimited      atomic.Uint64
	sessionsActive   atomic.Int64
	sessionsCreated  atomic.Uint64
	sessionsFailed   atomic.Uint64
	sessionsStarted  atomic.Uint64
	sessionsCleaned  atomic.Uint64
	terminalsActive  atomic.Int64
	terminalsRefused atomic.Uint64
	mu               sync.RWMutex
	pathCount        map[string]uint64
	latencyBuckets   map[float64]uint64
	latencyInf       uint64
	latencySum       float64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		latencyBuckets: map[float64]uint64{0.005: 0, 0.01: 0, 0.025: 0, 0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0, 10: 0, 30: 0, 60: 0},
	}
}

func (r *Registry) IncRequest(path string) {
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}
func (r *Registry) IncError()               { r.reqErrors.Add(1) }
func (r *Registry) IncRateLimited()         { r.rateLimited.Add(1) }
func (r *Registry) SetActiveSessions(v int) { r.sessionsActive.Store(int64(v)) }
func (r *Registry) IncSessionCreated()      { r.sessionsCreated.Add(1) }
func (r *Registry) IncSessionFailed()       { r.sessionsFailed.Add(1) }
func (r *Registry) IncSessionStarted()      { r.sessionsStarted.Add(1) }
func (r *Registry) IncSessionCleaned()      { r.sessionsCleaned.Add(1) }
func (r *Registry) TerminalOpened()         { r.terminalsActive.Add(1) }
func (r *Registry) TerminalClosed()         { r.terminalsActive.Add(-1) }
func (r *Registry) IncTerminalRefused()     { r.terminalsRefused.Add(1) }

// ObserveRequestDuration records d in the first bucket whose bound covers it;
// buckets are made cumulative at render time.
func (r *Registry) ObserveRequestDuration(d time.Duration) {
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencySum += secs
	bounds := make([]float64, 0, len(r.latencyBuckets))
	for b := range r.latencyBuckets {
		bounds = append(bounds, b)
	}
	sort.Float64s(bounds)
	for _, b := range bounds {
		if secs <= b {
			r.latencyBuckets[b]++
			return
		}
	}
	r.latencyInf++
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	writeMetric(&b, "battle_agent_requests_total", "counter", "Total API requests", r.reqTotal.Load())
	writeMetric(&b, "battle_agent_request_errors_total", "counter", "Total API request errors", r.reqErrors.Load())
	writeMetric(&b, "battle_agent_rate_limited_total", "counter", "Total rate-limited requests", r.rateLimited.Load())
	writeMetric(&b, "battle_agent_sessions_active", "gauge", "Sessions owned by this server", r.sessionsActive.Load())
	writeMetric(&b, "battle_agent_sessions_created_total", "counter", "Sessions fully provisioned", r.sessionsCreated.Load())
	writeMetric(&b, "battle_agent_sessions_failed_total", "counter", "Session creations that failed", r.sessionsFailed.Load())
	writeMetric(&b, "battle_agent_sessions_started_total", "counter", "Sessions started by their admin", r.sessionsStarted.Load())
	writeMetric(&b, "battle_agent_sessions_cleaned_total", "counter", "Sessions torn down", r.sessionsCleaned.Load())
	writeMetric(&b, "battle_agent_terminals_active", "gauge", "Open terminal relays", r.terminalsActive.Load())
	writeMetric(&b, "battle_agent_terminals_refused_total", "counter", "Terminal connections refused", r.terminalsRefused.Load())

	r.mu.RLock()
	keys := make([]string, 0, len(r.pathCount))
	for k := range r.pathCount {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	latencyBounds := make([]float64, 0, len(r.latencyBuckets))
	for bound := range r.latencyBuckets {
		latencyBounds = append(latencyBounds, bound)
	}
	sort.Float64s(latencyBounds)

	fmt.Fprintln(&b, "# HELP battle_agent_requests_by_path_total Requests by path")
	fmt.Fprintln(&b, "# TYPE battle_agent_requests_by_path_total counter")
	for _, k := range keys {
		fmt.Fprintf(&b, "battle_agent_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	fmt.Fprintln(&b, "# HELP battle_agent_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE battle_agent_request_duration_seconds histogram")
	cumulative := uint64(0)
	for _, bound := range latencyBounds {
		cumulative += r.latencyBuckets[bound]
		fmt.Fprintf(&b, "battle_agent_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), cumulative)
	}
	fmt.Fprintf(&b, "battle_agent_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative+r.latencyInf)
	fmt.Fprintf(&b, "battle_agent_request_duration_seconds_sum %s\n", trimFloat(r.latencySum))
	fmt.Fprintf(&b, "battle_agent_request_duration_seconds_count %d\n", cumulative+r.latencyInf)
	r.mu.RUnlock()
	return b.String()
}

func writeMetric[T int64 | uint64](b *strings.Builder, name, kind, help string, v T) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(b, "%s %d\n", name, v)
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
