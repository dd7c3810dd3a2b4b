package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestRenderPrometheusHistogramIsCumulative(t *testing.T) {
	r := New()
	r.ObserveRequestDuration(3 * time.Millisecond)
	r.ObserveRequestDuration(200 * time.Millisecond)
	r.ObserveRequestDuration(2 * time.Minute)

	out := r.RenderPrometheus()
	for _, want := range []string{
		`battle_agent_request_duration_seconds_bucket{le="0.005"} 1`,
		`battle_agent_request_duration_seconds_bucket{le="0.25"} 2`,
		`battle_agent_request_duration_seconds_bucket{le="60"} 2`,
		`battle_agent_request_duration_seconds_bucket{le="+Inf"} 3`,
		`battle_agent_request_duration_seconds_count 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestTerminalGauge(t *testing.T) {
	r := New()
	r.TerminalOpened()
	r.TerminalOpened()
	r.TerminalClosed()
	if !strings.Contains(r.RenderPrometheus(), "battle_agent_terminals_active 1\n") {
		t.Fatal("expected one active terminal")
	}
}
