package prom

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample reads one series from the default registry. Counters and gauges
// report their value, histograms their sample count.
func sample(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s %v not found", name, labels)
	return 0
}

func TestCollectors(t *testing.T) {
	// disabled helpers must not panic
	IncDispatchSent()
	SetQueueDepth("send", "pending", 3)

	require.NoError(t, Create("host-1", "test", "outreach"))
	assert.Error(t, Create("host-1", "test", "outreach"), "second registration collides")

	IncDispatchSent()
	IncDispatchRescheduled("hourly")
	IncDispatchRescheduled("hourly")
	IncDispatchFailed("render failed")
	SetQueueDepth("send", "delayed", 4)
	SetQueueDepth("send", "delayed", 2)
	AddDispatchJitter(42)
	IncHTTPRequest("GET", "200")

	assert.Equal(t, 1.0, sample(t, "outreach_dispatch_sent_total", map[string]string{"env": "test"}))
	assert.Equal(t, 2.0, sample(t, "outreach_dispatch_rescheduled_total", map[string]string{"reason": "hourly"}))
	assert.Equal(t, 1.0, sample(t, "outreach_dispatch_failed_total", map[string]string{"reason": "render failed"}))
	assert.Equal(t, 2.0, sample(t, "outreach_queue_messages", map[string]string{"queue": "send", "state": "delayed"}))
	assert.Equal(t, 1.0, sample(t, "outreach_dispatch_jitter_seconds", nil))
	assert.Equal(t, 1.0, sample(t, "outreach_http_requests_total", map[string]string{"method": "GET", "status": "200"}))
}
