package gateway

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

const latencyWindow = 100

// ProviderMetrics tracks request outcomes of one provider endpoint.
type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu      sync.Mutex
	ring    [latencyWindow]int64
	next    int
	samples int
}

func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())

	m.mu.Lock()
	m.ring[m.next] = latencyMs
	m.next = (m.next + 1) % latencyWindow
	if m.samples < latencyWindow {
		m.samples++
	}
	m.mu.Unlock()
}

func (m *ProviderMetrics) RecordFailure() {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
}

// AvgLatencyMs averages over successful requests only.
func (m *ProviderMetrics) AvgLatencyMs() int64 {
	ok := m.SuccessfulReqs.Load()
	if ok == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / ok
}

// SuccessRate is 1 until the first request completes.
func (m *ProviderMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

// P95LatencyMs is taken over the last latencyWindow successes.
func (m *ProviderMetrics) P95LatencyMs() int64 {
	m.mu.Lock()
	sorted := make([]int64, m.samples)
	copy(sorted, m.ring[:m.samples])
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type ProviderState int

const (
	StateHealthy ProviderState = iota
	StateDegraded
	StateUnhealthy
	StateCircuitOpen
)

func (s ProviderState) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Provider is one email API endpoint with its own credentials.
type Provider struct {
	name             string
	url              string
	apiKey           string
	client           *fasthttp.Client
	metrics          *ProviderMetrics
	state            atomic.Int32
	weight           atomic.Int32
	circuitOpenUntil atomic.Int64
}

func NewProvider(name, url, apiKey string, weight int, client *fasthttp.Client) *Provider {
	p := &Provider{
		name:    name,
		url:     url,
		apiKey:  apiKey,
		client:  client,
		metrics: NewProviderMetrics(),
	}
	p.state.Store(int32(StateHealthy))
	p.weight.Store(int32(weight))
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) GetState() ProviderState {
	return ProviderState(p.state.Load())
}

func (p *Provider) SetState(state ProviderState) {
	p.state.Store(int32(state))
}

// IsAvailable half-opens an expired circuit by moving it to degraded.
func (p *Provider) IsAvailable() bool {
	switch p.GetState() {
	case StateCircuitOpen:
		if time.Now().UnixMilli() < p.circuitOpenUntil.Load() {
			return false
		}
		p.state.CompareAndSwap(int32(StateCircuitOpen), int32(StateDegraded))
		return true
	case StateUnhealthy:
		return false
	default:
		return true
	}
}

// openCircuit takes the provider out of rotation for d.
func (p *Provider) openCircuit(d time.Duration) {
	p.circuitOpenUntil.Store(time.Now().Add(d).UnixMilli())
	p.SetState(StateCircuitOpen)
}

// latency at or above this scores zero
const latencyCeilingMs = 5000.0

// Score ranks available providers, higher is better. Success rate and
// latency weigh 40% each and the configured weight 20%; every consecutive
// failure takes 10% off, down to a floor of 10%, and a degraded provider
// counts half.
func (p *Provider) Score() float64 {
	if !p.IsAvailable() {
		return 0
	}
	m := p.metrics

	success := m.SuccessRate() * 100
	latency := 100.0
	if avg := m.AvgLatencyMs(); avg > 0 {
		latency = 100 * (1 - float64(avg)/latencyCeilingMs)
		if latency < 0 {
			latency = 0
		}
	}

	penalty := 1 - float64(m.ConsecutiveFails.Load())*0.1
	if penalty < 0.1 {
		penalty = 0.1
	}
	if p.GetState() == StateDegraded {
		penalty *= 0.5
	}

	return (success*0.4 + latency*0.4 + float64(p.weight.Load())*0.2) * penalty
}

type ProviderStats struct {
	Name             string  `json:"name"`
	URL              string  `json:"url"`
	State            string  `json:"state"`
	Score            float64 `json:"score"`
	TotalRequests    int64   `json:"totalRequests"`
	FailedReqs       int64   `json:"failedRequests"`
	SuccessRate      float64 `json:"successRate"`
	AvgLatencyMs     int64   `json:"avgLatencyMs"`
	P95LatencyMs     int64   `json:"p95LatencyMs"`
	ConsecutiveFails int32   `json:"consecutiveFails"`
}

func (p *Provider) Stats() ProviderStats {
	return ProviderStats{
		Name:             p.name,
		URL:              p.url,
		State:            p.GetState().String(),
		Score:            p.Score(),
		TotalRequests:    p.metrics.TotalRequests.Load(),
		FailedReqs:       p.metrics.FailedReqs.Load(),
		SuccessRate:      p.metrics.SuccessRate(),
		AvgLatencyMs:     p.metrics.AvgLatencyMs(),
		P95LatencyMs:     p.metrics.P95LatencyMs(),
		ConsecutiveFails: p.metrics.ConsecutiveFails.Load(),
	}
}
