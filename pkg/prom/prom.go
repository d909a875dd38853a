// Package prom holds the process-wide Prometheus collectors. Every helper is
// a no-op until Create has run, so packages can record unconditionally.
package prom

import (
	"fmt"
	"sync"

	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemDispatch = "dispatch"
	SystemProvider = "provider"
	SystemQueue    = "queue"
	SystemHTTP     = "http"
)

const (
	MetricSent                    = "sent_total"
	MetricFailed                  = "failed_total"
	MetricRescheduled             = "rescheduled_total"
	MetricJitterSeconds           = "jitter_seconds"
	MetricProviderRequestDuration = "request_duration_seconds"
	MetricQueueDepth              = "messages"
	MetricHTTPRequests            = "requests_total"
)

// jitter spans 0 to 60 minutes
var jitterBuckets = []float64{0, 30, 60, 120, 300, 600, 900, 1200, 1800, 2700, 3600}

type registry struct {
	mu         sync.RWMutex
	enabled    bool
	namespace  string
	labels     prometheus.Labels
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

var reg = &registry{
	counters:   make(map[string]*prometheus.CounterVec),
	histograms: make(map[string]*prometheus.HistogramVec),
	gauges:     make(map[string]*prometheus.GaugeVec),
}

type spec struct {
	subsystem string
	name      string
	help      string
	labels    []string
}

func (s spec) key() string { return s.subsystem + "_" + s.name }

// Create registers every collector with const labels env and instance.
func Create(host, env, namespace string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.namespace = namespace
	reg.labels = prometheus.Labels{"env": env, "instance": host}

	counters := []spec{
		{SystemDispatch, MetricSent, "Messages handed to the provider.", nil},
		{SystemDispatch, MetricFailed, "Messages marked failed, by reason.", []string{"reason"}},
		{SystemDispatch, MetricRescheduled, "Send jobs deferred, by reason.", []string{"reason"}},
		{SystemHTTP, MetricHTTPRequests, "API requests, by method and status.", []string{"method", "status"}},
	}
	for _, c := range counters {
		if err := reg.counter(c); err != nil {
			return err
		}
	}

	histograms := []struct {
		spec
		buckets []float64
	}{
		{spec{SystemDispatch, MetricJitterSeconds, "Pause applied before a send.", nil}, jitterBuckets},
		{spec{SystemProvider, MetricProviderRequestDuration, "Provider API latency.", []string{"provider", "outcome"}}, prometheus.DefBuckets},
	}
	for _, h := range histograms {
		if err := reg.histogram(h.spec, h.buckets); err != nil {
			return err
		}
	}

	if err := reg.gauge(spec{SystemQueue, MetricQueueDepth, "Queue size by state.", []string{"queue", "state"}}); err != nil {
		return err
	}

	reg.enabled = true
	return nil
}

func (r *registry) opts(s spec) (string, string, string, string, prometheus.Labels) {
	return r.namespace, s.subsystem, s.name, s.help, r.labels
}

func (r *registry) counter(s spec) error {
	ns, sub, name, help, labels := r.opts(s)
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: labels,
	}, s.labels)
	if err := prometheus.Register(v); err != nil {
		return fmt.Errorf("register %s: %w", s.key(), err)
	}
	r.counters[s.key()] = v
	return nil
}

func (r *registry) histogram(s spec, buckets []float64) error {
	ns, sub, name, help, labels := r.opts(s)
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: labels, Buckets: buckets,
	}, s.labels)
	if err := prometheus.Register(v); err != nil {
		return fmt.Errorf("register %s: %w", s.key(), err)
	}
	r.histograms[s.key()] = v
	return nil
}

func (r *registry) gauge(s spec) error {
	ns, sub, name, help, labels := r.opts(s)
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: labels,
	}, s.labels)
	if err := prometheus.Register(v); err != nil {
		return fmt.Errorf("register %s: %w", s.key(), err)
	}
	r.gauges[s.key()] = v
	return nil
}

// ListenAndServer serves the default registry on its own listener.
func ListenAndServer(addr string, uri string) {
	s := xhttp.NewServer(xhttp.DefaultServerOption())
	s.GET(uri, fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	logger.Info("[metrics-server] listening...", "addr", addr, "uri", uri)
	if err := s.ListenAndServe(addr); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func addCounter(subsystem, name string, n float64, values ...string) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if !reg.enabled {
		return
	}
	if v, ok := reg.counters[subsystem+"_"+name]; ok {
		v.WithLabelValues(values...).Add(n)
		return
	}
	logger.Warn("[metrics-server] counter not found", "subsystem", subsystem, "name", name)
}

func observe(subsystem, name string, n float64, values ...string) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if !reg.enabled {
		return
	}
	if v, ok := reg.histograms[subsystem+"_"+name]; ok {
		v.WithLabelValues(values...).Observe(n)
		return
	}
	logger.Warn("[metrics-server] histogram not found", "subsystem", subsystem, "name", name)
}

func setGauge(subsystem, name string, n float64, values ...string) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if !reg.enabled {
		return
	}
	if v, ok := reg.gauges[subsystem+"_"+name]; ok {
		v.WithLabelValues(values...).Set(n)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

func IncDispatchSent() {
	addCounter(SystemDispatch, MetricSent, 1)
}

func IncDispatchFailed(reason string) {
	addCounter(SystemDispatch, MetricFailed, 1, reason)
}

func IncDispatchRescheduled(reason string) {
	addCounter(SystemDispatch, MetricRescheduled, 1, reason)
}

func AddDispatchJitter(seconds float64) {
	observe(SystemDispatch, MetricJitterSeconds, seconds)
}

func AddProviderRequestDuration(seconds float64, provider, outcome string) {
	observe(SystemProvider, MetricProviderRequestDuration, seconds, provider, outcome)
}

// SetQueueDepth records the size of one queue state (total, pending, delayed, dead).
func SetQueueDepth(queue, state string, n int64) {
	setGauge(SystemQueue, MetricQueueDepth, float64(n), queue, state)
}

func IncHTTPRequest(method, status string) {
	addCounter(SystemHTTP, MetricHTTPRequests, 1, method, status)
}
