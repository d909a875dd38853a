package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/nimasrn/outreach-gateway/pkg/prom"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

const (
	ErrNotConfigured = "Email provider not configured"

	pathSend   = "/emails"
	pathBatch  = "/emails/batch"
	pathHealth = "/health"

	headerIdempotencyKey = "Idempotency-Key"

	// the provider accepts at most this many messages per batch call
	maxBatchSize = 100
)

var ErrNoAvailableProviders = errors.New("no available providers")

type Config struct {
	Providers               []ProviderConfig
	Timeout                 time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	MaxConns                int
	HealthCheckInterval     time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	// RateLimit is requests per second across all providers, zero for none.
	RateLimit float64
	RateBurst int
}

type ProviderConfig struct {
	Name   string
	URL    string
	APIKey string
	Weight int
}

// MailClient delivers rendered messages through the best scoring provider,
// failing over to the next one when a provider keeps erroring.
type MailClient struct {
	config    Config
	providers []*Provider
	limiter   *rate.Limiter
	mu        sync.RWMutex
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

type sendRequest struct {
	From    string      `json:"from"`
	To      []string    `json:"to"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html,omitempty"`
	Text    string      `json:"text,omitempty"`
	ReplyTo string      `json:"reply_to,omitempty"`
	Tags    []model.Tag `json:"tags,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type batchResponse struct {
	Data []sendResponse `json:"data"`
}

type errorResponse struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

// providerError is a non-2xx answer. 429 and 5xx are worth retrying
// elsewhere; anything else is the provider rejecting the message.
type providerError struct {
	status  int
	message string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.status, e.message)
}

func (e *providerError) retryable() bool {
	return e.status == fasthttp.StatusTooManyRequests || e.status >= 500
}

func NewMailClient(config *Config) (*MailClient, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	cfg := *config
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	c := &MailClient{
		config:  cfg,
		limiter: rate.NewLimiter(limit, burst),
		stopCh:  make(chan struct{}),
	}

	for _, pc := range cfg.Providers {
		if pc.APIKey == "" || pc.URL == "" {
			logger.Warn("email provider skipped, missing url or api key", "name", pc.Name)
			continue
		}
		httpClient := &fasthttp.Client{
			MaxConnsPerHost:     cfg.MaxConns,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		}
		c.providers = append(c.providers, NewProvider(pc.Name, strings.TrimRight(pc.URL, "/"), pc.APIKey, pc.Weight, httpClient))
		logger.Info("email provider initialized", "name", pc.Name, "url", pc.URL, "weight", pc.Weight)
	}

	if len(c.providers) == 0 {
		logger.Warn("no email provider configured, sends will fail")
		return c, nil
	}

	if cfg.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.monitor()
	}

	logger.Info("mail client initialized", "providers", len(c.providers), "timeout", cfg.Timeout, "rate_limit", cfg.RateLimit)
	return c, nil
}

func (c *MailClient) Configured() bool {
	return len(c.providers) > 0
}

// Send delivers one message. Failures are reported in the result, never as
// an error.
func (c *MailClient) Send(ctx context.Context, msg *model.RenderedMessage) model.SendResult {
	if !c.Configured() {
		return model.SendResult{Error: ErrNotConfigured}
	}

	body, err := json.Marshal(toSendRequest(msg))
	if err != nil {
		return model.SendResult{Error: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	raw, provider, err := c.post(ctx, pathSend, body, msg.IdempotencyKey)
	if err != nil {
		return model.SendResult{Error: err.Error()}
	}

	var resp sendResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return model.SendResult{Error: fmt.Sprintf("failed to unmarshal response: %v", err)}
	}

	logger.Info("email accepted by provider", "to", msg.To, "provider", provider, "provider_message_id", resp.ID)
	return model.SendResult{Success: true, ProviderMessageID: resp.ID}
}

// SendBatch delivers msgs in chunks and returns one result per message, in
// order.
func (c *MailClient) SendBatch(ctx context.Context, msgs []*model.RenderedMessage) []model.SendResult {
	results := make([]model.SendResult, len(msgs))
	if !c.Configured() {
		for i := range results {
			results[i] = model.SendResult{Error: ErrNotConfigured}
		}
		return results
	}

	for start := 0; start < len(msgs); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		c.sendChunk(ctx, msgs[start:end], results[start:end])
	}
	return results
}

func (c *MailClient) sendChunk(ctx context.Context, msgs []*model.RenderedMessage, results []model.SendResult) {
	fail := func(reason string) {
		for i := range results {
			results[i] = model.SendResult{Error: reason}
		}
	}

	reqs := make([]sendRequest, len(msgs))
	for i, m := range msgs {
		reqs[i] = toSendRequest(m)
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		fail(fmt.Sprintf("failed to marshal request: %v", err))
		return
	}

	raw, _, err := c.post(ctx, pathBatch, body, "")
	if err != nil {
		fail(err.Error())
		return
	}

	var resp batchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		fail(fmt.Sprintf("failed to unmarshal response: %v", err))
		return
	}
	for i := range results {
		if i < len(resp.Data) && resp.Data[i].ID != "" {
			results[i] = model.SendResult{Success: true, ProviderMessageID: resp.Data[i].ID}
			continue
		}
		results[i] = model.SendResult{Error: "provider returned no id for message"}
	}
}

// post sends body to the best available provider, moving on to the next
// best after a retryable failure. Every attempt carries the same key.
func (c *MailClient) post(ctx context.Context, path string, body []byte, idempotencyKey string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 && c.config.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, "", fmt.Errorf("rate limiter: %w", err)
		}

		provider, err := c.SelectBestProvider()
		if err != nil {
			lastErr = err
			continue
		}

		start := time.Now()
		raw, err := c.doRequest(ctx, provider, fasthttp.MethodPost, path, body, idempotencyKey)
		elapsed := time.Since(start)

		if err == nil {
			provider.metrics.RecordSuccess(elapsed.Milliseconds())
			prom.AddProviderRequestDuration(elapsed.Seconds(), provider.name, "success")
			return raw, provider.name, nil
		}

		var perr *providerError
		if errors.As(err, &perr) && !perr.retryable() {
			// the request reached the provider, which refused it
			provider.metrics.RecordSuccess(elapsed.Milliseconds())
			prom.AddProviderRequestDuration(elapsed.Seconds(), provider.name, "rejected")
			return nil, provider.name, err
		}

		provider.metrics.RecordFailure()
		prom.AddProviderRequestDuration(elapsed.Seconds(), provider.name, "error")
		c.checkCircuitBreaker(provider)
		logger.Warn("provider request failed", "error", err, "provider", provider.name, "attempt", attempt+1)
		lastErr = err
	}

	return nil, "", fmt.Errorf("failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// SelectBestProvider returns the available provider with the highest score.
// Ties go to the earlier configured provider.
func (c *MailClient) SelectBestProvider() (*Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *Provider
	bestScore := 0.0
	for _, p := range c.providers {
		if score := p.Score(); score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil {
		return nil, ErrNoAvailableProviders
	}
	logger.Debug("selected provider", "provider", best.name, "score", bestScore)
	return best, nil
}

func (c *MailClient) doRequest(ctx context.Context, provider *Provider, method, path string, body []byte, idempotencyKey string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(provider.url + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+provider.apiKey)
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := provider.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return nil, &providerError{status: status, message: errorMessage(resp.Body())}
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}

func errorMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

func (c *MailClient) checkCircuitBreaker(provider *Provider) {
	fails := provider.metrics.ConsecutiveFails.Load()
	if fails < int32(c.config.CircuitBreakerThreshold) {
		return
	}
	provider.openCircuit(c.config.CircuitBreakerTimeout)
	logger.Warn("circuit breaker opened", "provider", provider.name, "consecutive_fails", fails, "timeout", c.config.CircuitBreakerTimeout)
}

func (c *MailClient) monitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.performHealthChecks()
			c.evaluateProviders()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MailClient) performHealthChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	for _, p := range c.snapshot() {
		if p.GetState() == StateCircuitOpen {
			continue
		}
		healthy := c.checkProviderHealth(ctx, p)

		old := p.GetState()
		next := old
		switch {
		case !healthy:
			next = StateUnhealthy
		case old == StateUnhealthy:
			next = StateDegraded
		}
		if next != old {
			p.SetState(next)
			logger.Info("provider state changed", "provider", p.name, "old_state", old.String(), "new_state", next.String())
		}
	}
}

func (c *MailClient) checkProviderHealth(ctx context.Context, p *Provider) bool {
	raw, err := c.doRequest(ctx, p, fasthttp.MethodGet, pathHealth, nil, "")
	if err != nil {
		return false
	}
	var health struct {
		Status string `json:"status"`
	}
	return json.Unmarshal(raw, &health) == nil && health.Status == "healthy"
}

// evaluateProviders demotes slow or failing providers and promotes ones
// that recovered.
func (c *MailClient) evaluateProviders() {
	for _, p := range c.snapshot() {
		state := p.GetState()
		if state == StateCircuitOpen || state == StateUnhealthy {
			continue
		}
		success, avg := p.metrics.SuccessRate(), p.metrics.AvgLatencyMs()
		switch {
		case (success < 0.8 || avg > 5000) && state != StateDegraded:
			p.SetState(StateDegraded)
			logger.Warn("provider degraded", "provider", p.name, "success_rate", success, "avg_latency_ms", avg)
		case success > 0.95 && avg < 2000 && state != StateHealthy:
			p.SetState(StateHealthy)
			logger.Info("provider recovered", "provider", p.name)
		}
	}
}

func (c *MailClient) snapshot() []*Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// ProviderStats lists every provider, best score first.
func (c *MailClient) ProviderStats() []ProviderStats {
	providers := c.snapshot()
	stats := make([]ProviderStats, len(providers))
	for i, p := range providers {
		stats[i] = p.Stats()
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Score > stats[j].Score })
	return stats
}

func (c *MailClient) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	logger.Info("mail client closed")
	return nil
}

func toSendRequest(m *model.RenderedMessage) sendRequest {
	return sendRequest{
		From:    m.From,
		To:      []string{m.To},
		Subject: m.Subject,
		HTML:    m.HTML,
		Text:    m.Text,
		ReplyTo: m.ReplyTo,
		Tags:    m.Tags,
	}
}
