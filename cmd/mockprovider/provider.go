package main

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxBatchSize = 100

type Config struct {
	// APIKey, when set, must arrive as a bearer token.
	APIKey      string
	SuccessRate float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// WebhookURL receives an email.delivered event for every accepted send.
	WebhookURL string
}

type SendEmailRequest struct {
	From    string   `json:"from" binding:"required"`
	To      []string `json:"to" binding:"required,min=1"`
	Subject string   `json:"subject" binding:"required"`
	HTML    string   `json:"html"`
	Text    string   `json:"text"`
	ReplyTo string   `json:"reply_to"`
}

type SendEmailResponse struct {
	ID string `json:"id"`
}

type BatchResponse struct {
	Data []SendEmailResponse `json:"data"`
}

type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

type webhookEvent struct {
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
}

// MockProvider decides the fate of every send. rng is not safe for
// concurrent use, hence mu.
type MockProvider struct {
	cfg    Config
	mu     sync.Mutex
	rng    *rand.Rand
	client *http.Client
	wg     sync.WaitGroup
}

func NewMockProvider(cfg Config) *MockProvider {
	return &MockProvider{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Close waits for pending webhook deliveries.
func (m *MockProvider) Close() {
	m.wg.Wait()
}

func (m *MockProvider) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.cfg.MaxDelay - m.cfg.MinDelay
	if delta <= 0 {
		return m.cfg.MinDelay
	}
	return m.cfg.MinDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockProvider) shouldSucceed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.cfg.SuccessRate
}

// accept simulates the provider taking one email. ok is false when the
// simulated upstream failed.
func (m *MockProvider) accept(req *SendEmailRequest) (SendEmailResponse, bool) {
	time.Sleep(m.randomDelay())
	if !m.shouldSucceed() {
		log.Warn().Strs("to", req.To).Msg("Simulated send failure")
		return SendEmailResponse{}, false
	}

	id := uuid.NewString()
	log.Info().Str("id", id).Strs("to", req.To).Str("subject", req.Subject).Msg("Email accepted")
	m.notify(id, req)
	return SendEmailResponse{ID: id}, true
}

func (m *MockProvider) notify(id string, req *SendEmailRequest) {
	if m.cfg.WebhookURL == "" {
		return
	}
	ev := webhookEvent{
		Type:      "email.delivered",
		CreatedAt: time.Now().UTC(),
		Data: map[string]any{
			"email_id": id,
			"from":     req.From,
			"to":       req.To,
			"subject":  req.Subject,
		},
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		time.Sleep(m.randomDelay())
		body, _ := json.Marshal(ev)
		resp, err := m.client.Post(m.cfg.WebhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("Webhook delivery failed")
			return
		}
		resp.Body.Close()
		log.Debug().Str("id", id).Int("status", resp.StatusCode).Msg("Webhook delivered")
	}()
}

type Handler struct {
	provider *MockProvider
}

func NewHandler(provider *MockProvider) *Handler {
	return &Handler{provider: provider}
}

func abortError(c *gin.Context, status int, name, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{StatusCode: status, Name: name, Message: message})
}

// Auth rejects requests without the configured bearer token.
func (h *Handler) Auth(c *gin.Context) {
	key := h.provider.cfg.APIKey
	if key == "" {
		c.Next()
		return
	}
	if strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ") != key {
		abortError(c, http.StatusUnauthorized, "missing_api_key", "API key is invalid")
		return
	}
	c.Next()
}

func (h *Handler) SendEmail(c *gin.Context) {
	var req SendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	resp, ok := h.provider.accept(&req)
	if !ok {
		abortError(c, http.StatusInternalServerError, "internal_server_error", "Simulated upstream failure")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) SendBatch(c *gin.Context) {
	var reqs []SendEmailRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		abortError(c, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	if len(reqs) == 0 || len(reqs) > maxBatchSize {
		abortError(c, http.StatusUnprocessableEntity, "validation_error", "batch must hold 1 to 100 emails")
		return
	}
	for i := range reqs {
		if reqs[i].From == "" || len(reqs[i].To) == 0 || reqs[i].Subject == "" {
			abortError(c, http.StatusUnprocessableEntity, "validation_error", "every email needs from, to and subject")
			return
		}
	}

	out := BatchResponse{Data: make([]SendEmailResponse, 0, len(reqs))}
	for i := range reqs {
		resp, ok := h.provider.accept(&reqs[i])
		if !ok {
			abortError(c, http.StatusInternalServerError, "internal_server_error", "Simulated upstream failure")
			return
		}
		out.Data = append(out.Data, resp)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	router.GET("/health", handler.HealthCheck)

	emails := router.Group("/emails", handler.Auth)
	emails.POST("", handler.SendEmail)
	emails.POST("/batch", handler.SendBatch)

	return router
}
