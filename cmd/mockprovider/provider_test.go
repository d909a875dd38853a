package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(cfg Config) (*gin.Engine, *MockProvider) {
	p := NewMockProvider(cfg)
	return SetupRouter(NewHandler(p)), p
}

func do(r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var validEmail = map[string]any{"from": "a@b.com", "to": []string{"c@d.com"}, "subject": "Hi", "html": "<p>x</p>"}

func TestSendEmail(t *testing.T) {
	r, _ := newTestRouter(Config{SuccessRate: 1})

	w := do(r, "POST", "/emails", validEmail, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp SendEmailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)

	w = do(r, "POST", "/emails", map[string]any{"from": "a@b.com"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSendEmail_SimulatedFailure(t *testing.T) {
	r, _ := newTestRouter(Config{SuccessRate: 0})

	w := do(r, "POST", "/emails", validEmail, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 500, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	r, _ := newTestRouter(Config{SuccessRate: 1, APIKey: "re_test"})

	assert.Equal(t, http.StatusUnauthorized, do(r, "POST", "/emails", validEmail, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, "POST", "/emails", validEmail, map[string]string{"Authorization": "Bearer re_test"}).Code)
	assert.Equal(t, http.StatusOK, do(r, "GET", "/health", nil, nil).Code)
}

func TestSendBatch(t *testing.T) {
	r, _ := newTestRouter(Config{SuccessRate: 1})

	w := do(r, "POST", "/emails/batch", []any{validEmail, validEmail, validEmail}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 3)

	tooMany := make([]any, maxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = validEmail
	}
	assert.Equal(t, http.StatusUnprocessableEntity, do(r, "POST", "/emails/batch", tooMany, nil).Code)
}

func TestWebhookNotification(t *testing.T) {
	var (
		mu     sync.Mutex
		events []webhookEvent
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var ev webhookEvent
		_ = json.NewDecoder(req.Body).Decode(&ev)
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	r, p := newTestRouter(Config{SuccessRate: 1, WebhookURL: hook.URL})
	w := do(r, "POST", "/emails", validEmail, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp SendEmailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	p.Close()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "email.delivered", events[0].Type)
	assert.Equal(t, resp.ID, events[0].Data["email_id"])
}
