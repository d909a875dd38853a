package handlers

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
)

// Pinger is anything /ready depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	deps    map[string]Pinger
	timeout time.Duration
}

func RegisterHealthRoutes(r *router.Router, h *HealthHandler) {
	r.GET("/health", h.GetHealth)
	r.GET("/ready", h.GetReady)
}

func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps, timeout: 2 * time.Second}
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	writeJSON(ctx, xhttp.StatusOK, map[string]string{"status": "ok"})
}

// GetReady pings every dependency and reports each one.
func (h *HealthHandler) GetReady(ctx *xhttp.RequestCtx) {
	c, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	status := xhttp.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(c); err != nil {
			checks[name] = err.Error()
			status = xhttp.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	ready := "ready"
	if status != xhttp.StatusOK {
		ready = "not ready"
	}
	writeJSON(ctx, status, map[string]any{"status": ready, "checks": checks})
}
