package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	"github.com/nimasrn/outreach-gateway/internal/services"
	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
)

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

// uuidParam reads a path parameter registered as {name}.
func uuidParam(ctx *xhttp.RequestCtx, name string) (uuid.UUID, error) {
	raw, _ := ctx.UserValue(name).(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrCampaignNotFound),
		errors.Is(err, repository.ErrContactNotFound),
		errors.Is(err, repository.ErrTemplateNotFound),
		errors.Is(err, repository.ErrMessageNotFound),
		errors.Is(err, repository.ErrLinkNotFound):
		return xhttp.StatusNotFound
	case errors.Is(err, services.ErrInvalidInput):
		return xhttp.StatusBadRequest
	case errors.Is(err, services.ErrAlreadyQueued):
		return xhttp.StatusConflict
	case errors.Is(err, services.ErrNoTemplate),
		errors.Is(err, services.ErrNoEligibleContacts),
		errors.Is(err, services.ErrContactNotEligible):
		return xhttp.StatusUnprocessableEntity
	default:
		return xhttp.StatusInternalServerError
	}
}

// respondError maps err to a status. Internal failures are logged and
// answered without detail.
func respondError(ctx *xhttp.RequestCtx, err error) {
	status := statusFor(err)
	if status == xhttp.StatusInternalServerError {
		logger.Error("request failed", "path", string(ctx.Path()), "error", err)
		writeError(ctx, status, xhttp.StatusText(status))
		return
	}
	writeError(ctx, status, err.Error())
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(ctx *xhttp.RequestCtx) string {
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := string(ctx.Request.Header.Peek("X-Real-IP")); real != "" {
		return real
	}
	return ctx.RemoteIP().String()
}
