package handlers

import (
	"strconv"

	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
	"github.com/nimasrn/outreach-gateway/pkg/prom"
)

// MetricsMiddleware counts requests per method and status code.
func MetricsMiddleware(next xhttp.RequestHandler) xhttp.RequestHandler {
	return func(ctx *xhttp.RequestCtx) {
		next(ctx)
		prom.IncHTTPRequest(string(ctx.Method()), strconv.Itoa(ctx.Response.StatusCode()))
	}
}
