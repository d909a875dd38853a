package xhttp

import (
	"reflect"
	"runtime"
	"slices"
	"time"

	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

type RequestHeader = fasthttp.RequestHeader
type ResponseHeader = fasthttp.ResponseHeader
type Server = fasthttp.Server

// ServerOption is the subset of fasthttp.Server knobs the binaries tune.
type ServerOption struct {
	Name string

	// idle keep-alive connections past this are closed, which keeps the
	// open file count bounded under bursty tracking traffic
	IdleTimeout           time.Duration
	MaxIdleWorkerDuration time.Duration
	TCPKeepalivePeriod    time.Duration

	MaxRequestBodySize int
	ReadBufferSize     int // also the max header size
	WriteBufferSize    int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	Concurrency        int
	MaxConnsPerIP      int
	MaxRequestsPerConn int

	ErrorHandler func(ctx *RequestCtx, err error)
	Logger       logger.Logger
}

// DefaultServerOption returns the options every binary starts from.
func DefaultServerOption() ServerOption {
	return ServerOption{
		Name:                  "outreach-gateway",
		IdleTimeout:           10 * time.Second,
		MaxIdleWorkerDuration: time.Minute,
		TCPKeepalivePeriod:    120 * time.Minute,
		MaxRequestBodySize:    4 * 1024 * 1024,
		ReadBufferSize:        4 * 1024,
		WriteBufferSize:       4 * 1024,
		ReadTimeout:           2500 * time.Millisecond,
		WriteTimeout:          2500 * time.Millisecond,
		Concurrency:           30_000,
		MaxConnsPerIP:         10_000,
		ErrorHandler: func(ctx *RequestCtx, err error) {
			logger.Warn("[xhttp] request error", "error", err, "ip", ctx.RemoteIP().String())
		},
		Logger: logger.GetLogger(),
	}
}

type Engine struct {
	*Router
	*Server
	middle []MiddlewareFunc
}

func newServer(o ServerOption) *fasthttp.Server {
	return &fasthttp.Server{
		Name:                          o.Name,
		ErrorHandler:                  o.ErrorHandler,
		Concurrency:                   o.Concurrency,
		ReadBufferSize:                o.ReadBufferSize,
		WriteBufferSize:               o.WriteBufferSize,
		ReadTimeout:                   o.ReadTimeout,
		WriteTimeout:                  o.WriteTimeout,
		IdleTimeout:                   o.IdleTimeout,
		MaxConnsPerIP:                 o.MaxConnsPerIP,
		MaxRequestsPerConn:            o.MaxRequestsPerConn,
		MaxIdleWorkerDuration:         o.MaxIdleWorkerDuration,
		TCPKeepalivePeriod:            o.TCPKeepalivePeriod,
		MaxRequestBodySize:            o.MaxRequestBodySize,
		TCPKeepalive:                  true,
		DisablePreParseMultipartForm:  true,
		LogAllErrors:                  true,
		NoDefaultServerHeader:         true,
		NoDefaultDate:                 true,
		NoDefaultContentType:          true,
		CloseOnShutdown:               true,
		DisableHeaderNamesNormalizing: false,
		Logger:                        o.Logger,
	}
}

func NewServer(options ServerOption) *Engine {
	return &Engine{
		Server: newServer(options),
		Router: CreateDefaultRouter(),
	}
}

func (e *Engine) ListenAndServe(addr string) error {
	e.DoRouting()
	logger.Info("[xhttp] server is listening", "addr", addr)
	return e.Server.ListenAndServe(addr)
}

// DoRouting installs the router behind the middleware chain. Middlewares
// run in the order they were added.
func (e *Engine) DoRouting() {
	for method, routes := range e.Router.List() {
		for _, r := range routes {
			logger.Debug("[xhttp] route", "method", method, "path", r)
		}
	}
	e.Server.Handler = e.Handler()
	for i, m := range e.middle {
		logger.Debug("[xhttp] middleware registered", "order", i+1,
			"name", runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
}

// Handler returns the router wrapped in every registered middleware.
func (e *Engine) Handler() RequestHandler {
	h := e.Router.Handler
	chain := slices.Clone(e.middle)
	slices.Reverse(chain)
	for _, m := range chain {
		h = m(h)
	}
	return h
}

// Use appends middleware to the chain run for every request.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (e *Engine) Shutdown() {
	logger.Info("[xhttp] server is shutting down")
	if err := e.Server.Shutdown(); err != nil {
		logger.Error("[xhttp] error while shutting down", "error", err)
	}
}
