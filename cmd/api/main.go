package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimasrn/outreach-gateway/internal/config"
	"github.com/nimasrn/outreach-gateway/internal/handlers"
	"github.com/nimasrn/outreach-gateway/internal/queue"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	"github.com/nimasrn/outreach-gateway/internal/services"
	"github.com/nimasrn/outreach-gateway/internal/template"
	"github.com/nimasrn/outreach-gateway/internal/warmup"
	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
	"github.com/nimasrn/outreach-gateway/pkg/prom"
	"github.com/nimasrn/outreach-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := config.Load(config.EnvPathFromArgs(os.Args)); err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	if _, err := logger.Configure(cfg.LogEnv, cfg.LogLevel); err != nil {
		logger.Error("failed to configure logger", "error", err)
		return
	}
	defer logger.Sync()
	logger.Info("starting api", "version", version, "commit", commit, "date", date)

	opt := xhttp.DefaultServerOption()
	opt.ReadBufferSize = cfg.HttpServerReadBufferSize
	opt.WriteBufferSize = cfg.HttpServerWriteBufferSize
	opt.ReadTimeout = time.Duration(cfg.HttpServerReadTimeout) * time.Second
	opt.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeout) * time.Second

	s := xhttp.NewServer(opt)
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(handlers.MetricsMiddleware)
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))
	s.Use(xhttp.CompressMiddleware(6))

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("api"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	sendQ, err := queue.NewQueue(redisAdap, cfg.SendQueue())
	if err != nil {
		logger.Error("failed creating send queue", "error", err)
		return
	}
	validateQ, err := queue.NewQueue(redisAdap, cfg.ValidateQueue())
	if err != nil {
		logger.Error("failed creating validate queue", "error", err)
		return
	}

	loc, _ := cfg.WarmupLocation()
	scheduler, err := warmup.NewScheduler(warmup.WithLocation(loc), warmup.WithResumeHour(cfg.WarmupResumeHour))
	if err != nil {
		logger.Error("failed creating warm-up scheduler", "error", err)
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI)

	// repositories
	messageRepo := repository.NewMessageRepository(db)
	contactRepo := repository.NewContactRepository(db)
	campaignRepo := repository.NewCampaignRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	eventRepo := repository.NewEventRepository(db)
	linkRepo := repository.NewLinkRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)

	// services
	dispatchService := services.NewDispatchService(messageRepo, contactRepo, campaignRepo, sendQ)
	campaignService := services.NewCampaignService(campaignRepo, messageRepo, scheduleRepo, scheduler)
	contactService := services.NewContactService(contactRepo, validateQ)
	templateService := services.NewTemplateService(templateRepo, template.NewEngine())
	trackingService := services.NewTrackingService(messageRepo, contactRepo, eventRepo, linkRepo)
	eventService := services.NewEventService(messageRepo, contactRepo, eventRepo)

	// handlers
	handlers.RegisterHealthRoutes(s.Router, handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": db,
		"redis":    redisAdap,
	}))

	v1 := s.Router.Group("/api/v1")
	handlers.RegisterCampaignRoutes(v1, handlers.NewCampaignHandler(campaignService, dispatchService))
	handlers.RegisterContactRoutes(v1, handlers.NewContactHandler(contactService))
	handlers.RegisterTemplateRoutes(v1, handlers.NewTemplateHandler(templateService))

	handlers.RegisterTrackingRoutes(s.Router.Group("/api/track"), handlers.NewTrackingHandler(trackingService))
	handlers.RegisterWebhookRoutes(s.Router.Group("/api/webhooks"), handlers.NewWebhookHandler(eventService))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	s.Shutdown()
	if err := redisAdap.Client().Close(); err != nil {
		logger.Warn("failed closing redis", "error", err)
	}
}
