package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/nimasrn/outreach-gateway/internal/composer"
	"github.com/nimasrn/outreach-gateway/internal/config"
	gateway "github.com/nimasrn/outreach-gateway/internal/gateways"
	"github.com/nimasrn/outreach-gateway/internal/processor"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	"github.com/nimasrn/outreach-gateway/internal/template"
	"github.com/nimasrn/outreach-gateway/internal/validator"
	"github.com/nimasrn/outreach-gateway/internal/warmup"
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
	logger.Info("starting processor", "version", version, "commit", commit, "date", date)

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("processor"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	mailer, err := gateway.NewMailClient(cfg.Mail())
	if err != nil {
		logger.Error("failed to create mail client", "error", err)
		return
	}
	defer mailer.Close()
	if !mailer.Configured() {
		logger.Warn("no email provider configured, sends will fail and retry")
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

	messageRepo := repository.NewMessageRepository(db)
	contactRepo := repository.NewContactRepository(db)
	linkRepo := repository.NewLinkRepository(db)

	idempotencyConfig := processor.DefaultIdempotencyConfig()
	idempotencyConfig.LockTTL = cfg.SendQueueVisibilityTimeout
	idempotency := processor.NewIdempotencyService(redisAdap, idempotencyConfig)

	// sends are strictly sequential so warm-up pacing holds
	sendService, err := processor.NewProcessorService(redisAdap, processor.ServiceConfig{
		Queue:             cfg.SendQueue(),
		Consumers:         1,
		Workers:           1,
		ProcessingTimeout: cfg.SendQueueVisibilityTimeout,
	})
	if err != nil {
		logger.Error("failed to create send processor", "error", err)
		return
	}
	sendService.RegisterProcessor(processor.NewSendProcessor(processor.SendDependencies{
		Messages:    messageRepo,
		Contacts:    contactRepo,
		Campaigns:   repository.NewCampaignRepository(db),
		Templates:   repository.NewTemplateRepository(db),
		Events:      repository.NewEventRepository(db),
		Schedule:    repository.NewScheduleRepository(db),
		Scheduler:   scheduler,
		Composer:    composer.New(template.NewEngine(), cfg.AppPublicURL),
		Links:       composer.NewLinkRewriter(linkRepo, cfg.AppPublicURL),
		Mailer:      mailer,
		Idempotency: idempotency,
	}, processor.SendProcessorConfig{
		WarmupEnabled: cfg.WarmupEnabled,
		TrackClicks:   cfg.TrackClicks,
		FromName:      cfg.ProviderFromName,
		FromEmail:     cfg.ProviderFromEmail,
	}))

	// a consumer hands off one message at a time, so each worker gets its own
	validateService, err := processor.NewProcessorService(redisAdap, processor.ServiceConfig{
		Queue:     cfg.ValidateQueue(),
		Consumers: cfg.ValidateConcurrency,
		Workers:   cfg.ValidateConcurrency,
	})
	if err != nil {
		logger.Error("failed to create validate processor", "error", err)
		return
	}
	validateService.RegisterProcessor(processor.NewAddressProcessor(contactRepo,
		validator.New(validator.WithConcurrency(cfg.ValidateConcurrency))))

	for _, svc := range []*processor.ProcessorService{sendService, validateService} {
		if err := svc.Start(); err != nil {
			logger.Error("failed to start processor", "error", err)
			return
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	sendService.Stop()
	validateService.Stop()
}
