package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/composer"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/queue"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	"github.com/nimasrn/outreach-gateway/internal/template"
	"github.com/nimasrn/outreach-gateway/internal/warmup"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
	"github.com/nimasrn/outreach-gateway/pkg/prom"
)

// LockRetryDelay is how long a job waits when another process holds its lock.
const LockRetryDelay = 30 * time.Second

type MessageRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Message, error)
	MarkSending(ctx context.Context, id uuid.UUID) error
	MarkSent(ctx context.Context, id uuid.UUID, rendered *model.RenderedMessage, providerMessageID string, sentAt time.Time) error
	MarkRetrying(ctx context.Context, id uuid.UUID, reason string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	CountSentBetween(ctx context.Context, from, to time.Time) (int, error)
}

type ContactRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Contact, error)
	AdvanceStatus(ctx context.Context, id uuid.UUID, next model.ContactStatus) (bool, error)
}

type CampaignRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
}

type TemplateRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Template, error)
}

type EventRepository interface {
	Create(ctx context.Context, ev *model.MessageEvent) (*model.MessageEvent, error)
}

type ScheduleRepository interface {
	StartDate(ctx context.Context, now time.Time) (time.Time, error)
}

type MessageComposer interface {
	Compose(opts composer.ComposeOptions) (*model.RenderedMessage, error)
}

type LinkRewriter interface {
	Rewrite(ctx context.Context, messageID uuid.UUID, html string) (string, error)
}

type Mailer interface {
	Send(ctx context.Context, msg *model.RenderedMessage) model.SendResult
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type SendProcessorConfig struct {
	WarmupEnabled bool
	TrackClicks   bool
	FromName      string
	FromEmail     string
}

type SendDependencies struct {
	Messages    MessageRepository
	Contacts    ContactRepository
	Campaigns   CampaignRepository
	Templates   TemplateRepository
	Events      EventRepository
	Schedule    ScheduleRepository
	Scheduler   *warmup.Scheduler
	Composer    MessageComposer
	Links       LinkRewriter
	Mailer      Mailer
	Idempotency *IdempotencyService
}

// SendProcessor is the dispatch state machine: quota check, jitter, render,
// transport and status bookkeeping for one SendJob.
type SendProcessor struct {
	deps   SendDependencies
	config SendProcessorConfig
	now    func() time.Time
	sleep  Sleeper
}

type SendOption func(*SendProcessor)

func WithClock(now func() time.Time) SendOption {
	return func(p *SendProcessor) { p.now = now }
}

func WithSleeper(s Sleeper) SendOption {
	return func(p *SendProcessor) { p.sleep = s }
}

func NewSendProcessor(deps SendDependencies, config SendProcessorConfig, opts ...SendOption) *SendProcessor {
	p := &SendProcessor{
		deps:   deps,
		config: config,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SendProcessor) GetType() string {
	return "send"
}

func (p *SendProcessor) Process(ctx context.Context, qm *queue.Message) error {
	var job model.SendJob
	if err := json.Unmarshal(qm.Data, &job); err != nil {
		return permanent("malformed send job", err)
	}
	if err := job.Validate(); err != nil {
		return permanent("invalid send job", err)
	}

	msg, err := p.deps.Messages.Get(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			// the read handle may lag the enqueueing commit
			if !qm.IsLastAttempt() {
				return fmt.Errorf("load message %s: %w", job.MessageID, err)
			}
			return permanent("message not found", err)
		}
		return err
	}
	if !msg.Status.Dispatchable() {
		logger.Info("Message already handled, skipping", "message_id", msg.ID, "status", msg.Status)
		return nil
	}

	lock, err := p.deps.Idempotency.AcquireProcessingLock(ctx, msg.ID.String())
	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		logger.Info("Message already processed, skipping", "message_id", msg.ID)
		return nil
	case errors.Is(err, ErrLockAcquireFailed):
		logger.Info("Lock held by another consumer, deferring", "message_id", msg.ID)
		prom.IncDispatchRescheduled("lock")
		return qm.Defer(context.WithoutCancel(ctx), p.now().Add(LockRetryDelay))
	case err != nil:
		return err
	}
	defer func() {
		_ = p.deps.Idempotency.ReleaseLock(context.WithoutCancel(ctx), lock)
	}()

	return p.dispatch(ctx, qm, &job, msg, lock)
}

func (p *SendProcessor) dispatch(ctx context.Context, qm *queue.Message, job *model.SendJob, msg *model.Message, lock *ProcessingContext) error {
	contact, err := p.deps.Contacts.Get(ctx, job.ContactID)
	if err != nil {
		return p.loadFailure(ctx, msg, "contact", err, repository.ErrContactNotFound)
	}
	campaign, err := p.deps.Campaigns.Get(ctx, job.CampaignID)
	if err != nil {
		return p.loadFailure(ctx, msg, "campaign", err, repository.ErrCampaignNotFound)
	}
	tpl, err := p.deps.Templates.Get(ctx, job.TemplateID)
	if err != nil {
		return p.loadFailure(ctx, msg, "template", err, repository.ErrTemplateNotFound)
	}

	if !contact.HasAddress() {
		return p.fail(ctx, msg, permanent("contact has no email address", nil))
	}
	if !contact.Status.Reachable() {
		return p.fail(ctx, msg, permanent(fmt.Sprintf("contact is %s", contact.Status), nil))
	}

	if p.config.WarmupEnabled {
		day, deferred, err := p.checkQuota(ctx, qm, msg)
		if err != nil || deferred {
			return err
		}

		jitter := p.deps.Scheduler.Jitter(day)
		prom.AddDispatchJitter(jitter.Seconds())
		started := p.now()
		if err := p.sleep(ctx, jitter); err != nil {
			remaining := jitter - p.now().Sub(started)
			logger.Info("Shutdown during jitter, deferring", "message_id", msg.ID, "remaining", remaining)
			prom.IncDispatchRescheduled("shutdown")
			return qm.Defer(context.WithoutCancel(ctx), p.now().Add(remaining))
		}
	}

	rendered, err := p.deps.Composer.Compose(composer.ComposeOptions{
		Template: template.Document{
			Subject:           tpl.Subject,
			BodyHTML:          tpl.BodyHTML,
			BodyText:          tpl.BodyText,
			DeclaredVariables: tpl.Variables,
		},
		Variables:       contact.Variables(),
		From:            campaign.Sender(p.config.FromName, p.config.FromEmail),
		To:              *contact.Email,
		ReplyTo:         campaign.ReplyTo,
		TrackingEnabled: campaign.TrackingEnabled,
		CampaignID:      &campaign.ID,
		ContactID:       &contact.ID,
	})
	if err != nil {
		return p.fail(ctx, msg, permanent("render failed", err))
	}
	rendered.IdempotencyKey = msg.ID.String()

	if p.config.TrackClicks && campaign.TrackingEnabled && p.deps.Links != nil {
		html, err := p.deps.Links.Rewrite(ctx, msg.ID, rendered.HTML)
		if err != nil {
			return p.retryOrFail(ctx, qm, msg, fmt.Errorf("link tracking: %w", err))
		}
		rendered.HTML = html
	}

	if err := p.deps.Messages.MarkSending(ctx, msg.ID); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			logger.Info("Message left the queue meanwhile, skipping", "message_id", msg.ID)
			return nil
		}
		return err
	}

	result := p.deps.Mailer.Send(ctx, rendered)
	if !result.Success {
		return p.retryOrFail(ctx, qm, msg, errors.New(result.Error))
	}

	p.recordSent(context.WithoutCancel(ctx), msg, contact, rendered, result, lock)
	return nil
}

// checkQuota defers the job when today's or this hour's quota is used up.
func (p *SendProcessor) checkQuota(ctx context.Context, qm *queue.Message, msg *model.Message) (int, bool, error) {
	now := p.now()
	start, err := p.deps.Schedule.StartDate(ctx, now)
	if err != nil {
		return 0, false, fmt.Errorf("load warmup start: %w", err)
	}
	s := p.deps.Scheduler
	day := s.CurrentDay(start, now)

	sentToday, err := p.deps.Messages.CountSentBetween(ctx, s.DayStart(now), now)
	if err != nil {
		return 0, false, fmt.Errorf("count sent today: %w", err)
	}
	sentThisHour, err := p.deps.Messages.CountSentBetween(ctx, s.HourStart(now), now)
	if err != nil {
		return 0, false, fmt.Errorf("count sent this hour: %w", err)
	}

	if s.CanSend(sentToday, sentThisHour, day) {
		return day, false, nil
	}

	until := s.NextAvailableTime(sentToday, sentThisHour, day, now)
	reason := "hourly"
	if sentToday >= s.ScheduleFor(day).DailyLimit {
		reason = "daily"
	}
	logger.Info("Warmup quota reached, rescheduling",
		"message_id", msg.ID,
		"day", day,
		"sent_today", sentToday,
		"sent_this_hour", sentThisHour,
		"until", until)
	prom.IncDispatchRescheduled(reason)

	if err := qm.Defer(context.WithoutCancel(ctx), until); err != nil {
		return day, false, fmt.Errorf("reschedule: %w", err)
	}
	return day, true, nil
}

func (p *SendProcessor) recordSent(ctx context.Context, msg *model.Message, contact *model.Contact, rendered *model.RenderedMessage, result model.SendResult, lock *ProcessingContext) {
	sentAt := p.now()
	if err := p.deps.Messages.MarkSent(ctx, msg.ID, rendered, result.ProviderMessageID, sentAt); err != nil {
		logger.Error("Failed to record sent message", "message_id", msg.ID, "error", err)
	}

	if _, err := p.deps.Events.Create(ctx, &model.MessageEvent{
		MessageID: msg.ID,
		Type:      model.EventSent,
		Metadata:  map[string]any{"providerMessageId": result.ProviderMessageID},
		CreatedAt: sentAt,
	}); err != nil {
		logger.Warn("Failed to log sent event", "message_id", msg.ID, "error", err)
	}

	if _, err := p.deps.Contacts.AdvanceStatus(ctx, contact.ID, model.ContactStatusEmailSent); err != nil {
		logger.Warn("Failed to advance contact", "contact_id", contact.ID, "error", err)
	}

	if err := p.deps.Idempotency.MarkSuccess(ctx, lock); err != nil {
		logger.Error("Failed to mark success", "message_id", msg.ID, "error", err)
	}

	prom.IncDispatchSent()
	logger.Info("Email sent",
		"message_id", msg.ID,
		"provider_message_id", result.ProviderMessageID,
		"to", rendered.To)
}

// retryOrFail keeps the message queued for another attempt, or fails it for
// good on the last one. The queue does the actual re-delivery.
func (p *SendProcessor) retryOrFail(ctx context.Context, qm *queue.Message, msg *model.Message, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if qm.IsLastAttempt() {
		if err := p.deps.Messages.MarkFailed(ctx, msg.ID, cause.Error()); err != nil {
			logger.Error("Failed to mark message failed", "message_id", msg.ID, "error", err)
		}
		prom.IncDispatchFailed("exhausted")
		logger.Error("Send failed, no attempts left", "message_id", msg.ID, "attempt", qm.Attempt(), "error", cause)
		return cause
	}

	if err := p.deps.Messages.MarkRetrying(ctx, msg.ID, cause.Error()); err != nil {
		logger.Error("Failed to requeue message", "message_id", msg.ID, "error", err)
	}
	logger.Warn("Send failed, will retry", "message_id", msg.ID, "attempt", qm.Attempt(), "error", cause)
	return cause
}

func (p *SendProcessor) loadFailure(ctx context.Context, msg *model.Message, what string, err, notFound error) error {
	if errors.Is(err, notFound) {
		return p.fail(ctx, msg, permanent(what+" not found", nil))
	}
	return err
}

func (p *SendProcessor) fail(ctx context.Context, msg *model.Message, perr *PermanentJobError) error {
	if err := p.deps.Messages.MarkFailed(context.WithoutCancel(ctx), msg.ID, perr.Error()); err != nil {
		logger.Error("Failed to mark message failed", "message_id", msg.ID, "error", err)
	}
	prom.IncDispatchFailed("permanent")
	logger.Warn("Send job failed permanently", "message_id", msg.ID, "reason", perr.Error())
	return perr
}
