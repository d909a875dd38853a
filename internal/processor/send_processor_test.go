package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/composer"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/queue"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	"github.com/nimasrn/outreach-gateway/internal/repository/repotest"
	"github.com/nimasrn/outreach-gateway/internal/template"
	"github.com/nimasrn/outreach-gateway/internal/warmup"
	"github.com/nimasrn/outreach-gateway/pkg/random"
	"github.com/nimasrn/outreach-gateway/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	mu     sync.Mutex
	sent   []*model.RenderedMessage
	result model.SendResult
}

func (f *fakeMailer) Send(_ context.Context, msg *model.RenderedMessage) model.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.result
}

func (f *fakeMailer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingSleeper struct {
	mu        sync.Mutex
	slept     []time.Duration
	interrupt bool
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	if r.interrupt {
		return context.Canceled
	}
	return ctx.Err()
}

func (r *recordingSleeper) durations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

type harness struct {
	t         *testing.T
	now       time.Time
	mr        *miniredis.Miniredis
	adapter   redis.RedisAdapter
	contacts  *repository.ContactRepository
	campaigns *repository.CampaignRepository
	templates *repository.TemplateRepository
	messages  *repository.MessageRepository
	events    *repository.EventRepository
	schedule  *repository.ScheduleRepository
	links     *repository.LinkRepository
	mailer    *fakeMailer
	sleeper   *recordingSleeper
	processor *SendProcessor
}

func newHarness(t *testing.T, now time.Time, cfg SendProcessorConfig) *harness {
	db := repotest.NewTestDB(t)
	mr, adapter := setupTestRedis(t)

	h := &harness{
		t:         t,
		now:       now,
		mr:        mr,
		adapter:   adapter,
		contacts:  repository.NewContactRepository(db),
		campaigns: repository.NewCampaignRepository(db),
		templates: repository.NewTemplateRepository(db),
		messages:  repository.NewMessageRepository(db),
		events:    repository.NewEventRepository(db),
		schedule:  repository.NewScheduleRepository(db),
		links:     repository.NewLinkRepository(db),
		mailer:    &fakeMailer{result: model.SendResult{Success: true, ProviderMessageID: "re_1"}},
		sleeper:   &recordingSleeper{},
	}

	scheduler, err := warmup.NewScheduler(warmup.WithRandom(random.New(3)), warmup.WithLocation(time.UTC))
	require.NoError(t, err)

	engine := template.NewEngine(template.WithRandom(random.New(3)), template.WithClock(func() time.Time { return now }))
	idem := NewIdempotencyService(adapter, DefaultIdempotencyConfig())

	h.processor = NewSendProcessor(SendDependencies{
		Messages:    h.messages,
		Contacts:    h.contacts,
		Campaigns:   h.campaigns,
		Templates:   h.templates,
		Events:      h.events,
		Schedule:    h.schedule,
		Scheduler:   scheduler,
		Composer:    composer.New(engine, "https://track.test"),
		Links:       composer.NewLinkRewriter(h.links, "https://track.test"),
		Mailer:      h.mailer,
		Idempotency: idem,
	}, cfg, WithClock(func() time.Time { return h.now }), WithSleeper(h.sleeper.sleep))
	return h
}

type seeded struct {
	job     model.SendJob
	message *model.Message
	contact *model.Contact
}

func (h *harness) seed(email *string, status model.ContactStatus) seeded {
	ctx := context.Background()
	tpl, err := h.templates.Create(ctx, &model.Template{
		Name:     "intro",
		Subject:  "Quick question for {{businessName}}",
		BodyHTML: `<p>Hi {{firstName}}, see <a href="https://menu.test/a">menu</a></p>`,
		BodyText: "Hi {{firstName}}",
	})
	require.NoError(h.t, err)
	campaign, err := h.campaigns.Create(ctx, &model.Campaign{
		Name:            "spring",
		TemplateID:      &tpl.ID,
		FromName:        "Sam",
		FromEmail:       "sam@agency.test",
		TrackingEnabled: true,
	})
	require.NoError(h.t, err)
	contact, err := h.contacts.Create(ctx, &model.Contact{
		CampaignID:   &campaign.ID,
		BusinessName: "Joe's Diner",
		Email:        email,
		Status:       status,
	})
	require.NoError(h.t, err)
	msg, err := h.messages.Create(ctx, &model.Message{
		ContactID:  contact.ID,
		CampaignID: campaign.ID,
		TemplateID: &tpl.ID,
	})
	require.NoError(h.t, err)

	return seeded{
		job: model.SendJob{
			MessageID:  msg.ID,
			ContactID:  contact.ID,
			CampaignID: campaign.ID,
			TemplateID: tpl.ID,
		},
		message: msg,
		contact: contact,
	}
}

func (h *harness) queueMessage(job model.SendJob, attempts int) *queue.Message {
	data, err := json.Marshal(job)
	require.NoError(h.t, err)
	return &queue.Message{ID: "1-0", Data: data, Attempts: attempts, MaxAttempts: 3}
}

func (h *harness) message(id uuid.UUID) *model.Message {
	m, err := h.messages.Get(context.Background(), id)
	require.NoError(h.t, err)
	return m
}

func strPtr(s string) *string { return &s }

var fixedNow = time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

func TestSendProcessor_Success(t *testing.T) {
	h := newHarness(t, fixedNow, SendProcessorConfig{WarmupEnabled: true, TrackClicks: true})
	s := h.seed(strPtr("joe@diner.test"), model.ContactStatusEmailFound)

	require.NoError(t, h.processor.Process(context.Background(), h.queueMessage(s.job, 0)))

	require.Equal(t, 1, h.mailer.calls())
	sent := h.mailer.sent[0]
	assert.Equal(t, "Sam <sam@agency.test>", sent.From)
	assert.Equal(t, "joe@diner.test", sent.To)
	assert.Equal(t, "Quick question for Joe's Diner", sent.Subject)
	assert.Contains(t, sent.HTML, "Hi Joe,")
	assert.Contains(t, sent.HTML, "/api/track/open/"+s.contact.ID.String())
	assert.Contains(t, sent.HTML, "https://track.test/api/track/click/"+s.message.ID.String()+"/")
	assert.NotContains(t, sent.HTML, `href="https://menu.test/a"`)
	assert.Equal(t, s.message.ID.String(), sent.IdempotencyKey)

	msg := h.message(s.message.ID)
	assert.Equal(t, model.MessageStatusSent, msg.Status)
	require.NotNil(t, msg.ProviderMessageID)
	assert.Equal(t, "re_1", *msg.ProviderMessageID)
	require.NotNil(t, msg.SentAt)
	assert.True(t, fixedNow.Equal(*msg.SentAt))
	assert.Equal(t, sent.Subject, msg.Subject)

	contact, err := h.contacts.Get(context.Background(), s.contact.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContactStatusEmailSent, contact.Status)

	ok, err := h.events.Exists(context.Background(), s.message.ID, model.EventSent)
	require.NoError(t, err)
	assert.True(t, ok)

	slept := h.sleeper.durations()
	require.Len(t, slept, 1)
	assert.GreaterOrEqual(t, slept[0], 30*time.Minute)
	assert.LessOrEqual(t, slept[0], 60*time.Minute)

	t.Run("redelivery is a no-op", func(t *testing.T) {
		require.NoError(t, h.processor.Process(context.Background(), h.queueMessage(s.job, 0)))
		assert.Equal(t, 1, h.mailer.calls())
	})
}

func TestSendProcessor_NoJitterWhenWarmupDisabled(t *testing.T) {
	h := newHarness(t, fixedNow, SendProcessorConfig{WarmupEnabled: false})
	s := h.seed(strPtr("joe@diner.test"), model.ContactStatusEmailFound)

	require.NoError(t, h.processor.Process(context.Background(), h.queueMessage(s.job, 0)))

	assert.Equal(t, 1, h.mailer.calls())
	assert.Empty(t, h.sleeper.durations())
	assert.Equal(t, model.MessageStatusSent, h.message(s.message.ID).Status)
}

func TestSendProcessor_MissingTemplateFails(t *testing.T) {
	h := newHarness(t, fixedNow, SendProcessorConfig{})
	s := h.seed(strPtr("joe@diner.test"), model.ContactStatusEmailFound)
	s.job.TemplateID = uuid.New()

	err := h.processor.Process(context.Background(), h.queueMessage(s.job, 0))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	var perr *PermanentJobError
	require.ErrorAs(t, err, &perr)
	assert.Zero(t, h.mailer.calls())

	msg := h.message(s.message.ID)
	assert.Equal(t, model.MessageStatusFailed, msg.Status)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "template not found", *msg.Error)
}

func TestSendProcessor_UnmailableContacts(t *testing.T) {
	tests := []struct {
		name   string
		email  *string
		status model.ContactStatus
		reason string
	}{
		{"no address", nil, model.ContactStatusPending, "contact has no email address"},
		{"unsubscribed", strPtr("a@b.test"), model.ContactStatusUnsubscribed, "contact is unsubscribed"},
		{"bounced", strPtr("a@b.test"), model.ContactStatusBounced, "contact is bounced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fixedNow, SendProcessorConfig{})
			s := h.seed(tt.email, tt.status)

			err := h.processor.Process(context.Background(), h.queueMessage(s.job, 0))
			assert.True(t, queue.IsPermanent(err))
			assert.Zero(t, h.mailer.calls())

			msg := h.message(s.message.ID)
			assert.Equal(t, model.MessageStatusFailed, msg.Status)
			assert.Equal(t, tt.reason, *msg.Error)
		})
	}
}

func TestSendProcessor_MalformedJob(t *testing.T) {
	h := newHarness(t, fixedNow, SendProcessorConfig{})

	err := h.processor.Process(context.Background(), &queue.Message{Data: []byte("not json"), MaxAttempts: 3})
	assert.True(t, queue.IsPermanent(err))

	err = h.processor.Process(context.Background(), h.queueMessage(model.SendJob{MessageID: uuid.New()}, 0))
	assert.True(t, queue.IsPermanent(err))

	full := model.SendJob{MessageID: uuid.New(), ContactID: uuid.New(), CampaignID: uuid.New(), TemplateID: uuid.New()}
	err = h.processor.Process(context.Background(), h.queueMessage(full, 0))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err), "unknown message is retried while attempts remain")
	assert.ErrorIs(t, err, repository.ErrMessageNotFound)

	err = h.processor.Process(context.Background(), h.queueMessage(full, 2))
	assert.True(t, queue.IsPermanent(err), "unknown message on the last attempt")
}

func TestSendProcessor_SkipsHandledMessages(t *testing.T) {
	h := newHarness(t, fixedNow, SendProcessorConfig{})
	s := h.seed(strPtr("joe@diner.test"), model.ContactStatusEmailFound)
	require.NoError(t, h.messages.MarkFailed(context.Background(), s.message.ID, "earlier"))

	require.NoError(t, h.processor.Process(context.Background(), h.queueMessage(s.job, 0)))
	assert.Zero(t, h.mailer.calls())
	assert.Equal(t, "earlier", *h.message(s.message.ID).Error)
}

func TestSendProcessor_TransportFailureRetriesThenFails(t *testing.T) {
	h := newHarness(t, fixedNow, SendProcessorConfig{})
	h.mailer.result = model.SendResult{Success: false, Error: "Email provider not configured"}
	s := h.seed(strPtr("joe@diner.test"), model.ContactStatusEmailFound)

	for attempts := 0; attempts < 2; attempts++ {
		err := h.processor.Process(context.Background(), h.queueMessage(s.job, attempts))
		require.Error(t, err)
		assert.False(t, queue.IsPermanent(err))

		msg := h.message(s.message.ID)
		assert.Equal(t, model.MessageStatusQueued, msg.Status)
		assert.Equal(t, "Email provider not configured", *msg.Error)
	}

	err := h.processor.Process(context.Background(), h.queueMessage(s.job, 2))
	require.Error(t, err)

	msg := h.message(s.message.ID)
	assert.Equal(t, model.MessageStatusFailed, msg.Status)
	assert.Equal(t, "Email provider not configured", *msg.Error)
	assert.Equal(t, 3, h.mailer.calls())
}

func TestSendProcessor_RetryReusesTrackedLinks(t *testing.T) {
	h := newHarness(t, fixedNow, SendProcessorConfig{TrackClicks: true})
	h.mailer.result = model.SendResult{Success: false, Error: "request failed: timeout"}
	s := h.seed(strPtr("joe@diner.test"), model.ContactStatusEmailFound)

	for attempts := 0; attempts < 2; attempts++ {
		require.Error(t, h.processor.Process(context.Background(), h.queueMessage(s.job, attempts)))
	}

	require.Equal(t, 2, h.mailer.calls())
	assert.Equal(t, h.mailer.sent[0].HTML, h.mailer.sent[1].HTML)
	assert.Contains(t, h.mailer.sent[1].HTML, "https://track.test/api/track/click/"+s.message.ID.String()+"/")

	var n int64
	require.NoError(t, h.links.Read(context.Background()).Model(&repository.LinkEntity{}).
		Where("email_id = ?", s.message.ID).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

// runThroughQueue publishes job and lets a real consumer hand it to the
// processor until the delayed set holds one entry.
func runThroughQueue(t *testing.T, h *harness, job model.SendJob) map[string]any {
	q, err := queue.NewQueue(h.adapter, queue.QueueConfig{
		Name:              "test:send",
		ConsumerGroup:     "g",
		ConsumerName:      "c",
		MaxRetries:        3,
		VisibilityTimeout: time.Minute,
		PollInterval:      10 * time.Millisecond,
		BatchSize:         1,
		EnableDLQ:         true,
	})
	require.NoError(t, err)
	defer q.Stop(time.Second)

	_, err = q.PublishJSON(context.Background(), job, nil)
	require.NoError(t, err)
	require.NoError(t, q.Consume(h.processor.Process))

	require.Eventually(t, func() bool {
		n, err := h.adapter.ZCard(context.Background(), "test:send:delayed")
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	members, err := h.mr.ZMembers("test:send:delayed")
	require.NoError(t, err)
	require.Len(t, members, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(members[0]), &entry))
	return entry
}

func TestSendProcessor_QuotaReachedReschedules(t *testing.T) {
	// the deferral must land in the future of the real clock
	now := time.Now().UTC().Truncate(time.Hour).Add(30 * time.Minute)
	h := newHarness(t, now, SendProcessorConfig{WarmupEnabled: true})
	ctx := context.Background()

	earlier := h.seed(strPtr("first@diner.test"), model.ContactStatusEmailFound)
	require.NoError(t, h.messages.MarkSent(ctx, earlier.message.ID, nil, "re_0", now.Truncate(time.Hour).Add(5*time.Minute)))

	s := h.seed(strPtr("joe@diner.test"), model.ContactStatusEmailFound)
	entry := runThroughQueue(t, h, s.job)

	assert.Equal(t, float64(0), entry["attempts"])
	assert.Zero(t, h.mailer.calls())
	assert.Empty(t, h.sleeper.durations())

	msg := h.message(s.message.ID)
	assert.Equal(t, model.MessageStatusQueued, msg.Status)
	assert.Nil(t, msg.Error)

	score, err := h.mr.ZScore("test:send:delayed", h.mustMember(t))
	require.NoError(t, err)
	assert.Equal(t, float64(now.Truncate(time.Hour).Add(time.Hour).UnixMilli()), score)
}

func (h *harness) mustMember(t *testing.T) string {
	members, err := h.mr.ZMembers("test:send:delayed")
	require.NoError(t, err)
	require.Len(t, members, 1)
	return members[0]
}

func TestSendProcessor_LockHeldDefers(t *testing.T) {
	h := newHarness(t, time.Now(), SendProcessorConfig{})
	s := h.seed(strPtr("joe@diner.test"), model.ContactStatusEmailFound)

	require.NoError(t, h.mr.Set("send:lock:"+s.message.ID.String(), "other"))

	entry := runThroughQueue(t, h, s.job)
	assert.Equal(t, float64(0), entry["attempts"])
	assert.Zero(t, h.mailer.calls())
	assert.Equal(t, model.MessageStatusQueued, h.message(s.message.ID).Status)
}

func TestSendProcessor_ShutdownDuringJitterDefers(t *testing.T) {
	h := newHarness(t, time.Now(), SendProcessorConfig{WarmupEnabled: true})
	s := h.seed(strPtr("joe@diner.test"), model.ContactStatusEmailFound)

	h.sleeper.interrupt = true

	entry := runThroughQueue(t, h, s.job)

	assert.Equal(t, float64(0), entry["attempts"])
	assert.Zero(t, h.mailer.calls())
	require.Len(t, h.sleeper.durations(), 1)
	assert.Equal(t, model.MessageStatusQueued, h.message(s.message.ID).Status)
	assert.False(t, h.mr.Exists("send:lock:"+s.message.ID.String()), "lock released")
}

func TestPermanentJobError(t *testing.T) {
	cause := errors.New("boom")
	err := permanent("render failed", cause)

	assert.Equal(t, "render failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, queue.IsPermanent(err))
	assert.Equal(t, "contact missing", permanent("contact missing", nil).Error())
}
