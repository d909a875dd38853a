package e2e

import (
	"context"
	"encoding/json"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/composer"
	"github.com/nimasrn/outreach-gateway/internal/handlers"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/processor"
	"github.com/nimasrn/outreach-gateway/internal/queue"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	"github.com/nimasrn/outreach-gateway/internal/services"
	"github.com/nimasrn/outreach-gateway/internal/template"
	"github.com/nimasrn/outreach-gateway/internal/validator"
	"github.com/nimasrn/outreach-gateway/internal/warmup"
	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
	"github.com/nimasrn/outreach-gateway/pkg/random"
	"github.com/nimasrn/outreach-gateway/pkg/redis"
	"github.com/nimasrn/outreach-gateway/test/fixtures"
	"github.com/nimasrn/outreach-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const trackingBase = "https://track.example.com"

var clickPath = regexp.MustCompile(`/api/track/click/[0-9a-f-]{36}/[0-9a-f-]{36}`)

type recordingMailer struct {
	mu   sync.Mutex
	sent []*model.RenderedMessage
}

func (m *recordingMailer) Send(_ context.Context, msg *model.RenderedMessage) model.SendResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return model.SendResult{Success: true, ProviderMessageID: "re_" + uuid.NewString()}
}

func (m *recordingMailer) messages() []*model.RenderedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.RenderedMessage(nil), m.sent...)
}

type TestEnvironment struct {
	t        *testing.T
	DB       *pg.DB
	Redis    *miniredis.Miniredis
	Adapter  redis.RedisAdapter
	SendQ    *queue.Queue
	Mailer   *recordingMailer
	Messages *repository.MessageRepository

	server *xhttp.Engine
	ln     *fasthttputil.InmemoryListener
	client *fasthttp.Client
	now    func() time.Time
}

func testQueueConfig(name string, batch int64) queue.QueueConfig {
	return queue.QueueConfig{
		Name:              name,
		ConsumerGroup:     "e2e",
		ConsumerName:      "e2e-1",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      10 * time.Millisecond,
		RetryBackoff:      10 * time.Millisecond,
		BatchSize:         batch,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db := helpers.SetupTestDB(t)
	mr, adapter := helpers.SetupTestRedis(t)

	sendQ, err := queue.NewQueue(adapter, testQueueConfig("outreach:send", 1))
	require.NoError(t, err)
	validateQ, err := queue.NewQueue(adapter, testQueueConfig("outreach:validate", 4))
	require.NoError(t, err)

	// mid-morning of a day ahead of the wall clock, so deferred jobs are
	// never promoted during the test
	y, m, d := time.Now().UTC().AddDate(0, 0, 7).Date()
	base := time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
	started := time.Now()
	now := func() time.Time { return base.Add(time.Since(started)) }

	scheduler, err := warmup.NewScheduler(warmup.WithLocation(time.UTC), warmup.WithRandom(random.New(5)))
	require.NoError(t, err)

	messageRepo := repository.NewMessageRepository(db)
	contactRepo := repository.NewContactRepository(db)
	campaignRepo := repository.NewCampaignRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	eventRepo := repository.NewEventRepository(db)
	linkRepo := repository.NewLinkRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)

	s := xhttp.NewServer(xhttp.DefaultServerOption())
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)

	handlers.RegisterHealthRoutes(s.Router, handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": db,
		"redis":    adapter,
	}))
	v1 := s.Router.Group("/api/v1")
	handlers.RegisterCampaignRoutes(v1, handlers.NewCampaignHandler(
		services.NewCampaignService(campaignRepo, messageRepo, scheduleRepo, scheduler).WithClock(now),
		services.NewDispatchService(messageRepo, contactRepo, campaignRepo, sendQ),
	))
	handlers.RegisterContactRoutes(v1, handlers.NewContactHandler(services.NewContactService(contactRepo, validateQ)))
	handlers.RegisterTemplateRoutes(v1, handlers.NewTemplateHandler(services.NewTemplateService(templateRepo, template.NewEngine())))
	handlers.RegisterTrackingRoutes(s.Router.Group("/api/track"), handlers.NewTrackingHandler(
		services.NewTrackingService(messageRepo, contactRepo, eventRepo, linkRepo),
	))
	handlers.RegisterWebhookRoutes(s.Router.Group("/api/webhooks"), handlers.NewWebhookHandler(
		services.NewEventService(messageRepo, contactRepo, eventRepo),
	))

	ln := fasthttputil.NewInmemoryListener()
	s.DoRouting()
	go func() { _ = s.Server.Serve(ln) }()

	env := &TestEnvironment{
		t:        t,
		DB:       db,
		Redis:    mr,
		Adapter:  adapter,
		SendQ:    sendQ,
		Mailer:   &recordingMailer{},
		Messages: messageRepo,
		server:   s,
		ln:       ln,
		client: &fasthttp.Client{
			Dial: func(string) (net.Conn, error) { return ln.Dial() },
		},
		now: now,
	}

	sendSvc := env.startProcessor(testQueueConfig("outreach:send", 1), 1, processor.NewSendProcessor(processor.SendDependencies{
		Messages:    messageRepo,
		Contacts:    contactRepo,
		Campaigns:   campaignRepo,
		Templates:   templateRepo,
		Events:      eventRepo,
		Schedule:    scheduleRepo,
		Scheduler:   scheduler,
		Composer:    composer.New(template.NewEngine(template.WithRandom(random.New(5))), trackingBase),
		Links:       composer.NewLinkRewriter(linkRepo, trackingBase),
		Mailer:      env.Mailer,
		Idempotency: processor.NewIdempotencyService(adapter, processor.DefaultIdempotencyConfig()),
	}, processor.SendProcessorConfig{WarmupEnabled: true, TrackClicks: true},
		processor.WithClock(now),
		processor.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	))

	finder := validator.New(
		validator.WithResolver(helpers.StaticResolver{"diner.example.com": true, "mailinator.com": true}),
		validator.WithConcurrency(4),
	)
	validateSvc := env.startProcessor(testQueueConfig("outreach:validate", 4), 4, processor.NewAddressProcessor(contactRepo, finder))

	t.Cleanup(func() {
		sendSvc.Stop()
		validateSvc.Stop()
		_ = sendQ.Stop(time.Second)
		_ = validateQ.Stop(time.Second)
		s.Shutdown()
		_ = ln.Close()
	})
	return env
}

func (env *TestEnvironment) startProcessor(cfg queue.QueueConfig, workers int, p processor.Processor) *processor.ProcessorService {
	svc, err := processor.NewProcessorService(env.Adapter, processor.ServiceConfig{
		Queue:             cfg,
		Workers:           workers,
		ProcessingTimeout: 5 * time.Second,
	})
	require.NoError(env.t, err)
	svc.RegisterProcessor(p)
	require.NoError(env.t, svc.Start())
	return svc
}

type response struct {
	status   int
	body     []byte
	location string
}

func (env *TestEnvironment) do(method, path string, body interface{}) response {
	env.t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://gateway.test" + path)
	req.Header.SetMethod(method)
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(env.t, err)
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}
	require.NoError(env.t, env.client.DoTimeout(req, resp, 5*time.Second))

	return response{
		status:   resp.StatusCode(),
		body:     append([]byte(nil), resp.Body()...),
		location: string(resp.Header.Peek("Location")),
	}
}

func (env *TestEnvironment) decode(r response, v interface{}) {
	env.t.Helper()
	require.NoError(env.t, json.Unmarshal(r.body, v), string(r.body))
}

func (env *TestEnvironment) createCampaign() (template, campaign uuid.UUID) {
	var tpl model.Template
	r := env.do("POST", "/api/v1/templates", fixtures.NewTemplateRequest(fixtures.IntroTemplate))
	require.Equal(env.t, fasthttp.StatusCreated, r.status, string(r.body))
	env.decode(r, &tpl)
	assert.Equal(env.t, []string{"businessName", "firstName"}, tpl.Variables)

	var c model.Campaign
	r = env.do("POST", "/api/v1/campaigns", fixtures.NewCampaignRequest(tpl.ID))
	require.Equal(env.t, fasthttp.StatusCreated, r.status, string(r.body))
	env.decode(r, &c)
	assert.True(env.t, c.TrackingEnabled)
	return tpl.ID, c.ID
}

func (env *TestEnvironment) createContact(campaignID uuid.UUID, name, email string) *model.Contact {
	var c model.Contact
	r := env.do("POST", "/api/v1/contacts", fixtures.NewContactRequest(campaignID, name, email))
	require.Equal(env.t, fasthttp.StatusCreated, r.status, string(r.body))
	env.decode(r, &c)
	return &c
}

func (env *TestEnvironment) messageFor(contactID uuid.UUID) *model.Message {
	var out *model.Message
	helpers.AssertEventually(env.t, 5*time.Second, func() bool {
		entity := &repository.MessageEntity{}
		if err := env.DB.Read(context.Background()).Where("lead_id = ?", contactID).First(entity).Error; err != nil {
			return false
		}
		out = helpers.GetMessage(env.t, env.DB, entity.ID)
		return true
	}, "no message for contact %s", contactID)
	return out
}

func (env *TestEnvironment) waitForMessageStatus(id uuid.UUID, want model.MessageStatus) *model.Message {
	var got *model.Message
	helpers.AssertEventually(env.t, 5*time.Second, func() bool {
		got = helpers.GetMessage(env.t, env.DB, id)
		return got.Status == want
	}, "message %s never reached %s", id, want)
	return got
}

func TestE2E_CampaignSendOpenClick(t *testing.T) {
	env := setupE2EEnvironment(t)
	_, campaignID := env.createCampaign()
	contact := env.createContact(campaignID, "Joe's Diner", "Joe@Diner.example.com")
	assert.Equal(t, model.ContactStatusEmailFound, contact.Status)

	r := env.do("POST", "/api/v1/campaigns/"+campaignID.String()+"/send", nil)
	require.Equal(t, fasthttp.StatusAccepted, r.status, string(r.body))
	assert.JSONEq(t, `{"queued":1}`, string(r.body))

	msg := env.messageFor(contact.ID)
	msg = env.waitForMessageStatus(msg.ID, model.MessageStatusSent)
	require.NotNil(t, msg.ProviderMessageID)
	require.NotNil(t, msg.SentAt)
	assert.Equal(t, "Quick question for Joe's Diner", msg.Subject)
	assert.Equal(t, model.ContactStatusEmailSent, helpers.GetContact(t, env.DB, contact.ID).Status)

	sent := env.Mailer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "joe@diner.example.com", sent[0].To)
	assert.Equal(t, "Sam <sam@agency.example.com>", sent[0].From)
	assert.Contains(t, sent[0].HTML, "Hi Joe,")
	assert.Contains(t, sent[0].HTML, trackingBase+"/api/track/open/"+contact.ID.String())
	assert.NotContains(t, sent[0].HTML, `href="`+fixtures.MenuURL+`"`)
	assert.Contains(t, sent[0].Text, fixtures.MenuURL)

	r = env.do("POST", "/api/webhooks/resend", fixtures.NewResendEvent("email.delivered", *msg.ProviderMessageID))
	require.Equal(t, fasthttp.StatusOK, r.status, string(r.body))
	msg = helpers.GetMessage(t, env.DB, msg.ID)
	assert.Equal(t, model.MessageStatusDelivered, msg.Status)
	assert.NotNil(t, msg.DeliveredAt)

	r = env.do("GET", "/api/track/open/"+contact.ID.String(), nil)
	require.Equal(t, fasthttp.StatusOK, r.status)
	assert.Len(t, r.body, 43)
	msg = helpers.GetMessage(t, env.DB, msg.ID)
	assert.Equal(t, model.MessageStatusOpened, msg.Status)
	assert.NotNil(t, msg.OpenedAt)
	assert.Equal(t, model.ContactStatusOpened, helpers.GetContact(t, env.DB, contact.ID).Status)

	path := clickPath.FindString(sent[0].HTML)
	require.NotEmpty(t, path, sent[0].HTML)
	assert.True(t, strings.Contains(path, msg.ID.String()))
	r = env.do("GET", path, nil)
	require.Equal(t, fasthttp.StatusFound, r.status, string(r.body))
	assert.Equal(t, fixtures.MenuURL, r.location)
	msg = helpers.GetMessage(t, env.DB, msg.ID)
	assert.Equal(t, model.MessageStatusClicked, msg.Status)
	assert.Equal(t, model.ContactStatusClicked, helpers.GetContact(t, env.DB, contact.ID).Status)

	// a late delivery report never moves the message backwards
	r = env.do("POST", "/api/webhooks/resend", fixtures.NewResendEvent("email.delivered", *msg.ProviderMessageID))
	require.Equal(t, fasthttp.StatusOK, r.status)
	assert.Equal(t, model.MessageStatusClicked, helpers.GetMessage(t, env.DB, msg.ID).Status)

	var stats model.CampaignStats
	r = env.do("GET", "/api/v1/campaigns/"+campaignID.String()+"/stats", nil)
	require.Equal(t, fasthttp.StatusOK, r.status, string(r.body))
	env.decode(r, &stats)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Clicked)

	assert.Len(t, env.Mailer.messages(), 1)
}

func TestE2E_SendingTwiceQueuesNothingNew(t *testing.T) {
	env := setupE2EEnvironment(t)
	_, campaignID := env.createCampaign()
	contact := env.createContact(campaignID, "Joe's Diner", "joe@diner.example.com")

	r := env.do("POST", "/api/v1/campaigns/"+campaignID.String()+"/send", nil)
	require.Equal(t, fasthttp.StatusAccepted, r.status)
	msg := env.messageFor(contact.ID)
	env.waitForMessageStatus(msg.ID, model.MessageStatusSent)

	r = env.do("POST", "/api/v1/campaigns/"+campaignID.String()+"/send", nil)
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, r.status, string(r.body))

	r = env.do("POST", "/api/v1/campaigns/"+campaignID.String()+"/contacts/"+contact.ID.String()+"/send", nil)
	assert.Equal(t, fasthttp.StatusConflict, r.status, string(r.body))
	assert.Len(t, env.Mailer.messages(), 1)
}

func TestE2E_WarmupDefersPastHourlyQuota(t *testing.T) {
	env := setupE2EEnvironment(t)
	_, campaignID := env.createCampaign()
	first := env.createContact(campaignID, "Joe's Diner", "joe@diner.example.com")
	second := env.createContact(campaignID, "Maria's Bakery", "maria@diner.example.com")

	r := env.do("POST", "/api/v1/campaigns/"+campaignID.String()+"/send", nil)
	require.Equal(t, fasthttp.StatusAccepted, r.status)
	assert.JSONEq(t, `{"queued":2}`, string(r.body))

	// day one allows a single send per hour
	helpers.AssertEventually(t, 5*time.Second, func() bool {
		stats, err := env.SendQ.GetStats(context.Background())
		return err == nil && stats.DelayedMessages == 1 && len(env.Mailer.messages()) == 1
	})

	statuses := map[model.MessageStatus]int{}
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		statuses[env.messageFor(id).Status]++
	}
	assert.Equal(t, map[model.MessageStatus]int{model.MessageStatusSent: 1, model.MessageStatusQueued: 1}, statuses)

	var warm services.WarmupStatus
	r = env.do("GET", "/api/v1/warmup", nil)
	require.Equal(t, fasthttp.StatusOK, r.status, string(r.body))
	env.decode(r, &warm)
	assert.Equal(t, 1, warm.Day)
	assert.Equal(t, 1, warm.SentToday)
}

func TestE2E_BounceStopsContact(t *testing.T) {
	env := setupE2EEnvironment(t)
	_, campaignID := env.createCampaign()
	contact := env.createContact(campaignID, "Joe's Diner", "joe@diner.example.com")

	r := env.do("POST", "/api/v1/campaigns/"+campaignID.String()+"/send", nil)
	require.Equal(t, fasthttp.StatusAccepted, r.status)
	msg := env.waitForMessageStatus(env.messageFor(contact.ID).ID, model.MessageStatusSent)

	r = env.do("POST", "/api/webhooks/resend", fixtures.NewResendEvent("email.bounced", *msg.ProviderMessageID))
	require.Equal(t, fasthttp.StatusOK, r.status, string(r.body))

	msg = helpers.GetMessage(t, env.DB, msg.ID)
	assert.Equal(t, model.MessageStatusBounced, msg.Status)
	assert.NotNil(t, msg.BouncedAt)
	assert.Equal(t, model.ContactStatusBounced, helpers.GetContact(t, env.DB, contact.ID).Status)

	// unknown provider ids are acknowledged and ignored
	r = env.do("POST", "/api/webhooks/resend", fixtures.NewResendEvent("email.bounced", "re_unknown"))
	assert.Equal(t, fasthttp.StatusOK, r.status)
}

func TestE2E_CandidateValidation(t *testing.T) {
	env := setupE2EEnvironment(t)
	_, campaignID := env.createCampaign()
	contact := env.createContact(campaignID, "Joe's Diner", "")
	assert.Equal(t, model.ContactStatusPending, contact.Status)

	r := env.do("POST", "/api/v1/contacts/"+contact.ID.String()+"/candidates", map[string][]string{
		"candidates": {"not-an-address", "joe@mailinator.com", "hello@diner.example.com", "joe@nomx.example.com"},
	})
	require.Equal(t, fasthttp.StatusAccepted, r.status, string(r.body))

	helpers.AssertEventually(t, 5*time.Second, func() bool {
		c := helpers.GetContact(t, env.DB, contact.ID)
		return c.Status == model.ContactStatusEmailFound && c.Email != nil
	})
	got := helpers.GetContact(t, env.DB, contact.ID)
	assert.Equal(t, "hello@diner.example.com", *got.Email)

	r = env.do("POST", "/api/v1/contacts/"+uuid.NewString()+"/candidates", map[string][]string{
		"candidates": {"a@diner.example.com"},
	})
	assert.Equal(t, fasthttp.StatusNotFound, r.status)
}

func TestE2E_TemplateValidationAndHealth(t *testing.T) {
	env := setupE2EEnvironment(t)

	var check services.TemplateCheck
	r := env.do("POST", "/api/v1/templates/validate", fixtures.NewTemplateRequest(fixtures.BrokenTemplate))
	require.Equal(t, fasthttp.StatusOK, r.status)
	env.decode(r, &check)
	assert.False(t, check.Valid)
	assert.NotEmpty(t, check.Error)

	r = env.do("POST", "/api/v1/templates", fixtures.NewTemplateRequest(fixtures.BrokenTemplate))
	assert.Equal(t, fasthttp.StatusBadRequest, r.status)

	r = env.do("GET", "/health", nil)
	assert.Equal(t, fasthttp.StatusOK, r.status)
	r = env.do("GET", "/ready", nil)
	assert.Equal(t, fasthttp.StatusOK, r.status, string(r.body))

	r = env.do("GET", "/api/track/open/not-a-uuid", nil)
	assert.Equal(t, fasthttp.StatusOK, r.status)
	assert.Len(t, r.body, 43)
}
