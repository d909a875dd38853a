package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/warmup"
)

var ErrInvalidInput = errors.New("invalid input")

type CampaignRepository interface {
	Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
}

type StatsRepository interface {
	CampaignStats(ctx context.Context, campaignID uuid.UUID) (*model.CampaignStats, error)
	CountSentBetween(ctx context.Context, from, to time.Time) (int, error)
}

type ScheduleRepository interface {
	StartDate(ctx context.Context, now time.Time) (time.Time, error)
}

// WarmupStatus is the ramp position plus what has gone out in the current
// windows.
type WarmupStatus struct {
	warmup.Stats
	StartDate    time.Time `json:"startDate"`
	SentToday    int       `json:"sentToday"`
	SentThisHour int       `json:"sentThisHour"`
}

type CampaignService struct {
	campaigns CampaignRepository
	stats     StatsRepository
	schedule  ScheduleRepository
	scheduler *warmup.Scheduler
	now       func() time.Time
}

func NewCampaignService(campaigns CampaignRepository, stats StatsRepository, schedule ScheduleRepository, scheduler *warmup.Scheduler) *CampaignService {
	return &CampaignService{
		campaigns: campaigns,
		stats:     stats,
		schedule:  schedule,
		scheduler: scheduler,
		now:       time.Now,
	}
}

// WithClock replaces the clock warm-up windows are computed from.
func (s *CampaignService) WithClock(now func() time.Time) *CampaignService {
	s.now = now
	return s
}

func (s *CampaignService) Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	c.Status = model.CampaignStatusDraft
	if c.TemplateID != nil {
		c.Status = model.CampaignStatusReady
	}
	return s.campaigns.Create(ctx, c)
}

// Stats summarizes the messages of an existing campaign.
func (s *CampaignService) Stats(ctx context.Context, campaignID uuid.UUID) (*model.CampaignStats, error) {
	if _, err := s.campaigns.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.stats.CampaignStats(ctx, campaignID)
}

func (s *CampaignService) Warmup(ctx context.Context) (*WarmupStatus, error) {
	now := s.now()
	start, err := s.schedule.StartDate(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("load schedule start: %w", err)
	}
	today, err := s.stats.CountSentBetween(ctx, s.scheduler.DayStart(now), now)
	if err != nil {
		return nil, fmt.Errorf("count sent today: %w", err)
	}
	hour, err := s.stats.CountSentBetween(ctx, s.scheduler.HourStart(now), now)
	if err != nil {
		return nil, fmt.Errorf("count sent this hour: %w", err)
	}
	return &WarmupStatus{
		Stats:        s.scheduler.Stats(start, now),
		StartDate:    start,
		SentToday:    today,
		SentThisHour: hour,
	}, nil
}
