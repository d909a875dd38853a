package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	// ErrStaleStatus is returned when a conditional update matched no row
	// because the message already moved on.
	ErrStaleStatus = errors.New("message status changed concurrently")
)

type MessageRepository struct {
	*pg.DB
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{
		db,
	}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) (*model.Message, error) {
	entity := toMessageEntity(m)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toMessageModel(entity), nil
}

func (r *MessageRepository) CreateBatch(ctx context.Context, messages []*model.Message) ([]*model.Message, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	entities := make([]*MessageEntity, len(messages))
	for i, m := range messages {
		entities[i] = toMessageEntity(m)
	}

	if err := r.Write(ctx).WithContext(ctx).CreateInBatches(entities, 100).Error; err != nil {
		return nil, err
	}

	return toMessageModels(entities), nil
}

func (r *MessageRepository) Get(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).WithContext(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

func (r *MessageRepository) GetByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).WithContext(ctx).Where("provider_message_id = ?", providerMessageID).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

// LatestSentForContact returns the most recently sent message of a contact.
func (r *MessageRepository) LatestSentForContact(ctx context.Context, contactID uuid.UUID) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("lead_id = ? AND sent_at IS NOT NULL", contactID).
		Order("sent_at DESC").
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

// CountSentBetween counts messages whose sent_at lies in [from, to]. This is
// the quota the warm-up windows are checked against.
func (r *MessageRepository) CountSentBetween(ctx context.Context, from, to time.Time) (int, error) {
	var n int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Where("sent_at IS NOT NULL AND sent_at >= ? AND sent_at <= ?", from.UTC(), to.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *MessageRepository) ExistsForContact(ctx context.Context, campaignID, contactID uuid.UUID) (bool, error) {
	var n int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Where("campaign_id = ? AND lead_id = ?", campaignID, contactID).
		Count(&n).Error
	return n > 0, err
}

func dispatchable() []string {
	return []string{string(model.MessageStatusQueued), string(model.MessageStatusSending)}
}

func (r *MessageRepository) updateWhere(ctx context.Context, id uuid.UUID, statuses []string, updates map[string]interface{}) error {
	res := r.Write(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// MarkSending claims a queued message for the send worker.
func (r *MessageRepository) MarkSending(ctx context.Context, id uuid.UUID) error {
	return r.updateWhere(ctx, id, dispatchable(), map[string]interface{}{
		"status": string(model.MessageStatusSending),
	})
}

// MarkSent stores the rendered content and the provider id of a successful send.
func (r *MessageRepository) MarkSent(ctx context.Context, id uuid.UUID, rendered *model.RenderedMessage, providerMessageID string, sentAt time.Time) error {
	updates := map[string]interface{}{
		"status":              string(model.MessageStatusSent),
		"provider_message_id": providerMessageID,
		"sent_at":             sentAt.UTC(),
		"error":               nil,
	}
	if rendered != nil {
		updates["subject"] = rendered.Subject
		updates["body_html"] = rendered.HTML
		updates["body_text"] = rendered.Text
	}
	return r.updateWhere(ctx, id, dispatchable(), updates)
}

// MarkRetrying puts a message back to queued and keeps the failure text.
func (r *MessageRepository) MarkRetrying(ctx context.Context, id uuid.UUID, reason string) error {
	return r.updateWhere(ctx, id, dispatchable(), map[string]interface{}{
		"status": string(model.MessageStatusQueued),
		"error":  reason,
	})
}

// MarkFailed records the final dispatch failure.
func (r *MessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.updateWhere(ctx, id, dispatchable(), map[string]interface{}{
		"status": string(model.MessageStatusFailed),
		"error":  reason,
	})
}

// Advance moves a message to next if the transition goes forward and applies
// the extra column updates with it. It reports whether a row changed.
func (r *MessageRepository) Advance(ctx context.Context, id uuid.UUID, next model.MessageStatus, extra map[string]interface{}) (bool, error) {
	from := model.PredecessorsOf(next)
	if len(from) == 0 {
		return false, nil
	}
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	updates := map[string]interface{}{"status": string(next)}
	for k, v := range extra {
		updates[k] = v
	}

	err := r.updateWhere(ctx, id, statuses, updates)
	if errors.Is(err, ErrStaleStatus) {
		return false, nil
	}
	return err == nil, err
}

// SetTimestampOnce sets column to at unless it already holds a value.
func (r *MessageRepository) SetTimestampOnce(ctx context.Context, id uuid.UUID, column string, at time.Time) (bool, error) {
	switch column {
	case "delivered_at", "opened_at", "clicked_at", "bounced_at":
	default:
		return false, fmt.Errorf("unsupported timestamp column %q", column)
	}
	res := r.Write(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Where("id = ? AND "+column+" IS NULL", id).
		Update(column, at.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type statsRow struct {
	Total     int64
	Queued    int64
	Sent      int64
	Delivered int64
	Opened    int64
	Clicked   int64
	Bounced   int64
	Failed    int64
}

func (r *MessageRepository) CampaignStats(ctx context.Context, campaignID uuid.UUID) (*model.CampaignStats, error) {
	var row statsRow
	err := r.Read(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status IN ('queued','sending') THEN 1 ELSE 0 END), 0) AS queued,
			COUNT(sent_at) AS sent,
			COUNT(delivered_at) AS delivered,
			COUNT(opened_at) AS opened,
			COUNT(clicked_at) AS clicked,
			COALESCE(SUM(CASE WHEN status = 'bounced' THEN 1 ELSE 0 END), 0) AS bounced,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed`).
		Where("campaign_id = ?", campaignID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	stats := &model.CampaignStats{
		Total:     row.Total,
		Queued:    row.Queued,
		Sent:      row.Sent,
		Delivered: row.Delivered,
		Opened:    row.Opened,
		Clicked:   row.Clicked,
		Bounced:   row.Bounced,
		Failed:    row.Failed,
	}
	if row.Sent > 0 {
		stats.OpenRate = percent(row.Opened, row.Sent)
		stats.ClickRate = percent(row.Clicked, row.Sent)
	}
	return stats, nil
}

func percent(part, whole int64) float64 {
	return math.Round(float64(part)/float64(whole)*10000) / 100
}
