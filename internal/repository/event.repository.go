package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
)

type EventRepository struct {
	*pg.DB
}

func NewEventRepository(db *pg.DB) *EventRepository {
	return &EventRepository{
		db,
	}
}

func (r *EventRepository) Create(ctx context.Context, ev *model.MessageEvent) (*model.MessageEvent, error) {
	entity, err := toEventEntity(ev)
	if err != nil {
		return nil, err
	}

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toEventModel(entity), nil
}

// Exists reports whether the message already has an event of type t.
func (r *EventRepository) Exists(ctx context.Context, messageID uuid.UUID, t model.EventType) (bool, error) {
	var n int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&EventEntity{}).
		Where("email_id = ? AND type = ?", messageID, string(t)).
		Count(&n).Error
	return n > 0, err
}

func (r *EventRepository) ListForMessage(ctx context.Context, messageID uuid.UUID) ([]*model.MessageEvent, error) {
	var entities []*EventEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("email_id = ?", messageID).
		Order("created_at ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.MessageEvent, len(entities))
	for i, e := range entities {
		out[i] = toEventModel(e)
	}
	return out, nil
}
