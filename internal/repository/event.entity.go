package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
)

type EventEntity struct {
	ID        uuid.UUID `gorm:"column:id;primaryKey;type:uuid"`
	MessageID uuid.UUID `gorm:"column:email_id;type:uuid;not null;index"`
	Type      string    `gorm:"column:type;not null;index"`
	Metadata  string    `gorm:"column:metadata;type:jsonb"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (EventEntity) TableName() string {
	return "email_events"
}

func toEventEntity(e *model.MessageEvent) (*EventEntity, error) {
	if e == nil {
		return nil, nil
	}
	id := e.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, err
		}
		meta = string(b)
	}
	return &EventEntity{
		ID:        id,
		MessageID: e.MessageID,
		Type:      string(e.Type),
		Metadata:  meta,
		CreatedAt: e.CreatedAt,
	}, nil
}

func toEventModel(e *EventEntity) *model.MessageEvent {
	if e == nil {
		return nil
	}
	var meta map[string]any
	if e.Metadata != "" {
		_ = json.Unmarshal([]byte(e.Metadata), &meta)
	}
	return &model.MessageEvent{
		ID:        e.ID,
		MessageID: e.MessageID,
		Type:      model.EventType(e.Type),
		Metadata:  meta,
		CreatedAt: e.CreatedAt,
	}
}
