package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
	"gorm.io/gorm"
)

var ErrLinkNotFound = errors.New("link not found")

type LinkRepository struct {
	*pg.DB
}

func NewLinkRepository(db *pg.DB) *LinkRepository {
	return &LinkRepository{
		db,
	}
}

// CreateLink returns the link stored for messageID and originalURL, creating
// it on first use, so a retried send keeps its link ids.
func (r *LinkRepository) CreateLink(ctx context.Context, messageID uuid.UUID, originalURL string) (uuid.UUID, error) {
	var entity LinkEntity
	err := r.Write(ctx).WithContext(ctx).
		Where(LinkEntity{MessageID: messageID, OriginalURL: originalURL}).
		Attrs(LinkEntity{ID: uuid.New()}).
		FirstOrCreate(&entity).Error
	if err != nil {
		return uuid.Nil, err
	}
	return entity.ID, nil
}

// Get returns a link only when it belongs to messageID.
func (r *LinkRepository) Get(ctx context.Context, messageID, linkID uuid.UUID) (*model.Link, error) {
	var entity LinkEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ? AND email_id = ?", linkID, messageID).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return toLinkModel(&entity), nil
}

func (r *LinkRepository) IncrementClicks(ctx context.Context, linkID uuid.UUID) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&LinkEntity{}).
		Where("id = ?", linkID).
		UpdateColumn("click_count", gorm.Expr("click_count + ?", 1)).Error
}
