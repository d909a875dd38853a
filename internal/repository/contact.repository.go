package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
	"gorm.io/gorm"
)

var ErrContactNotFound = errors.New("contact not found")

type ContactRepository struct {
	*pg.DB
}

func NewContactRepository(db *pg.DB) *ContactRepository {
	return &ContactRepository{
		db,
	}
}

func (r *ContactRepository) Create(ctx context.Context, c *model.Contact) (*model.Contact, error) {
	entity := toContactEntity(c)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toContactModel(entity), nil
}

func (r *ContactRepository) Get(ctx context.Context, id uuid.UUID) (*model.Contact, error) {
	var entity ContactEntity
	err := r.Read(ctx).WithContext(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}
	return toContactModel(&entity), nil
}

// ListEligible returns the contacts of a campaign that have an address and
// have not been mailed yet.
func (r *ContactRepository) ListEligible(ctx context.Context, campaignID uuid.UUID) ([]*model.Contact, error) {
	var entities []*ContactEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Where("email IS NOT NULL AND email <> ''").
		Where("status = ?", string(model.ContactStatusEmailFound)).
		Order("created_at ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toContactModels(entities), nil
}

// AdvanceStatus moves the contact to next if that goes forward from its
// current status. It reports whether a row changed.
func (r *ContactRepository) AdvanceStatus(ctx context.Context, id uuid.UUID, next model.ContactStatus) (bool, error) {
	from := model.ContactPredecessorsOf(next)
	if len(from) == 0 {
		return false, nil
	}
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	res := r.Write(ctx).WithContext(ctx).
		Model(&ContactEntity{}).
		Where("id = ? AND status IN ?", id, statuses).
		Update("status", string(next))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetAddress stores the chosen address and marks a pending contact as found.
func (r *ContactRepository) SetAddress(ctx context.Context, id uuid.UUID, email string) error {
	res := r.Write(ctx).WithContext(ctx).
		Model(&ContactEntity{}).
		Where("id = ?", id).
		Update("email", email)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrContactNotFound
	}
	_, err := r.AdvanceStatus(ctx, id, model.ContactStatusEmailFound)
	return err
}
