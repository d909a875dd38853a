package repository

import (
	"context"
	"time"

	"github.com/nimasrn/outreach-gateway/pkg/pg"
	"gorm.io/gorm/clause"
)

type ScheduleRepository struct {
	*pg.DB
}

func NewScheduleRepository(db *pg.DB) *ScheduleRepository {
	return &ScheduleRepository{
		db,
	}
}

// StartDate returns the warm-up start, recording now as the start the first
// time it is asked for.
func (r *ScheduleRepository) StartDate(ctx context.Context, now time.Time) (time.Time, error) {
	seed := SendingScheduleEntity{ID: defaultScheduleID, StartDate: now.UTC(), UpdatedAt: now.UTC()}
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return time.Time{}, err
	}

	var entity SendingScheduleEntity
	if err := r.Write(ctx).WithContext(ctx).Where("id = ?", defaultScheduleID).First(&entity).Error; err != nil {
		return time.Time{}, err
	}
	return entity.StartDate, nil
}

// Reset restarts the ramp at start.
func (r *ScheduleRepository) Reset(ctx context.Context, start time.Time) error {
	entity := SendingScheduleEntity{ID: defaultScheduleID, StartDate: start.UTC(), UpdatedAt: time.Now().UTC()}
	return r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"start_date", "updated_at"}),
		}).
		Create(&entity).Error
}
