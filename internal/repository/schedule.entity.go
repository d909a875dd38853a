package repository

import "time"

const defaultScheduleID = "default"

// SendingScheduleEntity anchors day 1 of the warm-up ramp.
type SendingScheduleEntity struct {
	ID        string    `gorm:"column:id;primaryKey"`
	StartDate time.Time `gorm:"column:start_date;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (SendingScheduleEntity) TableName() string {
	return "sending_schedule"
}
