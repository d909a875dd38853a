package repository

// Entities lists every table the service owns, in creation order.
func Entities() []interface{} {
	return []interface{}{
		&CampaignEntity{},
		&TemplateEntity{},
		&ContactEntity{},
		&MessageEntity{},
		&EventEntity{},
		&LinkEntity{},
		&SendingScheduleEntity{},
	}
}
