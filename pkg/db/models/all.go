package models

// All lists every persisted model, in dependency order, for test schemas.
func All() []any {
	return []any{
		&Product{},
		&Card{},
		&Order{},
		&LoginUser{},
		&DailyCheckin{},
		&RefundRequest{},
		&SchedulerRun{},
		&OutboxEvent{},
	}
}
