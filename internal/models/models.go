package models

// All lists every table, in dependency order, for AutoMigrate.
func All() []any {
	return []any{
		&Workspace{},
		&Partner{},
		&Program{},
		&Reward{},
		&ProgramEnrollment{},
		&FraudRule{},
		&Link{},
		&ClickEvent{},
		&Customer{},
		&ConversionEvent{},
		&Commission{},
		&Payout{},
		&OutboundEvent{},
		&AuditLog{},
		&AttentionItem{},
	}
}
