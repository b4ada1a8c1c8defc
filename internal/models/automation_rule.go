package models

import "time"

// AutomationRule schedules a recurring agent run against a thread using a
// 5-field cron expression. One-shot scheduling lives on ThreadChat.ScheduleAt;
// rules here re-fire every time the expression matches.
type AutomationRule struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"size:64;not null;index"`
	ThreadID  string `gorm:"size:36;not null;index"`
	CronExpr  string `gorm:"size:64;not null"`
	Message   string `gorm:"type:text;not null"`
	Enabled   bool   `gorm:"default:true;index"`
	LastRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
