package models

import "time"

// ThreadChat is one conversational run within a Thread. A thread may be
// redone into multiple chats over time, but at most one chat per thread
// holds an active status at any instant. Status is mutated exclusively
// through the status transition engine; the full status string is the
// compare-and-swap key for every transition.
type ThreadChat struct {
	ID               string `gorm:"primaryKey;size:36"`
	ThreadID         string `gorm:"size:36;not null;index"`
	Status           string `gorm:"size:48;not null;index"`
	ErrorMessage     string `gorm:"type:text"`
	ErrorMessageInfo string `gorm:"type:text"`
	ScheduleAt       *time.Time `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"index"`

	Thread   Thread          `gorm:"foreignKey:ThreadID"`
	Messages []ThreadMessage `gorm:"foreignKey:ChatID"`
}

// ThreadMessage is a single entry in a chat's ordered message history.
type ThreadMessage struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ChatID    string `gorm:"size:36;not null;index:idx_chat_seq"`
	Seq       int    `gorm:"not null;index:idx_chat_seq"`
	Role      string `gorm:"size:16;not null"` // "user", "assistant", "system"
	Content   string `gorm:"type:mediumtext;not null"`
	CreatedAt time.Time
}
