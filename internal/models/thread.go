package models

import "time"

// Thread is one unit of delegated work bound to a repository branch.
type Thread struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	UserID             string  `gorm:"size:64;not null;index"`
	GithubRepoFullName string  `gorm:"size:256;not null"`
	BranchName         string  `gorm:"size:128"`
	BaseBranchName     string  `gorm:"size:128"`
	SandboxID          *string `gorm:"size:128"`
	SandboxProvider    string  `gorm:"size:32"`
	PRNumber           *int
	Archived           bool `gorm:"default:false;index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Chats []ThreadChat `gorm:"foreignKey:ThreadID"`
}
