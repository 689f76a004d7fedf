package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID            string `gorm:"primaryKey"`
	Email         string `gorm:"uniqueIndex;not null"`
	Name          string `gorm:"not null"`
	PasswordHash  string
	Provider      string `gorm:"not null"`
	Picture       string
	VerifiedEmail bool
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

type DocumentModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	OriginalFilename string `gorm:"not null"`
	StorageKey       string
	Status           string `gorm:"not null"`
	ErrorMessage     string
	SizeBytes        int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type ChatHistoryModel struct {
	ChatHistoryID string         `gorm:"primaryKey"`
	UserID        string         `gorm:"not null;index"`
	DocumentID    string         `gorm:"index"`
	Title         string         `gorm:"not null"`
	Message       datatypes.JSON `gorm:"type:jsonb"`
	ActiveTag     bool           `gorm:"not null;default:true;index"`
	CreatedAt     time.Time      `gorm:"not null"`
	ModifiedAt    time.Time      `gorm:"not null;index"`
}

type AnalysisResultModel struct {
	DocumentID string         `gorm:"primaryKey"`
	Result     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}
