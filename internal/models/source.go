package models

import (
	"time"
)

// SourceStatus represents the health of a source as of its last run
type SourceStatus string

const (
	SourceStatusActive SourceStatus = "active"
	SourceStatusError  SourceStatus = "error"
)

// Source is the persisted row for a registered collector. Rows are created
// at startup from the static definitions; only the status and the
// last-collected watermark change afterwards. Sources are never deleted at
// runtime - removing one is a configuration change.
type Source struct {
	ID              string       `gorm:"primaryKey" json:"id"` // stable slug
	Name            string       `gorm:"not null" json:"name"`
	Homepage        string       `json:"homepage"`
	Status          SourceStatus `gorm:"default:'active'" json:"status"`
	LastCollectedAt *time.Time   `json:"last_collected_at"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
