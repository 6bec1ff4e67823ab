package models

import (
	"time"
)

// Document is metadata for a blob kept in object storage. The row is
// created once per upload and never mutated; the blob lives under
// StorageKey in the configured blob store. Uploads are not deduplicated -
// two explicit uploads of the same bytes are two documents.
type Document struct {
	ID          string    `gorm:"primaryKey" json:"id"` // uuid
	SourceID    string    `gorm:"index;not null" json:"source_id"`
	FileName    string    `gorm:"not null" json:"file_name"`
	ContentType string    `json:"content_type"`
	StorageKey  string    `gorm:"uniqueIndex;not null" json:"storage_key"`
	LocationID  *string   `gorm:"index" json:"location_id"`
	Size        int64     `json:"size"`
	Meta        JSON      `gorm:"type:json" json:"meta"`
	CapturedAt  time.Time `json:"captured_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
