package models

import (
	"time"
)

// DataRecord is the unified ingestion record: one row per observed payload,
// regardless of source or shape. The triple (source_id, payload_type,
// content_hash) is unique - re-ingesting an identical payload is a no-op,
// not an error and not a second row. The hash is computed by the storage
// layer over the canonical serialization in Payload.
type DataRecord struct {
	ID          string      `gorm:"primaryKey" json:"id"`
	SourceID    string      `gorm:"uniqueIndex:idx_record_dedup,priority:1;index;not null" json:"source_id"`
	PayloadType string      `gorm:"uniqueIndex:idx_record_dedup,priority:2;not null" json:"payload_type"`
	ContentHash string      `gorm:"uniqueIndex:idx_record_dedup,priority:3;not null" json:"content_hash"`
	ObservedAt  time.Time   `gorm:"index" json:"observed_at"`
	LocationID  *string     `gorm:"index" json:"location_id"`
	Payload     RawJSON     `gorm:"type:json" json:"payload"`
	Tags        StringSlice `gorm:"type:json" json:"tags"`
	StoredAt    time.Time   `gorm:"autoCreateTime" json:"stored_at"`
}
