package models

import (
	"time"
)

// IngestStatus is the lifecycle state of one collection run
type IngestStatus string

const (
	IngestStatusRunning IngestStatus = "running"
	IngestStatusSuccess IngestStatus = "success"
	IngestStatusError   IngestStatus = "error"
)

// IngestLog is the audit trail: one row per (source, schedule invocation).
// A row is created in "running" state when the job is dispatched and
// finalized exactly once to "success" or "error". Record counts are
// best-effort - a handler that does not report one leaves zero.
type IngestLog struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	SourceID    string       `gorm:"index;not null" json:"source_id"`
	Status      IngestStatus `gorm:"index;default:'running'" json:"status"`
	RecordCount int          `json:"record_count"`
	Error       string       `json:"error"`
	StartedAt   time.Time    `gorm:"autoCreateTime" json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at"`
}

// Finished reports whether the run has reached a terminal state.
func (l *IngestLog) Finished() bool {
	return l.Status == IngestStatusSuccess || l.Status == IngestStatusError
}
