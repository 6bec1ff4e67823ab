package models

import (
	"time"
)

// LocationKind tags what a location physically is
type LocationKind string

const (
	LocationKindCity    LocationKind = "city"
	LocationKindStation LocationKind = "station"
	LocationKindSensor  LocationKind = "sensor"
	LocationKindRegion  LocationKind = "region"
)

// Location is a shared geographic entity. Any source may create or update
// one; writes are last-write-wins upserts keyed by ID. Locations are the
// join key for cross-source queries and are never deleted by ingestion.
type Location struct {
	ID           string       `gorm:"primaryKey" json:"id"` // slug
	Name         string       `gorm:"not null" json:"name"`
	Latitude     *float64     `json:"latitude"`
	Longitude    *float64     `json:"longitude"`
	Kind         LocationKind `gorm:"index;default:'city'" json:"kind"`
	Region       string       `json:"region"`
	District     string       `json:"district"`
	Municipality string       `json:"municipality"`
	Meta         JSON         `gorm:"type:json" json:"meta"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
