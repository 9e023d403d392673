// Package violation defines the report payload shared by the offline
// queue, the sync engine and the platform client.
package violation

import (
	"errors"
	"time"
)

// Known report categories. The platform accepts free-form categories; these
// are the ones the mobile client offers.
const (
	CategoryParking = "parking"
	CategoryTrash   = "trash"
	CategoryNoise   = "noise"
	CategoryRoad    = "road"
	CategoryOther   = "other"
)

// Violation is a single citizen report. PhotoPath points at an evidence
// photo on the local filesystem; PhotoURL replaces it once the photo has
// been uploaded to photo storage.
type Violation struct {
	ID          string    `json:"id,omitempty"` // server-assigned
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Address     string    `json:"address,omitempty"`
	PhotoPath   string    `json:"photoPath,omitempty"`
	PhotoURL    string    `json:"photoUrl,omitempty"`
	Status      string    `json:"status,omitempty"`
	ReportedAt  time.Time `json:"reportedAt"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Validate checks the fields a report cannot be submitted without.
func (v Violation) Validate() error {
	if v.Description == "" {
		return errors.New("description is required")
	}
	if v.Category == "" {
		return errors.New("category is required")
	}
	return nil
}

// Merge combines a server record with local edits: server fields form the
// base, non-zero local fields override, and the result is stamped with a
// fresh UpdatedAt. Fields absent locally retain the server values.
func Merge(server, local Violation, now time.Time) Violation {
	merged := server
	if local.Description != "" {
		merged.Description = local.Description
	}
	if local.Category != "" {
		merged.Category = local.Category
	}
	if local.Latitude != 0 || local.Longitude != 0 {
		merged.Latitude = local.Latitude
		merged.Longitude = local.Longitude
	}
	if local.Address != "" {
		merged.Address = local.Address
	}
	if local.PhotoURL != "" {
		merged.PhotoURL = local.PhotoURL
	}
	if local.PhotoPath != "" {
		merged.PhotoPath = local.PhotoPath
	}
	if !local.ReportedAt.IsZero() {
		merged.ReportedAt = local.ReportedAt
	}
	merged.UpdatedAt = now
	return merged
}
