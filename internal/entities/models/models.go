package models

import (
	"time"
)

// Character is a cached character row
type Character struct {
	CharacterID    int64     `json:"character_id"`
	Name           string    `json:"name"`
	CorporationID  *int64    `json:"corporation_id,omitempty"`
	AllianceID     *int64    `json:"alliance_id,omitempty"`
	SecurityStatus *float64  `json:"security_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Corporation is a cached corporation row
type Corporation struct {
	CorporationID int64     `json:"corporation_id"`
	Name          string    `json:"name"`
	Ticker        string    `json:"ticker"`
	AllianceID    *int64    `json:"alliance_id,omitempty"`
	FactionID     *int64    `json:"faction_id,omitempty"`
	MemberCount   *int32    `json:"member_count,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Alliance is a cached alliance row
type Alliance struct {
	AllianceID int64     `json:"alliance_id"`
	Name       string    `json:"name"`
	Ticker     string    `json:"ticker"`
	FactionID  *int64    `json:"faction_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Type is a cached item type row. CategoryID is resolved through the
// type's group; a null category marks the row stale.
type Type struct {
	TypeID     int64     `json:"type_id"`
	Name       string    `json:"name"`
	GroupID    int64     `json:"group_id"`
	CategoryID *int64    `json:"category_id,omitempty"`
	Published  bool      `json:"published"`
	UpdatedAt  time.Time `json:"updated_at"`
}
