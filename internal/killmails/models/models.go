package models

import (
	"time"
)

// Killmail is the parent row for one killmail
type Killmail struct {
	ID             int64     `json:"id"`
	KillmailID     int64     `json:"killmail_id"`
	Hash           string    `json:"hash"`
	KillTime       time.Time `json:"kill_time"`
	SolarSystemID  int64     `json:"solar_system_id"`
	MoonID         *int64    `json:"moon_id,omitempty"`
	WarID          *int64    `json:"war_id,omitempty"`
	AttackerCount  int32     `json:"attacker_count"`
	IsSolo         bool      `json:"is_solo"`
	IsNPC          bool      `json:"is_npc"`
	IsAwox         bool      `json:"is_awox"`
	ShipValue      float64   `json:"ship_value"`
	FittedValue    float64   `json:"fitted_value"`
	DroppedValue   float64   `json:"dropped_value"`
	DestroyedValue float64   `json:"destroyed_value"`
	TotalValue     float64   `json:"total_value"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Victim is the single victim row of a killmail
type Victim struct {
	KillmailID    int64    `json:"killmail_id"`
	CharacterID   *int64   `json:"character_id,omitempty"`
	CorporationID *int64   `json:"corporation_id,omitempty"`
	AllianceID    *int64   `json:"alliance_id,omitempty"`
	FactionID     *int64   `json:"faction_id,omitempty"`
	ShipTypeID    int64    `json:"ship_type_id"`
	DamageTaken   int64    `json:"damage_taken"`
	PositionX     *float64 `json:"position_x,omitempty"`
	PositionY     *float64 `json:"position_y,omitempty"`
	PositionZ     *float64 `json:"position_z,omitempty"`
}

// Attacker is one attacker row of a killmail
type Attacker struct {
	KillmailID     int64   `json:"killmail_id"`
	CharacterID    *int64  `json:"character_id,omitempty"`
	CorporationID  *int64  `json:"corporation_id,omitempty"`
	AllianceID     *int64  `json:"alliance_id,omitempty"`
	FactionID      *int64  `json:"faction_id,omitempty"`
	ShipTypeID     *int64  `json:"ship_type_id,omitempty"`
	WeaponTypeID   *int64  `json:"weapon_type_id,omitempty"`
	DamageDone     int64   `json:"damage_done"`
	FinalBlow      bool    `json:"final_blow"`
	SecurityStatus float64 `json:"security_status"`
}

// Item is one dropped or destroyed item row. Nested container contents are
// flattened: Seq orders the rows per killmail, ParentSeq points at the
// containing item's Seq for nested rows.
type Item struct {
	KillmailID        int64  `json:"killmail_id"`
	Seq               int32  `json:"seq"`
	ParentSeq         *int32 `json:"parent_seq,omitempty"`
	ItemTypeID        int64  `json:"item_type_id"`
	Flag              int64  `json:"flag"`
	Singleton         int64  `json:"singleton"`
	QuantityDropped   int64  `json:"quantity_dropped"`
	QuantityDestroyed int64  `json:"quantity_destroyed"`
}

// Values holds the five derived ISK figures
type Values struct {
	ShipValue      float64 `json:"ship_value"`
	FittedValue    float64 `json:"fitted_value"`
	DroppedValue   float64 `json:"dropped_value"`
	DestroyedValue float64 `json:"destroyed_value"`
	TotalValue     float64 `json:"total_value"`
}

// Full bundles a killmail with its children
type Full struct {
	Killmail  Killmail   `json:"killmail"`
	Victim    Victim     `json:"victim"`
	Attackers []Attacker `json:"attackers"`
	Items     []Item     `json:"items"`
}

// Enriched is the outbound document published after value calculation:
// the killmail plus resolved names.
type Enriched struct {
	Full
	SolarSystemName string           `json:"solar_system_name,omitempty"`
	RegionName      string           `json:"region_name,omitempty"`
	ShipTypeName    string           `json:"ship_type_name,omitempty"`
	VictimNames     EntityNames      `json:"victim_names"`
	AttackerNames   map[int64]string `json:"attacker_names,omitempty"`
}

// EntityNames resolves the victim's owning entities
type EntityNames struct {
	Character   string `json:"character,omitempty"`
	Corporation string `json:"corporation,omitempty"`
	Alliance    string `json:"alliance,omitempty"`
}
