package killmails

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go-kestrel/pkg/evegateway"
)

// Client interface for killmail-related ESI operations
type Client interface {
	GetKillmail(ctx context.Context, killmailID int64, hash string) (*KillmailResponse, error)
}

// KillmailResponse represents the full killmail data
type KillmailResponse struct {
	KillmailID    int64      `json:"killmail_id"`
	KillmailTime  time.Time  `json:"killmail_time"`
	SolarSystemID int64      `json:"solar_system_id"`
	MoonID        *int64     `json:"moon_id,omitempty"`
	WarID         *int64     `json:"war_id,omitempty"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers"`
}

// Victim represents the victim information in a killmail
type Victim struct {
	CharacterID   *int64    `json:"character_id,omitempty"`
	CorporationID *int64    `json:"corporation_id,omitempty"`
	AllianceID    *int64    `json:"alliance_id,omitempty"`
	FactionID     *int64    `json:"faction_id,omitempty"`
	ShipTypeID    int64     `json:"ship_type_id"`
	DamageTaken   int64     `json:"damage_taken"`
	Position      *Position `json:"position,omitempty"`
	Items         []Item    `json:"items,omitempty"`
}

// Attacker represents an attacker in a killmail
type Attacker struct {
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

// Position represents 3D coordinates in space
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Item represents an item fitted to or carried by the victim's ship.
// Container items nest their contents one level down.
type Item struct {
	ItemTypeID        int64  `json:"item_type_id"`
	Flag              int64  `json:"flag"`
	Singleton         int64  `json:"singleton"`
	QuantityDestroyed *int64 `json:"quantity_destroyed,omitempty"`
	QuantityDropped   *int64 `json:"quantity_dropped,omitempty"`
	Items             []Item `json:"items,omitempty"`
}

// KillmailClient implements killmail-related ESI operations
type KillmailClient struct {
	fetcher evegateway.Fetcher
}

// NewKillmailClient creates a new killmail client
func NewKillmailClient(fetcher evegateway.Fetcher) Client {
	return &KillmailClient{fetcher: fetcher}
}

// GetKillmail fetches a killmail by id and hash
func (c *KillmailClient) GetKillmail(ctx context.Context, killmailID int64, hash string) (*KillmailResponse, error) {
	tracer := otel.Tracer("evegateway")
	ctx, span := tracer.Start(ctx, "GetKillmail",
		trace.WithAttributes(
			attribute.Int64("killmail_id", killmailID),
			attribute.String("hash", hash),
		))
	defer span.End()

	path := fmt.Sprintf("/killmails/%d/%s/", killmailID, hash)

	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Request failed")
		return nil, err
	}

	var killmail KillmailResponse
	if err := json.Unmarshal(body, &killmail); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode response")
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}

	if killmail.KillmailID == 0 || len(killmail.Attackers) == 0 {
		span.SetStatus(codes.Error, "Incomplete killmail body")
		return nil, &evegateway.ContractError{
			Endpoint: path,
			Err:      fmt.Errorf("incomplete killmail body for %d", killmailID),
		}
	}

	span.SetStatus(codes.Ok, "Killmail fetched successfully")
	return &killmail, nil
}
