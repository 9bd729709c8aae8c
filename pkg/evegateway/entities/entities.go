package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-kestrel/pkg/evegateway"
)

// Client interface for entity-related ESI operations
type Client interface {
	GetCharacter(ctx context.Context, characterID int64) (*CharacterResponse, error)
	GetCorporation(ctx context.Context, corporationID int64) (*CorporationResponse, error)
	GetAlliance(ctx context.Context, allianceID int64) (*AllianceResponse, error)
}

// CharacterResponse represents character public information
type CharacterResponse struct {
	Name           string    `json:"name"`
	CorporationID  int64     `json:"corporation_id"`
	AllianceID     *int64    `json:"alliance_id,omitempty"`
	FactionID      *int64    `json:"faction_id,omitempty"`
	Birthday       time.Time `json:"birthday"`
	SecurityStatus float64   `json:"security_status,omitempty"`
}

// CorporationResponse represents corporation public information
type CorporationResponse struct {
	Name        string `json:"name"`
	Ticker      string `json:"ticker"`
	MemberCount int64  `json:"member_count"`
	AllianceID  *int64 `json:"alliance_id,omitempty"`
	FactionID   *int64 `json:"faction_id,omitempty"`
	CeoID       int64  `json:"ceo_id"`
}

// AllianceResponse represents alliance public information
type AllianceResponse struct {
	Name                  string    `json:"name"`
	Ticker                string    `json:"ticker"`
	CreatorCorporationID  int64     `json:"creator_corporation_id"`
	ExecutorCorporationID *int64    `json:"executor_corporation_id,omitempty"`
	FactionID             *int64    `json:"faction_id,omitempty"`
	DateFounded           time.Time `json:"date_founded"`
}

type EntityClient struct {
	fetcher evegateway.Fetcher
}

func NewEntityClient(fetcher evegateway.Fetcher) Client {
	return &EntityClient{fetcher: fetcher}
}

func (c *EntityClient) GetCharacter(ctx context.Context, characterID int64) (*CharacterResponse, error) {
	path := fmt.Sprintf("/characters/%d/", characterID)
	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var character CharacterResponse
	if err := json.Unmarshal(body, &character); err != nil {
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}
	return &character, nil
}

func (c *EntityClient) GetCorporation(ctx context.Context, corporationID int64) (*CorporationResponse, error) {
	path := fmt.Sprintf("/corporations/%d/", corporationID)
	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var corporation CorporationResponse
	if err := json.Unmarshal(body, &corporation); err != nil {
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}
	return &corporation, nil
}

func (c *EntityClient) GetAlliance(ctx context.Context, allianceID int64) (*AllianceResponse, error) {
	path := fmt.Sprintf("/alliances/%d/", allianceID)
	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var alliance AllianceResponse
	if err := json.Unmarshal(body, &alliance); err != nil {
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}
	return &alliance, nil
}
