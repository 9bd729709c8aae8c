package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-kestrel/pkg/evegateway"
)

// Client interface for universe-related ESI operations
type Client interface {
	GetType(ctx context.Context, typeID int64) (*TypeResponse, error)
	GetGroup(ctx context.Context, groupID int64) (*GroupResponse, error)
	GetSolarSystem(ctx context.Context, solarSystemID int64) (*SolarSystemResponse, error)
	GetRegion(ctx context.Context, regionID int64) (*RegionResponse, error)
	GetWar(ctx context.Context, warID int64) (*WarResponse, error)
}

// TypeResponse represents item type metadata. The category lives on the
// group, so a complete type record needs a follow-up group fetch.
type TypeResponse struct {
	TypeID      int64   `json:"type_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	GroupID     int64   `json:"group_id"`
	Published   bool    `json:"published"`
	Volume      float64 `json:"volume,omitempty"`
	Mass        float64 `json:"mass,omitempty"`
}

// GroupResponse represents an item group
type GroupResponse struct {
	GroupID    int64  `json:"group_id"`
	Name       string `json:"name"`
	CategoryID int64  `json:"category_id"`
	Published  bool   `json:"published"`
}

// SolarSystemResponse represents a solar system
type SolarSystemResponse struct {
	SystemID        int64   `json:"system_id"`
	Name            string  `json:"name"`
	ConstellationID int64   `json:"constellation_id"`
	SecurityStatus  float64 `json:"security_status"`
}

// ConstellationResponse carries the region id for a solar system
type ConstellationResponse struct {
	ConstellationID int64  `json:"constellation_id"`
	Name            string `json:"name"`
	RegionID        int64  `json:"region_id"`
}

// RegionResponse represents a region
type RegionResponse struct {
	RegionID int64  `json:"region_id"`
	Name     string `json:"name"`
}

// WarResponse represents a war declaration
type WarResponse struct {
	ID        int64 `json:"id"`
	Aggressor struct {
		CorporationID *int64 `json:"corporation_id,omitempty"`
		AllianceID    *int64 `json:"alliance_id,omitempty"`
	} `json:"aggressor"`
	Defender struct {
		CorporationID *int64 `json:"corporation_id,omitempty"`
		AllianceID    *int64 `json:"alliance_id,omitempty"`
	} `json:"defender"`
	Mutual        bool       `json:"mutual"`
	OpenForAllies bool       `json:"open_for_allies"`
	Declared      time.Time  `json:"declared"`
	Finished      *time.Time `json:"finished,omitempty"`
}

type UniverseClient struct {
	fetcher evegateway.Fetcher
}

func NewUniverseClient(fetcher evegateway.Fetcher) *UniverseClient {
	return &UniverseClient{fetcher: fetcher}
}

func (c *UniverseClient) GetType(ctx context.Context, typeID int64) (*TypeResponse, error) {
	path := fmt.Sprintf("/universe/types/%d/", typeID)
	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var typeInfo TypeResponse
	if err := json.Unmarshal(body, &typeInfo); err != nil {
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}
	return &typeInfo, nil
}

func (c *UniverseClient) GetGroup(ctx context.Context, groupID int64) (*GroupResponse, error) {
	path := fmt.Sprintf("/universe/groups/%d/", groupID)
	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var group GroupResponse
	if err := json.Unmarshal(body, &group); err != nil {
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}
	return &group, nil
}

func (c *UniverseClient) GetSolarSystem(ctx context.Context, solarSystemID int64) (*SolarSystemResponse, error) {
	path := fmt.Sprintf("/universe/systems/%d/", solarSystemID)
	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var system SolarSystemResponse
	if err := json.Unmarshal(body, &system); err != nil {
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}
	return &system, nil
}

// GetConstellation resolves a constellation, used to map systems to regions
func (c *UniverseClient) GetConstellation(ctx context.Context, constellationID int64) (*ConstellationResponse, error) {
	path := fmt.Sprintf("/universe/constellations/%d/", constellationID)
	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var constellation ConstellationResponse
	if err := json.Unmarshal(body, &constellation); err != nil {
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}
	return &constellation, nil
}

func (c *UniverseClient) GetRegion(ctx context.Context, regionID int64) (*RegionResponse, error) {
	path := fmt.Sprintf("/universe/regions/%d/", regionID)
	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var region RegionResponse
	if err := json.Unmarshal(body, &region); err != nil {
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}
	return &region, nil
}

func (c *UniverseClient) GetWar(ctx context.Context, warID int64) (*WarResponse, error) {
	path := fmt.Sprintf("/wars/%d/", warID)
	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var war WarResponse
	if err := json.Unmarshal(body, &war); err != nil {
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}
	return &war, nil
}
