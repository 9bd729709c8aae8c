package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-kestrel/internal/entities/models"
	"go-kestrel/pkg/evegateway"
	esientities "go-kestrel/pkg/evegateway/entities"
	esiuniverse "go-kestrel/pkg/evegateway/universe"
)

// freshnessWindow is how long a cached entity row is served without an
// upstream refresh.
const freshnessWindow = 14 * 24 * time.Hour

// NPC corporations occupy a fixed id range and never change; they are
// served from the static reference table.
const (
	npcCorporationMin = 1_000_000
	npcCorporationMax = 1_999_999
)

// Service resolves and caches characters, corporations, alliances, and
// types. All lookups fail soft on upstream NotFound: the caller gets
// (nil, nil) and the entity stays unresolved.
type Service struct {
	pool     *pgxpool.Pool
	entities esientities.Client
	universe *esiuniverse.UniverseClient
}

// NewService creates a new entity service
func NewService(pool *pgxpool.Pool, entities esientities.Client, universe *esiuniverse.UniverseClient) *Service {
	return &Service{pool: pool, entities: entities, universe: universe}
}

// IsNPCCorporation reports whether a corporation id falls in the NPC range
func IsNPCCorporation(corporationID int64) bool {
	return corporationID >= npcCorporationMin && corporationID <= npcCorporationMax
}

// GetCharacter returns a fresh cached character or refreshes it upstream
func (s *Service) GetCharacter(ctx context.Context, characterID int64) (*models.Character, error) {
	var c models.Character
	err := s.pool.QueryRow(ctx,
		`SELECT character_id, name, corporation_id, alliance_id, security_status,
		   created_at, updated_at
		 FROM characters WHERE character_id = $1 AND updated_at > now() - $2`,
		characterID, freshnessWindow,
	).Scan(&c.CharacterID, &c.Name, &c.CorporationID, &c.AllianceID,
		&c.SecurityStatus, &c.CreatedAt, &c.UpdatedAt)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to load character %d: %w", characterID, err)
	}

	resp, err := s.entities.GetCharacter(ctx, characterID)
	if err != nil {
		if errors.Is(err, evegateway.ErrNotFound) {
			slog.WarnContext(ctx, "Character not found upstream", "character_id", characterID)
			return nil, nil
		}
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO characters (character_id, name, corporation_id, alliance_id, security_status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (character_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   corporation_id = EXCLUDED.corporation_id,
		   alliance_id = EXCLUDED.alliance_id,
		   security_status = EXCLUDED.security_status,
		   updated_at = now()`,
		characterID, resp.Name, resp.CorporationID, resp.AllianceID, resp.SecurityStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert character %d: %w", characterID, err)
	}

	corpID := resp.CorporationID
	return &models.Character{
		CharacterID:   characterID,
		Name:          resp.Name,
		CorporationID: &corpID,
		AllianceID:    resp.AllianceID,
	}, nil
}

// GetCorporation returns a fresh cached corporation, serving NPC
// corporations from the static table without an upstream call
func (s *Service) GetCorporation(ctx context.Context, corporationID int64) (*models.Corporation, error) {
	var c models.Corporation
	err := s.pool.QueryRow(ctx,
		`SELECT corporation_id, name, ticker, alliance_id, faction_id, member_count,
		   created_at, updated_at
		 FROM corporations WHERE corporation_id = $1 AND updated_at > now() - $2`,
		corporationID, freshnessWindow,
	).Scan(&c.CorporationID, &c.Name, &c.Ticker, &c.AllianceID, &c.FactionID,
		&c.MemberCount, &c.CreatedAt, &c.UpdatedAt)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to load corporation %d: %w", corporationID, err)
	}

	if IsNPCCorporation(corporationID) {
		return s.npcCorporation(ctx, corporationID)
	}

	resp, err := s.entities.GetCorporation(ctx, corporationID)
	if err != nil {
		if errors.Is(err, evegateway.ErrNotFound) {
			slog.WarnContext(ctx, "Corporation not found upstream", "corporation_id", corporationID)
			return nil, nil
		}
		return nil, err
	}

	memberCount := int32(resp.MemberCount)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO corporations (corporation_id, name, ticker, alliance_id, faction_id, member_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (corporation_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   ticker = EXCLUDED.ticker,
		   alliance_id = EXCLUDED.alliance_id,
		   faction_id = EXCLUDED.faction_id,
		   member_count = EXCLUDED.member_count,
		   updated_at = now()`,
		corporationID, resp.Name, resp.Ticker, resp.AllianceID, resp.FactionID, memberCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert corporation %d: %w", corporationID, err)
	}

	return &models.Corporation{
		CorporationID: corporationID,
		Name:          resp.Name,
		Ticker:        resp.Ticker,
		AllianceID:    resp.AllianceID,
		FactionID:     resp.FactionID,
		MemberCount:   &memberCount,
	}, nil
}

// npcCorporation copies the static reference row into corporations
func (s *Service) npcCorporation(ctx context.Context, corporationID int64) (*models.Corporation, error) {
	var c models.Corporation
	err := s.pool.QueryRow(ctx,
		`SELECT corporation_id, name, ticker, faction_id FROM npc_corporations WHERE corporation_id = $1`,
		corporationID,
	).Scan(&c.CorporationID, &c.Name, &c.Ticker, &c.FactionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			slog.WarnContext(ctx, "NPC corporation missing from reference table",
				"corporation_id", corporationID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load npc corporation %d: %w", corporationID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO corporations (corporation_id, name, ticker, faction_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (corporation_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   ticker = EXCLUDED.ticker,
		   faction_id = EXCLUDED.faction_id,
		   updated_at = now()`,
		c.CorporationID, c.Name, c.Ticker, c.FactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert npc corporation %d: %w", corporationID, err)
	}
	return &c, nil
}

// GetAlliance returns a fresh cached alliance or refreshes it upstream
func (s *Service) GetAlliance(ctx context.Context, allianceID int64) (*models.Alliance, error) {
	var a models.Alliance
	err := s.pool.QueryRow(ctx,
		`SELECT alliance_id, name, ticker, faction_id, created_at, updated_at
		 FROM alliances WHERE alliance_id = $1 AND updated_at > now() - $2`,
		allianceID, freshnessWindow,
	).Scan(&a.AllianceID, &a.Name, &a.Ticker, &a.FactionID, &a.CreatedAt, &a.UpdatedAt)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to load alliance %d: %w", allianceID, err)
	}

	resp, err := s.entities.GetAlliance(ctx, allianceID)
	if err != nil {
		if errors.Is(err, evegateway.ErrNotFound) {
			slog.WarnContext(ctx, "Alliance not found upstream", "alliance_id", allianceID)
			return nil, nil
		}
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO alliances (alliance_id, name, ticker, faction_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (alliance_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   ticker = EXCLUDED.ticker,
		   faction_id = EXCLUDED.faction_id,
		   updated_at = now()`,
		allianceID, resp.Name, resp.Ticker, resp.FactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert alliance %d: %w", allianceID, err)
	}

	return &models.Alliance{
		AllianceID: allianceID,
		Name:       resp.Name,
		Ticker:     resp.Ticker,
		FactionID:  resp.FactionID,
	}, nil
}

// GetType returns a cached type. A row with a null category_id counts as
// stale even inside the freshness window; the category comes from the
// type's group and needs a second upstream call.
func (s *Service) GetType(ctx context.Context, typeID int64) (*models.Type, error) {
	var t models.Type
	err := s.pool.QueryRow(ctx,
		`SELECT type_id, name, group_id, category_id, published, updated_at
		 FROM types
		 WHERE type_id = $1 AND category_id IS NOT NULL AND updated_at > now() - $2`,
		typeID, freshnessWindow,
	).Scan(&t.TypeID, &t.Name, &t.GroupID, &t.CategoryID, &t.Published, &t.UpdatedAt)
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to load type %d: %w", typeID, err)
	}

	resp, err := s.universe.GetType(ctx, typeID)
	if err != nil {
		if errors.Is(err, evegateway.ErrNotFound) {
			slog.WarnContext(ctx, "Type not found upstream", "type_id", typeID)
			return nil, nil
		}
		return nil, err
	}

	var categoryID *int64
	group, err := s.universe.GetGroup(ctx, resp.GroupID)
	switch {
	case err == nil:
		categoryID = &group.CategoryID
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO groups (group_id, name, category_id)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (group_id) DO UPDATE SET
			   name = EXCLUDED.name,
			   category_id = EXCLUDED.category_id`,
			group.GroupID, group.Name, group.CategoryID,
		); err != nil {
			return nil, fmt.Errorf("failed to upsert group %d: %w", group.GroupID, err)
		}
	case errors.Is(err, evegateway.ErrNotFound):
		// Type stays stale; a later sweep retries the group.
		slog.WarnContext(ctx, "Group not found upstream", "group_id", resp.GroupID, "type_id", typeID)
	default:
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO types (type_id, name, group_id, category_id, published)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (type_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   group_id = EXCLUDED.group_id,
		   category_id = EXCLUDED.category_id,
		   published = EXCLUDED.published,
		   updated_at = now()`,
		typeID, resp.Name, resp.GroupID, categoryID, resp.Published,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert type %d: %w", typeID, err)
	}

	return &models.Type{
		TypeID:     typeID,
		Name:       resp.Name,
		GroupID:    resp.GroupID,
		CategoryID: categoryID,
		Published:  resp.Published,
	}, nil
}

// ResolveSolarSystem caches a solar system with its region, for the
// publisher's name joins
func (s *Service) ResolveSolarSystem(ctx context.Context, solarSystemID int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM solar_systems WHERE solar_system_id = $1 AND region_id IS NOT NULL)`,
		solarSystemID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check solar system %d: %w", solarSystemID, err)
	}
	if exists {
		return nil
	}

	system, err := s.universe.GetSolarSystem(ctx, solarSystemID)
	if err != nil {
		if errors.Is(err, evegateway.ErrNotFound) {
			slog.WarnContext(ctx, "Solar system not found upstream", "solar_system_id", solarSystemID)
			return nil
		}
		return err
	}

	var regionID *int64
	constellation, err := s.universe.GetConstellation(ctx, system.ConstellationID)
	if err == nil {
		regionID = &constellation.RegionID
		region, err := s.universe.GetRegion(ctx, constellation.RegionID)
		if err == nil {
			if _, err := s.pool.Exec(ctx,
				`INSERT INTO regions (region_id, name) VALUES ($1, $2)
				 ON CONFLICT (region_id) DO UPDATE SET name = EXCLUDED.name`,
				region.RegionID, region.Name,
			); err != nil {
				return fmt.Errorf("failed to upsert region %d: %w", region.RegionID, err)
			}
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO solar_systems (solar_system_id, name, region_id, constellation_id, security)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (solar_system_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   region_id = EXCLUDED.region_id,
		   constellation_id = EXCLUDED.constellation_id,
		   security = EXCLUDED.security`,
		solarSystemID, system.Name, regionID, system.ConstellationID, system.SecurityStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert solar system %d: %w", solarSystemID, err)
	}
	return nil
}

// ResolveWar caches the war declaration a killmail references. Wars
// never change identity, so an existing row is final; the aggressor and
// defender ids prefer the alliance over the corporation.
func (s *Service) ResolveWar(ctx context.Context, warID int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wars WHERE war_id = $1)`, warID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check war %d: %w", warID, err)
	}
	if exists {
		return nil
	}

	war, err := s.universe.GetWar(ctx, warID)
	if err != nil {
		if errors.Is(err, evegateway.ErrNotFound) {
			slog.WarnContext(ctx, "War not found upstream", "war_id", warID)
			return nil
		}
		return err
	}

	side := func(allianceID, corporationID *int64) *int64 {
		if allianceID != nil {
			return allianceID
		}
		return corporationID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO wars (war_id, aggressor_id, defender_id, declared_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (war_id) DO NOTHING`,
		warID,
		side(war.Aggressor.AllianceID, war.Aggressor.CorporationID),
		side(war.Defender.AllianceID, war.Defender.CorporationID),
		war.Declared, war.Finished,
	)
	if err != nil {
		return fmt.Errorf("failed to insert war %d: %w", warID, err)
	}
	return nil
}

// StaleTypes lists type ids needing a refresh, capped at limit
func (s *Service) StaleTypes(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT type_id FROM types
		 WHERE category_id IS NULL OR updated_at <= now() - $1
		 ORDER BY updated_at LIMIT $2`,
		freshnessWindow, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale types: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleEntities lists (kind, id) pairs past the freshness window, capped
// per kind, for the scheduler's refresh sweep
func (s *Service) StaleEntities(ctx context.Context, limitPerKind int) (map[string][]int64, error) {
	stale := make(map[string][]int64)

	queries := map[string]string{
		"character":   `SELECT character_id FROM characters WHERE updated_at <= now() - $1 ORDER BY updated_at LIMIT $2`,
		"corporation": `SELECT corporation_id FROM corporations WHERE updated_at <= now() - $1 ORDER BY updated_at LIMIT $2`,
		"alliance":    `SELECT alliance_id FROM alliances WHERE updated_at <= now() - $1 ORDER BY updated_at LIMIT $2`,
	}

	for kind, query := range queries {
		rows, err := s.pool.Query(ctx, query, freshnessWindow, limitPerKind)
		if err != nil {
			return nil, fmt.Errorf("failed to list stale %ss: %w", kind, err)
		}

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			stale[kind] = append(stale[kind], id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return stale, nil
}
