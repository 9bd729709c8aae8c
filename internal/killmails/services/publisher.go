package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go-kestrel/internal/killmails/models"
	"go-kestrel/pkg/database"
)

// PublishChannel is the downstream pub/sub topic
const PublishChannel = "killmails"

// Publisher assembles enriched killmail documents and publishes them on
// the downstream channel
type Publisher struct {
	repository *Repository
	db         *database.Postgres
	redis      *database.Redis
}

// NewPublisher creates a new killmail publisher
func NewPublisher(repository *Repository, db *database.Postgres, redis *database.Redis) *Publisher {
	return &Publisher{repository: repository, db: db, redis: redis}
}

// Publish loads the killmail, joins in the resolved names, and publishes
// the document. Missing names are omitted, never an error: enrichment is
// best-effort and entity fetches may still be in flight.
func (p *Publisher) Publish(ctx context.Context, killmailID int64) error {
	if p.redis == nil {
		slog.DebugContext(ctx, "Redis unavailable, skipping publish",
			"killmail_id", killmailID)
		return nil
	}

	full, err := p.repository.Get(ctx, killmailID)
	if err != nil {
		return err
	}

	enriched := models.Enriched{Full: *full}
	p.resolveNames(ctx, &enriched)

	payload, err := json.Marshal(enriched)
	if err != nil {
		return fmt.Errorf("failed to encode killmail %d: %w", killmailID, err)
	}

	if err := p.redis.Publish(ctx, PublishChannel, payload); err != nil {
		return fmt.Errorf("failed to publish killmail %d: %w", killmailID, err)
	}

	slog.DebugContext(ctx, "Killmail published",
		"killmail_id", killmailID,
		"channel", PublishChannel,
		"total_value", enriched.Killmail.TotalValue)
	return nil
}

func (p *Publisher) resolveNames(ctx context.Context, enriched *models.Enriched) {
	pool := p.db.Pool

	lookup := func(query string, id int64) string {
		var name string
		if err := pool.QueryRow(ctx, query, id).Scan(&name); err != nil {
			return ""
		}
		return name
	}

	enriched.SolarSystemName = lookup(
		`SELECT name FROM solar_systems WHERE solar_system_id = $1`,
		enriched.Killmail.SolarSystemID)
	enriched.RegionName = lookup(
		`SELECT r.name FROM regions r
		 JOIN solar_systems s ON s.region_id = r.region_id
		 WHERE s.solar_system_id = $1`,
		enriched.Killmail.SolarSystemID)
	enriched.ShipTypeName = lookup(
		`SELECT name FROM types WHERE type_id = $1`,
		enriched.Victim.ShipTypeID)

	if enriched.Victim.CharacterID != nil {
		enriched.VictimNames.Character = lookup(
			`SELECT name FROM characters WHERE character_id = $1`,
			*enriched.Victim.CharacterID)
	}
	if enriched.Victim.CorporationID != nil {
		enriched.VictimNames.Corporation = lookup(
			`SELECT name FROM corporations WHERE corporation_id = $1`,
			*enriched.Victim.CorporationID)
	}
	if enriched.Victim.AllianceID != nil {
		enriched.VictimNames.Alliance = lookup(
			`SELECT name FROM alliances WHERE alliance_id = $1`,
			*enriched.Victim.AllianceID)
	}

	for _, a := range enriched.Attackers {
		if a.CharacterID == nil {
			continue
		}
		name := lookup(`SELECT name FROM characters WHERE character_id = $1`, *a.CharacterID)
		if name == "" {
			continue
		}
		if enriched.AttackerNames == nil {
			enriched.AttackerNames = make(map[int64]string)
		}
		enriched.AttackerNames[*a.CharacterID] = name
	}
}
