package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	killmailServices "go-kestrel/internal/killmails/services"
	"go-kestrel/internal/stats/models"
	"go-kestrel/pkg/database"
)

// Aggregator maintains the per-entity counters cache
type Aggregator struct {
	db *database.Postgres
}

// NewAggregator creates a new stats aggregator
func NewAggregator(db *database.Postgres) *Aggregator {
	return &Aggregator{db: db}
}

// buildDeltas translates a killmail's stats payload into per-entity
// additive deltas. Age buckets are fixed at processing time.
func buildDeltas(payload *killmailServices.StatsPayload, now time.Time) []models.Delta {
	age := now.Sub(payload.KillTime)
	in90d := age <= 90*24*time.Hour
	in30d := age <= 30*24*time.Hour
	in14d := age <= 14*24*time.Hour

	deltas := make([]models.Delta, 0, len(payload.Entities))
	for _, entity := range payload.Entities {
		delta := models.Delta{
			EntityID:   entity.EntityID,
			EntityKind: entity.EntityKind,
			In90d:      in90d,
			In30d:      in30d,
			In14d:      in14d,
			KillTime:   payload.KillTime,
		}

		if entity.IsVictim {
			delta.Losses = 1
			delta.IskLost = payload.TotalValue
			if payload.IsSolo {
				delta.SoloLosses = 1
			}
			if payload.IsNPC {
				delta.NPCLosses = 1
			}
		} else {
			delta.Kills = 1
			delta.IskDestroyed = payload.TotalValue
			if payload.IsSolo {
				delta.SoloKills = 1
			}
			if payload.IsNPC {
				delta.NPCKills = 1
			}
		}

		deltas = append(deltas, delta)
	}
	return deltas
}

// groupDeltas rolls ship-type deltas up into their groups so group-level
// counters stay in step with type counters. Types not yet refreshed (no
// stored group) are skipped until the entity fetcher fills them in.
func (a *Aggregator) groupDeltas(ctx context.Context, deltas []models.Delta) ([]models.Delta, error) {
	var typeIDs []int64
	for _, d := range deltas {
		if d.EntityKind == "type" {
			typeIDs = append(typeIDs, d.EntityID)
		}
	}
	if len(typeIDs) == 0 {
		return nil, nil
	}

	rows, err := a.db.Pool.Query(ctx,
		`SELECT type_id, group_id FROM types WHERE type_id = ANY($1) AND group_id > 0`,
		typeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve type groups: %w", err)
	}
	defer rows.Close()

	groupByType := make(map[int64]int64)
	for rows.Next() {
		var typeID, groupID int64
		if err := rows.Scan(&typeID, &groupID); err != nil {
			return nil, err
		}
		groupByType[typeID] = groupID
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var groups []models.Delta
	for _, d := range deltas {
		if d.EntityKind != "type" {
			continue
		}
		groupID, ok := groupByType[d.EntityID]
		if !ok {
			continue
		}
		g := d
		g.EntityID = groupID
		g.EntityKind = "group"
		groups = append(groups, g)
	}
	return groups, nil
}

// bucketed zeroes a delta value outside its age bucket
func bucketed[T int64 | float64](in bool, v T) T {
	if in {
		return v
	}
	return 0
}

// Apply commits every entity delta of one killmail in a single
// transaction. The upsert adds deltas to existing counters; last kill and
// loss times only move forward.
func (a *Aggregator) Apply(ctx context.Context, payload *killmailServices.StatsPayload) error {
	deltas := buildDeltas(payload, time.Now().UTC())
	if len(deltas) == 0 {
		return nil
	}

	groups, err := a.groupDeltas(ctx, deltas)
	if err != nil {
		return err
	}
	deltas = append(deltas, groups...)

	err = a.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, d := range deltas {
			var lastKill, lastLoss *time.Time
			if d.Kills > 0 {
				lastKill = &d.KillTime
			}
			if d.Losses > 0 {
				lastLoss = &d.KillTime
			}

			_, err := tx.Exec(ctx,
				`INSERT INTO entity_stats_cache (
				   entity_id, entity_kind,
				   kills_all, kills_90d, kills_30d, kills_14d,
				   losses_all, losses_90d, losses_30d, losses_14d,
				   isk_destroyed_all, isk_destroyed_90d, isk_destroyed_30d, isk_destroyed_14d,
				   isk_lost_all, isk_lost_90d, isk_lost_30d, isk_lost_14d,
				   solo_kills, solo_losses, npc_kills, npc_losses,
				   last_kill_time, last_loss_time
				 ) VALUES (
				   $1, $2,
				   $3, $4, $5, $6,
				   $7, $8, $9, $10,
				   $11, $12, $13, $14,
				   $15, $16, $17, $18,
				   $19, $20, $21, $22,
				   $23, $24
				 )
				 ON CONFLICT (entity_id, entity_kind) DO UPDATE SET
				   kills_all = entity_stats_cache.kills_all + EXCLUDED.kills_all,
				   kills_90d = entity_stats_cache.kills_90d + EXCLUDED.kills_90d,
				   kills_30d = entity_stats_cache.kills_30d + EXCLUDED.kills_30d,
				   kills_14d = entity_stats_cache.kills_14d + EXCLUDED.kills_14d,
				   losses_all = entity_stats_cache.losses_all + EXCLUDED.losses_all,
				   losses_90d = entity_stats_cache.losses_90d + EXCLUDED.losses_90d,
				   losses_30d = entity_stats_cache.losses_30d + EXCLUDED.losses_30d,
				   losses_14d = entity_stats_cache.losses_14d + EXCLUDED.losses_14d,
				   isk_destroyed_all = entity_stats_cache.isk_destroyed_all + EXCLUDED.isk_destroyed_all,
				   isk_destroyed_90d = entity_stats_cache.isk_destroyed_90d + EXCLUDED.isk_destroyed_90d,
				   isk_destroyed_30d = entity_stats_cache.isk_destroyed_30d + EXCLUDED.isk_destroyed_30d,
				   isk_destroyed_14d = entity_stats_cache.isk_destroyed_14d + EXCLUDED.isk_destroyed_14d,
				   isk_lost_all = entity_stats_cache.isk_lost_all + EXCLUDED.isk_lost_all,
				   isk_lost_90d = entity_stats_cache.isk_lost_90d + EXCLUDED.isk_lost_90d,
				   isk_lost_30d = entity_stats_cache.isk_lost_30d + EXCLUDED.isk_lost_30d,
				   isk_lost_14d = entity_stats_cache.isk_lost_14d + EXCLUDED.isk_lost_14d,
				   solo_kills = entity_stats_cache.solo_kills + EXCLUDED.solo_kills,
				   solo_losses = entity_stats_cache.solo_losses + EXCLUDED.solo_losses,
				   npc_kills = entity_stats_cache.npc_kills + EXCLUDED.npc_kills,
				   npc_losses = entity_stats_cache.npc_losses + EXCLUDED.npc_losses,
				   last_kill_time = GREATEST(entity_stats_cache.last_kill_time, EXCLUDED.last_kill_time),
				   last_loss_time = GREATEST(entity_stats_cache.last_loss_time, EXCLUDED.last_loss_time),
				   updated_at = now()`,
				d.EntityID, d.EntityKind,
				d.Kills, bucketed(d.In90d, d.Kills), bucketed(d.In30d, d.Kills), bucketed(d.In14d, d.Kills),
				d.Losses, bucketed(d.In90d, d.Losses), bucketed(d.In30d, d.Losses), bucketed(d.In14d, d.Losses),
				d.IskDestroyed, bucketed(d.In90d, d.IskDestroyed), bucketed(d.In30d, d.IskDestroyed), bucketed(d.In14d, d.IskDestroyed),
				d.IskLost, bucketed(d.In90d, d.IskLost), bucketed(d.In30d, d.IskLost), bucketed(d.In14d, d.IskLost),
				d.SoloKills, d.SoloLosses, d.NPCKills, d.NPCLosses,
				lastKill, lastLoss,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert stats for %s %d: %w", d.EntityKind, d.EntityID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "Entity stats updated",
		"killmail_id", payload.KillmailID,
		"entities", len(deltas))
	return nil
}

// Get reads one entity's counters
func (a *Aggregator) Get(ctx context.Context, entityID int64, entityKind string) (*models.EntityStats, error) {
	var s models.EntityStats
	err := a.db.Pool.QueryRow(ctx,
		`SELECT entity_id, entity_kind,
		   kills_all, kills_90d, kills_30d, kills_14d,
		   losses_all, losses_90d, losses_30d, losses_14d,
		   isk_destroyed_all, isk_destroyed_90d, isk_destroyed_30d, isk_destroyed_14d,
		   isk_lost_all, isk_lost_90d, isk_lost_30d, isk_lost_14d,
		   solo_kills, solo_losses, npc_kills, npc_losses,
		   last_kill_time, last_loss_time, updated_at
		 FROM entity_stats_cache WHERE entity_id = $1 AND entity_kind = $2`,
		entityID, entityKind,
	).Scan(
		&s.EntityID, &s.EntityKind,
		&s.KillsAll, &s.Kills90d, &s.Kills30d, &s.Kills14d,
		&s.LossesAll, &s.Losses90d, &s.Losses30d, &s.Losses14d,
		&s.IskDestroyedAll, &s.IskDestroyed90d, &s.IskDestroyed30d, &s.IskDestroyed14d,
		&s.IskLostAll, &s.IskLost90d, &s.IskLost30d, &s.IskLost14d,
		&s.SoloKills, &s.SoloLosses, &s.NPCKills, &s.NPCLosses,
		&s.LastKillTime, &s.LastLossTime, &s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load stats for %s %d: %w", entityKind, entityID, err)
	}
	return &s, nil
}
