package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-kestrel/internal/killmails/models"
	"go-kestrel/pkg/database"
)

// ErrKillmailNotFound is returned when a killmail id is not stored
var ErrKillmailNotFound = errors.New("killmail not found")

// Repository persists killmails and their children
type Repository struct {
	db   *database.Postgres
	pool *pgxpool.Pool
}

// NewRepository creates a new killmail repository
func NewRepository(db *database.Postgres) *Repository {
	return &Repository{db: db, pool: db.Pool}
}

// Exists reports whether a killmail id is already stored
func (r *Repository) Exists(ctx context.Context, killmailID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM killmails WHERE killmail_id = $1)`,
		killmailID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check killmail %d: %w", killmailID, err)
	}
	return exists, nil
}

// ExistingIDs filters ids down to those already stored. Used by the
// backfill and listener dedup paths.
func (r *Repository) ExistingIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	existing := make(map[int64]bool)
	if len(ids) == 0 {
		return existing, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT killmail_id FROM killmails WHERE killmail_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing killmails: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan killmail id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// Touch bumps updated_at on an already stored killmail
func (r *Repository) Touch(ctx context.Context, killmailID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE killmails SET updated_at = now() WHERE killmail_id = $1`,
		killmailID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch killmail %d: %w", killmailID, err)
	}
	return nil
}

var attackerInsert = BulkInsert{
	Table: "attackers",
	Columns: []string{
		"killmail_id", "character_id", "corporation_id", "alliance_id",
		"faction_id", "ship_type_id", "weapon_type_id", "damage_done",
		"final_blow", "security_status",
	},
	Conflict: ConflictDoNothing,
}

var itemInsert = BulkInsert{
	Table: "items",
	Columns: []string{
		"killmail_id", "seq", "parent_seq", "item_type_id", "flag",
		"singleton", "quantity_dropped", "quantity_destroyed",
	},
	Conflict:       ConflictDoNothing,
	ConflictTarget: "killmail_id, seq",
}

// Store writes a full killmail in one transaction. Returns false when the
// killmail id was already present; in that case only updated_at is bumped
// and no children are written.
func (r *Repository) Store(ctx context.Context, full *models.Full) (bool, error) {
	inserted := false
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		km := full.Killmail
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO killmails (killmail_id, killmail_hash, kill_time, solar_system_id,
			   moon_id, war_id, attacker_count, is_solo, is_npc, is_awox,
			   ship_value, fitted_value, dropped_value, destroyed_value, total_value)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, 0, 0, 0)
			 ON CONFLICT (killmail_id) DO NOTHING
			 RETURNING id`,
			km.KillmailID, km.Hash, km.KillTime, km.SolarSystemID,
			km.MoonID, km.WarID, km.AttackerCount, km.IsSolo, km.IsNPC, km.IsAwox,
		).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Already stored; bump the timestamp inside the same tx.
				_, touchErr := tx.Exec(ctx,
					`UPDATE killmails SET updated_at = now() WHERE killmail_id = $1`,
					km.KillmailID)
				return touchErr
			}
			return fmt.Errorf("failed to insert killmail %d: %w", km.KillmailID, err)
		}

		v := full.Victim
		if _, err := tx.Exec(ctx,
			`INSERT INTO victims (killmail_id, character_id, corporation_id,
			   alliance_id, faction_id, ship_type_id, damage_taken,
			   position_x, position_y, position_z)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (killmail_id) DO NOTHING`,
			km.KillmailID, v.CharacterID, v.CorporationID, v.AllianceID,
			v.FactionID, v.ShipTypeID, v.DamageTaken,
			v.PositionX, v.PositionY, v.PositionZ,
		); err != nil {
			return fmt.Errorf("failed to insert victim for %d: %w", km.KillmailID, err)
		}

		attackerRows := make([][]any, 0, len(full.Attackers))
		for _, a := range full.Attackers {
			attackerRows = append(attackerRows, []any{
				km.KillmailID, a.CharacterID, a.CorporationID, a.AllianceID,
				a.FactionID, a.ShipTypeID, a.WeaponTypeID, a.DamageDone,
				a.FinalBlow, a.SecurityStatus,
			})
		}
		if _, err := attackerInsert.Exec(ctx, tx, attackerRows); err != nil {
			return err
		}

		itemRows := make([][]any, 0, len(full.Items))
		for _, it := range full.Items {
			itemRows = append(itemRows, []any{
				km.KillmailID, it.Seq, it.ParentSeq, it.ItemTypeID, it.Flag,
				it.Singleton, it.QuantityDropped, it.QuantityDestroyed,
			})
		}
		if _, err := itemInsert.Exec(ctx, tx, itemRows); err != nil {
			return err
		}

		inserted = true
		return nil
	})
	return inserted, err
}

// UpdateValues writes the five derived ISK figures
func (r *Repository) UpdateValues(ctx context.Context, killmailID int64, values models.Values) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE killmails
		 SET ship_value = $2, fitted_value = $3, dropped_value = $4,
		     destroyed_value = $5, total_value = $6, updated_at = now()
		 WHERE killmail_id = $1`,
		killmailID, values.ShipValue, values.FittedValue,
		values.DroppedValue, values.DestroyedValue, values.TotalValue,
	)
	if err != nil {
		return fmt.Errorf("failed to update values for %d: %w", killmailID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update values: %w", ErrKillmailNotFound)
	}
	return nil
}

// Get loads a full killmail with its children
func (r *Repository) Get(ctx context.Context, killmailID int64) (*models.Full, error) {
	var full models.Full

	km := &full.Killmail
	err := r.pool.QueryRow(ctx,
		`SELECT id, killmail_id, killmail_hash, kill_time, solar_system_id, moon_id,
		   war_id, attacker_count, is_solo, is_npc, is_awox,
		   ship_value, fitted_value, dropped_value, destroyed_value,
		   total_value, created_at, updated_at
		 FROM killmails WHERE killmail_id = $1`,
		killmailID,
	).Scan(
		&km.ID, &km.KillmailID, &km.Hash, &km.KillTime, &km.SolarSystemID,
		&km.MoonID, &km.WarID, &km.AttackerCount, &km.IsSolo, &km.IsNPC,
		&km.IsAwox, &km.ShipValue, &km.FittedValue, &km.DroppedValue,
		&km.DestroyedValue, &km.TotalValue, &km.CreatedAt, &km.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("killmail %d: %w", killmailID, ErrKillmailNotFound)
		}
		return nil, fmt.Errorf("failed to load killmail %d: %w", killmailID, err)
	}

	v := &full.Victim
	err = r.pool.QueryRow(ctx,
		`SELECT killmail_id, character_id, corporation_id, alliance_id,
		   faction_id, ship_type_id, damage_taken, position_x, position_y, position_z
		 FROM victims WHERE killmail_id = $1`,
		killmailID,
	).Scan(
		&v.KillmailID, &v.CharacterID, &v.CorporationID, &v.AllianceID,
		&v.FactionID, &v.ShipTypeID, &v.DamageTaken,
		&v.PositionX, &v.PositionY, &v.PositionZ,
	)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to load victim for %d: %w", killmailID, err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT killmail_id, character_id, corporation_id, alliance_id,
		   faction_id, ship_type_id, weapon_type_id, damage_done,
		   final_blow, security_status
		 FROM attackers WHERE killmail_id = $1 ORDER BY damage_done DESC`,
		killmailID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load attackers for %d: %w", killmailID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Attacker
		if err := rows.Scan(
			&a.KillmailID, &a.CharacterID, &a.CorporationID, &a.AllianceID,
			&a.FactionID, &a.ShipTypeID, &a.WeaponTypeID, &a.DamageDone,
			&a.FinalBlow, &a.SecurityStatus,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attacker: %w", err)
		}
		full.Attackers = append(full.Attackers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemRows, err := r.pool.Query(ctx,
		`SELECT killmail_id, seq, parent_seq, item_type_id, flag, singleton,
		   quantity_dropped, quantity_destroyed
		 FROM items WHERE killmail_id = $1 ORDER BY seq`,
		killmailID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load items for %d: %w", killmailID, err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var it models.Item
		if err := itemRows.Scan(
			&it.KillmailID, &it.Seq, &it.ParentSeq, &it.ItemTypeID, &it.Flag,
			&it.Singleton, &it.QuantityDropped, &it.QuantityDestroyed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		full.Items = append(full.Items, it)
	}
	return &full, itemRows.Err()
}
