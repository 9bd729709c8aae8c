package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-kestrel/pkg/config"
	"go-kestrel/pkg/evegateway"
	esimarket "go-kestrel/pkg/evegateway/market"
)

// defaultRegionID is The Forge, the reference market
const defaultRegionID = 10000002

// blueprintCategoryID marks blueprint types in the category tree
const blueprintCategoryID = 9

// nominalPrice is the fallback when no market data exists for a type
const nominalPrice = 0.01

// fetchWindow is one attempt of the price fetch ladder
type fetchWindow struct {
	days         int
	useReference bool
}

// fetchLadder is tried in order; the first window yielding data wins.
var fetchLadder = []fetchWindow{
	{days: 14, useReference: true},
	{days: 30, useReference: true},
	{days: 90, useReference: true},
	{days: 14, useReference: false},
}

// Service fetches and stores market prices and answers price lookups
type Service struct {
	pool     *pgxpool.Pool
	market   esimarket.Client
	regionID int64
}

// NewService creates a new price service. The reference region comes from
// PRICE_REGION_ID, defaulting to The Forge.
func NewService(pool *pgxpool.Pool, market esimarket.Client) *Service {
	return &Service{
		pool:     pool,
		market:   market,
		regionID: config.GetInt64Env("PRICE_REGION_ID", defaultRegionID),
	}
}

// FetchAndStore pulls the market history for a type and upserts the rows
// falling inside the first non-empty window of the fetch ladder.
// referenceDate anchors the windows; a zero value means now.
func (s *Service) FetchAndStore(ctx context.Context, typeID int64, referenceDate time.Time) (int, error) {
	history, err := s.market.GetMarketHistory(ctx, s.regionID, typeID)
	if err != nil {
		if errors.Is(err, evegateway.ErrNotFound) {
			// Not everything trades; the nominal fallback covers it.
			slog.DebugContext(ctx, "No market history for type", "type_id", typeID)
			return 0, nil
		}
		return 0, err
	}
	if len(history) == 0 {
		return 0, nil
	}

	entries := s.selectWindow(history, referenceDate)
	if len(entries) == 0 {
		return 0, nil
	}

	stored := 0
	for _, entry := range entries {
		date, err := time.Parse("2006-01-02", entry.Date)
		if err != nil {
			continue
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO prices (type_id, region_id, price_date, average, highest, lowest, order_count, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (type_id, region_id, price_date) DO UPDATE SET
			   average = EXCLUDED.average,
			   highest = EXCLUDED.highest,
			   lowest = EXCLUDED.lowest,
			   order_count = EXCLUDED.order_count,
			   volume = EXCLUDED.volume`,
			typeID, s.regionID, date, entry.Average, entry.Highest, entry.Lowest,
			entry.OrderCount, entry.Volume,
		)
		if err != nil {
			return stored, fmt.Errorf("failed to store price for type %d: %w", typeID, err)
		}
		stored++
	}

	slog.DebugContext(ctx, "Prices stored", "type_id", typeID, "rows", stored)
	return stored, nil
}

// selectWindow walks the fetch ladder and returns the entries of the
// first window that contains any data.
func (s *Service) selectWindow(history []esimarket.HistoryEntry, referenceDate time.Time) []esimarket.HistoryEntry {
	for _, window := range fetchLadder {
		anchor := referenceDate
		if !window.useReference || anchor.IsZero() {
			anchor = time.Now().UTC()
		}
		from := anchor.AddDate(0, 0, -window.days)

		var selected []esimarket.HistoryEntry
		for _, entry := range history {
			date, err := time.Parse("2006-01-02", entry.Date)
			if err != nil {
				continue
			}
			if !date.Before(from) && !date.After(anchor) {
				selected = append(selected, entry)
			}
		}
		if len(selected) > 0 {
			return selected
		}
	}
	return nil
}

// PriceFor returns the stored price for a type at a date: the row nearest
// the date by absolute distance, earlier date on a tie, or the nominal
// fallback when the type has no market data. Implements the value
// calculator's oracle.
func (s *Service) PriceFor(ctx context.Context, typeID int64, date time.Time) (float64, error) {
	var price float64
	err := s.pool.QueryRow(ctx,
		`SELECT average FROM prices
		 WHERE type_id = $1
		 ORDER BY ABS(EXTRACT(EPOCH FROM (price_date::timestamptz - $2::timestamptz))), price_date
		 LIMIT 1`,
		typeID, date,
	).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nominalPrice, nil
		}
		return 0, fmt.Errorf("failed to look up price for type %d: %w", typeID, err)
	}
	return price, nil
}

// IsBlueprint reports whether a type sits in the blueprint category.
// Unknown types are not blueprints.
func (s *Service) IsBlueprint(ctx context.Context, typeID int64) (bool, error) {
	var categoryID *int64
	err := s.pool.QueryRow(ctx,
		`SELECT category_id FROM types WHERE type_id = $1`,
		typeID,
	).Scan(&categoryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check type %d: %w", typeID, err)
	}
	return categoryID != nil && *categoryID == blueprintCategoryID, nil
}

// TypesMissingFreshPrices lists type ids on stored killmails without a
// price row in the last window days, for the scheduler's price sweep
func (s *Service) TypesMissingFreshPrices(ctx context.Context, windowDays, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT t.type_id FROM types t
		 WHERE NOT EXISTS (
		   SELECT 1 FROM prices p
		   WHERE p.type_id = t.type_id AND p.price_date > now()::date - $1
		 )
		 LIMIT $2`,
		windowDays, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list types missing prices: %w", err)
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
