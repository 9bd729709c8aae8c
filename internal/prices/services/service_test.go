package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esimarket "go-kestrel/pkg/evegateway/market"
)

func day(t time.Time, offset int) string {
	return t.AddDate(0, 0, offset).Format("2006-01-02")
}

func TestSelectWindow_FirstWindowWins(t *testing.T) {
	s := &Service{regionID: defaultRegionID}
	ref := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	history := []esimarket.HistoryEntry{
		{Date: day(ref, -3), Average: 10},
		{Date: day(ref, -60), Average: 20},
	}

	selected := s.selectWindow(history, ref)
	assert.Len(t, selected, 1)
	assert.Equal(t, 10.0, selected[0].Average)
}

func TestSelectWindow_WidensToThirtyThenNinetyDays(t *testing.T) {
	s := &Service{regionID: defaultRegionID}
	ref := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	t.Run("30d window", func(t *testing.T) {
		history := []esimarket.HistoryEntry{{Date: day(ref, -25), Average: 42}}
		selected := s.selectWindow(history, ref)
		assert.Len(t, selected, 1)
		assert.Equal(t, 42.0, selected[0].Average)
	})

	t.Run("90d window", func(t *testing.T) {
		history := []esimarket.HistoryEntry{{Date: day(ref, -70), Average: 7}}
		selected := s.selectWindow(history, ref)
		assert.Len(t, selected, 1)
		assert.Equal(t, 7.0, selected[0].Average)
	})
}

func TestSelectWindow_FallsBackToUnanchoredWindow(t *testing.T) {
	s := &Service{regionID: defaultRegionID}

	// Reference long in the past; only recent data exists. The final
	// (14d, no reference) rung anchors at now and finds it.
	ref := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()

	history := []esimarket.HistoryEntry{{Date: day(now, -2), Average: 99}}
	selected := s.selectWindow(history, ref)
	assert.Len(t, selected, 1)
	assert.Equal(t, 99.0, selected[0].Average)
}

func TestSelectWindow_EmptyHistory(t *testing.T) {
	s := &Service{regionID: defaultRegionID}
	assert.Nil(t, s.selectWindow(nil, time.Now()))

	// Unparseable dates are skipped, not fatal.
	selected := s.selectWindow([]esimarket.HistoryEntry{{Date: "garbage"}}, time.Now())
	assert.Nil(t, selected)
}

// pricesPool connects to TEST_DATABASE_URL or skips. The database must
// have the migrations applied.
func pricesPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(), `TRUNCATE prices`)
	require.NoError(t, err)
	return pool
}

func seedPrice(t *testing.T, pool *pgxpool.Pool, typeID int64, date time.Time, average float64) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO prices (type_id, region_id, price_date, average, highest, lowest, order_count, volume)
		 VALUES ($1, $2, $3, $4, $4, $4, 1, 1)`,
		typeID, int64(defaultRegionID), date, average)
	require.NoError(t, err)
}

func TestPriceFor_NearestByAbsoluteDistance(t *testing.T) {
	pool := pricesPool(t)
	s := &Service{pool: pool, regionID: defaultRegionID}
	ctx := context.Background()

	target := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	// A row three days before and one a single day after: the future row
	// is closer and wins over the older past row.
	seedPrice(t, pool, 587, target.AddDate(0, 0, -3), 100)
	seedPrice(t, pool, 587, target.AddDate(0, 0, 1), 200)

	price, err := s.PriceFor(ctx, 587, target)
	require.NoError(t, err)
	assert.Equal(t, 200.0, price)
}

func TestPriceFor_TiePrefersEarlierDate(t *testing.T) {
	pool := pricesPool(t)
	s := &Service{pool: pool, regionID: defaultRegionID}
	ctx := context.Background()

	target := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	seedPrice(t, pool, 587, target.AddDate(0, 0, -1), 100)
	seedPrice(t, pool, 587, target.AddDate(0, 0, 1), 200)

	price, err := s.PriceFor(ctx, 587, target)
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)
}

func TestPriceFor_NominalWhenUnpriced(t *testing.T) {
	pool := pricesPool(t)
	s := &Service{pool: pool, regionID: defaultRegionID}

	price, err := s.PriceFor(context.Background(), 999999, time.Now())
	require.NoError(t, err)
	assert.Equal(t, nominalPrice, price)
}

func TestSelectWindow_ZeroReferenceAnchorsAtNow(t *testing.T) {
	s := &Service{regionID: defaultRegionID}
	now := time.Now().UTC()

	history := []esimarket.HistoryEntry{{Date: day(now, -5), Average: 3}}
	selected := s.selectWindow(history, time.Time{})
	assert.Len(t, selected, 1)
}
