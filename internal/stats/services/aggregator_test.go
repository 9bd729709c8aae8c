package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmailServices "go-kestrel/internal/killmails/services"
	"go-kestrel/pkg/database"
)

func statsPayload(killTime time.Time) *killmailServices.StatsPayload {
	return &killmailServices.StatsPayload{
		KillmailID: 1,
		KillTime:   killTime,
		TotalValue: 1000,
		Entities: []killmailServices.StatsEntity{
			{EntityID: 90000001, EntityKind: "character", IsVictim: true},
			{EntityID: 90000002, EntityKind: "character", IsVictim: false},
		},
	}
}

func TestBuildDeltas_KillVsLossSide(t *testing.T) {
	now := time.Now().UTC()
	deltas := buildDeltas(statsPayload(now.Add(-time.Hour)), now)
	require.Len(t, deltas, 2)

	victim, attacker := deltas[0], deltas[1]

	assert.Equal(t, int64(1), victim.Losses)
	assert.Zero(t, victim.Kills)
	assert.Equal(t, 1000.0, victim.IskLost)
	assert.Zero(t, victim.IskDestroyed)

	assert.Equal(t, int64(1), attacker.Kills)
	assert.Zero(t, attacker.Losses)
	assert.Equal(t, 1000.0, attacker.IskDestroyed)
	assert.Zero(t, attacker.IskLost)
}

func TestBuildDeltas_AgeBuckets(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name     string
		age      time.Duration
		in90d    bool
		in30d    bool
		in14d    bool
	}{
		{"hours old", time.Hour, true, true, true},
		{"three weeks", 21 * 24 * time.Hour, true, true, false},
		{"two months", 60 * 24 * time.Hour, true, false, false},
		{"half a year", 180 * 24 * time.Hour, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas := buildDeltas(statsPayload(now.Add(-tt.age)), now)
			require.NotEmpty(t, deltas)
			assert.Equal(t, tt.in90d, deltas[0].In90d)
			assert.Equal(t, tt.in30d, deltas[0].In30d)
			assert.Equal(t, tt.in14d, deltas[0].In14d)
		})
	}
}

func TestBuildDeltas_SoloAndNPCFlags(t *testing.T) {
	now := time.Now().UTC()

	payload := statsPayload(now)
	payload.IsSolo = true
	payload.IsNPC = true

	deltas := buildDeltas(payload, now)
	require.Len(t, deltas, 2)

	victim, attacker := deltas[0], deltas[1]
	assert.Equal(t, int64(1), victim.SoloLosses)
	assert.Equal(t, int64(1), victim.NPCLosses)
	assert.Zero(t, victim.SoloKills)

	assert.Equal(t, int64(1), attacker.SoloKills)
	assert.Equal(t, int64(1), attacker.NPCKills)
	assert.Zero(t, attacker.SoloLosses)
}

// statsDB connects to TEST_DATABASE_URL or skips. The database must have
// the migrations applied.
func statsDB(t *testing.T) *database.Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(), `TRUNCATE entity_stats_cache, types`)
	require.NoError(t, err)
	return &database.Postgres{Pool: pool}
}

func TestApply_RollsTypeStatsUpIntoGroups(t *testing.T) {
	db := statsDB(t)
	a := NewAggregator(db)
	ctx := context.Background()

	// Rifter (type 587) sits in the frigate group 25.
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO types (type_id, name, group_id) VALUES (587, 'Rifter', 25)`)
	require.NoError(t, err)

	payload := statsPayload(time.Now().UTC())
	payload.Entities = append(payload.Entities,
		killmailServices.StatsEntity{EntityID: 587, EntityKind: "type", IsVictim: true})

	require.NoError(t, a.Apply(ctx, payload))

	group, err := a.Get(ctx, 25, "group")
	require.NoError(t, err)
	assert.Equal(t, int64(1), group.LossesAll)
	assert.Equal(t, 1000.0, group.IskLostAll)

	typeStats, err := a.Get(ctx, 587, "type")
	require.NoError(t, err)
	assert.Equal(t, int64(1), typeStats.LossesAll)
}

func TestApply_SkipsTypesWithoutStoredGroup(t *testing.T) {
	db := statsDB(t)
	a := NewAggregator(db)
	ctx := context.Background()

	payload := statsPayload(time.Now().UTC())
	payload.Entities = []killmailServices.StatsEntity{
		{EntityID: 587, EntityKind: "type", IsVictim: false},
	}

	require.NoError(t, a.Apply(ctx, payload))

	_, err := a.Get(ctx, 25, "group")
	assert.Error(t, err, "no group row without a stored type")
}

func TestBucketed(t *testing.T) {
	assert.Equal(t, int64(5), bucketed(true, int64(5)))
	assert.Equal(t, int64(0), bucketed(false, int64(5)))
	assert.Equal(t, 2.5, bucketed(true, 2.5))
	assert.Equal(t, 0.0, bucketed(false, 2.5))
}
