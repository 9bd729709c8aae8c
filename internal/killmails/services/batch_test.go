package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkInsert_BuildStatement(t *testing.T) {
	insert := BulkInsert{
		Table:   "items",
		Columns: []string{"killmail_id", "seq", "item_type_id"},
	}

	query, args := insert.buildStatement([][]any{
		{int64(1), int32(0), int64(34)},
		{int64(1), int32(1), int64(35)},
	})

	assert.Equal(t,
		"INSERT INTO items (killmail_id, seq, item_type_id) VALUES ($1,$2,$3),($4,$5,$6)",
		query)
	assert.Len(t, args, 6)
}

func TestBulkInsert_ConflictClauses(t *testing.T) {
	rows := [][]any{{int64(1), "x"}}

	doNothing := BulkInsert{
		Table:          "killmails",
		Columns:        []string{"killmail_id", "killmail_hash"},
		Conflict:       ConflictDoNothing,
		ConflictTarget: "killmail_id",
	}
	query, _ := doNothing.buildStatement(rows)
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT (killmail_id) DO NOTHING"), query)

	update := BulkInsert{
		Table:          "prices",
		Columns:        []string{"type_id", "average"},
		Conflict:       ConflictUpdate,
		ConflictTarget: "type_id",
		UpdateColumns:  []string{"average"},
	}
	query, _ = update.buildStatement(rows)
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT (type_id) DO UPDATE SET average = EXCLUDED.average"), query)
}

func TestBulkInsert_ChunkMath(t *testing.T) {
	// 8 columns → 3750 rows per chunk under the 30000 parameter budget.
	cols := make([]string, 8)
	for i := range cols {
		cols[i] = fmt.Sprintf("c%d", i)
	}

	rowsPerChunk := maxParamsPerStatement / len(cols)
	assert.Equal(t, 3750, rowsPerChunk)
	assert.LessOrEqual(t, rowsPerChunk*len(cols), maxParamsPerStatement)

	// One more column per row drops the chunk size.
	assert.Less(t, maxParamsPerStatement/9, rowsPerChunk)
}

func TestBulkInsert_RejectsRaggedRows(t *testing.T) {
	insert := BulkInsert{
		Table:   "items",
		Columns: []string{"a", "b"},
	}

	_, err := insert.Exec(context.Background(), nil, [][]any{{1, 2}, {1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 1")
}

func TestBulkInsert_EmptyRowsIsNoop(t *testing.T) {
	insert := BulkInsert{Table: "items", Columns: []string{"a"}}
	n, err := insert.Exec(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
