package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// maxParamsPerStatement bounds one multi-row INSERT. Postgres caps bind
// parameters at 65535; staying well below keeps statements cheap to plan.
const maxParamsPerStatement = 30000

// ConflictMode controls what a bulk insert does on a unique violation
type ConflictMode int

const (
	// ConflictNone runs a plain INSERT.
	ConflictNone ConflictMode = iota
	// ConflictDoNothing skips conflicting rows.
	ConflictDoNothing
	// ConflictUpdate updates the listed columns on conflict.
	ConflictUpdate
)

// BulkInsert describes one chunked multi-row INSERT
type BulkInsert struct {
	Table    string
	Columns  []string
	Conflict ConflictMode
	// ConflictTarget is the conflicting column list, e.g. "killmail_id".
	ConflictTarget string
	// UpdateColumns are the columns rewritten on ConflictUpdate.
	UpdateColumns []string
}

// Exec inserts all rows through as many chunked statements as the
// parameter budget requires, inside the caller's transaction. Each row
// must have exactly len(Columns) values. Returns the number of rows
// actually written.
func (b *BulkInsert) Exec(ctx context.Context, tx pgx.Tx, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	cols := len(b.Columns)
	if cols == 0 {
		return 0, fmt.Errorf("bulk insert into %s has no columns", b.Table)
	}
	for i, row := range rows {
		if len(row) != cols {
			return 0, fmt.Errorf("bulk insert into %s: row %d has %d values, want %d", b.Table, i, len(row), cols)
		}
	}

	rowsPerChunk := maxParamsPerStatement / cols
	if rowsPerChunk < 1 {
		rowsPerChunk = 1
	}

	var written int64
	for start := 0; start < len(rows); start += rowsPerChunk {
		end := start + rowsPerChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		query, args := b.buildStatement(chunk)
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return written, fmt.Errorf("bulk insert into %s: %w", b.Table, err)
		}
		written += tag.RowsAffected()
	}
	return written, nil
}

func (b *BulkInsert) buildStatement(chunk [][]any) (string, []any) {
	cols := len(b.Columns)

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.Table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(b.Columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(chunk)*cols)
	for i, row := range chunk {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for j := range row {
			if j > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*cols+j+1)
		}
		sb.WriteByte(')')
		args = append(args, row...)
	}

	switch b.Conflict {
	case ConflictDoNothing:
		sb.WriteString(" ON CONFLICT")
		if b.ConflictTarget != "" {
			fmt.Fprintf(&sb, " (%s)", b.ConflictTarget)
		}
		sb.WriteString(" DO NOTHING")
	case ConflictUpdate:
		fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET ", b.ConflictTarget)
		for i, col := range b.UpdateColumns {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s = EXCLUDED.%s", col, col)
		}
	}

	return sb.String(), args
}
