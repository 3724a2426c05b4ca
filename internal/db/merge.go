package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Merge loads a batch of rows into Table keyed by Key. Rows are copied
// into a staging table that lives for one transaction, then merged with a
// single INSERT ... ON CONFLICT, so a repeated key keeps the incoming values.
type Merge struct {
	Table string
	Key   []string
	Cols  []string
}

func (m Merge) validate() error {
	switch {
	case m.Table == "":
		return eris.New("db: merge: no table")
	case len(m.Cols) == 0:
		return eris.Errorf("db: merge %s: no columns", m.Table)
	case len(m.Key) == 0:
		return eris.Errorf("db: merge %s: no key", m.Table)
	}
	for _, k := range m.Key {
		if !contains(m.Cols, k) {
			return eris.Errorf("db: merge %s: key %q is not a loaded column", m.Table, k)
		}
	}
	return nil
}

// staging names the per-transaction copy of Table.
func (m Merge) staging() string {
	return "stage_" + strings.ReplaceAll(m.Table, ".", "_")
}

func (m Merge) stageSQL() string {
	return "CREATE TEMP TABLE " + pgx.Identifier{m.staging()}.Sanitize() +
		" (LIKE " + tableIdent(m.Table) + " INCLUDING DEFAULTS) ON COMMIT DROP"
}

func (m Merge) mergeSQL() string {
	cols := identList(m.Cols)
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(tableIdent(m.Table))
	sb.WriteString(" (" + cols + ") SELECT " + cols + " FROM ")
	sb.WriteString(pgx.Identifier{m.staging()}.Sanitize())
	sb.WriteString(" ON CONFLICT (" + identList(m.Key) + ")")

	var sets []string
	for _, c := range m.Cols {
		if contains(m.Key, c) {
			continue
		}
		id := pgx.Identifier{c}.Sanitize()
		sets = append(sets, id+" = EXCLUDED."+id)
	}
	if len(sets) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
	}
	return sb.String()
}

// Load merges rows and returns the number of rows written.
func (m Merge) Load(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := m.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: begin", m.Table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, m.stageSQL()); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: stage", m.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{m.staging()}, m.Cols, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: copy", m.Table)
	}
	tag, err := tx.Exec(ctx, m.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: insert", m.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: commit", m.Table)
	}
	return tag.RowsAffected(), nil
}

// tableIdent quotes a table name, keeping an optional schema prefix.
func tableIdent(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func identList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
