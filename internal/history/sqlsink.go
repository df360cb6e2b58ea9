package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loykin/pavr/internal/status"
)

// SQL dialects understood by SQLSink.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Table is the relational table status transitions are appended to.
const Table = "status_history"

// SQLSink appends events to the status_history table of a SQLite or
// PostgreSQL database. The schema is created if missing.
type SQLSink struct {
	db      *sql.DB
	dialect string
}

// NewSQLSink wraps an open database. It takes ownership of db.
func NewSQLSink(db *sql.DB, dialect string) (*SQLSink, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	id, ts := "id INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		id, ts = "id BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + Table + `(
			` + id + `,
			occurred_at ` + ts + ` NOT NULL,
			entity TEXT NOT NULL,
			kind TEXT NOT NULL,
			prev_state TEXT NOT NULL,
			state TEXT NOT NULL,
			note TEXT NOT NULL,
			host TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_status_history_entity ON ` + Table + `(entity);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) bind(q string) string {
	if s.dialect == DialectSQLite {
		return q
	}
	out := make([]byte, 0, len(q)+8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, q[i])
	}
	return string(out)
}

// Send appends e.
func (s *SQLSink) Send(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO `+Table+`(occurred_at, entity, kind, prev_state, state, note, host)
		VALUES(?, ?, ?, ?, ?, ?, ?);`),
		e.OccurredAt.UTC(), e.Entity, e.Kind, string(e.PrevState), string(e.State), e.Note, e.Host)
	return err
}

// Events returns the exported transitions of entity, oldest first.
func (s *SQLSink) Events(ctx context.Context, entity string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT occurred_at, entity, kind, prev_state, state, note, host
		FROM `+Table+` WHERE entity = ? ORDER BY id;`), entity)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var e Event
		var prev, state string
		if err := rows.Scan(&e.OccurredAt, &e.Entity, &e.Kind, &prev, &state, &e.Note, &e.Host); err != nil {
			return nil, err
		}
		e.PrevState, e.State = status.State(prev), status.State(state)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLSink) Close() error { return s.db.Close() }
