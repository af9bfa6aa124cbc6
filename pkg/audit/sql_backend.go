package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"   // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// Dialect selects placeholder style and DDL for SQLBackend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq BIGINT PRIMARY KEY,
	ts TEXT NOT NULL,
	actor TEXT NOT NULL,
	event_type TEXT NOT NULL,
	subject TEXT,
	payload TEXT,
	payload_ref TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL UNIQUE
);
`

// SQLBackend persists events in a relational table. It supports SQLite and
// Postgres through database/sql drivers.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLBackend wraps an open database handle.
func NewSQLBackend(db *sql.DB, dialect Dialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect}
}

// OpenSQL opens a database by driver name and initializes the schema.
// Driver is "sqlite" or "postgres".
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLBackend, error) {
	var d Dialect
	switch driver {
	case "sqlite", "sqlite3":
		driver, d = "sqlite", DialectSQLite
	case "postgres", "pq":
		driver, d = "postgres", DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d == DialectSQLite {
		// One writer connection keeps sqlite from returning SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	b := NewSQLBackend(db, d)
	if err := b.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLBackend) Init(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

func (b *SQLBackend) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		if b.dialect == DialectPostgres {
			ps[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ps[i] = "?"
		}
	}
	return strings.Join(ps, ", ")
}

func (b *SQLBackend) Write(ctx context.Context, e Event) error {
	query := `INSERT INTO audit_events (seq, ts, actor, event_type, subject, payload, payload_ref, prev_hash, hash)
		VALUES (` + b.placeholders(9) + `)`
	_, err := b.db.ExecContext(ctx, query,
		int64(e.Seq), e.Timestamp.UTC().Format(time.RFC3339Nano), e.Actor, string(e.Type),
		e.Subject, string(e.Payload), e.PayloadRef, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit event %d: %w", e.Seq, err)
	}
	return nil
}

func (b *SQLBackend) Load(ctx context.Context) ([]Event, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, ts, actor, event_type, subject, payload, payload_ref, prev_hash, hash FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Event, 0)
	for rows.Next() {
		var (
			e                Event
			seq              int64
			ts, typ          string
			subject, payload sql.NullString
		)
		if err := rows.Scan(&seq, &ts, &e.Actor, &typ, &subject, &payload, &e.PayloadRef, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq) //nolint:gosec // seq is always positive
		e.Type = EventType(typ)
		e.Subject = subject.String
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("audit event %d: bad timestamp: %w", seq, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}
