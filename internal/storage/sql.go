package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"factbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name      string
	migration string
	// numbered placeholders ($1) instead of ?
	numbered bool
	// bool columns are native instead of 0/1 integers
	nativeBool bool
	// time columns are native instead of RFC3339 text
	nativeTime bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", migration: "migrations/sqlite.sql"}
	postgresDialect = dialect{name: "postgres", migration: "migrations/postgres.sql", numbered: true, nativeBool: true, nativeTime: true}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) boolArg(v bool) any {
	if d.nativeBool {
		return v
	}
	if v {
		return 1
	}
	return 0
}

func (d dialect) timeArg(t time.Time) any {
	if d.nativeTime {
		return t.UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// sqlStore serves both sqlite and postgres through database/sql.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d, log: log}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("%s migrate: %w", d.name, err)
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) GetState(ctx context.Context, id string) (RecipientState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT state FROM recipients WHERE recipient_id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return RecipientState{}, ErrNotFound
	}
	if err != nil {
		return RecipientState{}, err
	}
	return decodeState(raw)
}

func (s *sqlStore) PutState(ctx context.Context, st RecipientState) error {
	st = st.Clone()
	st.normalize()
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO recipients(recipient_id, state, active, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(recipient_id) DO UPDATE SET state = excluded.state, active = excluded.active, updated_at = excluded.updated_at`),
		st.RecipientID, string(raw), s.d.boolArg(st.Active), s.d.timeArg(st.UpdatedAt),
	)
	return err
}

func (s *sqlStore) ListStates(ctx context.Context) ([]RecipientState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM recipients ORDER BY recipient_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecipientState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		st, err := decodeState(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteState(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM recipients WHERE recipient_id = ?`), id)
	return err
}

func (s *sqlStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO deliveries(at, recipient_id, slot, trigger_kind, outcome, item, reset, attempts, chunks, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		s.d.timeArg(rec.At), rec.RecipientID, nullStr(rec.Slot), rec.Trigger, rec.Outcome, nullStr(rec.Item),
		s.d.boolArg(rec.Reset), rec.Attempts, rec.Chunks, nullStr(rec.Error), rec.TookMS,
	)
	return err
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeState(raw []byte) (RecipientState, error) {
	var st RecipientState
	if err := json.Unmarshal(raw, &st); err != nil {
		return RecipientState{}, fmt.Errorf("decode recipient state: %w", err)
	}
	st.normalize()
	return st, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
