package vault

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"solarsystem/domain"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore keeps probes in a probe_states table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) the database at dsn. Use ":memory:" for
// a throwaway vault.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const migrationTable = "schema_migrations"

// applyMigrations runs each embedded migration at most once, recording it
// in schema_migrations in the same transaction.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name       TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, f := range files {
		name := path.Base(f)
		var applied int
		err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+migrationTable+` WHERE name = ?`, name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record stores states as outputs of txID. Recording the same probe again
// under the same transaction is a no-op.
func (s *SQLiteStore) Record(ctx context.Context, txID string, states ...domain.ProbeState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, st := range states {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT tx_id FROM probe_states WHERE linear_id = ?`, st.LinearID.String()).Scan(&existing)
		switch {
		case err == nil:
			if existing != txID {
				return fmt.Errorf("probe %s already recorded by transaction %s", st.LinearID, existing)
			}
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup probe %s: %w", st.LinearID, err)
		}

		blob, err := domain.CanonicalMarshal(st)
		if err != nil {
			return fmt.Errorf("encode probe %s: %w", st.LinearID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO probe_states (tx_id, linear_id, message, planetary_only, launcher, target, state, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			txID, st.LinearID.String(), st.Message, st.PlanetaryOnly,
			st.Launcher.Name.String(), st.Target.Name.String(), blob, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert probe %s: %w", st.LinearID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Query opens a cursor over a named query.
func (s *SQLiteStore) Query(_ context.Context, name string, params map[string]string) (*Cursor, error) {
	return newCursor(s, Query{Name: name, Params: params})
}

// Resume reopens a cursor from a token returned by Cursor.Token.
func (s *SQLiteStore) Resume(_ context.Context, token string) (*Cursor, error) {
	return resume(s, token)
}

// FindByLinearID looks up a single probe.
func (s *SQLiteStore) FindByLinearID(ctx context.Context, id uuid.UUID) (Recorded, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT seq, tx_id, state FROM probe_states WHERE linear_id = ?`, id.String())
	r, err := scanRecorded(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recorded{}, false, nil
	}
	if err != nil {
		return Recorded{}, false, err
	}
	return r, true, nil
}

func (s *SQLiteStore) page(ctx context.Context, q Query, after uint64, limit int) ([]Recorded, bool, error) {
	var (
		rows *sql.Rows
		err  error
	)
	// One extra row tells whether another page exists.
	switch q.Name {
	case QueryFindAll:
		rows, err = s.db.QueryContext(ctx,
			`SELECT seq, tx_id, state FROM probe_states WHERE seq > ? ORDER BY seq LIMIT ?`,
			after, limit+1)
	case QueryFindByLauncherNot:
		rows, err = s.db.QueryContext(ctx,
			`SELECT seq, tx_id, state FROM probe_states WHERE seq > ? AND launcher <> ? ORDER BY seq LIMIT ?`,
			after, q.Params[ParamLauncher], limit+1)
	default:
		return nil, false, fmt.Errorf("unknown query %q", q.Name)
	}
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []Recorded
	for rows.Next() {
		r, err := scanRecorded(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecorded(row scanner) (Recorded, error) {
	var (
		r    Recorded
		blob []byte
	)
	if err := row.Scan(&r.Seq, &r.TxID, &blob); err != nil {
		return Recorded{}, err
	}
	if err := cbor.Unmarshal(blob, &r.State); err != nil {
		return Recorded{}, fmt.Errorf("decode probe at seq %d: %w", r.Seq, err)
	}
	return r, nil
}
