package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/pkg/types"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// goose keeps its base FS and dialect in package state.
var migrateMu sync.Mutex

// SQLBackend implements Backend on a sensor_data table in SQLite or
// PostgreSQL. The table layout is compatible with databases created before
// recorded_at_ns existed; such rows fall back to the key for their timestamp.
// Rows whose payload cannot be decoded are skipped by Scan.
type SQLBackend struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

// OpenSQLite opens a SQLite database, sets file permissions, and runs migrations.
func OpenSQLite(path string) (*SQLBackend, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, fmt.Errorf("setting file permissions: %w", err)
	}

	if err := migrate(db, migrations, "sqlite3", "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLBackend{db: db, dialect: "sqlite", logger: logging.Component("storage")}, nil
}

// OpenPostgres opens a PostgreSQL connection and runs migrations.
func OpenPostgres(dsn string) (*SQLBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: pinging postgres: %w", types.ErrStorageUnavailable, err)
	}

	if err := migrate(db, pgMigrations, "postgres", "pgmigrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLBackend{db: db, dialect: "postgres", logger: logging.Component("storage")}, nil
}

func migrate(db *sql.DB, fsys embed.FS, dialect, dir string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// DB returns the underlying database connection.
func (s *SQLBackend) DB() *sql.DB {
	return s.db
}

func (s *SQLBackend) q(query string) string {
	if s.dialect == "postgres" {
		return replacePlaceholders(query)
	}
	return query
}

// Ping implements Backend.Ping
func (s *SQLBackend) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", types.ErrStorageUnavailable, err)
	}
	return nil
}

// Put implements Backend.Put
func (s *SQLBackend) Put(ctx context.Context, r types.Reading) error {
	data, err := json.Marshal(r.Values)
	if err != nil {
		return fmt.Errorf("encoding reading: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO sensor_data (timestamp, recorded_at_ns, data_json)
		VALUES (?, ?, ?)
		ON CONFLICT(timestamp) DO UPDATE SET
			recorded_at_ns=excluded.recorded_at_ns,
			data_json=excluded.data_json`),
		r.Key(), r.Timestamp.UnixNano(), string(data),
	)
	if err != nil {
		return s.classify(ctx, fmt.Errorf("saving reading: %w", err))
	}
	return nil
}

// classify checks whether a failed statement means the database itself is
// gone.
func (s *SQLBackend) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if pingErr := s.db.PingContext(ctx); pingErr != nil {
		return fmt.Errorf("%w: %w", types.ErrStorageUnavailable, err)
	}
	return err
}

// Scan implements Backend.Scan
func (s *SQLBackend) Scan(ctx context.Context, start, end float64) ([]types.Reading, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT timestamp, recorded_at_ns, data_json
		FROM sensor_data
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`),
		start, end,
	)
	if err != nil {
		return nil, s.classify(ctx, fmt.Errorf("querying readings: %w", err))
	}
	defer rows.Close()

	var (
		out     []types.Reading
		skipped int
	)
	for rows.Next() {
		r, err := scanReading(rows)
		var bad *decodeError
		if errors.As(err, &bad) {
			skipped++
			s.logger.Warn("skipping undecodable reading", "key", bad.key, "error", bad.err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(ctx, fmt.Errorf("reading rows: %w", err))
	}
	if skipped > 0 {
		s.logger.Warn("range scan skipped readings", "skipped", skipped, "returned", len(out))
	}
	return out, nil
}

// Latest implements Backend.Latest
func (s *SQLBackend) Latest(ctx context.Context) (types.Reading, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, recorded_at_ns, data_json
		FROM sensor_data
		ORDER BY timestamp DESC
		LIMIT 1`)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Reading{}, false, nil
	}
	if err != nil {
		return types.Reading{}, false, s.classify(ctx, err)
	}
	return r, true, nil
}

// Stats implements Backend.Stats
func (s *SQLBackend) Stats(ctx context.Context) (Stats, error) {
	var (
		st             Stats
		oldest, newest sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM sensor_data`,
	).Scan(&st.Count, &oldest, &newest)
	if err != nil {
		return Stats{}, s.classify(ctx, fmt.Errorf("collecting stats: %w", err))
	}
	if oldest.Valid {
		st.Oldest = types.TimeFromKey(oldest.Float64)
	}
	if newest.Valid {
		st.Newest = types.TimeFromKey(newest.Float64)
	}
	return st, nil
}

// Close implements Backend.Close
func (s *SQLBackend) Close() error {
	return s.db.Close()
}

// decodeError is a row whose data_json is not an object of numbers, such as
// rows holding bare NaN tokens.
type decodeError struct {
	key float64
	err error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decoding reading %v: %v", e.key, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (types.Reading, error) {
	var (
		key  float64
		nano sql.NullInt64
		data string
	)
	if err := row.Scan(&key, &nano, &data); err != nil {
		return types.Reading{}, err
	}

	values := types.NewValues(0)
	if err := json.Unmarshal([]byte(data), values); err != nil {
		return types.Reading{}, &decodeError{key: key, err: err}
	}

	ts := types.TimeFromKey(key)
	if nano.Valid {
		ts = time.Unix(0, nano.Int64).UTC()
	}
	return types.Reading{Timestamp: ts, Values: values}, nil
}

// replacePlaceholders converts ? to $1, $2, $3 etc for postgres.
func replacePlaceholders(query string) string {
	result := make([]byte, 0, len(query))
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, fmt.Sprintf("$%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
