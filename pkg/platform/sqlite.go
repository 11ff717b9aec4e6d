package platform

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/state"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteOptions configures a SQLiteSink.
type SQLiteOptions struct {
	// BusyTimeout is handed to SQLite. Zero selects 5s.
	BusyTimeout time.Duration
	// MaxRetries bounds retries of a statement that failed because the
	// database was busy or locked. Zero selects 5.
	MaxRetries uint64
	// Codec defaults to DefaultCodec.
	Codec BundleCodec
}

// SQLiteSink stores bundles in a SQLite database file.
type SQLiteSink struct {
	db     *sql.DB
	codec  BundleCodec
	opts   SQLiteOptions
	closed atomic.Bool
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded schema migrations.
func OpenSQLite(path string, opts SQLiteOptions) (*SQLiteSink, error) {
	const op = "platform.OpenSQLite"
	if path == "" {
		return nil, relayerrors.Newf(op, relayerrors.KindConfig, "", "database path is required")
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.Codec == nil {
		opts.Codec = DefaultCodec
	}

	if err := Migrate(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	return &SQLiteSink{db: db, codec: opts.Codec, opts: opts}, nil
}

// Migrate applies all up migrations to the database at path. It uses its
// own connection, which is closed before it returns.
func Migrate(path string) error {
	const op = "platform.Migrate"
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+path)
	if err != nil {
		return relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	return nil
}

// Put stores b under key.
func (s *SQLiteSink) Put(ctx context.Context, key string, b state.Bundle) error {
	const op = "platform.SQLiteSink.Put"
	if err := s.check(op, key); err != nil {
		return err
	}
	raw, err := s.codec.Encode(b)
	if err != nil {
		return relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	err = s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO bundles (key, payload, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			key, raw, time.Now().UTC().Unix())
		return err
	})
	if err != nil {
		return relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	return nil
}

// Get returns the bundle stored under key.
func (s *SQLiteSink) Get(ctx context.Context, key string) (state.Bundle, bool, error) {
	const op = "platform.SQLiteSink.Get"
	if err := s.check(op, key); err != nil {
		return state.Bundle{}, false, err
	}
	var raw []byte
	err := s.retry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT payload FROM bundles WHERE key = ?`, key).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return state.Bundle{}, false, nil
	}
	if err != nil {
		return state.Bundle{}, false, relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	b, err := s.codec.Decode(raw)
	if err != nil {
		return state.Bundle{}, false, relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	return b, true, nil
}

// Delete removes key.
func (s *SQLiteSink) Delete(ctx context.Context, key string) error {
	const op = "platform.SQLiteSink.Delete"
	if err := s.check(op, key); err != nil {
		return err
	}
	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM bundles WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	return nil
}

// Keys returns the stored keys with the given prefix, sorted.
func (s *SQLiteSink) Keys(ctx context.Context, prefix string) ([]string, error) {
	const op = "platform.SQLiteSink.Keys"
	if s.closed.Load() {
		return nil, relayerrors.New(op, relayerrors.KindPersistence, "", ErrClosed)
	}
	var keys []string
	err := s.retry(ctx, func() error {
		keys = keys[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT key FROM bundles WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, relayerrors.New(op, relayerrors.KindPersistence, "", err)
	}
	return keys, nil
}

// Close closes the database. It is safe to call more than once.
func (s *SQLiteSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteSink) check(op, key string) error {
	if s.closed.Load() {
		return relayerrors.New(op, relayerrors.KindPersistence, "", ErrClosed)
	}
	if key == "" {
		return relayerrors.New(op, relayerrors.KindValidation, "", ErrEmptyKey)
	}
	return nil
}

// retry runs fn, retrying with exponential backoff while SQLite reports the
// database busy or locked. Other errors end the retry immediately.
func (s *SQLiteSink) retry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.opts.MaxRetries),
		ctx,
	)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
