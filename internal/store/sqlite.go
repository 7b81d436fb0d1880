package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/hlc"
)

// SQLiteConfig points at a local file holding the backends table, for a POP
// that reads its membership off a file synced in by some out-of-band process
// rather than talking to a database server (§6: "SQLite: local file,
// re-read on an interval").
type SQLiteConfig struct {
	Path           string
	ReloadInterval time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS backends (
	id              TEXT PRIMARY KEY,
	app             TEXT NOT NULL,
	region          TEXT NOT NULL,
	country         TEXT NOT NULL,
	address_host    TEXT NOT NULL,
	port            INTEGER NOT NULL,
	healthy         INTEGER NOT NULL DEFAULT 1,
	weight          INTEGER NOT NULL DEFAULT 1,
	soft_limit      INTEGER NOT NULL DEFAULT 100,
	hard_limit      INTEGER NOT NULL DEFAULT 150,
	deleted         INTEGER NOT NULL DEFAULT 0,
	updated_at_hlc  TEXT NOT NULL
)`

// SQLite is a read-mostly Store adapter: it polls a local file on
// ReloadInterval and applies rows into an in-memory snapshot under LWW.
// Writes are accepted (the admin API may run against a SQLite-backed POP in
// a single-node deployment) but are not expected to be the common path.
type SQLite struct {
	db     *sql.DB
	mem    *Memory
	logger *zap.Logger
	cfg    SQLiteConfig
}

// NewSQLite opens (creating if absent) the database file at cfg.Path.
func NewSQLite(cfg SQLiteConfig, logger *zap.Logger) (*SQLite, error) {
	if cfg.ReloadInterval == 0 {
		cfg.ReloadInterval = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; avoid SQLITE_BUSY storms.

	s := &SQLite{db: db, mem: NewMemory(), logger: logger, cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Run polls the backends table on ReloadInterval until ctx is cancelled.
func (s *SQLite) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReloadInterval)
	defer ticker.Stop()

	s.reload(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reload(ctx)
		}
	}
}

func (s *SQLite) reload(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app, region, country, address_host, port, healthy,
		       weight, soft_limit, hard_limit, deleted, updated_at_hlc
		FROM backends`)
	if err != nil {
		s.logger.Warn("store: sqlite poll failed, serving last snapshot", zap.Error(err))
		return
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			b      Backend
			host   string
			port   int
			hlcStr string
		)
		if err := rows.Scan(&b.ID, &b.App, &b.Region, &b.Country, &host, &port,
			&b.Healthy, &b.Weight, &b.SoftLimit, &b.HardLimit, &b.Deleted, &hlcStr); err != nil {
			s.logger.Warn("store: sqlite scan failed", zap.Error(err))
			continue
		}
		b.Address = fmt.Sprintf("%s:%d", host, port)
		stamp, err := hlc.Parse(hlcStr)
		if err != nil {
			s.logger.Warn("store: sqlite row has malformed hlc, skipping", zap.String("id", b.ID), zap.Error(err))
			continue
		}
		if err := s.mem.Upsert(ctx, b, stamp); err != nil {
			s.logger.Warn("store: sqlite row failed validation, skipping", zap.String("id", b.ID), zap.Error(err))
		}
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("store: sqlite row iteration failed", zap.Error(err))
	}
}

func (s *SQLite) GetAll(ctx context.Context) ([]Backend, error)     { return s.mem.GetAll(ctx) }
func (s *SQLite) GetHealthy(ctx context.Context) ([]Backend, error) { return s.mem.GetHealthy(ctx) }
func (s *SQLite) GetByID(ctx context.Context, id string) (Backend, error) {
	return s.mem.GetByID(ctx, id)
}
func (s *SQLite) GetByApp(ctx context.Context, app string) ([]Backend, error) {
	return s.mem.GetByApp(ctx, app)
}

func (s *SQLite) Upsert(ctx context.Context, b Backend, stamp hlc.Stamp) error {
	if err := b.Validate(); err != nil {
		return err
	}
	host, port, err := splitHostPort(b.Address)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backends (id, app, region, country, address_host, port, healthy, weight, soft_limit, hard_limit, deleted, updated_at_hlc)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			app=excluded.app, region=excluded.region, country=excluded.country,
			address_host=excluded.address_host, port=excluded.port, healthy=excluded.healthy,
			weight=excluded.weight, soft_limit=excluded.soft_limit, hard_limit=excluded.hard_limit,
			deleted=excluded.deleted, updated_at_hlc=excluded.updated_at_hlc
		WHERE backends.updated_at_hlc < excluded.updated_at_hlc`,
		b.ID, b.App, b.Region, b.Country, host, port, b.Healthy, b.Weight, b.SoftLimit, b.HardLimit, b.Deleted, stamp.String())
	if err != nil {
		return fmt.Errorf("store: sqlite upsert: %w", err)
	}
	return s.mem.Upsert(ctx, b, stamp)
}

func (s *SQLite) MarkDeleted(ctx context.Context, id string, stamp hlc.Stamp) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backends SET deleted = 1, healthy = 0, updated_at_hlc = ?
		WHERE id = ? AND updated_at_hlc < ?`, stamp.String(), id, stamp.String())
	if err != nil {
		return fmt.Errorf("store: sqlite mark deleted: %w", err)
	}
	return s.mem.MarkDeleted(ctx, id, stamp)
}

// SetHealth is local-only, like the Postgres adapter.
func (s *SQLite) SetHealth(ctx context.Context, id string, healthy bool) error {
	return s.mem.SetHealth(ctx, id, healthy)
}
