package store

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/FairForge/edgeproxy/internal/hlc"
	_ "github.com/lib/pq" // Postgres driver
	"go.uber.org/zap"
)

// PostgresConfig holds connection parameters for the Postgres backend-store
// adapter (§6: "Postgres: same schema, polled identically").
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	// ReloadInterval is how often Postgres reruns the poll.
	ReloadInterval time.Duration
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS backends (
	id              VARCHAR(255) PRIMARY KEY,
	app             VARCHAR(255) NOT NULL,
	region          VARCHAR(8)   NOT NULL,
	country         VARCHAR(2)   NOT NULL,
	address_host    VARCHAR(255) NOT NULL,
	port            INTEGER      NOT NULL,
	healthy         BOOLEAN      NOT NULL DEFAULT true,
	weight          INTEGER      NOT NULL DEFAULT 1,
	soft_limit      INTEGER      NOT NULL DEFAULT 100,
	hard_limit      INTEGER      NOT NULL DEFAULT 150,
	deleted         BOOLEAN      NOT NULL DEFAULT false,
	updated_at_hlc  VARCHAR(255) NOT NULL
)`

// Postgres is a Store adapter that polls a Postgres-backed `backends` table
// on ReloadInterval and applies every row into an in-memory Memory store
// under LWW, so mixed sources (this adapter plus the replication agent)
// converge on the same state.
type Postgres struct {
	db     *sql.DB
	mem    *Memory
	logger *zap.Logger
	cfg    PostgresConfig
}

// NewPostgres opens the connection and ensures the schema exists.
func NewPostgres(cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.ReloadInterval == 0 {
		cfg.ReloadInterval = 5 * time.Second
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	p := &Postgres{db: db, mem: NewMemory(), logger: logger, cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return p, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Run polls the backends table on ReloadInterval until ctx is cancelled.
// Per §7, a poll failure logs at WARN and keeps serving the last good
// in-memory snapshot rather than propagating the error.
func (p *Postgres) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReloadInterval)
	defer ticker.Stop()

	p.reload(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reload(ctx)
		}
	}
}

func (p *Postgres) reload(ctx context.Context) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, app, region, country, address_host, port, healthy,
		       weight, soft_limit, hard_limit, deleted, updated_at_hlc
		FROM backends`)
	if err != nil {
		p.logger.Warn("store: postgres poll failed, serving last snapshot", zap.Error(err))
		return
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			b          Backend
			host       string
			port       int
			hlcStr     string
		)
		if err := rows.Scan(&b.ID, &b.App, &b.Region, &b.Country, &host, &port,
			&b.Healthy, &b.Weight, &b.SoftLimit, &b.HardLimit, &b.Deleted, &hlcStr); err != nil {
			p.logger.Warn("store: postgres scan failed", zap.Error(err))
			continue
		}
		b.Address = fmt.Sprintf("%s:%d", host, port)
		stamp, err := hlc.Parse(hlcStr)
		if err != nil {
			p.logger.Warn("store: postgres row has malformed hlc, skipping", zap.String("id", b.ID), zap.Error(err))
			continue
		}
		if err := p.mem.Upsert(ctx, b, stamp); err != nil {
			p.logger.Warn("store: postgres row failed validation, skipping", zap.String("id", b.ID), zap.Error(err))
		}
	}
	if err := rows.Err(); err != nil {
		p.logger.Warn("store: postgres row iteration failed", zap.Error(err))
	}
}

func (p *Postgres) GetAll(ctx context.Context) ([]Backend, error)     { return p.mem.GetAll(ctx) }
func (p *Postgres) GetHealthy(ctx context.Context) ([]Backend, error) { return p.mem.GetHealthy(ctx) }
func (p *Postgres) GetByID(ctx context.Context, id string) (Backend, error) {
	return p.mem.GetByID(ctx, id)
}
func (p *Postgres) GetByApp(ctx context.Context, app string) ([]Backend, error) {
	return p.mem.GetByApp(ctx, app)
}

// Upsert writes through to Postgres then applies the same row in memory so
// a caller sees its own write immediately rather than waiting a poll cycle.
func (p *Postgres) Upsert(ctx context.Context, b Backend, stamp hlc.Stamp) error {
	if err := b.Validate(); err != nil {
		return err
	}
	host, port, err := splitHostPort(b.Address)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO backends (id, app, region, country, address_host, port, healthy, weight, soft_limit, hard_limit, deleted, updated_at_hlc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			app = EXCLUDED.app, region = EXCLUDED.region, country = EXCLUDED.country,
			address_host = EXCLUDED.address_host, port = EXCLUDED.port, healthy = EXCLUDED.healthy,
			weight = EXCLUDED.weight, soft_limit = EXCLUDED.soft_limit, hard_limit = EXCLUDED.hard_limit,
			deleted = EXCLUDED.deleted, updated_at_hlc = EXCLUDED.updated_at_hlc
		WHERE backends.updated_at_hlc < $12`,
		b.ID, b.App, b.Region, b.Country, host, port, b.Healthy, b.Weight, b.SoftLimit, b.HardLimit, b.Deleted, stamp.String())
	if err != nil {
		return fmt.Errorf("store: postgres upsert: %w", err)
	}
	return p.mem.Upsert(ctx, b, stamp)
}

func (p *Postgres) MarkDeleted(ctx context.Context, id string, stamp hlc.Stamp) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE backends SET deleted = true, healthy = false, updated_at_hlc = $2
		WHERE id = $1 AND updated_at_hlc < $2`, id, stamp.String())
	if err != nil {
		return fmt.Errorf("store: postgres mark deleted: %w", err)
	}
	return p.mem.MarkDeleted(ctx, id, stamp)
}

// SetHealth is local-only and never written to Postgres (§4.4, §9).
func (p *Postgres) SetHealth(ctx context.Context, id string, healthy bool) error {
	return p.mem.SetHealth(ctx, id, healthy)
}

func splitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("store: malformed address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("store: malformed address %q: %w", address, err)
	}
	return host, port, nil
}
