package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/lattice/internal/metrics"
)

// Postgres keeps announced hosts in the cluster_instances table.
type Postgres struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgres connects, pings and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string, ttl time.Duration) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	p := &Postgres{pool: pool, ttl: ttl}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres discovery: ping: %w", err)
	}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cluster_instances (
			address TEXT PRIMARY KEY,
			last_seen TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cluster_instances_last_seen ON cluster_instances(last_seen)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Announce(ctx context.Context, addr string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cluster_instances (address, last_seen) VALUES ($1, NOW())
		ON CONFLICT (address) DO UPDATE SET last_seen = EXCLUDED.last_seen`,
		NormalizeAddress(addr))
	if err != nil {
		return fmt.Errorf("postgres announce: %w", err)
	}
	return nil
}

func (p *Postgres) Withdraw(ctx context.Context, addr string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM cluster_instances WHERE address = $1`, NormalizeAddress(addr)); err != nil {
		return fmt.Errorf("postgres withdraw: %w", err)
	}
	return nil
}

// KnownHosts returns hosts seen within the TTL, ordered by address, and
// deletes the expired ones.
func (p *Postgres) KnownHosts(ctx context.Context) ([]string, error) {
	hosts, err := p.knownHosts(ctx)
	metrics.RecordDiscoveryRefresh(ModePostgres, len(hosts), err)
	return hosts, err
}

func (p *Postgres) knownHosts(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-p.ttl)
	if _, err := p.pool.Exec(ctx, `DELETE FROM cluster_instances WHERE last_seen < $1`, cutoff); err != nil {
		return nil, fmt.Errorf("postgres prune: %w", err)
	}
	rows, err := p.pool.Query(ctx, `SELECT address FROM cluster_instances WHERE last_seen >= $1 ORDER BY address`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres known hosts: %w", err)
	}
	hosts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres known hosts: %w", err)
	}
	return dedup(hosts), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
