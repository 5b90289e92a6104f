package pg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/rackwatch/internal/observability/logger"
	"github.com/dropDatabas3/rackwatch/internal/store/core"
	migrations "github.com/dropDatabas3/rackwatch/migrations/postgres"
)

type Store struct{ pool *pgxpool.Pool }

// Tuning opcional del pool pgx (viene de config.Storage.Postgres).
type Tuning struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime string
}

func New(ctx context.Context, dsn string, tuning Tuning) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	if tuning.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(tuning.MaxOpenConns)
	}
	// Mapear MaxIdleConns → MinConns (pgxpool)
	if tuning.MaxIdleConns > 0 {
		pcfg.MinConns = int32(tuning.MaxIdleConns)
	}
	if tuning.ConnMaxLifetime != "" {
		if d, err := time.ParseDuration(tuning.ConnMaxLifetime); err == nil {
			pcfg.MaxConnLifetime = d
			pcfg.MaxConnIdleTime = d
		}
	}
	if pcfg.MaxConns == 0 {
		pcfg.MaxConns = 5
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	// Arranque no bloqueante: si la base está caída igual levantamos; readyz
	// lo va a reportar.
	if err := pool.Ping(ctx); err != nil {
		logger.Named("store.pg").Warn("startup ping falló", logger.Err(err))
	}
	return &Store{pool: pool}, nil
}

// Pool expone el pool interno para usos avanzados (bus LISTEN/NOTIFY, métricas).
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate aplica las migraciones embebidas en orden lexicográfico. Son
// idempotentes (IF NOT EXISTS / OR REPLACE), así que correrlas en cada
// arranque es seguro.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("pg: leyendo migraciones: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	log := logger.Named("store.pg")
	for _, name := range names {
		sql, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("pg: migración %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("pg: migración %s: %w", name, err)
		}
		log.Debug("migración aplicada", logger.String("file", name))
	}
	return nil
}

// Close cierra el pool subyacente (idempotente).
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) RackByID(ctx context.Context, id int64) (*core.Rack, error) {
	var r core.Rack
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM racks WHERE id = $1`, id,
	).Scan(&r.ID, &r.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: rack %d: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT name, address FROM rack_endpoints WHERE rack_id = $1 ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("pg: endpoints del rack %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var ep core.Endpoint
		if err := rows.Scan(&ep.Name, &ep.Address); err != nil {
			return nil, fmt.Errorf("pg: endpoints del rack %d: %w", id, err)
		}
		r.Endpoints = append(r.Endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg: endpoints del rack %d: %w", id, err)
	}
	return &r, nil
}

func (s *Store) ListRacksManagedBy(ctx context.Context, processID string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM racks WHERE managing_process_id = $1 ORDER BY id`, processID)
	if err != nil {
		return nil, fmt.Errorf("pg: racks de %s: %w", processID, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pg: racks de %s: %w", processID, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
