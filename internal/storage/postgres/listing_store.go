// Package postgres provides the Postgres-backed operational store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skinpulse/harvester/internal/market"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists listings, items and sync checkpoints in Postgres.
type Store struct {
	pool querier
}

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertListings writes a batch with ON CONFLICT DO NOTHING so the uniqueness
// constraint is the final dedup arbiter. It reports inserted vs. conflicted
// row counts.
func (s *Store) InsertListings(ctx context.Context, batch []market.Listing) (int64, int64, error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}
	values := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*8)
	for i, l := range batch {
		sellerJSON, err := json.Marshal(l.Seller)
		if err != nil {
			return 0, 0, fmt.Errorf("marshal seller snapshot: %w", err)
		}
		base := i * 8
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args, l.ID, l.ItemKey, l.Price, l.Quality, l.Status,
			l.CreatedAt, l.CollectedAt, sellerJSON)
	}
	query := fmt.Sprintf(`
INSERT INTO listings (
	id, item_key, price, quality, status, created_at, collected_at, seller_snapshot
) VALUES %s
ON CONFLICT (id) DO NOTHING`, strings.Join(values, ","))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("insert listings: %w", err)
	}
	inserted := tag.RowsAffected()
	return inserted, int64(len(batch)) - inserted, nil
}

// UpsertItems lazily creates catalog items; existing keys are untouched.
func (s *Store) UpsertItems(ctx context.Context, items []market.Item) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	values := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*4)
	for i, it := range items {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4))
		args = append(args, it.Key, it.Name, it.Category, it.Rarity)
	}
	query := fmt.Sprintf(`
INSERT INTO items (key, name, category, rarity) VALUES %s
ON CONFLICT (key) DO NOTHING`, strings.Join(values, ","))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("upsert items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListingKeys returns every persisted identity key for the dedup preload.
func (s *Store) ListingKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM listings`)
	if err != nil {
		return nil, fmt.Errorf("load listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan listing key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listing keys: %w", err)
	}
	return keys, nil
}

// ListingsSince returns rows collected strictly after since, oldest first.
func (s *Store) ListingsSince(ctx context.Context, since time.Time, limit int) ([]market.Listing, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, item_key, price, quality, status, created_at, collected_at, seller_snapshot
FROM listings
WHERE collected_at > $1
ORDER BY collected_at ASC, id ASC
LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query listings since: %w", err)
	}
	defer rows.Close()

	var out []market.Listing
	for rows.Next() {
		var l market.Listing
		var sellerJSON []byte
		if err := rows.Scan(&l.ID, &l.ItemKey, &l.Price, &l.Quality, &l.Status,
			&l.CreatedAt, &l.CollectedAt, &sellerJSON); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		if len(sellerJSON) > 0 {
			if err := json.Unmarshal(sellerJSON, &l.Seller); err != nil {
				return nil, fmt.Errorf("unmarshal seller snapshot: %w", err)
			}
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

// ItemsByKey resolves catalog items for the sync projection join.
func (s *Store) ItemsByKey(ctx context.Context, keys []string) (map[string]market.Item, error) {
	if len(keys) == 0 {
		return map[string]market.Item{}, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT key, name, category, rarity FROM items WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	out := make(map[string]market.Item, len(keys))
	for rows.Next() {
		var it market.Item
		if err := rows.Scan(&it.Key, &it.Name, &it.Category, &it.Rarity); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out[it.Key] = it
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

// Checkpoint returns the sync watermark for target, or the zero time when the
// target has never synced.
func (s *Store) Checkpoint(ctx context.Context, target string) (time.Time, error) {
	var watermark time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT watermark FROM sync_checkpoints WHERE target = $1`, target).Scan(&watermark)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return watermark, nil
}

// AdvanceCheckpoint raises the watermark for target. GREATEST keeps the
// stored value monotonic even if callers race.
func (s *Store) AdvanceCheckpoint(ctx context.Context, target string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sync_checkpoints (target, watermark) VALUES ($1, $2)
ON CONFLICT (target) DO UPDATE
SET watermark = GREATEST(sync_checkpoints.watermark, EXCLUDED.watermark)`, target, ts)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// Query runs a routed read and returns generic rows keyed by column name.
func (s *Store) Query(ctx context.Context, sql string, args ...any) (market.RowSet, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("operational query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out market.RowSet
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		row := make(market.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
