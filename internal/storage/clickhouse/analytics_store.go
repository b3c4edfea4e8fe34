// Package clickhouse provides the ClickHouse-backed analytical store. The
// listings_analytics table is a ReplacingMergeTree keyed by listing id, so
// replaying a sync batch collapses to the same rows.
package clickhouse

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/skinpulse/harvester/internal/market"
)

// Config controls the ClickHouse connection.
type Config struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// Store writes analytical projections and serves aggregate reads.
type Store struct {
	conn driver.Conn
}

// NewStore opens a ClickHouse connection and pings it.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("clickhouse.addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Store{conn: conn}, nil
}

// NewStoreWithConn constructs a store from an existing connection (primarily
// for testing).
func NewStoreWithConn(conn driver.Conn) (*Store, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	return &Store{conn: conn}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close clickhouse: %w", err)
	}
	return nil
}

// UpsertProjections bulk-writes denormalized rows keyed by listing id.
func (s *Store) UpsertProjections(ctx context.Context, rows []market.AnalyticsRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `
INSERT INTO listings_analytics (
	listing_id, item_key, item_name, category, rarity,
	price, quality, status,
	seller_id, seller_total_trades, seller_failed_trades,
	created_at, collected_at
)`)
	if err != nil {
		return fmt.Errorf("prepare analytics batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.ListingID, r.ItemKey, r.ItemName, int32(r.Category), r.Rarity,
			r.Price, r.Quality, r.Status,
			r.SellerID, int32(r.SellerTotalTrades), int32(r.SellerFailedTrades),
			r.CreatedAt, r.CollectedAt,
		); err != nil {
			return fmt.Errorf("append analytics row %s: %w", r.ListingID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send analytics batch: %w", err)
	}
	return nil
}

// Query runs an aggregate read and returns generic rows keyed by column name.
func (s *Store) Query(ctx context.Context, sql string, args ...any) (market.RowSet, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("analytical query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	columns := rows.Columns()
	types := rows.ColumnTypes()
	var out market.RowSet
	for rows.Next() {
		dests := make([]any, len(types))
		for i, ct := range types {
			dests[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("scan analytics row: %w", err)
		}
		row := make(market.Row, len(columns))
		for i, name := range columns {
			row[name] = reflect.ValueOf(dests[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analytics rows: %w", err)
	}
	return out, nil
}
