package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillInsertQuery = `
	INSERT INTO fills (
		id, market, trader, side, direction,
		amount, price, paid, safe_box_fee, collateral, referrer, created_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10, $11, $12
	)
	ON CONFLICT (id) DO NOTHING`

func fillArgs(f domain.TradeFill) []any {
	var referrer *string
	if f.Referrer != nil {
		hex := f.Referrer.Hex()
		referrer = &hex
	}
	return []any{
		f.ID, f.Market.Hex(), f.Trader.Hex(), f.Side.String(), string(f.Direction),
		f.Amount, f.Price, f.Paid, f.SafeBoxFee, f.Collateral, referrer, f.CreatedAt,
	}
}

// Insert stores a single fill. Duplicate IDs are silently skipped.
func (s *FillStore) Insert(ctx context.Context, fill domain.TradeFill) error {
	if _, err := s.pool.Exec(ctx, fillInsertQuery, fillArgs(fill)...); err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", fill.ID, err)
	}
	return nil
}

// InsertBatch stores multiple fills efficiently using pgx Batch.
func (s *FillStore) InsertBatch(ctx context.Context, fills []domain.TradeFill) error {
	if len(fills) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, f := range fills {
		batch.Queue(fillInsertQuery, fillArgs(f)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range fills {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert fill batch item %d: %w", i, err)
		}
	}
	return nil
}

const fillSelectCols = `id, market, trader, side, direction,
	amount, price, paid, safe_box_fee, collateral, referrer, created_at`

func scanFillRows(rows pgx.Rows) ([]domain.TradeFill, error) {
	var fills []domain.TradeFill
	for rows.Next() {
		var (
			f        domain.TradeFill
			market   string
			trader   string
			side     string
			dir      string
			referrer *string
		)
		if err := rows.Scan(
			&f.ID, &market, &trader, &side, &dir,
			&f.Amount, &f.Price, &f.Paid, &f.SafeBoxFee, &f.Collateral, &referrer, &f.CreatedAt,
		); err != nil {
			return nil, err
		}
		f.Market = common.HexToAddress(market)
		f.Trader = common.HexToAddress(trader)
		if side == "short" {
			f.Side = domain.Short
		}
		f.Direction = domain.TradeDirection(dir)
		if referrer != nil {
			ref := common.HexToAddress(*referrer)
			f.Referrer = &ref
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ListByMarket returns fills for a market, newest first.
func (s *FillStore) ListByMarket(ctx context.Context, market domain.Address, opts domain.ListOpts) ([]domain.TradeFill, error) {
	return s.list(ctx, `market = $1`, market.Hex(), opts)
}

// ListByTrader returns fills by a trader, newest first.
func (s *FillStore) ListByTrader(ctx context.Context, trader domain.Address, opts domain.ListOpts) ([]domain.TradeFill, error) {
	return s.list(ctx, `trader = $1`, trader.Hex(), opts)
}

func (s *FillStore) list(ctx context.Context, where, arg string, opts domain.ListOpts) ([]domain.TradeFill, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + fillSelectCols + `
		FROM fills
		WHERE ` + where + `
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, arg, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	defer rows.Close()
	return scanFillRows(rows)
}

// ListBefore returns fills older than the cutoff, oldest first. Used by the
// archiver to page cold data out to blob storage.
func (s *FillStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeFill, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + fillSelectCols + `
		FROM fills
		WHERE created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before %s: %w", before, err)
	}
	defer rows.Close()
	return scanFillRows(rows)
}

// DeleteBefore removes fills older than the cutoff and reports how many rows
// went away.
func (s *FillStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fills WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete fills before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}
