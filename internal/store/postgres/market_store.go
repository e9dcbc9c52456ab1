package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketUpsertQuery = `
	INSERT INTO markets (
		address, oracle_key, strike_price, maturity_date, expiry_date,
		creator, deposited, long_supply, short_supply,
		result, final_price, phase, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9,
		$10, $11, $12, $13, NOW()
	)
	ON CONFLICT (address) DO UPDATE SET
		deposited    = EXCLUDED.deposited,
		long_supply  = EXCLUDED.long_supply,
		short_supply = EXCLUDED.short_supply,
		result       = EXCLUDED.result,
		final_price  = EXCLUDED.final_price,
		phase        = EXCLUDED.phase,
		updated_at   = NOW()`

// Upsert inserts or updates a single market snapshot.
func (s *MarketStore) Upsert(ctx context.Context, snap domain.MarketSnapshot) error {
	_, err := s.pool.Exec(ctx, marketUpsertQuery, upsertArgs(snap)...)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", snap.Address.Hex(), err)
	}
	return nil
}

// UpsertBatch inserts or updates multiple snapshots in a single batch.
func (s *MarketStore) UpsertBatch(ctx context.Context, snaps []domain.MarketSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, snap := range snaps {
		batch.Queue(marketUpsertQuery, upsertArgs(snap)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range snaps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market batch item %d: %w", i, err)
		}
	}
	return nil
}

func upsertArgs(snap domain.MarketSnapshot) []any {
	return []any{
		snap.Address.Hex(), snap.OracleKey, snap.StrikePrice,
		snap.MaturityDate, snap.ExpiryDate,
		snap.Creator.Hex(), snap.Deposited, snap.LongSupply, snap.ShortSupply,
		snap.Result.String(), snap.FinalPrice, snap.Phase.String(), snap.CreatedAt,
	}
}

const marketSelectCols = `address, oracle_key, strike_price, maturity_date,
	expiry_date, creator, deposited, long_supply, short_supply,
	result, final_price, phase, created_at, updated_at`

func scanMarket(row pgx.Row) (domain.MarketSnapshot, error) {
	var (
		snap            domain.MarketSnapshot
		address         string
		creator         string
		result          string
		phase           string
	)
	err := row.Scan(
		&address, &snap.OracleKey, &snap.StrikePrice, &snap.MaturityDate,
		&snap.ExpiryDate, &creator, &snap.Deposited, &snap.LongSupply, &snap.ShortSupply,
		&result, &snap.FinalPrice, &phase, &snap.CreatedAt, &snap.UpdatedAt,
	)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	snap.Address = common.HexToAddress(address)
	snap.Creator = common.HexToAddress(creator)
	snap.Result = parseResult(result)
	snap.Phase = parsePhase(phase)
	return snap, nil
}

func parseResult(s string) domain.MarketResult {
	switch s {
	case "long":
		return domain.LongWins
	case "short":
		return domain.ShortWins
	default:
		return domain.Unresolved
	}
}

func parsePhase(s string) domain.MarketPhase {
	switch s {
	case "maturity":
		return domain.Maturity
	case "expiry":
		return domain.Expiry
	default:
		return domain.Trading
	}
}

// GetByAddress fetches a single market snapshot.
func (s *MarketStore) GetByAddress(ctx context.Context, addr domain.Address) (domain.MarketSnapshot, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE address = $1`
	snap, err := scanMarket(s.pool.QueryRow(ctx, query, addr.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketSnapshot{}, domain.ErrNotFound
		}
		return domain.MarketSnapshot{}, fmt.Errorf("postgres: get market %s: %w", addr.Hex(), err)
	}
	return snap, nil
}

// ListByPhase returns market snapshots in a given lifecycle phase, newest
// first.
func (s *MarketStore) ListByPhase(ctx context.Context, phase domain.MarketPhase, opts domain.ListOpts) ([]domain.MarketSnapshot, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + marketSelectCols + `
		FROM markets
		WHERE phase = $1
		ORDER BY maturity_date DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, phase.String(), limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets by phase: %w", err)
	}
	defer rows.Close()

	var snaps []domain.MarketSnapshot
	for rows.Next() {
		snap, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Delete removes a market snapshot, typically after expiry settlement.
func (s *MarketStore) Delete(ctx context.Context, addr domain.Address) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM markets WHERE address = $1`, addr.Hex())
	if err != nil {
		return fmt.Errorf("postgres: delete market %s: %w", addr.Hex(), err)
	}
	return nil
}

// Count returns the number of persisted markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}
