package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Insert stores the final accounting of an expired market. A market settles
// exactly once; replays are skipped.
func (s *SettlementStore) Insert(ctx context.Context, rec domain.SettlementRecord) error {
	const query = `
		INSERT INTO settlements (
			id, market, oracle_key, strike_price, final_price, result,
			deposited, pool_fee, creator_fee, residual, resolved_at, expired_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (market) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Market.Hex(), rec.OracleKey, rec.StrikePrice, rec.FinalPrice,
		rec.Result.String(), rec.Deposited, rec.PoolFee, rec.CreatorFee,
		rec.Residual, rec.ResolvedAt, rec.ExpiredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert settlement %s: %w", rec.Market.Hex(), err)
	}
	return nil
}

const settlementSelectCols = `id, market, oracle_key, strike_price, final_price,
	result, deposited, pool_fee, creator_fee, residual, resolved_at, expired_at`

func scanSettlement(row pgx.Row) (domain.SettlementRecord, error) {
	var (
		rec    domain.SettlementRecord
		market string
		result string
	)
	err := row.Scan(
		&rec.ID, &market, &rec.OracleKey, &rec.StrikePrice, &rec.FinalPrice,
		&result, &rec.Deposited, &rec.PoolFee, &rec.CreatorFee,
		&rec.Residual, &rec.ResolvedAt, &rec.ExpiredAt,
	)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	rec.Market = common.HexToAddress(market)
	rec.Result = parseResult(result)
	return rec, nil
}

// GetByMarket fetches the settlement record of a market.
func (s *SettlementStore) GetByMarket(ctx context.Context, market domain.Address) (domain.SettlementRecord, error) {
	query := `SELECT ` + settlementSelectCols + ` FROM settlements WHERE market = $1`
	rec, err := scanSettlement(s.pool.QueryRow(ctx, query, market.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementRecord{}, domain.ErrNotFound
		}
		return domain.SettlementRecord{}, fmt.Errorf("postgres: get settlement %s: %w", market.Hex(), err)
	}
	return rec, nil
}

// ListRecent returns the most recently expired settlements.
func (s *SettlementStore) ListRecent(ctx context.Context, limit int) ([]domain.SettlementRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + settlementSelectCols + `
		FROM settlements
		ORDER BY expired_at DESC
		LIMIT $1`
	return s.listQuery(ctx, query, limit)
}

// ListBefore returns settlements expired before the cutoff, oldest first.
func (s *SettlementStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.SettlementRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + settlementSelectCols + `
		FROM settlements
		WHERE expired_at < $1
		ORDER BY expired_at ASC
		LIMIT $2`
	return s.listQuery(ctx, query, before, limit)
}

func (s *SettlementStore) listQuery(ctx context.Context, query string, args ...any) ([]domain.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	defer rows.Close()

	var recs []domain.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteBefore removes settlements expired before the cutoff.
func (s *SettlementStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM settlements WHERE expired_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete settlements before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}
