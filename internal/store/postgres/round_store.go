package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// RoundStore implements domain.RoundStore using PostgreSQL.
type RoundStore struct {
	pool *pgxpool.Pool
}

// NewRoundStore creates a new RoundStore backed by the given connection pool.
func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

// Insert stores a closed round's summary. Rounds close exactly once.
func (s *RoundStore) Insert(ctx context.Context, round domain.RoundSummary) error {
	const query = `
		INSERT INTO rounds (
			round, started_at, ended_at, allocation, pnl,
			deposits, withdrawals, traded_markets, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (round) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		round.Round, round.StartedAt, round.EndedAt, round.Allocation, round.PnL,
		round.Deposits, round.Withdrawals, round.TradedMarkets, round.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert round %d: %w", round.Round, err)
	}
	return nil
}

const roundSelectCols = `round, started_at, ended_at, allocation, pnl,
	deposits, withdrawals, traded_markets, closed_at`

func scanRound(row pgx.Row) (domain.RoundSummary, error) {
	var r domain.RoundSummary
	err := row.Scan(
		&r.Round, &r.StartedAt, &r.EndedAt, &r.Allocation, &r.PnL,
		&r.Deposits, &r.Withdrawals, &r.TradedMarkets, &r.ClosedAt,
	)
	return r, err
}

// GetByNumber fetches a single round summary.
func (s *RoundStore) GetByNumber(ctx context.Context, round int) (domain.RoundSummary, error) {
	query := `SELECT ` + roundSelectCols + ` FROM rounds WHERE round = $1`
	r, err := scanRound(s.pool.QueryRow(ctx, query, round))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RoundSummary{}, domain.ErrNotFound
		}
		return domain.RoundSummary{}, fmt.Errorf("postgres: get round %d: %w", round, err)
	}
	return r, nil
}

// ListRecent returns the latest closed rounds, newest first.
func (s *RoundStore) ListRecent(ctx context.Context, limit int) ([]domain.RoundSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + roundSelectCols + `
		FROM rounds
		ORDER BY round DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []domain.RoundSummary
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}
