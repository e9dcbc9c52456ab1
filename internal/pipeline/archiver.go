// Package pipeline contains the background maintenance jobs that run beside
// the engine: currently the archiver, which pages aged fills and settlement
// records out of the database into object storage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// FillPruner deletes fills older than a cutoff after they have been archived.
type FillPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SettlementPruner deletes settlement records older than a cutoff after they
// have been archived.
type SettlementPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves old fills and settlement records from the database to S3
// cold storage, then prunes the archived rows.
type Archiver struct {
	blobArchiver  domain.Archiver
	fills         FillPruner
	settlements   SettlementPruner
	retentionDays int
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, fills FillPruner, settlements SettlementPruner, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		fills:         fills,
		settlements:   settlements,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run. It calculates the cutoff time based on
// retentionDays, uploads everything older than the cutoff, and prunes the
// archived rows only after the upload succeeded.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	fillsArchived, err := a.blobArchiver.ArchiveFills(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archiving fills before %v: %w", cutoff, err)
	}
	if fillsArchived > 0 {
		pruned, err := a.fills.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("pipeline: pruning fills before %v: %w", cutoff, err)
		}
		a.logger.InfoContext(ctx, "archived fills",
			slog.Int64("archived", fillsArchived),
			slog.Int64("pruned", pruned),
		)
	}

	settlementsArchived, err := a.blobArchiver.ArchiveSettlements(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archiving settlements before %v: %w", cutoff, err)
	}
	if settlementsArchived > 0 {
		pruned, err := a.settlements.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("pipeline: pruning settlements before %v: %w", cutoff, err)
		}
		a.logger.InfoContext(ctx, "archived settlements",
			slog.Int64("archived", settlementsArchived),
			slog.Int64("pruned", pruned),
		)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("fills_archived", fillsArchived),
		slog.Int64("settlements_archived", settlementsArchived),
	)
	return nil
}

// RunPeriodic runs an archive pass at the given interval until the context is
// cancelled. Individual run failures are logged, not fatal.
func (a *Archiver) RunPeriodic(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.WarnContext(ctx, "archive run failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
