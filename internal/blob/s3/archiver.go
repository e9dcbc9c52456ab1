package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// Narrow store interfaces required by the archiver. The archiver only needs
// the time-ranged query methods it actually calls, not the full store
// interfaces; the Postgres stores satisfy these implicitly.

// FillArchiveStore provides read access to fills for archival purposes.
type FillArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeFill, error)
}

// SettlementArchiveStore provides read access to settlements for archival
// purposes.
type SettlementArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.SettlementRecord, error)
}

// archiveBatchLimit caps how many rows one archive run pulls from the store.
const archiveBatchLimit = 50000

// ArchiveImpl implements domain.Archiver by querying the stores for aged
// records, serializing them to JSONL, and uploading the result to object
// storage.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	fills       FillArchiveStore
	settlements SettlementArchiveStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, fills FillArchiveStore, settlements SettlementArchiveStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		fills:       fills,
		settlements: settlements,
	}
}

// ArchiveFills queries fills executed before the cutoff, serializes them to
// JSONL, and uploads the file at archive/fills/YYYY-MM.jsonl. The count of
// archived records is returned.
func (a *ArchiveImpl) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	fills, err := a.fills.ListBefore(ctx, before, archiveBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills query: %w", err)
	}
	if len(fills) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(fills)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills marshal: %w", err)
	}

	path := archivePath("fills", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive fills upload: %w", err)
	}
	return int64(len(fills)), nil
}

// ArchiveSettlements queries settlements expired before the cutoff,
// serializes them to JSONL, and uploads the file at
// archive/settlements/YYYY-MM.jsonl. The count of archived records is
// returned.
func (a *ArchiveImpl) ArchiveSettlements(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.settlements.ListBefore(ctx, before, archiveBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements marshal: %w", err)
	}

	path := archivePath("settlements", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements upload: %w", err)
	}
	return int64(len(recs)), nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/fills/2025-01.jsonl
//	archive/settlements/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
