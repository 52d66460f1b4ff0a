package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/predictlens/predictlens/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// ArchiveStore is the slice of the market store the archiver needs.
type ArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Market, error)
	Load(ctx context.Context, id string) (domain.MarketSnapshot, error)
	MarkArchived(ctx context.Context, id, path string, at time.Time) error
}

// archiveLine is one JSONL record of an archived market. Exactly one of the
// payload fields is set, as named by Type.
type archiveLine struct {
	Type       string                   `json:"type"`
	Market     *domain.Market           `json:"market,omitempty"`
	Stake      *domain.Stake            `json:"stake,omitempty"`
	Vote       *domain.Vote             `json:"vote,omitempty"`
	Resolution *domain.ResolutionRecord `json:"resolution,omitempty"`
	Settlement *domain.Settlement       `json:"settlement,omitempty"`
}

// ArchiveImpl implements domain.Archiver. Every closed or voided market whose
// last update is before the cutoff is written to one JSONL object and then
// marked archived in the store. Rows are not deleted from the database.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	store     ArchiveStore
	audit     domain.AuditStore
	batchSize int
	now       func() time.Time
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, store ArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		store:     store,
		audit:     audit,
		batchSize: 200,
		now:       time.Now,
	}
}

// ArchiveClosed archives one batch of markets closed before the cutoff and
// returns how many were archived. An object that already exists (from a run
// that failed before MarkArchived) is not rewritten.
func (a *ArchiveImpl) ArchiveClosed(ctx context.Context, before time.Time) (int64, error) {
	markets, err := a.store.ListClosedBefore(ctx, before, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}

	var count int64
	for _, m := range markets {
		path := domain.ArchivePath(m)
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return count, err
		}
		if !exists {
			if err := a.upload(ctx, m.ID, path); err != nil {
				return count, err
			}
		}
		if err := a.store.MarkArchived(ctx, m.ID, path, a.now().UTC()); err != nil {
			return count, fmt.Errorf("s3blob: mark %s archived: %w", m.ID, err)
		}
		count++
	}

	if count > 0 {
		if err := a.audit.Log(ctx, "archive.markets", map[string]any{
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return count, nil
}

func (a *ArchiveImpl) upload(ctx context.Context, id, path string) error {
	snap, err := a.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("s3blob: load %s: %w", id, err)
	}
	buf, err := marshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s: %w", id, err)
	}
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", id, err)
	}
	return nil
}

func marshalSnapshot(snap domain.MarketSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	lines := []archiveLine{{Type: "market", Market: &snap.Market}}
	for i := range snap.Stakes {
		lines = append(lines, archiveLine{Type: "stake", Stake: &snap.Stakes[i]})
	}
	for i := range snap.Votes {
		lines = append(lines, archiveLine{Type: "vote", Vote: &snap.Votes[i]})
	}
	if snap.Resolution != nil {
		lines = append(lines, archiveLine{Type: "resolution", Resolution: snap.Resolution})
	}
	if snap.Settlement != nil {
		lines = append(lines, archiveLine{Type: "settlement", Settlement: snap.Settlement})
	}
	for i, l := range lines {
		if err := enc.Encode(l); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
