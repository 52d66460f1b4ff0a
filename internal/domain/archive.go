package domain

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Archiver copies closed markets to cold storage and returns how many it
// archived.
type Archiver interface {
	ArchiveClosed(ctx context.Context, before time.Time) (int64, error)
}

// ArchivePrefix is the object prefix for markets last updated in the month
// of t.
func ArchivePrefix(t time.Time) string {
	return "archive/markets/" + t.UTC().Format("2006-01") + "/"
}

// ArchivePath is the object key of an archived market, partitioned by the
// month of its last update:
//
//	archive/markets/2026-03/<id>.jsonl
func ArchivePath(m Market) string {
	return fmt.Sprintf("%s%s.jsonl", ArchivePrefix(m.UpdatedAt), m.ID)
}

// BlobWriter uploads archive objects. PutMultipart is for objects above the
// single-request size.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader checks for archive objects already written.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}
