package ingest

//go:generate mockgen -source=ports.go -destination=mock_ports_test.go -package=ingest

import (
	"context"
	"io"

	"github.com/aaronromeo/dmarcpat/internal/remotefs"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

// Persister parses and stores report bodies and keeps the ingestion log.
type Persister interface {
	SaveReport(ctx context.Context, body io.Reader, meta store.Meta) (*store.ReportRef, error)
	LogOutcome(ctx context.Context, o store.Outcome) error
}

// RemoteStore is a bucket of report files.
type RemoteStore interface {
	Location() string
	List(ctx context.Context) ([]remotefs.Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Move(ctx context.Context, key, dir string) (string, error)
	Delete(ctx context.Context, key string) error
}

var (
	_ Persister   = (*store.Store)(nil)
	_ RemoteStore = (*remotefs.S3)(nil)
)
