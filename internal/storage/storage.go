// Package storage selects the blob store backing the document archive.
// Raw document bodies are copied out of Postgres into the archive
// before the row's body column is dropped.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/pipeline"
	"github.com/opentenders/tender-radar/internal/storage/gcs"
	"github.com/opentenders/tender-radar/internal/storage/local"
	"github.com/opentenders/tender-radar/internal/storage/memory"
)

// NewBlobStore builds the archive backend named by cfg.Provider. An
// empty provider or "off" disables archiving and returns a nil store;
// callers treat nil as "keep bodies in the database".
func NewBlobStore(ctx context.Context, cfg config.ArchiveConfig) (pipeline.BlobStore, func() error, error) {
	noop := func() error { return nil }

	var (
		store   pipeline.BlobStore
		cleanup = noop
		err     error
	)
	switch cfg.Provider {
	case "", "off":
		return nil, noop, nil
	case "local":
		store, err = local.NewBlobStore(local.Config{BaseDir: cfg.LocalDir})
	case "memory":
		store = memory.NewBlobStore()
	case "gcs":
		var gs *gcs.BlobStore
		gs, err = gcs.NewBlobStore(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if gs != nil {
			store = gs
			cleanup = gs.Close
		}
	default:
		return nil, noop, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, noop, err
	}
	if cfg.Prefix != "" {
		store = &prefixed{prefix: strings.Trim(cfg.Prefix, "/"), next: store}
	}
	return store, cleanup, nil
}

// prefixed prepends a fixed path prefix to every object.
type prefixed struct {
	prefix string
	next   pipeline.BlobStore
}

func (p *prefixed) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	return p.next.PutObject(ctx, p.prefix+"/"+strings.TrimPrefix(path, "/"), contentType, data)
}
