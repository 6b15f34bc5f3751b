// Package ingest prepares raw tender payloads for persistence. The API
// handler and the fetch worker's lazy upsert share this path so both
// produce identical records for identical input.
package ingest

import (
	"errors"
	"fmt"

	"github.com/opentenders/tender-radar/internal/dedupe"
	"github.com/opentenders/tender-radar/internal/normalize"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

// ErrMissingIdentity means the payload carried neither an external id
// nor a source id to build one from.
var ErrMissingIdentity = errors.New("tender payload requires id_pncp or source_id")

// Prepare normalizes the payload and computes its hash and fingerprint.
func Prepare(in pipeline.TenderInput) (pipeline.TenderRecord, error) {
	rec := normalize.Tender(in)
	if rec.IDPNCP == "" {
		return pipeline.TenderRecord{}, ErrMissingIdentity
	}

	hash, err := dedupe.HashMetadados(rec)
	if err != nil {
		return pipeline.TenderRecord{}, fmt.Errorf("hash metadados: %w", err)
	}
	fp, err := dedupe.Fingerprint(rec)
	if err != nil {
		return pipeline.TenderRecord{}, fmt.Errorf("fingerprint: %w", err)
	}
	rec.HashMetadados = hash
	rec.Fingerprint = fp
	return rec, nil
}
