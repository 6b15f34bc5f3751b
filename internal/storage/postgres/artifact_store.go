package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// ArtifactStore persists parse by-products, one row per (document, kind).
type ArtifactStore struct {
	db querier
}

// NewArtifactStore constructs an ArtifactStore on the shared pool.
func NewArtifactStore(db querier) *ArtifactStore {
	return &ArtifactStore{db: db}
}

// Insert stores an artifact, replacing any previous one of the same kind
// for the document. Re-parses must not accumulate stale artifacts.
func (s *ArtifactStore) Insert(ctx context.Context, a pipeline.Artifact) error {
	if a.DocumentID == 0 || a.Kind == "" {
		return fmt.Errorf("artifact document_id and kind are required")
	}
	payloadJSON, err := marshalOrNil(a.Payload, len(a.Payload) == 0)
	if err != nil {
		return fmt.Errorf("marshal artifact payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO artifacts (document_id, kind, payload)
VALUES ($1, $2, $3)
ON CONFLICT (document_id, kind) DO UPDATE SET payload = EXCLUDED.payload, created_at = now()`,
		a.DocumentID, a.Kind, payloadJSON)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListByDocument returns a document's artifacts ordered by kind.
func (s *ArtifactStore) ListByDocument(ctx context.Context, documentID int64) ([]pipeline.Artifact, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, document_id, kind, payload, created_at
FROM artifacts WHERE document_id = $1 ORDER BY kind`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Artifact
	for rows.Next() {
		var a pipeline.Artifact
		var payloadJSON []byte
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.Kind, &payloadJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &a.Payload); err != nil {
				return nil, fmt.Errorf("decode artifact payload: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan artifacts: %w", err)
	}
	return out, nil
}
