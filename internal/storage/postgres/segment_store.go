package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// SegmentStore persists and searches fixed-window document segments.
// Full-text search uses the Portuguese tsvector; semantic search needs
// the pgvector extension and is disabled otherwise.
type SegmentStore struct {
	db         querier
	embeddings bool
}

// NewSegmentStore constructs a SegmentStore. embeddings controls whether
// the vector column is written and queried.
func NewSegmentStore(db querier, embeddings bool) *SegmentStore {
	return &SegmentStore{db: db, embeddings: embeddings}
}

// Replace atomically swaps a document's segments: delete then insert.
// Re-parsing a document must not leave stale windows behind.
func (s *SegmentStore) Replace(ctx context.Context, documentID, tenderID int64, segs []pipeline.Segment) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM segments WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	for _, seg := range segs {
		if err := s.insertSegment(ctx, documentID, tenderID, seg); err != nil {
			return err
		}
	}
	return nil
}

func (s *SegmentStore) insertSegment(ctx context.Context, documentID, tenderID int64, seg pipeline.Segment) error {
	if s.embeddings {
		var embedding any
		if len(seg.Embedding) > 0 {
			embedding = pgvector.NewVector(seg.Embedding)
		}
		_, err := s.db.Exec(ctx, `
INSERT INTO segments (document_id, tender_id, seq, content, content_tsv, embedding)
VALUES ($1, $2, $3, $4, to_tsvector('portuguese', $4), $5)`,
			documentID, tenderID, seg.Seq, seg.Content, embedding)
		if err != nil {
			return fmt.Errorf("insert segment: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO segments (document_id, tender_id, seq, content, content_tsv)
VALUES ($1, $2, $3, $4, to_tsvector('portuguese', $4))`,
		documentID, tenderID, seg.Seq, seg.Content)
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// Search ranks segments against a Portuguese full-text query.
func (s *SegmentStore) Search(ctx context.Context, query string, limit int) ([]pipeline.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `
SELECT id, document_id, tender_id, content,
	ts_rank(content_tsv, plainto_tsquery('portuguese', $1)) AS rank
FROM segments
WHERE content_tsv @@ plainto_tsquery('portuguese', $1)
ORDER BY rank DESC LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search segments: %w", err)
	}
	return scanHits(rows)
}

// SearchTender is Search constrained to one tender.
func (s *SegmentStore) SearchTender(ctx context.Context, tenderID int64, query string, limit int) ([]pipeline.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `
SELECT id, document_id, tender_id, content,
	ts_rank(content_tsv, plainto_tsquery('portuguese', $2)) AS rank
FROM segments
WHERE tender_id = $1 AND content_tsv @@ plainto_tsquery('portuguese', $2)
ORDER BY rank DESC LIMIT $3`, tenderID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search tender segments: %w", err)
	}
	return scanHits(rows)
}

// LikeTender does a plain substring scan within one tender, for short
// needles that stem badly (codes, SKUs, dates).
func (s *SegmentStore) LikeTender(ctx context.Context, tenderID int64, needle string, limit int) ([]pipeline.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `
SELECT id, document_id, tender_id, content, 0::float8 AS rank
FROM segments
WHERE tender_id = $1 AND content ILIKE '%' || $2 || '%'
ORDER BY document_id, seq LIMIT $3`, tenderID, needle, limit)
	if err != nil {
		return nil, fmt.Errorf("scan tender segments: %w", err)
	}
	return scanHits(rows)
}

// SearchSemantic ranks segments by cosine similarity to the query
// embedding.
func (s *SegmentStore) SearchSemantic(ctx context.Context, embedding []float32, limit int) ([]pipeline.SearchHit, error) {
	if !s.embeddings {
		return nil, fmt.Errorf("semantic search requires the vector extension")
	}
	if limit <= 0 {
		limit = 10
	}
	vec := pgvector.NewVector(embedding)
	rows, err := s.db.Query(ctx, `
SELECT id, document_id, tender_id, content, 1 - (embedding <=> $1) AS rank
FROM segments
WHERE embedding IS NOT NULL
ORDER BY embedding <=> $1 LIMIT $2`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return scanHits(rows)
}

// SemanticTender is SearchSemantic constrained to one tender.
func (s *SegmentStore) SemanticTender(ctx context.Context, tenderID int64, embedding []float32, limit int) ([]pipeline.SearchHit, error) {
	if !s.embeddings {
		return nil, fmt.Errorf("semantic search requires the vector extension")
	}
	if limit <= 0 {
		limit = 10
	}
	vec := pgvector.NewVector(embedding)
	rows, err := s.db.Query(ctx, `
SELECT id, document_id, tender_id, content, 1 - (embedding <=> $2) AS rank
FROM segments
WHERE tender_id = $1 AND embedding IS NOT NULL
ORDER BY embedding <=> $2 LIMIT $3`, tenderID, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic search tender: %w", err)
	}
	return scanHits(rows)
}

// ByTender returns a tender's segments in document order.
func (s *SegmentStore) ByTender(ctx context.Context, tenderID int64, limit int) ([]pipeline.Segment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
SELECT id, document_id, tender_id, seq, content
FROM segments WHERE tender_id = $1 ORDER BY document_id, seq LIMIT $2`, tenderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tender segments: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Segment
	for rows.Next() {
		var seg pipeline.Segment
		if err := rows.Scan(&seg.ID, &seg.DocumentID, &seg.TenderID, &seg.Seq, &seg.Content); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan segments: %w", err)
	}
	return out, nil
}

func scanHits(rows pgx.Rows) ([]pipeline.SearchHit, error) {
	defer rows.Close()
	var out []pipeline.SearchHit
	for rows.Next() {
		var hit pipeline.SearchHit
		if err := rows.Scan(&hit.SegmentID, &hit.DocumentID, &hit.TenderID, &hit.Content, &hit.Rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan search hits: %w", err)
	}
	return out, nil
}
