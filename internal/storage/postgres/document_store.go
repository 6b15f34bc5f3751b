package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// DocumentStore persists fetched documents and their extracted text.
type DocumentStore struct {
	db querier
}

// NewDocumentStore constructs a DocumentStore on the shared pool.
func NewDocumentStore(db querier) *DocumentStore {
	return &DocumentStore{db: db}
}

// Insert stores a freshly fetched document and returns its id.
func (s *DocumentStore) Insert(ctx context.Context, doc pipeline.Document) (int64, error) {
	if doc.TenderID == 0 {
		return 0, fmt.Errorf("document tender_id is required")
	}
	headersJSON, err := marshalOrNil(doc.Headers, len(doc.Headers) == 0)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}

	var id int64
	err = s.db.QueryRow(ctx, `
INSERT INTO documents (
	tender_id, url, source, http_status, content_type, sha256, size_bytes,
	truncated, headers, body, text_content, text_chars, text_quality,
	ocr_used, error, archive_uri, fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
) RETURNING id`,
		doc.TenderID,
		doc.URL,
		textOrNil(doc.Source),
		doc.HTTPStatus,
		textOrNil(doc.ContentType),
		textOrNil(doc.SHA256),
		doc.SizeBytes,
		doc.Truncated,
		headersJSON,
		doc.Body,
		textOrNil(doc.TextContent),
		doc.TextChars,
		doc.TextQuality,
		doc.OCRUsed,
		textOrNil(doc.Error),
		textOrNil(doc.ArchiveURI),
		doc.FetchedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// Get loads one document including its body and text.
func (s *DocumentStore) Get(ctx context.Context, id int64) (pipeline.Document, error) {
	var doc pipeline.Document
	var source, contentType, sha, text, fetchErr, archiveURI *string
	var headersJSON []byte

	err := s.db.QueryRow(ctx, `
SELECT id, tender_id, url, source, http_status, content_type, sha256, size_bytes,
	truncated, headers, body, text_content, text_chars, text_quality, ocr_used,
	error, archive_uri, fetched_at, created_at
FROM documents WHERE id = $1`, id).Scan(
		&doc.ID, &doc.TenderID, &doc.URL, &source, &doc.HTTPStatus, &contentType,
		&sha, &doc.SizeBytes, &doc.Truncated, &headersJSON, &doc.Body, &text,
		&doc.TextChars, &doc.TextQuality, &doc.OCRUsed, &fetchErr, &archiveURI,
		&doc.FetchedAt, &doc.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return pipeline.Document{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Document{}, fmt.Errorf("get document: %w", err)
	}

	doc.Source = deref(source)
	doc.ContentType = deref(contentType)
	doc.SHA256 = deref(sha)
	doc.TextContent = deref(text)
	doc.Error = deref(fetchErr)
	doc.ArchiveURI = deref(archiveURI)
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &doc.Headers); err != nil {
			return pipeline.Document{}, fmt.Errorf("decode document headers: %w", err)
		}
	}
	return doc, nil
}

// FindBySHA reports whether this tender already has a document with the
// given content hash.
func (s *DocumentStore) FindBySHA(ctx context.Context, tenderID int64, sha string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`SELECT id FROM documents WHERE tender_id = $1 AND sha256 = $2 ORDER BY id LIMIT 1`,
		tenderID, sha).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find document by sha: %w", err)
	}
	return id, true, nil
}

// SetText stores the extraction result. With dropBody the raw bytes are
// nulled; Texts and re-parse then work from text_content alone.
func (s *DocumentStore) SetText(ctx context.Context, id int64, text string, quality float64, ocrUsed bool, dropBody bool, archiveURI string) error {
	sql := `UPDATE documents SET text_content = $2, text_chars = $3, text_quality = $4,
	ocr_used = $5, archive_uri = COALESCE($6, archive_uri)`
	if dropBody {
		sql += `, body = NULL`
	}
	sql += ` WHERE id = $1`

	tag, err := s.db.Exec(ctx, sql,
		id, text, utf8.RuneCountInString(text), quality, ocrUsed, textOrNil(archiveURI))
	if err != nil {
		return fmt.Errorf("set document text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// ListByTender returns document metadata for a tender, newest first.
// Bodies and text are left out; Get fetches them when needed.
func (s *DocumentStore) ListByTender(ctx context.Context, tenderID int64, limit int) ([]pipeline.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
SELECT id, tender_id, url, source, http_status, content_type, sha256, size_bytes,
	truncated, text_chars, text_quality, ocr_used, error, archive_uri, fetched_at, created_at
FROM documents WHERE tender_id = $1 ORDER BY id DESC LIMIT $2`, tenderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Document
	for rows.Next() {
		var doc pipeline.Document
		var source, contentType, sha, fetchErr, archiveURI *string
		if err := rows.Scan(
			&doc.ID, &doc.TenderID, &doc.URL, &source, &doc.HTTPStatus, &contentType,
			&sha, &doc.SizeBytes, &doc.Truncated, &doc.TextChars, &doc.TextQuality,
			&doc.OCRUsed, &fetchErr, &archiveURI, &doc.FetchedAt, &doc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Source = deref(source)
		doc.ContentType = deref(contentType)
		doc.SHA256 = deref(sha)
		doc.Error = deref(fetchErr)
		doc.ArchiveURI = deref(archiveURI)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	return out, nil
}

// Texts returns the extracted text of a tender's documents, newest first,
// skipping documents that never produced any.
func (s *DocumentStore) Texts(ctx context.Context, tenderID int64, limit int) ([]pipeline.DocumentText, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(ctx, `
SELECT text_content, text_quality FROM documents
WHERE tender_id = $1 AND text_content IS NOT NULL AND text_content <> ''
ORDER BY id DESC LIMIT $2`, tenderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list document texts: %w", err)
	}
	defer rows.Close()

	var out []pipeline.DocumentText
	for rows.Next() {
		var dt pipeline.DocumentText
		if err := rows.Scan(&dt.Text, &dt.Quality); err != nil {
			return nil, fmt.Errorf("scan document text: %w", err)
		}
		out = append(out, dt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan document texts: %w", err)
	}
	return out, nil
}

// Stats aggregates parse quality across a tender's documents, for
// insight confidence scoring.
func (s *DocumentStore) Stats(ctx context.Context, tenderID int64) (pipeline.DocStats, error) {
	var st pipeline.DocStats
	err := s.db.QueryRow(ctx, `
SELECT COALESCE(avg(text_quality), 0), COALESCE(max(text_chars), 0), count(*)
FROM documents WHERE tender_id = $1`, tenderID).Scan(&st.AvgQuality, &st.MaxChars, &st.Docs)
	if err != nil {
		return pipeline.DocStats{}, fmt.Errorf("document stats: %w", err)
	}
	return st, nil
}
