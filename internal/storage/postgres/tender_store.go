package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// TenderStore persists tenders, their versions and enrichment labels.
type TenderStore struct {
	db querier
}

// NewTenderStore constructs a TenderStore on the shared pool.
func NewTenderStore(db querier) *TenderStore {
	return &TenderStore{db: db}
}

const tenderColumns = `id, id_pncp, source, source_id, orgao, municipio, uf, modalidade, objeto,
	data_publicacao, status, urls, orgao_norm, municipio_norm, uf_norm, modalidade_norm,
	objeto_norm, status_norm, hash_metadados, fingerprint, canonical_tender_id,
	materia, categoria, classification_confidence, tags, created_at, updated_at`

const tenderUpsertSQL = `
INSERT INTO tenders (
	id_pncp, source, source_id, orgao, municipio, uf, modalidade, objeto,
	data_publicacao, status, urls, orgao_norm, municipio_norm, uf_norm,
	modalidade_norm, objeto_norm, status_norm, hash_metadados, fingerprint
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
)
ON CONFLICT (id_pncp) DO UPDATE SET
	source = EXCLUDED.source,
	source_id = COALESCE(EXCLUDED.source_id, tenders.source_id),
	orgao = COALESCE(EXCLUDED.orgao, tenders.orgao),
	municipio = COALESCE(EXCLUDED.municipio, tenders.municipio),
	uf = COALESCE(EXCLUDED.uf, tenders.uf),
	modalidade = COALESCE(EXCLUDED.modalidade, tenders.modalidade),
	objeto = COALESCE(EXCLUDED.objeto, tenders.objeto),
	data_publicacao = COALESCE(EXCLUDED.data_publicacao, tenders.data_publicacao),
	status = COALESCE(EXCLUDED.status, tenders.status),
	urls = COALESCE(EXCLUDED.urls, tenders.urls),
	orgao_norm = COALESCE(EXCLUDED.orgao_norm, tenders.orgao_norm),
	municipio_norm = COALESCE(EXCLUDED.municipio_norm, tenders.municipio_norm),
	uf_norm = COALESCE(EXCLUDED.uf_norm, tenders.uf_norm),
	modalidade_norm = COALESCE(EXCLUDED.modalidade_norm, tenders.modalidade_norm),
	objeto_norm = COALESCE(EXCLUDED.objeto_norm, tenders.objeto_norm),
	status_norm = COALESCE(EXCLUDED.status_norm, tenders.status_norm),
	hash_metadados = EXCLUDED.hash_metadados,
	fingerprint = COALESCE(EXCLUDED.fingerprint, tenders.fingerprint),
	updated_at = now()
RETURNING id`

// Upsert inserts or refreshes a tender row keyed by id_pncp. It records a
// version snapshot when the row is new or its metadata hash changed, keeps
// the raw source payload, and links duplicate rows (same fingerprint) to
// the lowest-id peer.
func (s *TenderStore) Upsert(ctx context.Context, rec pipeline.TenderRecord, sourcePayload map[string]any) (pipeline.UpsertResult, error) {
	if rec.IDPNCP == "" {
		return pipeline.UpsertResult{}, fmt.Errorf("tender id_pncp is required")
	}

	var existingID int64
	var existingHash *string
	err := s.db.QueryRow(ctx,
		`SELECT id, hash_metadados FROM tenders WHERE id_pncp = $1`, rec.IDPNCP,
	).Scan(&existingID, &existingHash)
	exists := err == nil
	if err != nil && err != pgx.ErrNoRows {
		return pipeline.UpsertResult{}, fmt.Errorf("lookup tender: %w", err)
	}

	urlsJSON, err := marshalOrNil(rec.URLs, len(rec.URLs) == 0)
	if err != nil {
		return pipeline.UpsertResult{}, fmt.Errorf("marshal urls: %w", err)
	}

	var id int64
	err = s.db.QueryRow(ctx, tenderUpsertSQL,
		rec.IDPNCP,
		rec.Source,
		textOrNil(rec.SourceID),
		textOrNil(rec.Orgao),
		textOrNil(rec.Municipio),
		textOrNil(rec.UF),
		textOrNil(rec.Modalidade),
		textOrNil(rec.Objeto),
		rec.DataPublicacao,
		textOrNil(rec.Status),
		urlsJSON,
		textOrNil(rec.OrgaoNorm),
		textOrNil(rec.MunicipioNorm),
		textOrNil(rec.UFNorm),
		textOrNil(rec.ModalidadeNorm),
		textOrNil(rec.ObjetoNorm),
		textOrNil(rec.StatusNorm),
		rec.HashMetadados,
		textOrNil(rec.Fingerprint),
	).Scan(&id)
	if err != nil {
		return pipeline.UpsertResult{}, fmt.Errorf("upsert tender: %w", err)
	}

	result := pipeline.UpsertResult{
		ID:      id,
		Created: !exists,
		Changed: exists && (existingHash == nil || *existingHash != rec.HashMetadados),
	}

	// Raw payload snapshots are diagnostics; losing one must not fail
	// the ingest.
	if len(sourcePayload) > 0 {
		if payloadJSON, err := json.Marshal(sourcePayload); err == nil {
			_, _ = s.db.Exec(ctx,
				`INSERT INTO tender_sources (tender_id, source, payload) VALUES ($1, $2, $3)`,
				id, rec.Source, payloadJSON)
		}
	}

	if result.Created || result.Changed {
		if err := s.insertVersion(ctx, id, rec); err != nil {
			return result, err
		}
	}

	if rec.Fingerprint != "" {
		canonical, err := s.linkCanonical(ctx, id, rec.Fingerprint)
		if err != nil {
			return result, err
		}
		result.CanonicalID = canonical
	}

	return result, nil
}

func (s *TenderStore) insertVersion(ctx context.Context, id int64, rec pipeline.TenderRecord) error {
	snapshot, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal version snapshot: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO tender_versions (tender_id, hash_metadados, snapshot) VALUES ($1, $2, $3)`,
		id, rec.HashMetadados, snapshot); err != nil {
		return fmt.Errorf("insert tender version: %w", err)
	}
	return nil
}

// linkCanonical points this row at the lowest-id tender sharing its
// fingerprint. The lowest id itself stays unlinked.
func (s *TenderStore) linkCanonical(ctx context.Context, id int64, fingerprint string) (*int64, error) {
	var lowest *int64
	err := s.db.QueryRow(ctx,
		`SELECT min(id) FROM tenders WHERE fingerprint = $1`, fingerprint,
	).Scan(&lowest)
	if err != nil {
		return nil, fmt.Errorf("find fingerprint peer: %w", err)
	}
	if lowest == nil || *lowest == id {
		return nil, nil
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE tenders SET canonical_tender_id = $2 WHERE id = $1`, id, *lowest); err != nil {
		return nil, fmt.Errorf("link canonical tender: %w", err)
	}
	return lowest, nil
}

// Get loads one tender by primary key.
func (s *TenderStore) Get(ctx context.Context, id int64) (pipeline.Tender, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tenderColumns+` FROM tenders WHERE id = $1`, id)
	return scanTender(row)
}

// GetByIDPNCP loads one tender by its public identifier.
func (s *TenderStore) GetByIDPNCP(ctx context.Context, idPNCP string) (pipeline.Tender, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tenderColumns+` FROM tenders WHERE id_pncp = $1`, idPNCP)
	return scanTender(row)
}

// GetBySource loads the oldest tender matching (source, source_id).
func (s *TenderStore) GetBySource(ctx context.Context, source, sourceID string) (pipeline.Tender, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tenderColumns+` FROM tenders WHERE source = $1 AND source_id = $2 ORDER BY id LIMIT 1`,
		source, sourceID)
	return scanTender(row)
}

// SetLabels applies classifier output to a tender.
func (s *TenderStore) SetLabels(ctx context.Context, id int64, labels pipeline.Labels) error {
	tags := labels.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE tenders SET materia = $2, categoria = $3, classification_confidence = $4, tags = $5, updated_at = now() WHERE id = $1`,
		id, textOrNil(labels.Materia), textOrNil(labels.Categoria), labels.Confidence, tagsJSON)
	if err != nil {
		return fmt.Errorf("set tender labels: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// Recent lists tenders created since the given time, newest first.
func (s *TenderStore) Recent(ctx context.Context, since time.Time, limit int) ([]pipeline.Tender, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+tenderColumns+` FROM tenders WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tenders: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Tender
	for rows.Next() {
		t, err := scanTenderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan recent tenders: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTender(row pgx.Row) (pipeline.Tender, error) {
	t, err := scanTenderRow(row)
	if err == pgx.ErrNoRows {
		return pipeline.Tender{}, pipeline.ErrNotFound
	}
	return t, err
}

func scanTenderRow(row rowScanner) (pipeline.Tender, error) {
	var t pipeline.Tender
	var sourceID, orgao, municipio, uf, modalidade, objeto, status *string
	var orgaoN, municipioN, ufN, modalidadeN, objetoN, statusN *string
	var hash, fingerprint, materia, categoria *string
	var urlsJSON, tagsJSON []byte

	err := row.Scan(
		&t.ID, &t.IDPNCP, &t.Source, &sourceID, &orgao, &municipio, &uf, &modalidade, &objeto,
		&t.DataPublicacao, &status, &urlsJSON, &orgaoN, &municipioN, &ufN, &modalidadeN,
		&objetoN, &statusN, &hash, &fingerprint, &t.CanonicalID,
		&materia, &categoria, &t.Confidence, &tagsJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return pipeline.Tender{}, err
		}
		return pipeline.Tender{}, fmt.Errorf("scan tender: %w", err)
	}

	t.SourceID = deref(sourceID)
	t.Orgao = deref(orgao)
	t.Municipio = deref(municipio)
	t.UF = deref(uf)
	t.Modalidade = deref(modalidade)
	t.Objeto = deref(objeto)
	t.Status = deref(status)
	t.OrgaoNorm = deref(orgaoN)
	t.MunicipioNorm = deref(municipioN)
	t.UFNorm = deref(ufN)
	t.ModalidadeNorm = deref(modalidadeN)
	t.ObjetoNorm = deref(objetoN)
	t.StatusNorm = deref(statusN)
	t.HashMetadados = deref(hash)
	t.Fingerprint = deref(fingerprint)
	t.Materia = deref(materia)
	t.Categoria = deref(categoria)

	if len(urlsJSON) > 0 {
		if err := json.Unmarshal(urlsJSON, &t.URLs); err != nil {
			return pipeline.Tender{}, fmt.Errorf("decode tender urls: %w", err)
		}
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &t.Tags); err != nil {
			return pipeline.Tender{}, fmt.Errorf("decode tender tags: %w", err)
		}
	}
	return t, nil
}

// tenderColumnsPrefixed qualifies the tender column list for joins.
func tenderColumnsPrefixed(alias string) string {
	parts := strings.Split(tenderColumns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalOrNil(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}
