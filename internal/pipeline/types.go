// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"bytes"
	"strconv"
	"time"
)

// Source identifies the upstream system a tender came from.
const (
	SourcePNCP    = "pncp"
	SourceCompras = "compras"
	SourceUnknown = "unknown"
)

// Stage names recorded on events, metrics and idempotency keys.
const (
	StageTriage = "triage"
	StageFetch  = "fetch_docs"
	StageParse  = "parse"
)

// TenderInput is the raw tender payload accepted by ingest, before
// normalization. String fields arrive as the source emitted them.
type TenderInput struct {
	IDPNCP         string            `json:"id_pncp"`
	Source         string            `json:"source,omitempty"`
	SourceID       string            `json:"source_id,omitempty"`
	Orgao          string            `json:"orgao,omitempty"`
	Municipio      string            `json:"municipio,omitempty"`
	UF             string            `json:"uf,omitempty"`
	Modalidade     string            `json:"modalidade,omitempty"`
	Objeto         string            `json:"objeto,omitempty"`
	DataPublicacao string            `json:"data_publicacao,omitempty"`
	Status         string            `json:"status,omitempty"`
	URLs           map[string]string `json:"urls,omitempty"`
	SourcePayload  map[string]any    `json:"source_payload,omitempty"`
	ForceFetch     Truthy            `json:"force_fetch,omitempty"`
}

// TenderRecord is a normalized tender ready to persist, with its change
// hash and duplicate fingerprint already computed. Raw fields keep what
// the source sent (squashed); the _norm companions hold canonical forms
// used for matching and dedup.
type TenderRecord struct {
	IDPNCP         string            `json:"id_pncp"`
	Source         string            `json:"source"`
	SourceID       string            `json:"source_id"`
	Orgao          string            `json:"orgao,omitempty"`
	Municipio      string            `json:"municipio,omitempty"`
	UF             string            `json:"uf,omitempty"`
	Modalidade     string            `json:"modalidade,omitempty"`
	Objeto         string            `json:"objeto,omitempty"`
	DataPublicacao *time.Time        `json:"data_publicacao,omitempty"`
	Status         string            `json:"status,omitempty"`
	URLs           map[string]string `json:"urls,omitempty"`
	OrgaoNorm      string            `json:"orgao_norm,omitempty"`
	MunicipioNorm  string            `json:"municipio_norm,omitempty"`
	UFNorm         string            `json:"uf_norm,omitempty"`
	ModalidadeNorm string            `json:"modalidade_norm,omitempty"`
	ObjetoNorm     string            `json:"objeto_norm,omitempty"`
	StatusNorm     string            `json:"status_norm,omitempty"`
	HashMetadados  string            `json:"hash_metadados"`
	Fingerprint    string            `json:"fingerprint"`
}

// Tender is the persisted row, including enrichment labels once the
// classifier has run.
type Tender struct {
	ID             int64             `json:"id"`
	IDPNCP         string            `json:"id_pncp"`
	Source         string            `json:"source"`
	SourceID       string            `json:"source_id"`
	Orgao          string            `json:"orgao,omitempty"`
	Municipio      string            `json:"municipio,omitempty"`
	UF             string            `json:"uf,omitempty"`
	Modalidade     string            `json:"modalidade,omitempty"`
	Objeto         string            `json:"objeto,omitempty"`
	DataPublicacao *time.Time        `json:"data_publicacao,omitempty"`
	Status         string            `json:"status,omitempty"`
	URLs           map[string]string `json:"urls,omitempty"`
	OrgaoNorm      string            `json:"orgao_norm,omitempty"`
	MunicipioNorm  string            `json:"municipio_norm,omitempty"`
	UFNorm         string            `json:"uf_norm,omitempty"`
	ModalidadeNorm string            `json:"modalidade_norm,omitempty"`
	ObjetoNorm     string            `json:"objeto_norm,omitempty"`
	StatusNorm     string            `json:"status_norm,omitempty"`
	HashMetadados  string            `json:"hash_metadados,omitempty"`
	Fingerprint    string            `json:"fingerprint,omitempty"`
	CanonicalID    *int64            `json:"canonical_tender_id,omitempty"`
	Materia        string            `json:"materia,omitempty"`
	Categoria      string            `json:"categoria,omitempty"`
	Confidence     *float64          `json:"classification_confidence,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// UpsertResult reports what the tender upsert did.
type UpsertResult struct {
	ID          int64  `json:"id"`
	Created     bool   `json:"created"`
	Changed     bool   `json:"changed"`
	CanonicalID *int64 `json:"canonical_tender_id,omitempty"`
}

// Document is a fetched attachment. Body is nulled once parse has
// extracted text; ArchiveURI points at the archived copy when the blob
// archive is enabled.
type Document struct {
	ID          int64             `json:"id"`
	TenderID    int64             `json:"tender_id"`
	URL         string            `json:"url"`
	Source      string            `json:"source,omitempty"`
	HTTPStatus  int               `json:"http_status,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	SHA256      string            `json:"sha256"`
	SizeBytes   int64             `json:"size_bytes"`
	Truncated   bool              `json:"truncated,omitempty"`
	Headers     map[string]string `json:"-"`
	Body        []byte            `json:"-"`
	TextContent string            `json:"-"`
	TextChars   int               `json:"text_chars,omitempty"`
	TextQuality float64           `json:"text_quality,omitempty"`
	OCRUsed     bool              `json:"ocr_used,omitempty"`
	Error       string            `json:"error,omitempty"`
	ArchiveURI  string            `json:"archive_uri,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

// DocumentText is the parsed text of one document, for insight scoring.
type DocumentText struct {
	Text    string
	Quality float64
}

// DocStats aggregates a tender's parsed documents for insight
// confidence scoring.
type DocStats struct {
	AvgQuality float64 `json:"avg_quality"`
	MaxChars   int     `json:"max_chars"`
	Docs       int     `json:"docs"`
}

// Segment is a fixed-window slice of a document's text. Embedding is
// empty when the embedder was unavailable or returned a bad vector.
type Segment struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	TenderID   int64     `json:"tender_id"`
	Seq        int       `json:"seq"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
}

// SearchHit is one ranked segment returned by search.
type SearchHit struct {
	SegmentID  int64   `json:"segment_id"`
	DocumentID int64   `json:"document_id"`
	TenderID   int64   `json:"tender_id"`
	Content    string  `json:"content"`
	Rank       float64 `json:"rank"`
}

// Artifact is a derived per-document record, one per (document, kind).
// Kinds in use: "tables", "doc_convert", "ocr".
type Artifact struct {
	ID         int64          `json:"id"`
	DocumentID int64          `json:"document_id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Event is one observability record in the pipeline event log.
type Event struct {
	ID         int64          `json:"id"`
	TenderID   *int64         `json:"tender_id,omitempty"`
	DocumentID *int64         `json:"document_id,omitempty"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EventFilter narrows event listings.
type EventFilter struct {
	TenderID   *int64
	DocumentID *int64
	Stage      string
	Limit      int
}

// User is a Telegram account known to the system.
type User struct {
	ID             int64     `json:"id"`
	TelegramUserID int64     `json:"telegram_user_id"`
	Username       string    `json:"username,omitempty"`
	FirstName      string    `json:"first_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Delivery selects where subscription matches are sent.
type Delivery struct {
	PV      bool `json:"pv"`
	Channel bool `json:"channel"`
}

// Filters is the per-subscription match criteria. All populated fields
// must match (conjunction); list fields match when any entry matches.
type Filters struct {
	UF            []string `json:"uf,omitempty"`
	Municipio     []string `json:"municipio,omitempty"`
	Modalidade    []string `json:"modalidade,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	Categoria     []string `json:"categoria,omitempty"`
	Materia       []string `json:"materia,omitempty"`
	Republication string   `json:"republication,omitempty"`
}

// Subscription is a saved alert profile.
type Subscription struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Filters   Filters   `json:"filters"`
	Delivery  Delivery  `json:"delivery"`
	Frequency string    `json:"frequency"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserSubscription joins a subscription with the owner's Telegram id,
// which is also the private chat id for delivery.
type UserSubscription struct {
	Subscription
	TelegramUserID int64 `json:"telegram_user_id"`
}

// SubscriptionPatch carries partial updates; nil fields are left as-is.
type SubscriptionPatch struct {
	Name      *string   `json:"name,omitempty"`
	Filters   *Filters  `json:"filters,omitempty"`
	Delivery  *Delivery `json:"delivery,omitempty"`
	Frequency *string   `json:"frequency,omitempty"`
	Active    *bool     `json:"active,omitempty"`
}

// Alert is a persisted record of something the system told a human,
// used both for admin signals and the daily-digest once-per-day guard.
type Alert struct {
	ID        int64          `json:"id"`
	UserID    *int64         `json:"user_id,omitempty"`
	TenderID  *int64         `json:"tender_id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Labels is the classifier output applied to a tender.
type Labels struct {
	Materia    string   `json:"materia,omitempty"`
	Categoria  string   `json:"categoria,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// ClassifyInput is what the classifier oracle receives.
type ClassifyInput struct {
	TenderID int64          `json:"tender_id"`
	Text     string         `json:"text"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// TenderBrief is the flattened view handed to subscription matching and
// message formatting, built from either a raw payload (triage) or a
// stored row (parse, digest).
type TenderBrief struct {
	ID             int64
	IDPNCP         string
	Orgao          string
	Municipio      string
	UF             string
	Modalidade     string
	Objeto         string
	Status         string
	Materia        string
	Categoria      string
	URLs           map[string]string
	DataPublicacao *time.Time
	Republication  bool
	Score          int
	Reasons        []string
}

// Brief flattens the row for subscription matching and message
// formatting.
func (t Tender) Brief() TenderBrief {
	return TenderBrief{
		ID:             t.ID,
		IDPNCP:         t.IDPNCP,
		Orgao:          t.Orgao,
		Municipio:      t.Municipio,
		UF:             t.UF,
		Modalidade:     t.Modalidade,
		Objeto:         t.Objeto,
		Status:         t.Status,
		Materia:        t.Materia,
		Categoria:      t.Categoria,
		URLs:           t.URLs,
		DataPublicacao: t.DataPublicacao,
	}
}

// Truthy accepts JSON true, "true", "1", "yes" or a nonzero number.
// Sources disagree on how they spell booleans.
type Truthy bool

// UnmarshalJSON implements json.Unmarshaler.
func (t *Truthy) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(b), `"`))
	switch s {
	case "", "null", "false", "0", "no", "off":
		*t = false
		return nil
	case "true", "1", "yes", "on":
		*t = true
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*t = f != 0
		return nil
	}
	*t = false
	return nil
}
