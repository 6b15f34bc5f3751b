package pipeline

import (
	"context"
	"time"
)

// Queue moves stage messages through Redis lists (or an in-memory
// stand-in). Pop waits on the given queues in priority order and
// returns ("", nil, nil) when the timeout elapses with nothing to do.
type Queue interface {
	Push(ctx context.Context, queue string, payload any) error
	Pop(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, error)
	PushDead(ctx context.Context, queue string, letter DeadLetter) error
	Len(ctx context.Context, queue string) (int64, error)
}

// KV is the shared key-value surface backing caching, rate limiting and
// idempotency keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	DelPattern(ctx context.Context, pattern string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Metrics records operational counters, gauges and histograms in the
// shared sink. Write failures are swallowed; metrics never break the
// pipeline. Counter reads back a counter value for threshold checks.
type Metrics interface {
	Incr(ctx context.Context, name string, n int64)
	IncrLabeled(ctx context.Context, name string, labels map[string]string, n int64)
	SetGauge(ctx context.Context, name string, value float64)
	Observe(ctx context.Context, name string, ms float64)
	Counter(ctx context.Context, name string) (int64, error)
}

// EventSink records pipeline events best-effort.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// TenderStore persists tenders, versions and enrichment labels.
type TenderStore interface {
	Upsert(ctx context.Context, rec TenderRecord, sourcePayload map[string]any) (UpsertResult, error)
	Get(ctx context.Context, id int64) (Tender, error)
	GetByIDPNCP(ctx context.Context, idPNCP string) (Tender, error)
	GetBySource(ctx context.Context, source, sourceID string) (Tender, error)
	SetLabels(ctx context.Context, id int64, labels Labels) error
	Recent(ctx context.Context, since time.Time, limit int) ([]Tender, error)
}

// DocumentStore persists fetched documents and their parsed text.
type DocumentStore interface {
	Insert(ctx context.Context, doc Document) (int64, error)
	Get(ctx context.Context, id int64) (Document, error)
	FindBySHA(ctx context.Context, tenderID int64, sha string) (int64, bool, error)
	SetText(ctx context.Context, id int64, text string, quality float64, ocrUsed bool, dropBody bool, archiveURI string) error
	ListByTender(ctx context.Context, tenderID int64, limit int) ([]Document, error)
	Texts(ctx context.Context, tenderID int64, limit int) ([]DocumentText, error)
	Stats(ctx context.Context, tenderID int64) (DocStats, error)
}

// SegmentStore persists and searches document segments.
type SegmentStore interface {
	Replace(ctx context.Context, documentID, tenderID int64, segs []Segment) error
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
	SearchSemantic(ctx context.Context, embedding []float32, limit int) ([]SearchHit, error)
	SemanticTender(ctx context.Context, tenderID int64, embedding []float32, limit int) ([]SearchHit, error)
	ByTender(ctx context.Context, tenderID int64, limit int) ([]Segment, error)
	SearchTender(ctx context.Context, tenderID int64, query string, limit int) ([]SearchHit, error)
	LikeTender(ctx context.Context, tenderID int64, needle string, limit int) ([]SearchHit, error)
}

// ArtifactStore persists parse by-products.
type ArtifactStore interface {
	Insert(ctx context.Context, a Artifact) error
	ListByDocument(ctx context.Context, documentID int64) ([]Artifact, error)
}

// EventStore persists and lists pipeline events.
type EventStore interface {
	Insert(ctx context.Context, ev Event) error
	List(ctx context.Context, f EventFilter) ([]Event, error)
}

// UserStore persists Telegram users and their follows.
type UserStore interface {
	Upsert(ctx context.Context, u User) (int64, error)
	Follow(ctx context.Context, telegramUserID, tenderID int64) error
	Unfollow(ctx context.Context, telegramUserID, tenderID int64) error
	ListFollows(ctx context.Context, telegramUserID int64, limit int) ([]Tender, error)
}

// SubscriptionStore persists alert profiles.
type SubscriptionStore interface {
	Create(ctx context.Context, telegramUserID int64, s Subscription) (int64, error)
	Update(ctx context.Context, id int64, patch SubscriptionPatch) error
	ListByTelegramUser(ctx context.Context, telegramUserID int64) ([]Subscription, error)
	ListActive(ctx context.Context, frequency string) ([]UserSubscription, error)
	SetActiveAll(ctx context.Context, telegramUserID int64, active bool) (int64, error)
	SetFrequency(ctx context.Context, telegramUserID int64, frequency string) (int64, error)
}

// AlertStore persists sent-alert records.
type AlertStore interface {
	Insert(ctx context.Context, a Alert) error
	SentToday(ctx context.Context, userID int64, typ string, day time.Time) (bool, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Oracle is the black-box classifier and embedder behind enrichment and
// semantic search.
type Oracle interface {
	Classify(ctx context.Context, in ClassifyInput) (Labels, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
