package pipeline

import (
	"encoding/json"
	"fmt"
)

// Queue names. Workers block-pop the main queues; exhausted or
// unprocessable messages land on the matching dead-letter queue.
const (
	QueueTriage     = "q:triage"
	QueueFetch      = "q:fetch_parse"
	QueueParse      = "q:parse"
	QueueParseSmoke = "q:parse_smoke"

	QueueDeadTriage = "q:dead_triage"
	QueueDeadFetch  = "q:dead_fetch_docs"
	QueueDeadParse  = "q:dead_parse"
)

// TriageMessage enters the pipeline from ingest or a source poller.
// Older producers wrap the tender under "tender" or "payload"; decode
// with DecodeTriageMessage rather than plain unmarshal.
type TriageMessage struct {
	TenderID   int64        `json:"tender_id,omitempty"`
	IDPNCP     string       `json:"id_pncp,omitempty"`
	Tender     *TenderInput `json:"tender,omitempty"`
	ForceFetch Truthy       `json:"force_fetch,omitempty"`
	QueuedAt   string       `json:"queued_at,omitempty"`
	Retries    int          `json:"_retries,omitempty"`
}

// FetchMessage asks the fetch worker to pull documents for a tender.
type FetchMessage struct {
	TenderID   int64             `json:"tender_id,omitempty"`
	IDPNCP     string            `json:"id_pncp,omitempty"`
	Source     string            `json:"source,omitempty"`
	SourceID   string            `json:"source_id,omitempty"`
	Tender     *TenderInput      `json:"tender,omitempty"`
	URLs       map[string]string `json:"urls,omitempty"`
	URL        string            `json:"url,omitempty"`
	Score      int               `json:"score,omitempty"`
	Reasons    []string          `json:"reasons,omitempty"`
	ForceFetch Truthy            `json:"force_fetch,omitempty"`
	QueuedAt   string            `json:"queued_at,omitempty"`
	Retries    int               `json:"_retries,omitempty"`
}

// ParseMessage asks the parse worker to extract text for one document.
type ParseMessage struct {
	DocumentID int64  `json:"document_id"`
	TenderID   int64  `json:"tender_id,omitempty"`
	IDPNCP     string `json:"id_pncp,omitempty"`
	URL        string `json:"url,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
	QueuedAt   string `json:"queued_at,omitempty"`
	Retries    int    `json:"_retries,omitempty"`
}

// DeadLetter wraps a failed message with why it died. Payload keeps the
// original bytes untouched for replay.
type DeadLetter struct {
	Reason  string          `json:"reason"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeTriageMessage tolerates the three producer shapes: a bare
// tender object, {"tender": {...}} and {"payload": {...}}.
func DecodeTriageMessage(body []byte) (TriageMessage, TenderInput, error) {
	var msg TriageMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return TriageMessage{}, TenderInput{}, fmt.Errorf("decode triage message: %w", err)
	}
	if msg.Tender != nil {
		return msg, *msg.Tender, nil
	}
	var wrapped struct {
		Payload *TenderInput `json:"payload"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Payload != nil {
		return msg, *wrapped.Payload, nil
	}
	var flat TenderInput
	if err := json.Unmarshal(body, &flat); err != nil {
		return TriageMessage{}, TenderInput{}, fmt.Errorf("decode triage tender: %w", err)
	}
	if flat.ForceFetch {
		msg.ForceFetch = true
	}
	return msg, flat, nil
}

// DecodeFetchMessage tolerates both inner-payload spellings: the
// embedded tender metadata may ride under "tender" or "payload", and
// the URL map under either the envelope or the tender.
func DecodeFetchMessage(body []byte) (FetchMessage, error) {
	var msg FetchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return FetchMessage{}, fmt.Errorf("decode fetch message: %w", err)
	}
	if msg.Tender == nil {
		var wrapped struct {
			Payload *TenderInput `json:"payload"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Payload != nil {
			msg.Tender = wrapped.Payload
		}
	}
	if msg.Tender != nil {
		if msg.IDPNCP == "" {
			msg.IDPNCP = msg.Tender.IDPNCP
		}
		if len(msg.URLs) == 0 {
			msg.URLs = msg.Tender.URLs
		}
	}
	return msg, nil
}

// WithRetries returns a copy of the raw message with its _retries field
// rewritten, preserving every other field as the producer sent it.
func WithRetries(body []byte, retries int) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("rewrite retries: %w", err)
	}
	m["_retries"] = retries
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("rewrite retries: %w", err)
	}
	return out, nil
}

// MessageRetries reads the _retries field without decoding the rest.
func MessageRetries(body []byte) int {
	var m struct {
		Retries int `json:"_retries"`
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return 0
	}
	return m.Retries
}
