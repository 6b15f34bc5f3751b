// Package dedupe computes the change hash and the cross-source
// fingerprint for normalized tenders.
package dedupe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opentenders/tender-radar/internal/hash/sha256"
	"github.com/opentenders/tender-radar/internal/pipeline"
)

var hasher = sha256.New()

// HashMetadados digests identity plus core attributes over canonical
// JSON (sorted keys, compact, UTF-8). Two payloads hash equal iff a
// stored tender would be unchanged by the second one.
func HashMetadados(rec pipeline.TenderRecord) (string, error) {
	payload := map[string]any{
		"id_pncp":         strOrNull(rec.IDPNCP),
		"source":          strOrNull(rec.Source),
		"source_id":       strOrNull(rec.SourceID),
		"orgao":           strOrNull(rec.Orgao),
		"municipio":       strOrNull(rec.Municipio),
		"uf":              strOrNull(rec.UF),
		"modalidade":      strOrNull(rec.Modalidade),
		"objeto":          strOrNull(rec.Objeto),
		"data_publicacao": timeOrNull(rec.DataPublicacao),
		"status":          strOrNull(rec.Status),
		"urls":            urlsOrNull(rec.URLs),
	}
	return digest(payload)
}

// Fingerprint digests only normalized, identity-free attributes so the
// same opportunity seen from two sources collapses to one value.
// Returns "" when every included field is empty.
func Fingerprint(rec pipeline.TenderRecord) (string, error) {
	if rec.OrgaoNorm == "" && rec.MunicipioNorm == "" && rec.UFNorm == "" &&
		rec.ModalidadeNorm == "" && rec.ObjetoNorm == "" && rec.DataPublicacao == nil {
		return "", nil
	}
	payload := map[string]any{
		"orgao":           strOrNull(rec.OrgaoNorm),
		"municipio":       strOrNull(rec.MunicipioNorm),
		"uf":              strOrNull(rec.UFNorm),
		"modalidade":      strOrNull(rec.ModalidadeNorm),
		"objeto":          strOrNull(rec.ObjetoNorm),
		"data_publicacao": timeOrNull(rec.DataPublicacao),
	}
	return digest(payload)
}

func digest(payload map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	return hasher.Hash(bytes.TrimRight(buf.Bytes(), "\n"))
}

func strOrNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func urlsOrNull(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
