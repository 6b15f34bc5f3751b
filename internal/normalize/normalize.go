// Package normalize turns free-form tender fields into canonical forms.
// Every function is pure, tolerates empty input and never fails: bad
// values degrade to empty outputs.
package normalize

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Canonical modality values. Unmatched non-empty input maps to OUTRA.
const (
	ModalidadePregao         = "PREGAO"
	ModalidadeConcorrencia   = "CONCORRENCIA"
	ModalidadeDispensa       = "DISPENSA"
	ModalidadeInexigibilidad = "INEXIGIBILIDADE"
	ModalidadeConvite        = "CONVITE"
	ModalidadeTomadaPrecos   = "TOMADA_PRECOS"
	ModalidadeRDC            = "RDC"
	ModalidadeLeilao         = "LEILAO"
	ModalidadeOutra          = "OUTRA"
)

// Canonical status values. Unmatched non-empty input maps to UNKNOWN.
const (
	StatusOpen       = "OPEN"
	StatusInProgress = "IN_PROGRESS"
	StatusClosed     = "CLOSED"
	StatusCanceled   = "CANCELED"
	StatusSuspended  = "SUSPENDED"
	StatusFailed     = "FAILED"
	StatusUnknown    = "UNKNOWN"
)

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	ufRE         = regexp.MustCompile(`^[A-Za-z]{2}$`)

	foldChain = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Squash collapses internal whitespace and trims the ends.
func Squash(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

// Fold strips accents and lowercases, for enum and keyword matching.
func Fold(s string) string {
	out, _, err := transform.String(foldChain, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(Squash(out))
}

// UF uppercases a two-letter state code; anything else yields "".
func UF(s string) string {
	s = strings.TrimSpace(s)
	if !ufRE.MatchString(s) {
		return ""
	}
	return strings.ToUpper(s)
}

// SplitMunicipioUF splits "City/UF" or "City - UF" conservatively: the
// suffix must be a two-letter code. On failure the city comes back
// unchanged with an empty UF.
func SplitMunicipioUF(s string) (string, string) {
	s = Squash(s)
	for _, sep := range []string{"/", " - "} {
		idx := strings.LastIndex(s, sep)
		if idx <= 0 {
			continue
		}
		city := strings.TrimSpace(s[:idx])
		uf := UF(s[idx+len(sep):])
		if city != "" && uf != "" {
			return city, uf
		}
	}
	return s, ""
}

var modalidadeCues = []struct {
	cue  string
	name string
}{
	{"preg", ModalidadePregao},
	{"concorr", ModalidadeConcorrencia},
	{"dispens", ModalidadeDispensa},
	{"inexig", ModalidadeInexigibilidad},
	{"convite", ModalidadeConvite},
	{"tomada", ModalidadeTomadaPrecos},
	{"regime diferenciado", ModalidadeRDC},
	{"rdc", ModalidadeRDC},
	{"leilao", ModalidadeLeilao},
}

// Modalidade maps free-form modality text to the canonical enum.
// Canonical values map to themselves, so the function is idempotent.
func Modalidade(s string) string {
	folded := Fold(s)
	if folded == "" {
		return ""
	}
	if folded == strings.ToLower(ModalidadeOutra) {
		return ModalidadeOutra
	}
	for _, c := range modalidadeCues {
		if strings.Contains(folded, c.cue) {
			return c.name
		}
	}
	return ModalidadeOutra
}

var statusCues = []struct {
	cue  string
	name string
}{
	{"abert", StatusOpen},
	{"divulgad", StatusOpen},
	{"publicad", StatusOpen},
	{"receb", StatusOpen},
	{"andamento", StatusInProgress},
	{"julgament", StatusInProgress},
	{"disputa", StatusInProgress},
	{"encerrad", StatusClosed},
	{"homologad", StatusClosed},
	{"adjudicad", StatusClosed},
	{"concluid", StatusClosed},
	{"cancelad", StatusCanceled},
	{"revogad", StatusCanceled},
	{"anulad", StatusCanceled},
	{"suspens", StatusSuspended},
	{"desert", StatusFailed},
	{"fracass", StatusFailed},
}

var statusSelf = map[string]string{
	"open":        StatusOpen,
	"in_progress": StatusInProgress,
	"closed":      StatusClosed,
	"canceled":    StatusCanceled,
	"suspended":   StatusSuspended,
	"failed":      StatusFailed,
	"unknown":     StatusUnknown,
}

// Status maps free-form status text to the canonical enum. Canonical
// values map to themselves, so the function is idempotent.
func Status(s string) string {
	folded := Fold(s)
	if folded == "" {
		return ""
	}
	if name, ok := statusSelf[folded]; ok {
		return name
	}
	for _, c := range statusCues {
		if strings.Contains(folded, c.cue) {
			return c.name
		}
	}
	return StatusUnknown
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

// Date parses the publication timestamp formats the sources emit.
// Unparseable input yields nil.
func Date(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// URLs trims keys and values and drops empty entries.
func URLs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Source infers (source, source_id, id_pncp) from whichever identity
// fields the payload carries. "compras:…" ids come from Compras and
// other non-empty ids default to PNCP; a missing external id is
// rebuilt as "source:source_id".
func Source(idPNCP, source, sourceID string) (string, string, string) {
	idPNCP = strings.TrimSpace(idPNCP)
	source = strings.ToLower(strings.TrimSpace(source))
	sourceID = strings.TrimSpace(sourceID)

	if source == "" {
		switch {
		case strings.HasPrefix(idPNCP, "compras:"):
			source = pipeline.SourceCompras
		case idPNCP != "":
			source = pipeline.SourcePNCP
		default:
			source = pipeline.SourceUnknown
		}
	}
	if sourceID == "" {
		if idx := strings.Index(idPNCP, ":"); idx >= 0 {
			sourceID = idPNCP[idx+1:]
		} else {
			sourceID = idPNCP
		}
	}
	if idPNCP == "" && sourceID != "" {
		idPNCP = source + ":" + sourceID
	}
	return source, sourceID, idPNCP
}

// Tender normalizes a raw payload into a record ready for hashing and
// persistence. Hash and fingerprint are left for the deduper.
func Tender(in pipeline.TenderInput) pipeline.TenderRecord {
	source, sourceID, idPNCP := Source(in.IDPNCP, in.Source, in.SourceID)

	municipio := Squash(in.Municipio)
	uf := UF(in.UF)
	if city, u := SplitMunicipioUF(municipio); u != "" {
		municipio = city
		if uf == "" {
			uf = u
		}
	}

	rec := pipeline.TenderRecord{
		IDPNCP:         idPNCP,
		Source:         source,
		SourceID:       sourceID,
		Orgao:          Squash(in.Orgao),
		Municipio:      municipio,
		UF:             uf,
		Modalidade:     Squash(in.Modalidade),
		Objeto:         Squash(in.Objeto),
		DataPublicacao: Date(in.DataPublicacao),
		Status:         Squash(in.Status),
		URLs:           URLs(in.URLs),
	}
	rec.OrgaoNorm = Fold(rec.Orgao)
	rec.MunicipioNorm = Fold(rec.Municipio)
	rec.UFNorm = uf
	rec.ModalidadeNorm = Modalidade(rec.Modalidade)
	rec.ObjetoNorm = Fold(rec.Objeto)
	rec.StatusNorm = Status(rec.Status)
	return rec
}
