// Package extract turns raw document bytes into plain text. Detection
// classifies the payload, extraction dispatches per kind with fallback
// extractors, and quality scoring feeds the OCR gate.
package extract

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind is the detected content category of a document body.
type Kind string

const (
	KindPDF    Kind = "pdf"
	KindZIP    Kind = "zip"
	KindJSON   Kind = "json"
	KindHTML   Kind = "html"
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
)

// Detect classifies a body using magic bytes first, then the declared
// content type, then a content sniff. Magic bytes win because upstream
// portals routinely mislabel PDF downloads as text/html.
func Detect(contentType string, body []byte) Kind {
	head := body
	if len(head) > 1024 {
		head = head[:1024]
	}

	if bytes.HasPrefix(bytes.TrimLeft(head, " \t\r\n"), pdfMagic) {
		return KindPDF
	}
	if bytes.HasPrefix(head, zipMagic) {
		return KindZIP
	}

	switch mediaType(contentType) {
	case "application/pdf":
		return KindPDF
	case "application/zip", "application/x-zip-compressed":
		return KindZIP
	case "application/json", "text/json":
		return KindJSON
	case "text/html", "application/xhtml+xml":
		return KindHTML
	}
	mt := mediaType(contentType)
	if strings.HasSuffix(mt, "+json") {
		return KindJSON
	}
	if strings.HasPrefix(mt, "text/") {
		return KindText
	}

	return sniff(head, body)
}

func sniff(head, body []byte) Kind {
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(body) {
		return KindJSON
	}
	lower := strings.ToLower(string(trimmed))
	if strings.Contains(lower, "<html") || strings.HasPrefix(lower, "<!doctype html") {
		return KindHTML
	}
	if looksTextual(head) {
		return KindText
	}
	return KindBinary
}

// looksTextual reports whether a sample decodes as mostly printable
// UTF-8.
func looksTextual(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	if !utf8.Valid(sample) {
		return false
	}
	printable := 0
	total := 0
	for _, r := range string(sample) {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return total > 0 && float64(printable)/float64(total) > 0.9
}

func mediaType(contentType string) string {
	mt := contentType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
