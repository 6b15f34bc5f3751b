package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"
)

// zipMemberCap bounds how much of a single archive member is read.
const zipMemberCap = 32 << 20

// Text extracts plain text from body according to its detected kind and
// truncates to maxChars. PDF extraction failing completely is not an
// error: the empty result is what trips the OCR gate downstream.
func Text(ctx context.Context, kind Kind, contentType string, body []byte, maxChars int) string {
	var text string
	switch kind {
	case KindPDF:
		text = PDFText(body)
	case KindZIP:
		text = zipText(ctx, body, maxChars)
	case KindJSON:
		text = jsonText(body)
	case KindHTML:
		text = HTMLText(body)
	case KindText:
		text = plainText(body)
	default:
		text = fmt.Sprintf("[binary content_type=%s bytes=%d]", mediaType(contentType), len(body))
	}
	return Truncate(text, maxChars)
}

// PDFText runs the extractor ladder: docconv first (layout-aware via
// pdftotext when installed), then the pure-Go reader. Returns "" when
// both fail, typically a scanned image-only PDF.
func PDFText(body []byte) string {
	if res, err := docconv.Convert(bytes.NewReader(body), "application/pdf", false); err == nil {
		if text := strings.TrimSpace(res.Body); text != "" {
			return text
		}
	}
	return pdfTextFallback(body)
}

// pdfTextFallback extracts with ledongthuc/pdf, which parses the
// content streams directly. The library panics on some malformed
// files, so the recover is required.
func pdfTextFallback(body []byte) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return ""
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return ""
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// zipText concatenates the text of every .pdf member as
// "[FILE] name" blocks until the char cap is reached.
func zipText(ctx context.Context, body []byte, maxChars int) string {
	reader, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return ""
	}

	var b strings.Builder
	for _, member := range reader.File {
		if ctx.Err() != nil {
			break
		}
		if maxChars > 0 && b.Len() >= maxChars {
			break
		}
		if !strings.HasSuffix(strings.ToLower(member.Name), ".pdf") {
			continue
		}
		data, err := readZipMember(member)
		if err != nil {
			continue
		}
		text := PDFText(data)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[FILE] %s\n%s\n\n", member.Name, text)
	}
	return strings.TrimSpace(b.String())
}

// FirstInnerPDF returns the bytes of the first .pdf member of a zip
// archive, used when the OCR gate fires on an archive.
func FirstInnerPDF(body []byte) ([]byte, string, bool) {
	reader, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, "", false
	}
	for _, member := range reader.File {
		if !strings.HasSuffix(strings.ToLower(member.Name), ".pdf") {
			continue
		}
		data, err := readZipMember(member)
		if err != nil {
			continue
		}
		return data, member.Name, true
	}
	return nil, "", false
}

func readZipMember(member *zip.File) ([]byte, error) {
	rc, err := member.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip member %s: %w", member.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, zipMemberCap))
	if err != nil {
		return nil, fmt.Errorf("read zip member %s: %w", member.Name, err)
	}
	return data, nil
}

// jsonText pretty-prints a JSON body with sorted keys; non-JSON input
// degrades to plain text.
func jsonText(body []byte) string {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return plainText(body)
	}
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return plainText(body)
	}
	return string(pretty)
}

var (
	scriptRe     = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	tagRe        = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// HTMLText strips script and style blocks, removes the remaining tags
// and collapses whitespace.
func HTMLText(body []byte) string {
	s := string(body)
	s = scriptRe.ReplaceAllString(s, " ")
	s = styleRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// plainText decodes UTF-8 when valid, otherwise remaps through
// Latin-1, which never fails.
func plainText(body []byte) string {
	if utf8.Valid(body) {
		return strings.TrimSpace(string(body))
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
	if err != nil {
		return strings.TrimSpace(string(bytes.ToValidUTF8(body, []byte("?"))))
	}
	return strings.TrimSpace(string(decoded))
}

// Truncate caps a string at max runes. Non-positive max disables the
// cap.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
