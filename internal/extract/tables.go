package extract

import (
	"bytes"
	"regexp"
	"strings"

	"code.sajari.com/docconv"
)

// Table is one table sniffed from text layout.
type Table struct {
	Rows [][]string `json:"rows"`
}

var columnGapRe = regexp.MustCompile(`\s{2,}|\t+`)

// Tables sniffs column-aligned tables out of extracted text: runs of
// two or more consecutive lines that each split into the same number
// of columns (>= 2) on wide whitespace gaps. Price and lot tables in
// tender annexes keep this shape after pdftotext.
func Tables(text string, maxTables int) []Table {
	if text == "" {
		return nil
	}
	if maxTables <= 0 {
		maxTables = 10
	}

	var (
		out     []Table
		current [][]string
		width   int
	)
	flush := func() {
		if len(current) >= 2 && len(out) < maxTables {
			out = append(out, Table{Rows: current})
		}
		current = nil
		width = 0
	}

	for _, line := range strings.Split(text, "\n") {
		cols := splitColumns(line)
		if len(cols) < 2 {
			flush()
			continue
		}
		if width != 0 && len(cols) != width {
			flush()
		}
		width = len(cols)
		current = append(current, cols)
	}
	flush()
	return out
}

func splitColumns(line string) []string {
	line = strings.TrimRight(line, " \t")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	parts := columnGapRe.Split(strings.TrimLeft(line, " \t"), -1)
	cols := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}

// Markdown converts a document body through docconv for the
// doc_convert artifact. The bool is false when docconv cannot handle
// the content; callers fall back to the already extracted plain text.
func Markdown(body []byte, contentType string) (string, map[string]string, bool) {
	if len(body) == 0 {
		return "", nil, false
	}
	var mime string
	switch Detect(contentType, body) {
	case KindPDF:
		mime = "application/pdf"
	case KindHTML:
		mime = "text/html"
	default:
		return "", nil, false
	}
	res, err := docconv.Convert(bytes.NewReader(body), mime, true)
	if err != nil {
		return "", nil, false
	}
	md := strings.TrimSpace(res.Body)
	if md == "" {
		return "", nil, false
	}
	return md, res.Meta, true
}
