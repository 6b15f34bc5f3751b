package extract

import "unicode"

// Quality scores extracted text in [0,1] as
// printable_ratio * (alnum_ratio + 0.1). Garbage from broken encodings
// scores near zero even when long; clean prose lands well above the
// OCR gate threshold.
func Quality(text string) float64 {
	if text == "" {
		return 0
	}
	var total, printable, alnum int
	for _, r := range text {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if total == 0 {
		return 0
	}
	score := float64(printable) / float64(total) * (float64(alnum)/float64(total) + 0.1)
	if score > 1 {
		score = 1
	}
	return score
}

// Segment splits text into sliding windows of size runes with overlap
// runes shared between neighbors. Size is floored at 200 and overlap
// clamped to [0, size-1] so the window always advances.
func Segment(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size < 200 {
		size = 200
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
