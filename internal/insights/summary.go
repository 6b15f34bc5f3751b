package insights

import "strings"

const summaryWindow = 12000

// bulletsFromFields renders the extraction result as labelled summary
// lines, in reading order.
func bulletsFromFields(f Fields) []string {
	var bullets []string
	add := func(label, val string) {
		if val != "" {
			bullets = append(bullets, label+": "+val)
		}
	}
	add("Objeto", f.Objeto)
	add("Valor", f.Valor)
	add("Sessao", f.Sessao)
	add("Prazo proposta", f.PrazoProposta)
	add("Modalidade", f.Modalidade)
	add("Orgao", f.Orgao)
	return bullets
}

// heuristicSummary is the looser fallback pass: shorter window, looser
// captures, criterion line included. Used when the strict extraction
// produced nothing a reader would keep.
func heuristicSummary(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	norm := squashWindow(text, summaryWindow)
	var bullets []string

	if m := objetoRe.FindStringSubmatch(norm); m != nil {
		val := cleanObjectText(m[1])
		if len([]rune(val)) < 60 {
			if alt := objetoAltRe.FindStringSubmatch(norm); alt != nil {
				val = cleanObjectText(alt[1])
			}
		}
		if val != "" {
			bullets = append(bullets, "Objeto: "+clip(val, 220))
		}
	}
	if m := valorEstimadoRe.FindStringSubmatch(norm); m != nil {
		bullets = append(bullets, "Valor: "+clip(strings.TrimSpace(m[1]), 220))
	}
	if m := sessaoRe.FindStringSubmatch(norm); m != nil {
		bullets = append(bullets, "Sessao: "+clip(cutAtTokens(m[1], "CRIT", "MODO", "PREFER"), 60))
	}
	if m := modalidadeRe.FindStringSubmatch(norm); m != nil {
		if val := cutAtTokens(m[1], "CRIT", "MODO", "PREFER"); val != "" {
			bullets = append(bullets, "Modalidade: "+clip(val, 120))
		}
	}
	if m := criterioRe.FindStringSubmatch(norm); m != nil {
		if val := cutAtTokens(m[1], "MODO", "PREFER"); val != "" {
			bullets = append(bullets, "Criterio: "+clip(val, 120))
		}
	}
	if m := orgaoRe.FindStringSubmatch(norm); m != nil {
		if val := cutAtTokens(m[1], "EDITAL", "PREG", "OBJETO"); val != "" {
			bullets = append(bullets, "Orgao: "+clip(val, 140))
		}
	}

	if len(bullets) > 10 {
		bullets = bullets[:10]
	}
	return bullets
}

// summaryLooksUseful rejects summaries that only echoed letterhead:
// no object, no value, no dates, or dominated by contact noise.
func summaryLooksUseful(bullets []string) bool {
	if len(bullets) == 0 {
		return false
	}
	joined := strings.ToLower(strings.Join(bullets, " "))
	for _, bad := range []string{"binario", "content type", "bytes"} {
		if strings.Contains(joined, bad) {
			return false
		}
	}
	hasObj := strings.Contains(joined, "objeto") || strings.Contains(joined, "contrat")
	hasVal := strings.Contains(joined, "r$") || strings.Contains(joined, "valor")
	hasDate := strings.Contains(joined, "data") || strings.Contains(joined, "sess")

	if strings.Contains(joined, "e-mail") || strings.Contains(joined, "http") {
		hits := 0
		for _, ok := range []bool{hasObj, hasVal, hasDate} {
			if ok {
				hits++
			}
		}
		return hits >= 2
	}
	return hasObj || (hasVal && hasDate)
}

// firstLineShort is the last-resort bullet: the opening line of a
// segment, squashed and clipped.
func firstLineShort(text string, max int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	line := text
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		line = text[:i]
	}
	line = strings.Join(strings.Fields(line), " ")
	return clip(line, max)
}
