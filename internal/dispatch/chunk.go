package dispatch

import "strings"

// chunkText splits text into pieces of at most maxRunes runes. When more
// than one chunk is needed, the first line of the original text is treated
// as a header and repeated at the top of every subsequent chunk so
// recipients keep context.
//
// Splitting prefers newline boundaries, then spaces, then falls back to a
// hard rune cut. Concatenating the chunk bodies (minus repeated headers)
// reconstructs the original text.
func chunkText(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return []string{text}
	}

	header := firstLine(text)
	// The repeated header eats into every continuation chunk's budget.
	contBudget := maxRunes - len([]rune(header)) - 1 // newline after header
	if contBudget < 1 {
		// Degenerate: header alone fills a chunk. Repeat nothing.
		header = ""
		contBudget = maxRunes
	}

	var chunks []string
	rest := runes
	first := true
	for len(rest) > 0 {
		budget := contBudget
		if first {
			budget = maxRunes
		}
		if len(rest) <= budget {
			chunks = append(chunks, assemble(header, string(rest), first))
			break
		}
		cut := splitPoint(rest, budget)
		chunks = append(chunks, assemble(header, string(rest[:cut]), first))
		rest = rest[cut:]
		first = false
	}
	return chunks
}

func assemble(header, body string, first bool) string {
	if first || header == "" {
		return body
	}
	return header + "\n" + body
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimRight(s[:i], "\r")
	}
	return s
}

// splitPoint finds the cut index within budget, preferring the last
// newline, then the last space, then a hard cut.
func splitPoint(runes []rune, budget int) int {
	if budget >= len(runes) {
		return len(runes)
	}
	lastNL, lastSP := -1, -1
	for i := 0; i < budget; i++ {
		switch runes[i] {
		case '\n':
			lastNL = i
		case ' ':
			lastSP = i
		}
	}
	// Cut after the separator so no content is lost.
	if lastNL > 0 {
		return lastNL + 1
	}
	if lastSP > 0 {
		return lastSP + 1
	}
	return budget
}

// reassemble is the inverse of chunkText (used by tests): it strips the
// repeated header from continuation chunks and concatenates bodies.
func reassemble(chunks []string, header string) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(chunks[0])
	for _, c := range chunks[1:] {
		body := c
		if header != "" {
			body = strings.TrimPrefix(body, header+"\n")
		}
		b.WriteString(body)
	}
	return b.String()
}
