package supervisor

import "strings"

// normalizeStreamText flattens streamed text whose line breaks do not mark
// semantic boundaries. Carriage returns are dropped, a double line break
// collapses to a single paragraph break, and a single line break collapses
// to a space unless the following line starts with a list marker, so list
// structure survives the flattening.
func normalizeStreamText(text string) string {
	var out strings.Builder
	out.Grow(len(text))
	for i := 0; i < len(text); {
		ch := text[i]
		if ch == '\r' {
			i++
			continue
		}
		if ch != '\n' {
			out.WriteByte(ch)
			i++
			continue
		}
		if i+1 < len(text) && text[i+1] == '\n' {
			out.WriteByte('\n')
			i += 2
			continue
		}
		j := i + 1
		for j < len(text) && (text[j] == ' ' || text[j] == '\t') {
			j++
		}
		if j < len(text) && startsListItem(text[j:]) {
			out.WriteByte('\n')
			i++
			continue
		}
		out.WriteByte(' ')
		i++
	}
	return out.String()
}

func startsListItem(s string) bool {
	switch s[0] {
	case '-', '*', '+', '#':
		return true
	}
	return s[0] >= '0' && s[0] <= '9' && len(s) > 1 && s[1] == '.'
}

// splitNormalized normalizes an accumulator and returns its non-empty
// trimmed lines.
func splitNormalized(text string) []string {
	var lines []string
	for _, line := range strings.Split(normalizeStreamText(text), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
