package sqlguard

import (
	"strings"
	"unicode"
)

// scrub removes SQL comments and replaces string literals with empty
// literals, so keyword and clause checks cannot be defeated by text hidden
// in comments or strings. Identifier text and statement structure are
// preserved.
func scrub(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	i := 0
	for i < len(sql) {
		switch {
		case strings.HasPrefix(sql[i:], "--"):
			// Line comment runs to end of line.
			if nl := strings.IndexByte(sql[i:], '\n'); nl >= 0 {
				i += nl // keep the newline as whitespace
			} else {
				i = len(sql)
			}
		case strings.HasPrefix(sql[i:], "/*"):
			// Block comment; unterminated comments swallow the rest.
			if end := strings.Index(sql[i+2:], "*/"); end >= 0 {
				i += 2 + end + 2
				b.WriteByte(' ')
			} else {
				i = len(sql)
			}
		case sql[i] == '\'':
			// String literal with '' escaping.
			j := i + 1
			for j < len(sql) {
				if sql[j] == '\'' {
					if j+1 < len(sql) && sql[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			b.WriteString("''")
			if j < len(sql) {
				i = j + 1
			} else {
				i = len(sql)
			}
		default:
			b.WriteByte(sql[i])
			i++
		}
	}

	return b.String()
}

// tokenize splits scrubbed SQL into word tokens. Identifiers, keywords and
// names survive; punctuation is a separator. Bracketed identifiers keep
// their inner text so [Drop] is still seen as a token.
func tokenize(scrubbed string) []string {
	return strings.FieldsFunc(scrubbed, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '#' || r == '.')
	})
}

// firstKeyword returns the first word token, upper-cased.
func firstKeyword(scrubbed string) string {
	tokens := tokenize(scrubbed)
	if len(tokens) == 0 {
		return ""
	}
	return strings.ToUpper(tokens[0])
}

// stripTrailingTerminator removes at most one trailing semicolon.
func stripTrailingTerminator(scrubbed string) string {
	trimmed := strings.TrimSpace(scrubbed)
	trimmed = strings.TrimSuffix(trimmed, ";")
	return strings.TrimSpace(trimmed)
}
