package migration

import (
	"strings"
)

// SplitStatements splits a script on semicolons that are not inside quotes,
// comments or dollar-quoted bodies. Inside CREATE TRIGGER, PROCEDURE,
// FUNCTION and EVENT statements semicolons between BEGIN (or CASE) and the
// matching END do not split either. Statements holding nothing but comments
// and whitespace are dropped.
func SplitStatements(script string) []string { //nolint:cyclop,gocognit
	var (
		result  []string
		current strings.Builder
		hasCode bool

		words    int
		first    string
		compound bool
		depth    int
	)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if hasCode && stmt != "" {
			result = append(result, stmt)
		}
		current.Reset()
		hasCode = false
		words, first, compound, depth = 0, "", false, 0
	}

	src := []rune(script)
	for i := 0; i < len(src); i++ {
		c := src[i]

		switch {
		case c == ';':
			if depth > 0 {
				current.WriteRune(c)
				continue
			}
			flush()
			continue

		case isWordStart(c):
			end := wordEnd(src, i)
			word := strings.ToUpper(string(src[i:end]))

			words++
			switch {
			case words == 1:
				first = word
			case first == "CREATE" && !compound && words <= 6 && compoundKinds[word]:
				compound = true
			case compound && (word == "BEGIN" || word == "CASE"):
				depth++
			case compound && word == "END" && depth > 0:
				// END IF, END LOOP and friends close blocks that never opened one
				next, nextEnd := nextWord(src, end)
				switch next {
				case "IF", "LOOP", "WHILE", "REPEAT":
					end = nextEnd
				case "CASE":
					end = nextEnd
					depth--
				default:
					depth--
				}
			}

			current.WriteString(string(src[i:end]))
			hasCode = true
			i = end - 1
			continue

		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			end := i
			for end < len(src) && src[end] != '\n' {
				end++
			}
			current.WriteString(string(src[i:end]))
			i = end - 1
			continue

		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := i + 2
			for end+1 < len(src) && !(src[end] == '*' && src[end+1] == '/') {
				end++
			}
			end = min(end+2, len(src))
			current.WriteString(string(src[i:end]))
			i = end - 1
			continue

		case c == '\'' || c == '"' || c == '`':
			end := closingQuote(src, i, c)
			current.WriteString(string(src[i:end]))
			hasCode = true
			i = end - 1
			continue

		case c == '$':
			if tag, ok := dollarTag(src, i); ok {
				end := len(src)
				if at := indexRunes(src, i+len(tag), tag); at >= 0 {
					end = at + len(tag)
				}
				current.WriteString(string(src[i:end]))
				hasCode = true
				i = end - 1
				continue
			}
		}

		if !isSpace(c) {
			hasCode = true
		}
		current.WriteRune(c)
	}
	flush()

	return result
}

var compoundKinds = map[string]bool{ // nolint:gochecknoglobals
	"TRIGGER":   true,
	"PROCEDURE": true,
	"FUNCTION":  true,
	"EVENT":     true,
}

func isWordStart(c rune) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func wordEnd(src []rune, start int) int {
	end := start
	for end < len(src) && (isWordStart(src[end]) || src[end] >= '0' && src[end] <= '9') {
		end++
	}
	return end
}

// nextWord returns the upper-cased word following whitespace at from, and
// the index just past it. It returns "" when something else comes first.
func nextWord(src []rune, from int) (string, int) {
	start := from
	for start < len(src) && isSpace(src[start]) {
		start++
	}
	if start == len(src) || !isWordStart(src[start]) {
		return "", from
	}
	end := wordEnd(src, start)
	return strings.ToUpper(string(src[start:end])), end
}

// closingQuote returns the index just past the quote that closes the one at
// start. Doubled quotes are treated as escaped.
func closingQuote(src []rune, start int, q rune) int {
	for i := start + 1; i < len(src); i++ {
		if src[i] != q {
			continue
		}
		if i+1 < len(src) && src[i+1] == q {
			i++
			continue
		}
		return i + 1
	}
	return len(src)
}

// dollarTag recognizes $$ and $name$ openers.
func dollarTag(src []rune, start int) ([]rune, bool) {
	for i := start + 1; i < len(src); i++ {
		c := src[i]
		if c == '$' {
			return src[start : i+1], true
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > start+1 && c >= '0' && c <= '9') {
			return nil, false
		}
	}
	return nil, false
}

func indexRunes(src []rune, from int, needle []rune) int {
	for i := from; i+len(needle) <= len(src); i++ {
		if string(src[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

func isSpace(c rune) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
