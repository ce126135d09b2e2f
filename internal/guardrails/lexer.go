package guardrails

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord        tokenKind = iota // unquoted keyword or identifier
	tokQuotedIdent                  // `name` or "name"
	tokString                       // 'text'
	tokNumber
	tokSymbol
)

type token struct {
	kind tokenKind
	text string
	// upper is the upper-cased text for words, used for keyword matching.
	upper string
	// depth is the parenthesis nesting level the token sits at. Parentheses
	// themselves carry the depth of their surroundings.
	depth int
	line  int
}

func (t token) is(keyword string) bool {
	return t.kind == tokWord && t.upper == keyword
}

func (t token) isSymbol(s string) bool {
	return t.kind == tokSymbol && t.text == s
}

// lex splits sql into statements on semicolons and tokenizes each one.
// Comments are dropped. String literals and quoted identifiers become single
// tokens, so keywords inside them are never matched. Statements containing no
// tokens are omitted.
func lex(sql string) [][]token {
	var (
		statements [][]token
		current    []token
		depth      int
		line       = 1
	)

	flush := func() {
		if len(current) > 0 {
			statements = append(statements, current)
		}
		current = nil
		depth = 0
	}
	emit := func(kind tokenKind, text string, startLine int) {
		t := token{kind: kind, text: text, depth: depth, line: startLine}
		if kind == tokWord {
			t.upper = strings.ToUpper(text)
		}
		current = append(current, t)
	}

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		switch {
		case ch == '\n':
			line++

		case unicode.IsSpace(ch):

		// Line comment
		case ch == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			if i < len(runes) {
				line++
			}

		// Block comment
		case ch == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i < len(runes) && !(runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/') {
				if runes[i] == '\n' {
					line++
				}
				i++
			}
			i++ // land on the closing '/'

		case ch == '\'' || ch == '"' || ch == '`':
			start := line
			end, lines := scanQuoted(runes, i)
			kind := tokString
			if ch != '\'' {
				kind = tokQuotedIdent
			}
			emit(kind, unquote(string(runes[i:end+1]), ch), start)
			line += lines
			i = end

		case ch == ';':
			flush()

		case ch == '(':
			emit(tokSymbol, "(", line)
			depth++

		case ch == ')':
			if depth > 0 {
				depth--
			}
			emit(tokSymbol, ")", line)

		case isWordStart(ch):
			j := i
			for j < len(runes) && isWordPart(runes[j]) {
				j++
			}
			emit(tokWord, string(runes[i:j]), line)
			i = j - 1

		case unicode.IsDigit(ch):
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.' || unicode.IsLetter(runes[j])) {
				j++
			}
			emit(tokNumber, string(runes[i:j]), line)
			i = j - 1

		default:
			emit(tokSymbol, string(ch), line)
		}
	}
	flush()

	return statements
}

// scanQuoted returns the index of the closing quote of the literal starting at
// start and the number of newlines inside it. A doubled quote character is an
// escaped quote; in single-quoted strings a backslash escapes the next rune.
// An unterminated literal runs to the end of the input.
func scanQuoted(runes []rune, start int) (end, lines int) {
	q := runes[start]
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\n':
			lines++
		case '\\':
			if q != '`' && i+1 < len(runes) {
				if runes[i+1] == '\n' {
					lines++
				}
				i++
			}
		case q:
			if i+1 < len(runes) && runes[i+1] == q {
				i++
				continue
			}
			return i, lines
		}
	}
	return len(runes) - 1, lines
}

func unquote(s string, q rune) string {
	if len(s) >= 2 && rune(s[len(s)-1]) == q {
		s = s[1 : len(s)-1]
	} else if len(s) >= 1 {
		s = s[1:]
	}
	doubled := string(q) + string(q)
	return strings.ReplaceAll(s, doubled, string(q))
}

func isWordStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isWordPart(ch rune) bool {
	return ch == '_' || ch == '$' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}
