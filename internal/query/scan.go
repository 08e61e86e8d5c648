package query

import (
	"strings"
	"unicode"
)

// The helpers below walk SQL text while tracking quoting and nesting so that
// keywords, separators and operators are only recognised at the top level:
// outside string literals, quoted or bracketed identifiers and parentheses.

type layout struct {
	top    []bool // outside quotes and parentheses
	quoted []bool // inside a quoted run, delimiters included
	depth  []int  // parenthesis depth before the byte
}

func classify(s string) layout {
	l := layout{top: make([]bool, len(s)), quoted: make([]bool, len(s)), depth: make([]int, len(s))}
	depth := 0
	var q byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		l.depth[i] = depth
		if q != 0 {
			l.quoted[i] = true
			if c == q {
				// a doubled quote is an escaped quote
				if q != ']' && i+1 < len(s) && s[i+1] == q {
					i++
					l.quoted[i] = true
					l.depth[i] = depth
					continue
				}
				q = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			q = c
			l.quoted[i] = true
			continue
		case '[':
			q = ']'
			l.quoted[i] = true
			continue
		case '(':
			depth++
			continue
		case ')':
			if depth > 0 {
				depth--
			}
			continue
		}
		l.top[i] = depth == 0
	}
	return l
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c == '#' || c == '@' ||
		unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

// findKeyword returns the byte offset of the first top-level, word-bounded,
// case-insensitive occurrence of kw in s at or after from, or -1.
func findKeyword(s, kw string, from int) int {
	if from < 0 {
		from = 0
	}
	top := classify(s).top
	for i := from; i+len(kw) <= len(s); i++ {
		if !top[i] || !strings.EqualFold(s[i:i+len(kw)], kw) {
			continue
		}
		if i > 0 && isWordByte(s[i-1]) {
			continue
		}
		if end := i + len(kw); end < len(s) && isWordByte(s[end]) {
			continue
		}
		return i
	}
	return -1
}

// firstKeyword returns the smallest offset of any of kws at or after from,
// or len(s) when none occurs.
func firstKeyword(s string, from int, kws ...string) int {
	end := len(s)
	for _, kw := range kws {
		if i := findKeyword(s, kw, from); i >= 0 && i < end {
			end = i
		}
	}
	return end
}

// splitTop splits s on sep wherever sep sits at the top level.
func splitTop(s string, sep byte) []string {
	top := classify(s).top
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep && top[i] {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// fields splits s on whitespace outside quoted runs.
func fields(s string) []string {
	quoted := classify(s).quoted
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		space := !quoted[i] && unicode.IsSpace(rune(s[i]))
		switch {
		case space && start >= 0:
			out = append(out, s[start:i])
			start = -1
		case !space && start < 0:
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

// collapseSpace rewrites runs of whitespace outside quoted runs as one space.
func collapseSpace(s string) string {
	return strings.Join(fields(s), " ")
}

// unwrapParens strips one pair of parentheses enclosing all of s.
func unwrapParens(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return s, false
	}
	l := classify(s)
	for i := 1; i < len(s)-1; i++ {
		// the opening paren closes before the end
		if !l.quoted[i] && l.depth[i] == 0 {
			return s, false
		}
	}
	return strings.TrimSpace(s[1 : len(s)-1]), true
}

// unquoteIdent strips [..], ".." or `..` around an identifier.
func unquoteIdent(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		switch {
		case s[0] == '[' && s[len(s)-1] == ']',
			s[0] == '"' && s[len(s)-1] == '"',
			s[0] == '`' && s[len(s)-1] == '`':
			return s[1 : len(s)-1]
		}
	}
	return s
}

// baseName drops any table, alias or schema qualifier from a column or
// object reference: "A.col" and "[dbo].[T].[col]" both yield the last part.
func baseName(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.ContainsRune(ref, '(') {
		return ref
	}
	parts := splitTop(ref, '.')
	return unquoteIdent(parts[len(parts)-1])
}
