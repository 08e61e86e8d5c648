// Package query models the SQL statements the extractor runs: a best-effort
// structural parse of a SELECT, and the composition of parameter fragments
// into sub-queries.
package query

import (
	"strconv"
	"strings"
)

// Parsed is the structural view of a single-table SELECT.
type Parsed struct {
	Query   string   `json:"query"`
	Table   string   `json:"table"`
	Schema  string   `json:"schema,omitempty"`
	Columns []string `json:"columns,omitempty"` // nil for SELECT *
	Where   []string `json:"where,omitempty"`
	Limit   int      `json:"limit,omitempty"` // TOP n; 0 when absent

	alias string
}

// clause terminators that may follow FROM or WHERE
var fromEnd = []string{"WHERE", "ORDER", "GROUP", "HAVING", "UNION", "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "CROSS", "OPTION", "FETCH", "LIMIT", "OFFSET"}
var whereEnd = []string{"ORDER", "GROUP", "HAVING", "UNION", "OPTION", "FETCH", "LIMIT", "OFFSET"}

// Parse extracts table, schema, columns, row limit and WHERE predicates from
// a SELECT statement. It never fails: text it cannot make sense of leaves the
// corresponding fields empty.
//
// Qualifiers are dropped from every column reference so that "A.col1" and
// "Schema.Table.col1" both become "col1". Only predicates using =, <, <=, >,
// >=, <> or IN are kept in Where, each normalised to "column op value" with
// string literals preserved verbatim.
func Parse(sql string) *Parsed {
	p := &Parsed{Query: sql}
	s := strings.TrimRight(strings.TrimSpace(sql), ";")

	sel := findKeyword(s, "SELECT", 0)
	if sel < 0 {
		return p
	}
	from := findKeyword(s, "FROM", sel+len("SELECT"))
	if from < 0 {
		return p
	}

	p.parseSelectList(s[sel+len("SELECT") : from])

	tail := from + len("FROM")
	end := firstKeyword(s, tail, fromEnd...)
	p.parseFrom(s[tail:end])

	if w := findKeyword(s, "WHERE", tail); w >= 0 {
		body := s[w+len("WHERE") : firstKeyword(s, w, whereEnd...)]
		for _, pred := range splitAnd(body) {
			if norm, ok := normalizePredicate(pred); ok {
				p.Where = append(p.Where, norm)
			}
		}
	}
	return p
}

func (p *Parsed) parseSelectList(list string) {
	toks := fields(list)
	for len(toks) > 0 {
		switch strings.ToUpper(toks[0]) {
		case "DISTINCT", "ALL":
			toks = toks[1:]
			continue
		case "TOP":
			if len(toks) > 1 {
				if n, err := strconv.Atoi(strings.Trim(toks[1], "()")); err == nil && n > 0 {
					p.Limit = n
				}
				toks = toks[2:]
				continue
			}
			toks = toks[1:]
			continue
		}
		break
	}

	list = strings.TrimSpace(strings.Join(toks, " "))
	if list == "" || list == "*" {
		return
	}
	for _, col := range splitTop(list, ',') {
		f := fields(col)
		if len(f) == 0 {
			continue
		}
		name := baseName(f[0])
		if name == "*" {
			continue
		}
		p.Columns = append(p.Columns, name)
	}
}

func (p *Parsed) parseFrom(clause string) {
	toks := fields(clause)
	if len(toks) == 0 {
		return
	}
	target := strings.TrimRight(toks[0], ",")
	parts := splitTop(target, '.')
	p.Table = unquoteIdent(parts[len(parts)-1])
	if len(parts) >= 2 {
		p.Schema = unquoteIdent(parts[len(parts)-2])
	}

	switch {
	case len(toks) >= 3 && strings.EqualFold(toks[1], "AS"):
		p.alias = unquoteIdent(toks[2])
	case len(toks) >= 2 && !strings.EqualFold(toks[1], "WITH") && !strings.HasPrefix(toks[1], "("):
		p.alias = unquoteIdent(strings.TrimRight(toks[1], ","))
	}
}

// splitAnd splits a boolean condition on its top-level ANDs, flattening
// parenthesised conjunctions and keeping BETWEEN x AND y together.
func splitAnd(cond string) []string {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return nil
	}
	if inner, ok := unwrapParens(cond); ok {
		return splitAnd(inner)
	}

	var parts []string
	start := 0
	pos := 0
	for {
		i := findKeyword(cond, "AND", pos)
		if i < 0 {
			break
		}
		seg := cond[start:i]
		if b := findKeyword(seg, "BETWEEN", 0); b >= 0 && findKeyword(seg[b:], "AND", 0) < 0 {
			pos = i + len("AND")
			continue
		}
		parts = append(parts, seg)
		start = i + len("AND")
		pos = start
	}
	parts = append(parts, cond[start:])

	if len(parts) == 1 {
		return []string{strings.TrimSpace(parts[0])}
	}
	var out []string
	for _, part := range parts {
		out = append(out, splitAnd(part)...)
	}
	return out
}

var comparisons = []string{"<=", ">=", "<>", "!=", "=", "<", ">"}

// normalizePredicate rewrites "A.col op value" as "col op value". Predicates
// without a supported operator report false.
func normalizePredicate(pred string) (string, bool) {
	pred = strings.TrimSpace(pred)
	if pred == "" {
		return "", false
	}
	if inner, ok := unwrapParens(pred); ok {
		pred = inner
	}

	top := classify(pred).top
	opAt, op := -1, ""
	for i := 0; i < len(pred) && opAt < 0; i++ {
		if !top[i] {
			continue
		}
		for _, c := range comparisons {
			if strings.HasPrefix(pred[i:], c) {
				opAt, op = i, c
				break
			}
		}
	}
	if in := findKeyword(pred, "IN", 0); in >= 0 && (opAt < 0 || in < opAt) {
		if before := strings.TrimSpace(pred[:in]); strings.HasSuffix(strings.ToUpper(before), " NOT") {
			return "", false
		}
		opAt, op = in, "IN"
	}
	if opAt <= 0 || op == "!=" {
		return "", false
	}

	left := strings.TrimSpace(pred[:opAt])
	right := collapseSpace(strings.TrimSpace(pred[opAt+len(op):]))
	if left == "" || right == "" {
		return "", false
	}
	return baseName(left) + " " + op + " " + right, true
}
