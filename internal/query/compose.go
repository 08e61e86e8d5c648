package query

import "strings"

// Compose appends fragments to the WHERE clause of sql, AND-joined. An
// existing condition is kept and parenthesised; ORDER BY, GROUP BY and the
// other trailing clauses stay after the new condition. With no fragments sql
// is returned unchanged.
func Compose(sql string, fragments []string) string {
	frags := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if f = strings.TrimSpace(f); f != "" {
			frags = append(frags, f)
		}
	}
	if len(frags) == 0 {
		return sql
	}

	s := strings.TrimRight(strings.TrimSpace(sql), ";")
	extra := strings.Join(frags, " AND ")

	from := findKeyword(s, "FROM", 0)
	if from < 0 {
		from = 0
	}
	if w := findKeyword(s, "WHERE", from); w >= 0 {
		end := firstKeyword(s, w, whereEnd...)
		cond := strings.TrimSpace(s[w+len("WHERE") : end])
		out := strings.TrimRight(s[:w], " \t\r\n") + " WHERE (" + cond + ") AND " + extra
		if rest := strings.TrimSpace(s[end:]); rest != "" {
			out += " " + rest
		}
		return out
	}

	end := firstKeyword(s, from, whereEnd...)
	out := strings.TrimRight(s[:end], " \t\r\n") + " WHERE " + extra
	if rest := strings.TrimSpace(s[end:]); rest != "" {
		out += " " + rest
	}
	return out
}
