package splitter

import (
	"strings"

	"querybook/internal/domain"
)

// tableKeywords introduce a table name.
var tableKeywords = map[string]bool{
	"FROM": true, "JOIN": true, "INTO": true, "UPDATE": true, "TABLE": true,
}

// aliasStop lists keywords that end a table reference instead of aliasing it.
var aliasStop = map[string]bool{
	"WHERE": true, "JOIN": true, "LEFT": true, "RIGHT": true, "INNER": true, "OUTER": true,
	"FULL": true, "CROSS": true, "NATURAL": true, "ON": true, "USING": true, "GROUP": true,
	"ORDER": true, "LIMIT": true, "OFFSET": true, "UNION": true, "EXCEPT": true,
	"INTERSECT": true, "HAVING": true, "WINDOW": true, "SET": true, "VALUES": true,
	"SELECT": true, "AS": true, "LATERAL": true, "TABLESAMPLE": true, "QUALIFY": true,
	"FETCH": true, "RETURNING": true, "PARTITION": true, "WITH": true,
}

// ReferencedTables extracts the schema-qualified tables query reads or writes,
// in order of first appearance. Unqualified names resolve to defaultSchema and
// CTE names are excluded. It recognises names after FROM, JOIN, INTO, UPDATE
// and TABLE; it does not parse SQL.
func ReferencedTables(query, defaultSchema string) []domain.TableRef {
	toks := tokenize(query)
	ctes := cteNames(toks)

	var (
		out  []domain.TableRef
		seen = make(map[domain.TableRef]bool)
		// selectAt[d] is true once SELECT/DELETE appeared at paren depth d, so
		// FROM inside EXTRACT(... FROM x) is not taken for a table.
		selectAt = []bool{true}
	)
	add := func(parts []string) {
		if len(parts) == 0 {
			return
		}
		ref := domain.TableRef{Schema: defaultSchema, Table: parts[len(parts)-1]}
		if len(parts) >= 2 {
			ref.Schema = parts[len(parts)-2]
		} else if ctes[strings.ToLower(ref.Table)] {
			return
		}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		switch {
		case tok.isPunct("("):
			selectAt = append(selectAt, false)
			continue
		case tok.isPunct(")"):
			if len(selectAt) > 1 {
				selectAt = selectAt[:len(selectAt)-1]
			}
			continue
		case tok.typ == tokSemicolon:
			selectAt = []bool{true}
			continue
		case tok.isKeyword("SELECT"), tok.isKeyword("DELETE"):
			selectAt[len(selectAt)-1] = true
			continue
		}
		if tok.typ != tokIdent || !tableKeywords[strings.ToUpper(tok.value)] {
			continue
		}
		if tok.isKeyword("FROM") && !selectAt[len(selectAt)-1] {
			continue
		}

		j := skipKeywords(toks, i+1, "IF", "NOT", "EXISTS", "ONLY")
		for {
			parts, next := qualifiedName(toks, j)
			if len(parts) == 0 {
				break
			}
			if next < len(toks) && toks[next].isPunct("(") {
				// table function or column list of INSERT INTO t (...)
				if !tok.isKeyword("INTO") {
					break
				}
			}
			add(parts)
			j = next
			if !tok.isKeyword("FROM") {
				break
			}
			// FROM a [AS] x, b [AS] y
			if j < len(toks) && toks[j].isKeyword("AS") {
				j++
			}
			if j < len(toks) && isName(toks[j]) && !aliasStop[strings.ToUpper(toks[j].value)] {
				j++
			}
			if j >= len(toks) || !toks[j].isPunct(",") {
				break
			}
			j++
		}
		i = j - 1
	}
	return out
}

func isName(t token) bool {
	return t.typ == tokIdent || t.typ == tokQuoted || t.typ == tokBacktick
}

// identValue strips quoting and folds unquoted identifiers to lower case.
func identValue(t token) string {
	switch t.typ {
	case tokQuoted:
		return strings.ReplaceAll(t.value[1:len(t.value)-1], `""`, `"`)
	case tokBacktick:
		return strings.ReplaceAll(t.value[1:len(t.value)-1], "``", "`")
	default:
		return strings.ToLower(t.value)
	}
}

// qualifiedName reads name(.name)* starting at i.
func qualifiedName(toks []token, i int) ([]string, int) {
	var parts []string
	for i < len(toks) && isName(toks[i]) {
		if len(parts) == 0 && toks[i].typ == tokIdent && aliasStop[strings.ToUpper(toks[i].value)] {
			return nil, i
		}
		parts = append(parts, identValue(toks[i]))
		i++
		if i < len(toks) && toks[i].isPunct(".") {
			i++
			continue
		}
		break
	}
	return parts, i
}

func skipKeywords(toks []token, i int, keywords ...string) int {
	for i < len(toks) {
		matched := false
		for _, kw := range keywords {
			if toks[i].isKeyword(kw) {
				matched = true
				break
			}
		}
		if !matched {
			return i
		}
		i++
	}
	return i
}

// cteNames collects names defined as `name AS (` or `name (cols) AS (`.
func cteNames(toks []token) map[string]bool {
	names := make(map[string]bool)
	for i := 0; i+2 < len(toks); i++ {
		if !isName(toks[i]) {
			continue
		}
		if i > 0 && !(toks[i-1].isKeyword("WITH") || toks[i-1].isKeyword("RECURSIVE") || toks[i-1].isPunct(",")) {
			continue
		}
		j := i + 1
		if toks[j].isPunct("(") {
			for j < len(toks) && !toks[j].isPunct(")") {
				j++
			}
			j++
		}
		if j+1 < len(toks) && toks[j].isKeyword("AS") && toks[j+1].isPunct("(") {
			names[strings.ToLower(identValue(toks[i]))] = true
		}
	}
	return names
}
