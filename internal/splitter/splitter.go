// Package splitter turns multi-statement SQL scripts into statement ranges and
// extracts the tables a script references.
package splitter

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// Range is a half-open byte range [Start, End) into the script.
type Range struct {
	Start int
	End   int
}

// Len returns the length of the range in bytes.
func (r Range) Len() int { return r.End - r.Start }

// Of returns the text the range selects from query.
func (r Range) Of(query string) string { return query[r.Start:r.End] }

// sqlLexer tokenizes just enough SQL to find statement boundaries. Anything
// it does not recognise becomes a one-rune Punct token.
var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `--[^\r\n]*`},
	{Name: "MultilineComment", Pattern: `/\*(?s:.*?)\*/`},
	{Name: "String", Pattern: `[eEnN]?'(?:[^'\\]|\\.|'')*'`},
	{Name: "DollarString", Pattern: `\$\$(?s:.*?)\$\$`},
	{Name: "QuotedIdent", Pattern: `"(?:[^"]|"")*"`},
	{Name: "BacktickIdent", Pattern: "`(?:[^`]|``)*`"},
	{Name: "Semicolon", Pattern: `;`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`},
	{Name: "Number", Pattern: `\d+(?:\.\d*)?(?:[eE][+-]?\d+)?`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Punct", Pattern: `(?s:.)`},
})

var (
	symbols       = sqlLexer.Symbols()
	tokWhitespace = symbols["Whitespace"]
	tokComment    = symbols["Comment"]
	tokMultiline  = symbols["MultilineComment"]
	tokSemicolon  = symbols["Semicolon"]
	tokIdent      = symbols["Ident"]
	tokQuoted     = symbols["QuotedIdent"]
	tokBacktick   = symbols["BacktickIdent"]
	tokPunct      = symbols["Punct"]
)

// token is a significant lexer token with its byte offsets.
type token struct {
	typ   lexer.TokenType
	value string
	start int
	end   int
}

func (t token) isPunct(p string) bool { return t.typ == tokPunct && t.value == p }

func (t token) isKeyword(kw string) bool {
	return t.typ == tokIdent && strings.EqualFold(t.value, kw)
}

// tokenize returns every token except whitespace and comments. Statement
// separators are included.
func tokenize(query string) []token {
	lex, err := sqlLexer.LexString("", query)
	if err != nil {
		return nil
	}
	var out []token
	for {
		tok, err := lex.Next()
		if err != nil || tok.EOF() {
			// The catch-all rule matches any rune, so errors only occur on
			// malformed UTF-8; treat the rest as unparseable.
			return out
		}
		switch tok.Type {
		case tokWhitespace, tokComment, tokMultiline:
			continue
		}
		out = append(out, token{
			typ:   tok.Type,
			value: tok.Value,
			start: tok.Pos.Offset,
			end:   tok.Pos.Offset + len(tok.Value),
		})
	}
}

// Split returns one range per non-empty statement of query, in order. Leading
// and trailing whitespace, comments and separators are excluded from every
// range; semicolons inside literals, quoted identifiers and comments do not
// separate statements.
func Split(query string) []Range {
	var (
		out   []Range
		start = -1
		end   = -1
	)
	for _, tok := range tokenize(query) {
		if tok.typ == tokSemicolon {
			if start >= 0 {
				out = append(out, Range{Start: start, End: end})
			}
			start = -1
			continue
		}
		if start < 0 {
			start = tok.start
		}
		end = tok.end
	}
	if start >= 0 {
		out = append(out, Range{Start: start, End: end})
	}
	return out
}

// Whole returns the entire script as a single range with surrounding
// whitespace trimmed, for engines that take the script verbatim. It returns
// nil when the script is blank.
func Whole(query string) []Range {
	trimmedLeft := strings.TrimLeft(query, " \t\r\n")
	if trimmedLeft == "" {
		return nil
	}
	start := len(query) - len(trimmedLeft)
	end := len(strings.TrimRight(query, " \t\r\n"))
	return []Range{{Start: start, End: end}}
}

// Statements returns the text of every statement of query.
func Statements(query string) []string {
	ranges := Split(query)
	out := make([]string, len(ranges))
	for i, r := range ranges {
		out[i] = r.Of(query)
	}
	return out
}
