package splitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querybook/internal/domain"
)

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "empty", query: "", want: []string{}},
		{name: "whitespace only", query: " \n\t ", want: []string{}},
		{name: "comments only", query: "-- hello\n/* block ; */\n", want: []string{}},
		{name: "single without semicolon", query: "SELECT 1", want: []string{"SELECT 1"}},
		{name: "trailing semicolon", query: "SELECT 1;", want: []string{"SELECT 1"}},
		{name: "repeated separators", query: ";;SELECT 1;;\n;", want: []string{"SELECT 1"}},
		{
			name:  "three statements",
			query: "SELECT 1; SELECT bad_column; SELECT 3;",
			want:  []string{"SELECT 1", "SELECT bad_column", "SELECT 3"},
		},
		{
			name:  "semicolon in string literal",
			query: "SELECT 'a;b'; SELECT 'it''s;'",
			want:  []string{"SELECT 'a;b'", "SELECT 'it''s;'"},
		},
		{
			name:  "semicolon in quoted identifiers",
			query: "SELECT \"a;b\" FROM `x;y`; SELECT 2",
			want:  []string{"SELECT \"a;b\" FROM `x;y`", "SELECT 2"},
		},
		{
			name:  "semicolon in comments",
			query: "SELECT 1 -- first; still comment\n; /* ; */ SELECT 2",
			want:  []string{"SELECT 1", "SELECT 2"},
		},
		{
			name:  "leading comment stripped, inner comment kept",
			query: "-- header\nSELECT /* keep; */ 1;\n",
			want:  []string{"SELECT /* keep; */ 1"},
		},
		{
			name:  "dollar quoted body",
			query: "CREATE FUNCTION f() AS $$ SELECT 1; $$; SELECT 2",
			want:  []string{"CREATE FUNCTION f() AS $$ SELECT 1; $$", "SELECT 2"},
		},
		{
			name:  "multi-line statements",
			query: "CREATE TABLE t (\n  id INT\n);\n\nINSERT INTO t VALUES (1);\n",
			want:  []string{"CREATE TABLE t (\n  id INT\n)", "INSERT INTO t VALUES (1)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Statements(tt.query)
			assert.Equal(t, tt.want, got)
			assert.Len(t, Split(tt.query), len(tt.want))
		})
	}
}

func TestSplit_Idempotent(t *testing.T) {
	t.Parallel()

	scripts := []string{
		"SELECT 1; SELECT bad_column; SELECT 3;",
		"-- c\nWITH x AS (SELECT ';' AS s) SELECT * FROM x;\n/* tail */",
		"INSERT INTO t VALUES ('a;', \"b;\"); UPDATE t SET a = 1 /* ; */ WHERE b = 2",
	}

	for _, q := range scripts {
		ranges := Split(q)
		require.NotEmpty(t, ranges)

		var joined []string
		for _, r := range ranges {
			sub := r.Of(q)
			again := Split(sub)
			require.Len(t, again, 1, "re-splitting %q", sub)
			assert.Equal(t, Range{Start: 0, End: len(sub)}, again[0])
			joined = append(joined, sub)
		}

		rejoined := strings.Join(joined, ";\n")
		assert.Equal(t, Statements(q), Statements(rejoined))
	}
}

func TestSplit_RangesAreOrderedAndDisjoint(t *testing.T) {
	t.Parallel()

	q := "SELECT 1;\nSELECT 2;\n  SELECT 3"
	ranges := Split(q)
	require.Len(t, ranges, 3)
	for i := 1; i < len(ranges); i++ {
		assert.Less(t, ranges[i-1].End, ranges[i].Start)
	}
	assert.Equal(t, "SELECT 3", ranges[2].Of(q))
}

func TestWhole(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Whole("  \n"))

	q := "\n  BEGIN; SELECT 1; END;  \n"
	got := Whole(q)
	require.Len(t, got, 1)
	assert.Equal(t, "BEGIN; SELECT 1; END;", got[0].Of(q))
}

func TestReferencedTables(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  []domain.TableRef
	}{
		{
			name:  "qualified and default schema",
			query: "SELECT * FROM sales.orders o JOIN users u ON o.uid = u.id",
			want:  []domain.TableRef{{Schema: "sales", Table: "orders"}, {Schema: "main", Table: "users"}},
		},
		{
			name:  "comma separated from list",
			query: "SELECT * FROM a AS x, b y, c WHERE x.id = y.id",
			want: []domain.TableRef{
				{Schema: "main", Table: "a"}, {Schema: "main", Table: "b"}, {Schema: "main", Table: "c"},
			},
		},
		{
			name:  "cte excluded",
			query: "WITH recent AS (SELECT * FROM logs.events) SELECT * FROM recent",
			want:  []domain.TableRef{{Schema: "logs", Table: "events"}},
		},
		{
			name:  "insert select and create",
			query: "CREATE TABLE IF NOT EXISTS tmp.t AS SELECT 1; INSERT INTO tmp.t (a) SELECT a FROM src.s",
			want:  []domain.TableRef{{Schema: "tmp", Table: "t"}, {Schema: "src", Table: "s"}},
		},
		{
			name:  "extract from is not a table",
			query: "SELECT EXTRACT(YEAR FROM created_at) FROM db.events",
			want:  []domain.TableRef{{Schema: "db", Table: "events"}},
		},
		{
			name:  "subquery and table function",
			query: "SELECT * FROM (SELECT id FROM a.b) s, generate_series(1, 3)",
			want:  []domain.TableRef{{Schema: "a", Table: "b"}},
		},
		{
			name:  "quoted identifiers and three part names",
			query: `UPDATE "Hive"."Sales Data" SET x = 1; DELETE FROM cat.db.tbl`,
			want:  []domain.TableRef{{Schema: "Hive", Table: "Sales Data"}, {Schema: "db", Table: "tbl"}},
		},
		{
			name:  "strings and comments ignored",
			query: "SELECT 'FROM fake' -- FROM other\nFROM real_one",
			want:  []domain.TableRef{{Schema: "main", Table: "real_one"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ReferencedTables(tt.query, "main"))
		})
	}
}
