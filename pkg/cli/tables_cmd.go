package cli

import (
	"github.com/spf13/cobra"

	"querybook/internal/acl"
	"querybook/internal/splitter"
)

type tableOut struct {
	Schema  string `json:"schema"`
	Table   string `json:"table"`
	Allowed *bool  `json:"allowed,omitempty"`
}

func newTablesCmd() *cobra.Command {
	var (
		query         string
		defaultSchema string
		allow         []string
		deny          []string
	)
	cmd := &cobra.Command{
		Use:   "tables [file|-]",
		Short: "List the tables a script references",
		Long:  "List the schema-qualified tables a script reads or writes. With --allow or --deny each table is also checked against the list.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readQuery(cmd, args, query)
			if err != nil {
				return err
			}

			var checker *acl.Checker
			switch {
			case len(allow) > 0:
				checker, err = acl.NewChecker(acl.ModeAllowList, allow)
			case len(deny) > 0:
				checker, err = acl.NewChecker(acl.ModeDenyList, deny)
			}
			if err != nil {
				return err
			}

			refs := splitter.ReferencedTables(text, defaultSchema)
			out := make([]tableOut, len(refs))
			for i, r := range refs {
				out[i] = tableOut{Schema: r.Schema, Table: r.Table}
				if checker != nil {
					ok := checker.IsTableValid(r.Schema, r.Table)
					out[i].Allowed = &ok
				}
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}

			header := []string{"schema", "table"}
			if checker != nil {
				header = append(header, "allowed")
			}
			rows := make([][]string, len(out))
			for i, t := range out {
				rows[i] = []string{t.Schema, t.Table}
				if t.Allowed != nil {
					rows[i] = append(rows[i], yesNo(*t.Allowed))
				}
			}
			printTable(cmd.OutOrStdout(), header, rows)
			return nil
		},
	}
	addQueryFlag(cmd.Flags(), &query)
	cmd.Flags().StringVar(&defaultSchema, "default-schema", "default", "Schema of unqualified table names")
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "Allowed table patterns (schema.table, globs allowed)")
	cmd.Flags().StringSliceVar(&deny, "deny", nil, "Denied table patterns (schema.table, globs allowed)")
	cmd.MarkFlagsMutuallyExclusive("allow", "deny")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
