package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"querybook/internal/splitter"
)

type statementOut struct {
	Index     int    `json:"index"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Statement string `json:"statement"`
}

func newSplitCmd() *cobra.Command {
	var (
		query  string
		single bool
	)
	cmd := &cobra.Command{
		Use:   "split [file|-]",
		Short: "Split a script into statements",
		Long:  "Print the statements of a script with their byte ranges. Comments and blank statements are dropped; semicolons inside literals and comments do not split.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readQuery(cmd, args, query)
			if err != nil {
				return err
			}
			ranges := splitter.Split(text)
			if single {
				ranges = splitter.Whole(text)
			}

			out := make([]statementOut, len(ranges))
			for i, r := range ranges {
				out[i] = statementOut{Index: i, Start: r.Start, End: r.End, Statement: r.Of(text)}
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			width := cellWidth(cmd.OutOrStdout())
			rows := make([][]string, len(out))
			for i, s := range out {
				rows[i] = []string{strconv.Itoa(s.Index), strconv.Itoa(s.Start), strconv.Itoa(s.End), clip(oneLine(s.Statement), width)}
			}
			printTable(cmd.OutOrStdout(), []string{"#", "start", "end", "statement"}, rows)
			return nil
		},
	}
	addQueryFlag(cmd.Flags(), &query)
	cmd.Flags().BoolVar(&single, "single-statement", false, "Treat the script as one statement, as single-statement engines do")
	return cmd
}
