package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"querybook/internal/config"
	"querybook/internal/engine"
	"querybook/internal/executor"
	"querybook/internal/service/query"
)

func newRunCmd() *cobra.Command {
	var (
		script      string
		enginesFile string
		engineID    string
		uid         string
		limit       int
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Run a script synchronously against an engine",
		Long:  "Run every statement of a script in order on one engine from the engines file and print the rows of the last statement that returned any. Nothing is persisted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readQuery(cmd, args, script)
			if err != nil {
				return err
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			registry := engine.NewDefaultRegistry(logger)
			engines, err := config.LoadEngines(enginesFile, registry.Has)
			if err != nil {
				return err
			}
			svc := query.NewService(query.Config{Registry: registry, Engines: engines}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			res, err := svc.RunSync(ctx, text, engineID, uid, limit)
			if err != nil {
				return err
			}
			return printSyncResult(cmd, res)
		},
	}
	addQueryFlag(cmd.Flags(), &script)
	cmd.Flags().StringVar(&enginesFile, "engines-file", envOr("ENGINES_FILE", "engines.yaml"), "Engines and metastores YAML file")
	cmd.Flags().StringVar(&engineID, "engine", "", "Engine id from the engines file")
	cmd.Flags().StringVar(&uid, "uid", envOr("USER", "querybook"), "User the script runs as (proxy user)")
	cmd.Flags().IntVar(&limit, "limit", query.DefaultSyncRowLimit, "Maximum rows to print")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")
	_ = cmd.MarkFlagRequired("engine")
	return cmd
}

type syncOut struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	Statements int      `json:"statements"`
	Truncated  bool     `json:"truncated"`
}

func printSyncResult(cmd *cobra.Command, res *query.SyncResult) error {
	out := cmd.OutOrStdout()
	if getOutputFormat(cmd) == "json" {
		rows := res.Rows
		if rows == nil {
			rows = [][]any{}
		}
		return printJSON(out, syncOut{Columns: res.Columns, Rows: rows, Statements: res.Statements, Truncated: res.Truncated})
	}

	if len(res.Columns) == 0 {
		_, err := fmt.Fprintf(out, "%d statement(s) ran, no rows returned\n", res.Statements)
		return err
	}
	rows := make([][]string, len(res.Rows))
	for i, r := range res.Rows {
		rows[i] = make([]string, len(r))
		for j, v := range r {
			rows[i][j] = executor.FormatValue(v)
		}
	}
	printTable(out, res.Columns, rows)
	return printFooter(out, res)
}

func printFooter(w io.Writer, res *query.SyncResult) error {
	suffix := ""
	if res.Truncated {
		suffix = " (truncated)"
	}
	_, err := fmt.Fprintf(w, "%d row(s)%s, %d statement(s)\n", len(res.Rows), suffix, res.Statements)
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
