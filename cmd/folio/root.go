package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/folio"
)

// commandContext carries global flags to subcommands and opens the App on
// demand.
type commandContext struct {
	store       string
	databaseURL string
	sqlitePath  string
	jsonOutput  bool
	logger      *slog.Logger
}

func (c *commandContext) open(opts ...folio.Option) (*folio.App, error) {
	base := []folio.Option{
		folio.WithLogger(c.logger),
		folio.WithVersion(version),
	}
	if c.store != "" {
		base = append(base, folio.WithStore(c.store))
	}
	if c.databaseURL != "" {
		base = append(base, folio.WithDatabaseURL(c.databaseURL))
	}
	if c.sqlitePath != "" {
		base = append(base, folio.WithSQLitePath(c.sqlitePath))
	}
	return folio.New(append(base, opts...)...)
}

// withApp opens the App for a one-shot command and closes it afterwards.
func (c *commandContext) withApp(ctx context.Context, fn func(*folio.App) error, opts ...folio.Option) error {
	app, err := c.open(opts...)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))
	return fn(app)
}

func (c *commandContext) printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	ctx := &commandContext{logger: logger}

	rootCmd := &cobra.Command{
		Use:           "folio",
		Short:         "Versioned document rewriting with reward-ranked retrieval",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.store, "store", "", "Version store: postgres, sqlite, or memory (default from FOLIO_STORE)")
	rootCmd.PersistentFlags().StringVar(&ctx.databaseURL, "database-url", "", "Postgres URL (default from DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&ctx.sqlitePath, "sqlite-path", "", "SQLite database file (default from FOLIO_SQLITE_PATH)")
	rootCmd.PersistentFlags().BoolVar(&ctx.jsonOutput, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newCommitCommand(ctx))
	rootCmd.AddCommand(newVersionsCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newBestCommand(ctx))
	rootCmd.AddCommand(newSearchCommand(ctx))
	rootCmd.AddCommand(newReindexCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))

	return rootCmd
}
