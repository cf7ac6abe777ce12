package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/folio"
	"github.com/ashita-ai/folio/internal/model"
)

// readTextArg returns the inline value, or the contents of path ("-" is
// stdin) when inline is empty.
func readTextArg(cmd *cobra.Command, inline, path string) (string, error) {
	if inline != "" || path == "" {
		return inline, nil
	}
	if path == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	b, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI flag
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

func newCommitCommand(ctx *commandContext) *cobra.Command {
	var text, textFile, preText, preFile string

	cmd := &cobra.Command{
		Use:   "commit <document-id>",
		Short: "Commit a new version of a document",
		Long:  "Commit a new version. The reward compares the committed text with the pre-edit text given by --pre-text or --pre-file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			post, err := readTextArg(cmd, text, textFile)
			if err != nil {
				return err
			}
			pre, err := readTextArg(cmd, preText, preFile)
			if err != nil {
				return err
			}
			if pre == "" {
				return model.InvalidInput("--pre-text or --pre-file is required")
			}
			return ctx.withApp(cmd.Context(), func(app *folio.App) error {
				svc := app.Versions()
				v, err := svc.Commit(cmd.Context(), args[0], post, pre)
				if err != nil {
					return err
				}
				if err := svc.Index(cmd.Context(), v); err != nil {
					ctx.logger.Warn("commit: indexing failed", "document_id", v.DocumentID, "version", v.VersionNumber, "error", err)
				}
				if ctx.jsonOutput {
					return ctx.printJSON(cmd, v)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Committed %s version %d (reward %.4f)\n", v.DocumentID, v.VersionNumber, v.Reward)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Text to commit")
	cmd.Flags().StringVar(&textFile, "file", "", "Read the text to commit from a file (- for stdin)")
	cmd.Flags().StringVar(&preText, "pre-text", "", "Candidate text before human edits")
	cmd.Flags().StringVar(&preFile, "pre-file", "", "Read the pre-edit text from a file")
	return cmd
}

func newVersionsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <document-id>",
		Short: "List a document's versions in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(app *folio.App) error {
				vs, err := app.Versions().ListVersions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return ctx.printJSON(cmd, vs)
				}
				if len(vs) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No versions for %q\n", args[0])
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), versionsTable(vs))
				return nil
			})
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id> <version-number>",
		Short: "Print one version's text",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("version number %q is not an integer", args[1])
			}
			return ctx.withApp(cmd.Context(), func(app *folio.App) error {
				v, err := app.Versions().GetVersion(cmd.Context(), args[0], n)
				if err != nil {
					return err
				}
				return printVersion(ctx, cmd, v)
			})
		},
	}
}

func newBestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "best <document-id>",
		Short: "Print the highest-reward version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(app *folio.App) error {
				v, err := app.Versions().BestVersion(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if v == nil {
					return fmt.Errorf("document %q has no versions: %w", args[0], model.ErrNotFound)
				}
				return printVersion(ctx, cmd, *v)
			})
		},
	}
}

func printVersion(ctx *commandContext, cmd *cobra.Command, v model.Version) error {
	if ctx.jsonOutput {
		return ctx.printJSON(cmd, v)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s version %d  reward %.4f  %s\n\n", v.DocumentID, v.VersionNumber, v.Reward, v.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(out, v.Text)
	return nil
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "search <document-id> <query>",
		Short: "Find a document's versions most similar to a query",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(app *folio.App) error {
				results, err := app.Versions().Search(cmd.Context(), args[1], args[0], topK)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return ctx.printJSON(cmd, results)
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No matches")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), searchTable(results))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 1, "Maximum number of results")
	return cmd
}

func newReindexCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex <document-id>",
		Short: "Re-embed and re-index every version of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(app *folio.App) error {
				n, err := app.Versions().Reindex(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if n == 0 {
					return fmt.Errorf("document %q has no versions: %w", args[0], model.ErrNotFound)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reindexed %d versions of %s\n", n, args[0])
				return nil
			})
		},
	}
}
