package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/folio"
	"github.com/ashita-ai/folio/internal/checkpoint"
	"github.com/ashita-ai/folio/internal/model"
	"github.com/ashita-ai/folio/internal/pipeline"
)

type runFlags struct {
	documentID   string
	url          string
	batchFile    string
	query        string
	editedFile   string
	draftPrompt  string
	reviewPrompt string
	approve      bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rewrite pipeline for one document or a batch",
		Long: `Acquire a document, draft and review a rewrite, pause for human review,
then commit and index the result as a new version.

With --batch, each non-empty line of the file is "<document-id><TAB><url>".
Batch runs approve the reviewed text without prompting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.batchFile != "" {
				return runBatch(cmd, ctx, f)
			}
			if f.documentID == "" || f.url == "" {
				return fmt.Errorf("--doc and --url are required unless --batch is set")
			}
			return runOne(cmd, ctx, f)
		},
	}
	cmd.Flags().StringVar(&f.documentID, "doc", "", "Document ID, e.g. a chapter name")
	cmd.Flags().StringVar(&f.url, "url", "", "Source URL to acquire")
	cmd.Flags().StringVar(&f.batchFile, "batch", "", "File of document-id/url pairs to run concurrently")
	cmd.Flags().StringVar(&f.query, "query", "", "After a successful run, search the document for this phrase and show the best version")
	cmd.Flags().StringVar(&f.editedFile, "edited-file", "", "Commit this file's text instead of prompting for review")
	cmd.Flags().StringVar(&f.draftPrompt, "draft-prompt", "", "Prompt for the drafting transform")
	cmd.Flags().StringVar(&f.reviewPrompt, "review-prompt", "", "Prompt for the reviewing transform")
	cmd.Flags().BoolVarP(&f.approve, "yes", "y", false, "Approve the reviewed text without prompting")
	return cmd
}

// checkpointFor picks how a single CLI run reaches human review.
func checkpointFor(cmd *cobra.Command, logger *slog.Logger, f runFlags) (pipeline.Checkpointer, error) {
	switch {
	case f.editedFile != "":
		b, err := os.ReadFile(f.editedFile) //nolint:gosec // operator-supplied CLI flag
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.editedFile, err)
		}
		edited := string(b)
		return checkpoint.Static{Edited: &edited}, nil
	case f.approve:
		return checkpoint.Static{}, nil
	default:
		return checkpoint.NewTerminal(cmd.InOrStdin(), cmd.ErrOrStderr(), logger), nil
	}
}

func runOne(cmd *cobra.Command, ctx *commandContext, f runFlags) error {
	cp, err := checkpointFor(cmd, ctx.logger, f)
	if err != nil {
		return err
	}
	return ctx.withApp(cmd.Context(), func(app *folio.App) error {
		report, err := app.Pipeline().Run(cmd.Context(), pipeline.Request{
			DocumentID:   f.documentID,
			URL:          f.url,
			DraftPrompt:  f.draftPrompt,
			ReviewPrompt: f.reviewPrompt,
			Checkpointer: cp,
		})
		if ctx.jsonOutput {
			if perr := ctx.printJSON(cmd, report); perr != nil {
				return perr
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), pipeline.String(report))
		}
		if err != nil {
			return err
		}
		if f.query != "" {
			return demonstrate(cmd, ctx, app, f.documentID, f.query)
		}
		return nil
	})
}

// demonstrate searches the freshly committed document and shows its
// highest-reward version.
func demonstrate(cmd *cobra.Command, ctx *commandContext, app *folio.App, documentID, query string) error {
	out := cmd.OutOrStdout()
	svc := app.Versions()

	results, err := svc.Search(cmd.Context(), query, documentID, 1)
	if err != nil {
		return err
	}
	best, err := svc.BestVersion(cmd.Context(), documentID)
	if err != nil {
		return err
	}
	if ctx.jsonOutput {
		return ctx.printJSON(cmd, map[string]any{"query": query, "results": results, "best": best})
	}

	fmt.Fprintf(out, "\nSemantic search results for %q:\n", query)
	if len(results) == 0 {
		fmt.Fprintln(out, "No matches")
	} else {
		fmt.Fprintln(out, searchTable(results))
	}
	if best == nil {
		fmt.Fprintln(out, "Could not find a best version.")
		return nil
	}
	fmt.Fprintf(out, "Best version: %d (id %s, reward %.4f)\n", best.VersionNumber, best.ID, best.Reward)
	return nil
}

func runBatch(cmd *cobra.Command, ctx *commandContext, f runFlags) error {
	file, err := os.Open(f.batchFile) //nolint:gosec // operator-supplied CLI flag
	if err != nil {
		return fmt.Errorf("open batch file: %w", err)
	}
	reqs, err := parseBatch(file)
	_ = file.Close()
	if err != nil {
		return err
	}
	for i := range reqs {
		reqs[i].DraftPrompt = f.draftPrompt
		reqs[i].ReviewPrompt = f.reviewPrompt
	}

	return ctx.withApp(cmd.Context(), func(app *folio.App) error {
		reports := app.Pipeline().RunAll(cmd.Context(), reqs, app.Config().MaxConcurrentRuns)
		if ctx.jsonOutput {
			if err := ctx.printJSON(cmd, reports); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), reportsTable(reports))
		}
		failed := 0
		for _, r := range reports {
			if r.Status == model.RunStatusFailed {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d runs failed", failed, len(reports))
		}
		return nil
	}, folio.WithCheckpointer(checkpoint.Static{}))
}

// parseBatch reads "<document-id>\t<url>" lines. Blank lines and lines
// starting with # are skipped.
func parseBatch(r io.Reader) ([]pipeline.Request, error) {
	var reqs []pipeline.Request
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		doc, url, ok := strings.Cut(text, "\t")
		doc, url = strings.TrimSpace(doc), strings.TrimSpace(url)
		if !ok || doc == "" || url == "" {
			return nil, fmt.Errorf("batch line %d: want \"<document-id><TAB><url>\"", line)
		}
		reqs = append(reqs, pipeline.Request{DocumentID: doc, URL: url})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("batch file has no runs")
	}
	return reqs, nil
}

func reportsTable(reports []model.RunReport) string {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		version, reward, detail := "", "", ""
		if r.Version != nil {
			version = fmt.Sprintf("%d", r.Version.VersionNumber)
			reward = fmt.Sprintf("%.4f", r.Version.Reward)
		}
		switch {
		case r.Status == model.RunStatusFailed:
			detail = fmt.Sprintf("%s (%s): %s", r.FailedStage, r.ErrorKind, excerpt(r.Error, excerptLen))
		case r.IndexError != "":
			detail = "index: " + excerpt(r.IndexError, excerptLen)
		}
		rows = append(rows, []string{r.DocumentID, string(r.Status), version, reward, detail})
	}
	return renderTable(
		[]string{"Document", "Status", "Version", "Reward", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}
