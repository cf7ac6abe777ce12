package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/folio"
	"github.com/ashita-ai/folio/internal/storage"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var document string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print version commits as they happen (postgres store only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(app *folio.App) error {
				source, ok := app.Notifications()
				if !ok {
					return errors.New("watch needs the postgres store with a notify connection")
				}
				runCtx := cmd.Context()
				if err := source.Listen(runCtx, storage.ChannelVersions); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for {
					_, payload, err := source.WaitForNotification(runCtx)
					if err != nil {
						if runCtx.Err() != nil {
							return nil
						}
						return err
					}
					ev, err := storage.ParseVersionEvent(payload)
					if err != nil {
						ctx.logger.Warn("watch: malformed notification", "payload", payload, "error", err)
						continue
					}
					if document != "" && ev.DocumentID != document {
						continue
					}
					if ctx.jsonOutput {
						fmt.Fprintln(out, payload)
						continue
					}
					fmt.Fprintf(out, "%s version %d (reward %.4f)\n", ev.DocumentID, ev.VersionNumber, ev.Reward)
				}
			})
		},
	}
	cmd.Flags().StringVar(&document, "doc", "", "Only show commits for this document")
	return cmd
}
