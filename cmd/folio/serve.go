package main

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/folio"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []folio.Option
			if port != 0 {
				opts = append(opts, folio.WithPort(port))
			}
			app, err := ctx.open(opts...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "TCP port (default from FOLIO_PORT)")
	return cmd
}
