package cmd

import (
	"github.com/spf13/cobra"

	"raaf-gateway/internal/server"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var overridePort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadGateway(ctx, cfgPath, overridePort)
			if err != nil {
				return err
			}
			defer rt.Close()

			var opts []server.Option
			if rt.sink != nil {
				opts = append(opts, server.WithSharedStats(rt.sink))
			}
			srv, err := server.New(rt.cfg, rt.router, opts...)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML configuration file (required)")
	cmd.Flags().IntVar(&overridePort, "port", 0, "override server port from configuration")
	return cmd
}
