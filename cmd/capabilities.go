package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCapabilitiesCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "capabilities [model...]",
		Short: "Print the resolved capabilities of configured models",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadGateway(ctx, cfgPath, 0)
			if err != nil {
				return err
			}
			defer rt.Close()

			ids := args
			if len(ids) == 0 {
				for _, m := range rt.router.Models() {
					ids = append(ids, m.ID)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tRESPONSES\tCHAT\tSTREAMING\tFUNCTIONS\tHANDOFFS")
			for _, id := range ids {
				caps, info, err := rt.router.Capabilities(ctx, id)
				if err != nil {
					return fmt.Errorf("model %s: %w", id, err)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%t\t%t\t%t\n", info.ID, info.Provider,
					caps.ResponsesAPI, caps.ChatCompletion, caps.Streaming, caps.FunctionCalling, caps.Handoffs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML configuration file (required)")
	return cmd
}
