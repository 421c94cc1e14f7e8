package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "raaf-gateway",
		Short:         "Provider-neutral gateway for the Responses and Chat Completions APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newDetectCmd())
	root.AddCommand(newCapabilitiesCmd())
	return root
}
