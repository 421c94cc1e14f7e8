package cmd

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"raaf-gateway/internal/handoff"
)

func newDetectCmd() *cobra.Command {
	var roster []string

	cmd := &cobra.Command{
		Use:   "detect [text]",
		Short: "Scan text for a handoff directive",
		Long:  "Scan text for a handoff directive naming one of the roster agents. Text is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(roster) == 0 {
				return errors.New("--roster must name at least one agent")
			}

			var text string
			if len(args) == 1 {
				text = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = strings.TrimSpace(string(data))
			}

			result := handoff.NewDetector().DetectContext(cmd.Context(), text, roster)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringSliceVar(&roster, "roster", nil, "agent names that may receive a handoff")
	return cmd
}
