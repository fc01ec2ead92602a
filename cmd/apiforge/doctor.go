package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/apiforge/internal/doctor"
)

func doctorCmd(g *globalOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				// Keep going so the config check can report why.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)
			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "apiforge doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s, %d CPUs)\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.CPUs)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					icon := "✅"
					switch res.Status {
					case doctor.StatusFail:
						icon = "❌"
					case doctor.StatusWarn:
						icon = "⚠️ "
					case doctor.StatusSkip:
						icon = "⏩"
					}
					fmt.Fprintf(out, "%s %-12s: %s\n", icon, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "    %s\n", res.Detail)
					}
				}
			}
			if diag.Failed() {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}
