package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one stall sweep pass",
		Long:  "Terminates chats stuck in a transient status past their deadline and hibernates idle sandboxes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Terminated %d stalled chat(s)\n", result.Stalled)
			fmt.Fprintf(out, "Hibernated %d idle sandbox(es)\n", result.Hibernated)
			if result.Failures > 0 {
				fmt.Fprintf(out, "%d failure(s); see logs\n", result.Failures)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	return cmd
}
