package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Run one queue drain pass",
		Long:  "Claims and starts every queued chat whose gates have cleared. Safe to run concurrently with a running server; each chat is claimed exactly once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			started, err := app.processor.DrainAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %d chat(s)\n", started)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	return cmd
}
