package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spindle-dev/spindle/internal/models"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled and recurring runs",
	}

	cmd.AddCommand(newScheduleRunCmd())
	cmd.AddCommand(newScheduleCancelCmd())
	cmd.AddCommand(newRuleCmd())
	return cmd
}

func newScheduleRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start due scheduled chats and fire automation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			started, err := app.scheduler.RunDue(cmd.Context())
			if err != nil {
				return err
			}
			fired, err := app.scheduler.FireRules(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %d scheduled chat(s), fired %d rule(s)\n", started, fired)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	return cmd
}

func newScheduleCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel [chat-id]",
		Short: "Cancel a chat's pending schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.svc.CancelSchedule(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule cancelled for chat %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	return cmd
}

func newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage recurring automation rules",
	}

	cmd.AddCommand(newRuleAddCmd())
	cmd.AddCommand(newRuleListCmd())
	cmd.AddCommand(newRuleRemoveCmd())
	return cmd
}

func newRuleAddCmd() *cobra.Command {
	var (
		configPath string
		cronExpr   string
	)

	cmd := &cobra.Command{
		Use:   "add [thread-id] [message]",
		Short: "Add a recurring rule to a thread",
		Long:  "Adds a rule that sends the message as a follow-up every time the cron expression matches, e.g. --cron \"0 9 * * 1-5\" for weekday mornings.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			rule, err := app.scheduler.CreateRule(args[0], cronExpr, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rule %d added: %q on %s\n", rule.ID, rule.CronExpr, rule.ThreadID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "5-field cron expression")
	cmd.MarkFlagRequired("cron")
	return cmd
}

func newRuleListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List automation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			var rules []models.AutomationRule
			if err := app.db.Order("id ASC").Find(&rules).Error; err != nil {
				return fmt.Errorf("list rules: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(rules) == 0 {
				fmt.Fprintln(out, "No rules.")
				return nil
			}
			for _, r := range rules {
				state := "enabled"
				if !r.Enabled {
					state = "disabled"
				}
				last := "never"
				if r.LastRunAt != nil {
					last = r.LastRunAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%4d  %-16s  %s  thread %s  last run %s\n", r.ID, r.CronExpr, state, r.ThreadID, last)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	return cmd
}

func newRuleRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove [rule-id]",
		Short: "Remove an automation rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			res := app.db.Delete(&models.AutomationRule{}, "id = ?", args[0])
			if res.Error != nil {
				return fmt.Errorf("remove rule %s: %w", args[0], res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("rule %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rule %s removed\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	return cmd
}
