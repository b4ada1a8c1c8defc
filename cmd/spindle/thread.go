package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/threads"
)

func newThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Manage threads",
	}

	cmd.AddCommand(newThreadCreateCmd())
	cmd.AddCommand(newThreadListCmd())
	cmd.AddCommand(newThreadFollowUpCmd())
	cmd.AddCommand(newThreadArchiveCmd())
	cmd.AddCommand(newThreadDeleteCmd())
	return cmd
}

func newThreadCreateCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		repo       string
		baseBranch string
		tier       string
		scheduleIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create [message]",
		Short: "Create a thread and start its first run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			opts := threads.CreateOpts{
				UserID:     userID,
				Repo:       repo,
				BaseBranch: baseBranch,
				Tier:       tier,
				Message:    args[0],
			}
			if scheduleIn > 0 {
				at := time.Now().Add(scheduleIn)
				opts.ScheduleAt = &at
			}

			thread, chat, err := app.svc.Create(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Thread %s created on branch %s\n", thread.ID, thread.BranchName)
			fmt.Fprintf(out, "Chat %s is %s\n", chat.ID, chat.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	cmd.Flags().StringVar(&userID, "user", "", "owning user ID")
	cmd.Flags().StringVar(&repo, "repo", "", "GitHub repository as owner/name")
	cmd.Flags().StringVar(&baseBranch, "base", "main", "base branch to fork from")
	cmd.Flags().StringVar(&tier, "tier", "free", "subscription tier for gate checks")
	cmd.Flags().DurationVar(&scheduleIn, "in", 0, "defer the run by this duration instead of starting now")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("repo")
	return cmd
}

func newThreadListCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			q := app.db.Model(&models.Thread{}).Order("created_at DESC")
			if userID != "" {
				q = q.Where("user_id = ?", userID)
			}
			if !all {
				q = q.Where("archived = ?", false)
			}
			var list []models.Thread
			if err := q.Find(&list).Error; err != nil {
				return fmt.Errorf("list threads: %w", err)
			}

			printThreadTable(cmd, app, list)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	cmd.Flags().StringVar(&userID, "user", "", "filter by owning user ID")
	cmd.Flags().BoolVar(&all, "all", false, "include archived threads")
	return cmd
}

func newThreadFollowUpCmd() *cobra.Command {
	var (
		configPath string
		tier       string
	)

	cmd := &cobra.Command{
		Use:   "follow-up [thread-id] [message]",
		Short: "Send a follow-up message on an existing thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			chat, err := app.svc.FollowUp(args[0], tier, args[1], nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chat %s is %s\n", chat.ID, chat.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	cmd.Flags().StringVar(&tier, "tier", "free", "subscription tier for gate checks")
	return cmd
}

func newThreadArchiveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "archive [thread-id]",
		Short: "Archive a finished thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.svc.Archive(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Thread %s archived\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	return cmd
}

func newThreadDeleteCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "delete [thread-id]",
		Short: "Delete a thread, its chats, and its sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("deletion is permanent; re-run with --yes to confirm")
			}
			app, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.svc.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Thread %s deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}
