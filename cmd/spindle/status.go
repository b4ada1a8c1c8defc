package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/status"
	"golang.org/x/term"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		Long:  "Displays chat counts per status and the threads with active or queued work.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	app, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	out := cmd.OutOrStdout()

	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := app.db.Model(&models.ThreadChat{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return fmt.Errorf("count chats: %w", err)
	}

	counts := make(map[status.Status]int64, len(rows))
	for _, r := range rows {
		counts[status.Status(r.Status)] = r.Count
	}

	fmt.Fprintln(out, "Chats by status:")
	for _, st := range status.All() {
		if counts[st] == 0 {
			continue
		}
		fmt.Fprintf(out, "  %-38s %d\n", st, counts[st])
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	fmt.Fprintln(out)

	busy := status.Strings(append(status.TransientStatuses(), status.QueuedStatuses()...))
	var active []models.Thread
	if err := app.db.
		Where("id IN (?)", app.db.Model(&models.ThreadChat{}).
			Select("thread_id").Where("status IN ?", busy)).
		Order("updated_at DESC").
		Find(&active).Error; err != nil {
		return fmt.Errorf("list active threads: %w", err)
	}

	fmt.Fprintln(out, "Threads with active or queued work:")
	printThreadTable(cmd, app, active)
	return nil
}

// printThreadTable renders threads one per line, truncating the repo
// column to the terminal width when attached to one.
func printThreadTable(cmd *cobra.Command, app *app, list []models.Thread) {
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}

	width := 120
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 60 {
		width = w
	}
	repoWidth := width - 36 - 2 - 16 - 2 - 10
	if repoWidth < 12 {
		repoWidth = 12
	}

	for _, t := range list {
		repo := t.GithubRepoFullName
		if len(repo) > repoWidth {
			repo = repo[:repoWidth-1] + "…"
		}
		sandboxState := "no sandbox"
		if t.SandboxID != nil && *t.SandboxID != "" {
			sandboxState = "sandbox"
		}
		var latest models.ThreadChat
		chatStatus := "-"
		if err := app.db.Where("thread_id = ?", t.ID).
			Order("created_at DESC").First(&latest).Error; err == nil {
			chatStatus = latest.Status
		}
		fmt.Fprintf(out, "  %s  %-*s  %-10s  %s\n", t.ID, repoWidth, repo, sandboxState, chatStatus)
	}
}
