package main

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spindle-dev/spindle/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Spindle orchestrator",
		Long:  "Starts the internal HTTP server and the periodic queue drain, stall sweep, schedule, and PR sync passes. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "spindle.yaml", "path to Spindle config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	app, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic passes run in-process so a single binary deployment needs
	// no external cron. The HTTP endpoints stay available for platforms
	// that drive them externally; every pass is safe to run twice.
	ticker := cron.New()
	if _, err := ticker.AddFunc("@every 1m", func() {
		if _, err := app.processor.DrainAll(ctx); err != nil {
			log.Printf("serve: drain queue: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("serve: schedule queue drain: %w", err)
	}
	if _, err := ticker.AddFunc("@every 1m", func() {
		if _, err := app.scheduler.RunDue(ctx); err != nil {
			log.Printf("serve: run scheduled: %v", err)
		}
		if _, err := app.scheduler.FireRules(ctx, time.Now()); err != nil {
			log.Printf("serve: fire rules: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("serve: schedule scheduler pass: %w", err)
	}
	sweepEvery := fmt.Sprintf("@every %s", app.cfg.Sweep.Interval.Std())
	if _, err := ticker.AddFunc(sweepEvery, func() {
		if _, err := app.sweeper.Sweep(ctx); err != nil {
			log.Printf("serve: sweep: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("serve: schedule sweep: %w", err)
	}
	if app.syncer != nil {
		if _, err := ticker.AddFunc("@every 10m", func() {
			if _, err := app.syncer.Sync(ctx); err != nil {
				log.Printf("serve: sync pull requests: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("serve: schedule pr sync: %w", err)
		}
	}
	ticker.Start()
	defer ticker.Stop()

	srv := server.New(server.Deps{
		DB:           app.db,
		Cfg:          app.cfg,
		Svc:          app.svc,
		Engine:       app.engine,
		Processor:    app.processor,
		Sweeper:      app.sweeper,
		Scheduler:    app.scheduler,
		Syncer:       app.syncer,
		Checkpointer: app.runner,
	})
	return srv.Run(ctx)
}
