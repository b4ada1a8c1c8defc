package main

import (
	"context"

	"github.com/spindle-dev/spindle/internal/agent"
	"github.com/spindle-dev/spindle/internal/background"
	"github.com/spindle-dev/spindle/internal/config"
	"github.com/spindle-dev/spindle/internal/db"
	"github.com/spindle-dev/spindle/internal/ghsync"
	"github.com/spindle-dev/spindle/internal/models"
	"github.com/spindle-dev/spindle/internal/notify"
	"github.com/spindle-dev/spindle/internal/queue"
	"github.com/spindle-dev/spindle/internal/ratelimit"
	"github.com/spindle-dev/spindle/internal/sandbox"
	"github.com/spindle-dev/spindle/internal/sandbox/localdocker"
	"github.com/spindle-dev/spindle/internal/sandbox/podapi"
	"github.com/spindle-dev/spindle/internal/scheduler"
	"github.com/spindle-dev/spindle/internal/status"
	"github.com/spindle-dev/spindle/internal/sweeper"
	"github.com/spindle-dev/spindle/internal/threads"
	"gorm.io/gorm"
)

// app holds the fully wired component graph. Every command builds one
// and tears it down when done.
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	tasks     *background.Runner
	engine    *status.Engine
	buckets   ratelimit.Store
	sandboxes *sandbox.Manager
	svc       *threads.Service
	runner    *agent.Runner
	processor *queue.Processor
	sweeper   *sweeper.Sweeper
	scheduler *scheduler.Scheduler
	syncer    *ghsync.Syncer
	notifier  *notify.Notifier
}

// loadApp loads config, connects the store, and wires everything.
func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Connect(cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, gormDB), nil
}

// buildApp wires components against an open store connection.
func buildApp(cfg *config.Config, gormDB *gorm.DB) *app {
	tasks := background.NewRunner(cfg.Queue.Workers, 256)
	tasks.Start(context.Background())

	engine := status.NewEngine(gormDB, tasks)
	buckets := ratelimit.NewDBStore(gormDB, map[string]ratelimit.Quota{
		ratelimit.KindSandboxCreation: {
			Tokens: cfg.RateLimits.SandboxCreation.Tokens,
			Window: cfg.RateLimits.SandboxCreation.Window.Std(),
		},
		ratelimit.KindAgent: {
			Tokens: cfg.RateLimits.Agent.Tokens,
			Window: cfg.RateLimits.Agent.Window.Std(),
		},
	})

	sandboxes := sandbox.NewManager()
	sandboxes.Register(localdocker.New(cfg.Sandbox.LocalDocker.Image))
	if cfg.Sandbox.PodAPI.BaseURL != "" {
		sandboxes.Register(podapi.New(cfg.Sandbox.PodAPI.BaseURL, cfg.Sandbox.PodAPI.Token))
	}

	svc := threads.NewService(gormDB, engine, buckets, sandboxes, cfg)
	runner := agent.NewRunner(gormDB, engine, svc, sandboxes, buckets, tasks, cfg)

	// A chat entering booting directly (gates open at start time) kicks
	// off the agent through this hook. Claims made by the dequeuer skip
	// it: the processor invokes the agent itself after claiming.
	engine.OnEnter(status.Booting, func(ctx context.Context, chat models.ThreadChat) error {
		return runner.StartAgentMessage(ctx, queue.StartMessage{
			ThreadID:     chat.ThreadID,
			ThreadChatID: chat.ID,
		})
	})

	dq := queue.NewDequeuer(gormDB, buckets, cfg, nil)
	processor := queue.NewProcessor(dq, svc, runner, cfg.Queue.Workers)

	notifier := notify.FromConfig(cfg.Notify)
	sw := sweeper.New(gormDB, engine, svc, sandboxes, notifier, cfg)
	sched := scheduler.New(gormDB, svc, engine, nil)

	var syncer *ghsync.Syncer
	if cfg.GitHub.Token != "" {
		syncer = ghsync.New(gormDB, svc, cfg.GitHub.Token)
	}

	return &app{
		cfg:       cfg,
		db:        gormDB,
		tasks:     tasks,
		engine:    engine,
		buckets:   buckets,
		sandboxes: sandboxes,
		svc:       svc,
		runner:    runner,
		processor: processor,
		sweeper:   sw,
		scheduler: sched,
		syncer:    syncer,
		notifier:  notifier,
	}
}

// Close drains in-flight background work.
func (a *app) Close() {
	a.tasks.Stop()
}
