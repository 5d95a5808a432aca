// lemond is the agent-run routing daemon: it accepts prompts from chat
// channels and the control plane, routes them onto sessions, drives runs
// through the engine gateway, and streams coalesced output back out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lemonhq/lemon/internal/approvals"
	"github.com/lemonhq/lemon/internal/bus"
	"github.com/lemonhq/lemon/internal/coalesce"
	"github.com/lemonhq/lemon/internal/config"
	"github.com/lemonhq/lemon/internal/controlplane"
	"github.com/lemonhq/lemon/internal/cron"
	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/kv"
	"github.com/lemonhq/lemon/internal/observability"
	"github.com/lemonhq/lemon/internal/orchestrator"
	"github.com/lemonhq/lemon/internal/outbound"
	"github.com/lemonhq/lemon/internal/policy"
	"github.com/lemonhq/lemon/internal/profile"
	"github.com/lemonhq/lemon/internal/resume"
	"github.com/lemonhq/lemon/internal/router"
	"github.com/lemonhq/lemon/internal/run"
	"github.com/lemonhq/lemon/internal/telegram"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "lemon.yaml", "Path to the configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("lemond", version)
		return
	}

	if err := runDaemon(*configPath); err != nil {
		slog.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()
	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "lemond",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(ctx)
	}()

	store, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	events := bus.New(256)
	services := bus.NewServiceReporter(events, bus.NewRingLog(256, events))
	sessions := run.NewSessionRegistry()
	runs := run.NewRunRegistry()
	supervisor := run.NewSupervisor(cfg.Gateway.RunCap())

	outbox := outbound.NewDispatcher(outbound.DispatcherConfig{
		QueueSize:    cfg.Outbound.QueueSize,
		DedupeWindow: cfg.Outbound.DedupeWindow.Std(),
		Logger:       logger,
	})
	outbox.OnDelivered = func(p *outbound.Payload, _ outbound.DeliveryResult) {
		metrics.OutboundDeliveries.WithLabelValues(p.ChannelID, "ok").Inc()
	}
	defer outbox.Stop()

	resumeStore := resume.NewStore(store, logger)
	coalescers := coalesce.NewRegistry(outbox, resumeStore,
		coalesce.StreamConfig{
			MinChars:     cfg.Coalescer.Stream.MinChars,
			Idle:         cfg.Coalescer.Stream.Idle.Std(),
			MaxLatency:   cfg.Coalescer.Stream.MaxLatency.Std(),
			ResumeFooter: resume.Footer,
			Logger:       logger,
		},
		coalesce.ToolStatusConfig{
			Idle:       cfg.Coalescer.ToolStatus.Idle.Std(),
			MaxLatency: cfg.Coalescer.ToolStatus.MaxLatency.Std(),
			MaxActions: cfg.Coalescer.ToolStatus.MaxActions,
			Logger:     logger,
		})
	coalescers.RegisterAdapter(coalesce.TelegramAdapter())
	defer coalescers.Stop()

	gate := approvals.NewGate(approvals.Config{
		Store:      store,
		Events:     events,
		NodeID:     cfg.Approvals.NodeID,
		DefaultTTL: cfg.Approvals.DefaultTTL.Std(),
		Logger:     logger,
	})

	models := gateway.NewModelRegistry(cfg.Gateway.Engines, cfg.Gateway.ContextWindows)
	engine := gateway.NewSocket(gateway.SocketConfig{
		Bus:        events,
		DefaultCwd: cfg.Gateway.DefaultCwd,
		Approvals:  gate,
		Services:   services,
		Logger:     logger,
	})

	profiles := profile.NewRegistry(cfg.Profiles())
	policyStore := policy.NewKVStore(store)
	directory := orchestrator.NewDirectory(store)

	orch := orchestrator.New(orchestrator.Config{
		Profiles:   profiles,
		Policies:   policyStore,
		Resolver:   policy.NewResolver(policyStore),
		Models:     models,
		Directory:  directory,
		Supervisor: supervisor,
		RunDeps: run.Deps{
			Gateway:    engine,
			Bus:        events,
			Sessions:   sessions,
			Runs:       runs,
			Coalescers: coalescers,
			Resume:     resumeStore,
			Models:     models,
			Outbox:     outbox,
			Logger:     logger,
		},
		Logger: logger,
	})

	rt := router.New(orch, sessions, runs, logger)
	inbox := router.NewAgentInbox(orch, profiles, directory, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go countSubmitted(ctx, events, metrics)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:     cfg.Channels.Telegram.BotToken,
			AccountID: cfg.Channels.Telegram.AccountID,
			AgentID:   cfg.Channels.Telegram.AgentID,
			Logger:    logger,
		}, rt, rt, resumeStore)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		outbox.RegisterSender("telegram", telegram.NewSender(adapter.Client()))
		go func() {
			services.Report("telegram", bus.ServiceUp, "long polling")
			adapter.Start(ctx)
			services.Report("telegram", bus.ServiceDown, "")
		}()
	}

	if cfg.Cron.Enabled && len(cfg.Cron.Jobs) > 0 {
		scheduler, err := cron.NewScheduler(inbox, cfg.Cron.Jobs, cron.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("cron: %w", err)
		}
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("cron: %w", err)
		}
		services.Report("cron", bus.ServiceUp, fmt.Sprintf("%d jobs", len(scheduler.Jobs())))
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = scheduler.Stop(stopCtx)
			services.Report("cron", bus.ServiceDown, "")
		}()
	}

	srv := controlplane.NewServer(controlplane.Config{
		Addr:       cfg.ControlPlane.Addr,
		Submit:     orch,
		Router:     rt,
		Inbox:      inbox,
		Approvals:  gate,
		Bus:        events,
		Supervisor: supervisor,
		Runs:       runs,
		Metrics:    metrics.Handler(),
		Engine:     engine,
		Version:    version,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		services.Report("control_plane", bus.ServiceUp, cfg.ControlPlane.Addr)
		errCh <- srv.Start()
		services.Report("control_plane", bus.ServiceDown, "")
	}()

	logger.Info("lemond started",
		"version", version,
		"control_plane", cfg.ControlPlane.Addr,
		"telegram", cfg.Channels.Telegram.Enabled,
		"cron_jobs", len(cfg.Cron.Jobs),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control plane: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control plane shutdown", "error", err)
	}
	logger.Info("lemond stopped")
	return nil
}

// openStore opens the configured KV store, falling back to memory when no
// path is set.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (kv.Store, func(), error) {
	if cfg.Path == "" {
		logger.Warn("no store path configured, state will not survive restarts")
		return kv.NewMemory(), func() {}, nil
	}
	db, err := kv.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return db, func() { _ = db.Close() }, nil
}

// countSubmitted feeds the submission counter from the bus.
func countSubmitted(ctx context.Context, events *bus.Bus, metrics *observability.Metrics) {
	sub := events.Subscribe(bus.TopicRunsSubmitted)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if submitted, ok := ev.Payload.(orchestrator.Submitted); ok {
				metrics.RunsSubmitted.WithLabelValues(submitted.AgentID, string(submitted.Origin)).Inc()
			}
		}
	}
}
