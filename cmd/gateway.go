package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/agent"
	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/channels"
	"github.com/nextlevelbuilder/clawlane/internal/channels/discord"
	"github.com/nextlevelbuilder/clawlane/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/delivery"
	"github.com/nextlevelbuilder/clawlane/internal/gateway"
	"github.com/nextlevelbuilder/clawlane/internal/gateway/methods"
	mcpbridge "github.com/nextlevelbuilder/clawlane/internal/mcp"
	"github.com/nextlevelbuilder/clawlane/internal/pipeline"
	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/routing"
	"github.com/nextlevelbuilder/clawlane/internal/scheduler"
	"github.com/nextlevelbuilder/clawlane/internal/tools"
	"github.com/nextlevelbuilder/clawlane/internal/tracing"
	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

const shutdownGrace = 30 * time.Second

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	providerRegistry, err := providers.RegistryFromConfig(cfg.Providers)
	if err != nil {
		slog.Error("invalid provider config", "error", err)
		os.Exit(1)
	}
	if len(providerRegistry.Names()) == 0 {
		slog.Warn("no provider has credentials; every turn will fail", "hint", "set CLAWLANE_ANTHROPIC_API_KEY or providers.<name>.api_key")
	}

	transcripts, err := openTranscriptStore(cfg.Store)
	if err != nil {
		slog.Error("failed to open transcript store", "error", err)
		os.Exit(1)
	}
	defer transcripts.Close()

	// Tools: built-in web_fetch plus whatever the MCP servers expose.
	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))

	var mcpMgr *mcpbridge.Manager
	if len(cfg.MCPServers) > 0 {
		mcpMgr = mcpbridge.NewManager(toolsReg, cfg.MCPServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp.startup_errors", "error", err)
		}
		defer mcpMgr.Stop()
		slog.Info("MCP servers initialized", "configured", len(cfg.MCPServers), "tools", len(mcpMgr.ToolNames()))
	}

	skills := agent.SkillSetFromConfig(cfg.Skills)
	resolver := routing.NewResolver(routing.TableFromConfig(cfg))

	orchestrator := agent.NewOrchestrator(agent.OrchestratorConfig{
		Config:    cfg,
		Providers: providerRegistry,
		Store:     transcripts,
		Tools:     toolsReg,
		Skills:    skills,
		Media:     agent.NewMediaPreprocessor(agent.MediaConfig{}),
	})
	runner := agent.NewRunner(agent.RunnerConfig{
		Tools: toolsReg,
		Store: transcripts,
	})

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:     cfg.Scheduler.MaxConcurrent,
		MaxPendingPerLane: cfg.Scheduler.MaxPendingPerLane,
	})
	hub := delivery.NewHub()
	defer hub.Close()
	dispatcher := delivery.NewDispatcher(delivery.ConfigFrom(cfg.Delivery))

	msgBus := bus.New()

	// Channels come from the config file only.
	channelMgr := channels.NewManager()
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			channelMgr.RegisterChannel(tg)
			dispatcher.Register(tg.Name(), tg)
			slog.Info("telegram channel enabled")
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			channelMgr.RegisterChannel(dc)
			dispatcher.Register(dc.Name(), dc)
			slog.Info("discord channel enabled")
		}
	}

	pipe := pipeline.New(pipeline.Config{
		Resolver:     resolver,
		DMScope:      cfg.Sessions.DmScope,
		Scheduler:    sched,
		Orchestrator: orchestrator,
		Runner:       runner,
		Dispatcher:   dispatcher,
		Hub:          hub,
	})

	server := gateway.NewServer(gateway.ServerConfig{
		Gateway: cfg.Gateway,
		Hub:     hub,
		Events:  msgBus,
	})
	methods.NewChatMethods(pipe, transcripts, cfg.Gateway.MaxMessageChars).Register(server.Router())
	methods.NewSystemMethods(server, sched, channelMgr, Version).Register(server.Router())

	// Hot reload: bindings, agents and skills follow the file. Providers,
	// channels, store and gateway settings need a restart.
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		go func() {
			err := config.Watch(ctx, cfgPath, func(fresh *config.Config) {
				cfg.ReplaceFrom(fresh)
				resolver.Swap(routing.TableFromConfig(cfg))
				skills.Replace(agent.SkillSetFromConfig(fresh.Skills).Snapshot().Skills())
				msgBus.Broadcast(bus.Event{Name: "internal.config_reloaded"})
				slog.Info("config.reloaded", "hash", cfg.Hash())
			})
			if err != nil && ctx.Err() == nil {
				slog.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	go pipe.Run(ctx, msgBus)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		server.BroadcastEvent(protocol.NewEvent(protocol.EventShutdown, nil))
		channelMgr.StopAll(context.Background())
		cancel()
	}()

	slog.Info("clawlane gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"providers", providerRegistry.Names(),
		"tools", toolsReg.List(),
		"channels", channelMgr.Status(),
		"store", cfg.Store.Backend,
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}

	// Running turns get a grace period to finish and persist.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	if err := sched.Shutdown(drainCtx); err != nil {
		slog.Warn("scheduler shutdown", "error", err)
	}
	slog.Info("gateway stopped")
}
