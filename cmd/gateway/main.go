package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eclia/eclia/gateway/internal/application"
	"github.com/eclia/eclia/gateway/internal/domain/service"
	"github.com/eclia/eclia/gateway/internal/infrastructure/artifacts"
	"github.com/eclia/eclia/gateway/internal/infrastructure/config"
	"github.com/eclia/eclia/gateway/internal/infrastructure/dispatch"
	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"github.com/eclia/eclia/gateway/internal/infrastructure/logger"
	"github.com/eclia/eclia/gateway/internal/infrastructure/persistence"
	"github.com/eclia/eclia/gateway/internal/infrastructure/toolhost"
	httpserver "github.com/eclia/eclia/gateway/internal/interfaces/http"

	// Provider kinds register themselves.
	_ "github.com/eclia/eclia/gateway/internal/infrastructure/llm/anthropic"
	_ "github.com/eclia/eclia/gateway/internal/infrastructure/llm/codex"
	_ "github.com/eclia/eclia/gateway/internal/infrastructure/llm/openai"
)

const (
	appName    = "eclia-gateway"
	appVersion = "0.1.0"

	// Exit codes: 0 clean shutdown, 1 startup misconfiguration, 2 port
	// bind failure.
	exitConfig = 1
	exitBind   = 2
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           appName,
		Short:         "Session-oriented chat gateway for LLM upstreams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			serve(configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func serve(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer log.Sync()

	log.Info("Starting gateway",
		zap.String("name", appName),
		zap.String("version", appVersion),
		zap.String("root", cfg.Root),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router, err := llm.NewRouter(cfg.Profiles, cfg.Upstream.DefaultKind, log)
	if err != nil {
		log.Error("Upstream configuration invalid", zap.Error(err))
		os.Exit(exitConfig)
	}

	db, err := persistence.NewDBConnection(cfg.Database.DSN)
	if err != nil {
		log.Error("Session index unavailable", zap.Error(err))
		os.Exit(exitConfig)
	}

	transcripts := persistence.NewTranscriptStore(cfg.Root, log)
	sessions := persistence.NewSessionRepository(db)
	store := artifacts.NewStore(cfg.Root, log)

	var host *toolhost.Client
	if cfg.ToolHost.Enabled {
		host, err = toolhost.Start(ctx, cfg.ToolHost.Bin, cfg.ToolHost.Args, log)
		if err != nil {
			// Degraded but alive: turns still work, tool calls fail as data.
			log.Warn("Tool host unavailable", zap.Error(err))
			host = nil
		} else {
			defer host.Close()
		}
	}

	dispatcher := dispatch.NewDispatcher(host, nil, store, log)

	policy := service.DefaultSafetyPolicy()
	if len(cfg.Tools.TrustedTools) > 0 {
		policy.TrustedTools = cfg.Tools.TrustedTools
	}
	if len(cfg.Tools.DangerousTools) > 0 {
		policy.DangerousTools = cfg.Tools.DangerousTools
	}
	if len(cfg.Tools.TrustedCommandPrefixes) > 0 {
		policy.TrustedCommandPrefixes = cfg.Tools.TrustedCommandPrefixes
	}

	orch := application.NewOrchestrator(
		transcripts,
		sessions,
		service.NewContextBuilder(log),
		router,
		dispatcher,
		service.NewApprovalHub(log),
		service.NewSessionLocks(),
		policy,
		cfg.Upstream.MaxTurns,
		log,
	)

	tokens := config.NewTokenSource(cfg.Root, log)
	defer tokens.Close()

	server := httpserver.NewServer(httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Mode: cfg.Server.Mode,
	}, orch, store, tokens, log)

	if err := server.Start(ctx); err != nil {
		log.Error("Failed to bind HTTP listener", zap.Error(err))
		os.Exit(exitBind)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Gateway stopped")
}
