// Foreman supervises autonomous coding agents over a kanban board: a
// heartbeat pulls cards from project backlogs, each card gets an isolated
// git worktree and a supervised agent CLI run, and verified branches are
// merged into an integration branch.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/twlines/foreman"
	"github.com/twlines/foreman/agents"
	"github.com/twlines/foreman/events"
	"github.com/twlines/foreman/git"
	"github.com/twlines/foreman/internal/db"
	"github.com/twlines/foreman/internal/web"
	"github.com/twlines/foreman/notify"
	"github.com/twlines/foreman/verify"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		repoRoot    = flag.String("repo", ".", "Base git repository agents work against")
		dbPath      = flag.String("db", "foreman.db", "SQLite database path")
		addr        = flag.String("addr", "127.0.0.1:8080", "HTTP listen address")
		maxAgents   = flag.Int("max-agents", 0, "Maximum parallel agents (0 = stored config)")
		timeout     = flag.Duration("timeout", 0, "Agent timeout (0 = default)")
		tick        = flag.Duration("tick", 0, "Heartbeat interval (0 = default)")
		mainBranch  = flag.String("main-branch", "main", "Branch worktrees are created from")
		remote      = flag.String("remote", "origin", "Git remote branches are pushed to")
		verbose     = flag.Bool("verbose", false, "Debug logging")
		showVersion = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("foreman %s (commit: %s)\n", version, gitCommit)
		return
	}

	// Local overrides for tokens and keys; absence is fine.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := foreman.DefaultConfig()
	cfg.RepoRoot = *repoRoot
	cfg.MainBranch = *mainBranch
	cfg.Remote = *remote
	if *maxAgents > 0 {
		cfg.MaxConcurrent = *maxAgents
	}
	if *timeout > 0 {
		cfg.AgentTimeout = *timeout
	}
	if *tick > 0 {
		cfg.TickInterval = *tick
	}

	if err := run(cfg, *dbPath, *addr, *maxAgents == 0, logger); err != nil {
		fmt.Fprintf(os.Stderr, "foreman: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg foreman.Config, dbPath, addr string, useStoredCap bool, logger *slog.Logger) error {
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	store := db.NewStore(database)

	// The stored cap lets operators tune concurrency without redeploying.
	if useStoredCap {
		if n, err := strconv.Atoi(database.GetConfig("max_concurrent_agents", "")); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}

	bus := events.NewBroadcaster(logger)
	worktrees := git.NewWorktreeManager(cfg.RepoRoot, cfg.MainBranch, cfg.Remote, logger)
	verifier := verify.NewVerifier(cfg.Verifier, logger)

	var notifier agents.Notifier = notify.Nop{}
	if s := notify.NewSlack(os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_CHANNEL"), logger); s != nil {
		notifier = s
		logger.Info("Slack notifications enabled")
	}

	supervisor := agents.NewSupervisor(store, worktrees, verifier, bus, notifier, cfg.Supervisor, logger)
	assembler := agents.NewAssembler(store, 0)
	orch := foreman.NewOrchestrator(cfg, store, worktrees, supervisor, assembler, bus, git.GenerateBranchName, logger)
	heartbeat := foreman.NewHeartbeat(cfg, orch, store, bus, notifier, logger)
	synthesizer := foreman.NewSynthesizer(cfg, store, worktrees, verifier, orch, bus, git.GenerateBranchName, logger)
	server := web.NewServer(addr, store, orch, heartbeat, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bus.Run(ctx)
	go heartbeat.Run(ctx)
	go synthesizer.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	logger.Info("Foreman started",
		"repo", cfg.RepoRoot,
		"addr", addr,
		"maxAgents", cfg.MaxConcurrent,
		"tick", cfg.TickInterval,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	cancel()
	orch.ShutdownAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}

	metrics, _ := json.Marshal(orch.Metrics())
	logger.Info("Foreman stopped", "metrics", string(metrics))
	return nil
}
