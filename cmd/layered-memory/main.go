package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/layered-memory/internal/admin"
	"github.com/xiy/layered-memory/internal/bootstrap"
	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/internal/embeddings"
	"github.com/xiy/layered-memory/internal/mcp"
	"github.com/xiy/layered-memory/internal/memory"
	"github.com/xiy/layered-memory/internal/tiers"
	"github.com/xiy/layered-memory/internal/ttl"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	sub := os.Args[1]
	switch sub {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "bootstrap-clis":
		if err := runBootstrap(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "admin":
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Println("layered-memory v0.1.0")
	default:
		usage()
		os.Exit(2)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config/layered-memory.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportCaller: false, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry, err := tiers.NewRegistry(cfg.Tiers, logger)
	if err != nil {
		return err
	}

	mgr := memory.NewManager(cfg, registry, embeddings.NewHashing(0), logger)
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	go ttl.Start(ctx, logger, time.Duration(cfg.TTLSweepIntervalSeconds)*time.Second, mgr)

	reqLog := mcp.NewRequestBuffer(100)
	server := mcp.NewServer(mgr, logger, cfg.ServerName, reqLog)
	logger.Info("starting MCP stdio server", "tiers", len(cfg.Tiers))
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runBootstrap(args []string) error {
	fs := flag.NewFlagSet("bootstrap-clis", flag.ContinueOnError)
	configPath := fs.String("config", "config/layered-memory.yaml", "Path to config file")
	scope := fs.String("scope", "user", "Config scope: user or project")
	serverName := fs.String("server-name", "layered-memory", "MCP server registration name")
	serveCmd := fs.String("serve-command", "layered-memory serve", "Command used by MCP clients to launch the stdio server")
	all := fs.Bool("all", false, "Configure all available CLIs")
	codex := fs.Bool("codex", false, "Configure Codex CLI")
	claude := fs.Bool("claude", false, "Configure Claude CLI")
	gemini := fs.Bool("gemini", false, "Configure Gemini CLI")
	dryRun := fs.Bool("dry-run", false, "Print intended commands without executing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := log.New(os.Stderr)
	return bootstrap.Bootstrap(logger, bootstrap.Options{
		ConfigPath: *configPath,
		Scope:      *scope,
		ServerName: *serverName,
		ServeCmd:   *serveCmd,
		All:        *all,
		Codex:      *codex,
		Claude:     *claude,
		Gemini:     *gemini,
		DryRun:     *dryRun,
	}, nil)
}

func runAdmin(args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	configPath := fs.String("config", "config/layered-memory.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := log.New(os.Stderr)
	logger.SetLevel(log.ErrorLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry, err := tiers.NewRegistry(cfg.Tiers, logger)
	if err != nil {
		return err
	}

	mgr := memory.NewManager(cfg, registry, embeddings.NewHashing(0), logger)
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	return admin.Run(ctx, mgr, nil)
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

func usage() {
	fmt.Print(`layered-memory

Usage:
  layered-memory serve [--config path]
  layered-memory bootstrap-clis [--config path] [--all|--codex --claude --gemini] [--scope user|project]
  layered-memory admin [--config path]
  layered-memory version
`)
}
