package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/metocean/bob-the-builder/internal/compose"
	"github.com/metocean/bob-the-builder/internal/config"
	"github.com/metocean/bob-the-builder/internal/dispatch"
	"github.com/metocean/bob-the-builder/internal/events"
	"github.com/metocean/bob-the-builder/internal/logging"
	"github.com/metocean/bob-the-builder/internal/metrics"
	"github.com/metocean/bob-the-builder/internal/notify"
	"github.com/metocean/bob-the-builder/internal/pipeline"
	"github.com/metocean/bob-the-builder/internal/runner"
	"github.com/metocean/bob-the-builder/internal/source"
	"github.com/metocean/bob-the-builder/internal/tail"
	"github.com/metocean/bob-the-builder/internal/web"
)

const Version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("bob version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "worker":
		runWorker(os.Args[2:])
	case "run-build":
		runBuild(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "ls":
		runList(os.Args[2:], false)
	case "ps":
		runList(os.Args[2:], true)
	case "beat":
		runBeat(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: bob <worker|run-build|submit|cancel|ls|ps|beat|version> [args]")
}

// loadConfig resolves configuration for one subcommand: defaults, then the
// config file, then the environment, then flags. extra binds subcommand
// specific flags before parsing. The returned path is absolute so it can be
// handed to child processes.
func loadConfig(name string, args []string, extra func(fs *pflag.FlagSet)) (*config.Config, string, []string, error) {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		return nil, "", nil, err
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		return nil, "", nil, err
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, "", nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, "", nil, err
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", configPath, "Path to bob config file")
	cfg.BindFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, "", nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", nil, err
	}

	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}
	return cfg, configPath, fs.Args(), nil
}

func logOptions(cfg *config.Config) logging.Options {
	return logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}
}

func runWorker(args []string) {
	cfg, configPath, _, err := loadConfig("worker", args, nil)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.Init(cfg.WorkerID, logOptions(cfg))
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	docker, err := compose.NewDocker(cfg.DockerHost, registryAuth(cfg), logger)
	if err != nil {
		log.Fatal(err)
	}
	defer docker.Close()

	spawner, err := runner.NewExecSpawner("", configPath)
	if err != nil {
		log.Fatal(err)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.MetricsAddr != "" {
		broker := events.NewBroker(0)
		publisher = broker
		if cfg.MetricsAuthToken == "" && !isLoopbackAddr(cfg.MetricsAddr) {
			logger.Warn("Metrics endpoint has no auth; bind to localhost or set a metrics auth token", "addr", cfg.MetricsAddr)
		}
		server := web.NewServer(b.store, cfg.MetricsAddr, cfg.MetricsAuthToken, broker, logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
		metrics.StartCollector(ctx, b.store, b.pool, cfg.MetricsInterval, logger)
	}

	r := runner.New(runner.Config{
		WorkerID:     cfg.WorkerID,
		ReceiveWait:  cfg.ReceiveWait,
		PollInterval: cfg.PollInterval,
		JoinInterval: cfg.JoinInterval,
		CancelGrace:  cfg.CancelGrace,
	}, b.store, b.queue, spawner, docker, publisher, logger)
	if err := r.Start(ctx); err != nil {
		log.Fatal(err)
	}
}

// runBuild is the child entrypoint spawned by the worker for one task.
func runBuild(args []string) {
	var idFlags identityFlags
	cfg, _, _, err := loadConfig("run-build", args, idFlags.bind)
	if err != nil {
		log.Fatal(err)
	}
	id, err := idFlags.identity(true)
	if err != nil {
		log.Fatal(err)
	}

	// The worker owns the rotated log file; the child writes to stdout only.
	logger, err := logging.Init(cfg.WorkerID, logging.Options{Level: cfg.LogLevel})
	if err != nil {
		log.Fatal(err)
	}
	logger = logger.With(
		"role", "build",
		"repo", id.GitRepo,
		"branch", id.GitBranch,
		"tag", id.GitTag,
		"created_at", id.CreatedAt,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		logger.Error("Open backends failed", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	docker, err := compose.NewDocker(cfg.DockerHost, registryAuth(cfg), logger)
	if err != nil {
		logger.Error("Docker client failed", "error", err)
		os.Exit(1)
	}
	defer docker.Close()

	src := source.NewGitHub(source.Config{
		BaseURL: cfg.GitHubURL,
		Login:   cfg.GitHubLogin,
		Token:   cfg.GitHubToken,
		Logger:  logger,
	})
	notifier := notify.New(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Login:    cfg.SMTPLogin,
		Password: cfg.SMTPPassword,
		StartTLS: cfg.SMTPStartTLS,
	}, logger)
	p := pipeline.New(b.store, src, compose.NewExecutor(cfg.ComposeCommand, docker, logger), notifier, pipeline.Config{
		BuildPath: cfg.BuildPath,
		Tail: tail.Options{
			Lines:         cfg.TailLines,
			MaxBytes:      cfg.TailMaxBytes,
			FirstInterval: cfg.TailFirstInterval,
			Interval:      cfg.TailInterval,
		},
		CleanupTimeout: cfg.CleanupTimeout,
	}, logger)

	if err := p.Run(ctx, id); err != nil {
		logger.Error("Build did not complete", "error", err)
		os.Exit(1)
	}
}

func runBeat(args []string) {
	cfg, _, _, err := loadConfig("beat", args, nil)
	if err != nil {
		log.Fatal(err)
	}
	if len(cfg.Schedules) == 0 {
		log.Fatal("no schedules configured")
	}

	logger, err := logging.Init(cfg.WorkerID, logOptions(cfg))
	if err != nil {
		log.Fatal(err)
	}
	logger = logger.With("role", "beat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	beat, err := dispatch.NewBeat(cfg.Schedules, b.store, b.queue, logger)
	if err != nil {
		log.Fatal(err)
	}
	if err := beat.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func registryAuth(cfg *config.Config) compose.RegistryAuth {
	return compose.RegistryAuth{
		ServerAddress: cfg.RegistryServer,
		Username:      cfg.RegistryUsername,
		Password:      cfg.RegistryPassword,
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
