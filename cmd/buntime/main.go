// Package main provides the buntime process entrypoint.
//
// Usage:
//
//	buntime [-config buntime.yaml]
//
// The same binary also serves as the Worker subprocess: when re-exec'd as
// `buntime __worker` with BUNTIME_WORKER_MODE=1 set (see worker.Spawn), it
// runs the worker-side frame loop instead of the HTTP server.
//
// Exit codes:
//   - 0: clean shutdown
//   - 1: invalid configuration (missing/invalid APPS_DIR, bad bootstrap file)
//   - 2: fatal runtime error
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/buntimehq/buntime/cli/config"
	"github.com/buntimehq/buntime/dispatcher"
	"github.com/buntimehq/buntime/log"
	"github.com/buntimehq/buntime/metrics"
	"github.com/buntimehq/buntime/pool"
	"github.com/buntimehq/buntime/worker"
)

const (
	exitSuccess     = 0
	exitConfigError = 1
	exitFatal       = 2
	defaultPort     = 8080
	defaultPoolSize = 10
	defaultDelayMs  = 100
	defaultGrace    = 10 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "__worker" {
		if err := worker.Run(os.Stdin, os.Stdout, log.New()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFatal)
		}
		os.Exit(exitSuccess)
	}

	app := &cli.App{
		Name:  "buntime",
		Usage: "multi-tenant application runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to an optional buntime.yaml bootstrap file",
			},
		},
		Action:         runAction,
		ExitErrHandler: exitErrHandler,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitFatal)
	}
}

func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitFatal)
}

// settings is the fully-resolved process configuration, after layering
// defaults < bootstrap file < environment (spec §6).
type settings struct {
	appsDir   string
	port      int
	poolSize  int
	appShell  string
	delayMs   int
	nodeEnv   string
	grace     time.Duration
	workerBin string
}

func resolveSettings(c *cli.Context) (settings, error) {
	s := settings{
		port:     defaultPort,
		poolSize: defaultPoolSize,
		delayMs:  defaultDelayMs,
		grace:    defaultGrace,
	}

	if path := c.String("config"); path != "" {
		boot, err := config.Load(path)
		if err != nil {
			return settings{}, cli.Exit(fmt.Sprintf("failed to load bootstrap config: %v", err), exitConfigError)
		}
		if boot.AppsDir != "" {
			s.appsDir = boot.AppsDir
		}
		if boot.Port != 0 {
			s.port = boot.Port
		}
		if boot.PoolSize != 0 {
			s.poolSize = boot.PoolSize
		}
		if boot.AppShell != "" {
			s.appShell = boot.AppShell
		}
		if boot.DelayMs != 0 {
			s.delayMs = boot.DelayMs
		}
		if boot.NodeEnv != "" {
			s.nodeEnv = boot.NodeEnv
		}
		if boot.ShutdownGrace.Duration > 0 {
			s.grace = boot.ShutdownGrace.Duration
		}
	}

	if v := os.Getenv("APPS_DIR"); v != "" {
		s.appsDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return settings{}, cli.Exit(fmt.Sprintf("invalid PORT: %v", err), exitConfigError)
		}
		s.port = n
	}
	if v := os.Getenv("POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return settings{}, cli.Exit(fmt.Sprintf("invalid POOL_SIZE: %v", err), exitConfigError)
		}
		s.poolSize = n
	}
	if v := os.Getenv("APP_SHELL"); v != "" {
		s.appShell = v
	}
	if v := os.Getenv("DELAY_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return settings{}, cli.Exit(fmt.Sprintf("invalid DELAY_MS: %v", err), exitConfigError)
		}
		s.delayMs = n
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		s.nodeEnv = v
	}
	if v := os.Getenv("WORKER_BIN"); v != "" {
		s.workerBin = v
	}

	if s.appsDir == "" {
		return settings{}, cli.Exit("APPS_DIR is required", exitConfigError)
	}
	if info, err := os.Stat(s.appsDir); err != nil || !info.IsDir() {
		return settings{}, cli.Exit(fmt.Sprintf("APPS_DIR %q does not exist or is not a directory", s.appsDir), exitConfigError)
	}

	return s, nil
}

func runAction(c *cli.Context) error {
	s, err := resolveSettings(c)
	if err != nil {
		return err
	}

	logger := log.New().With(map[string]any{"node_env": s.nodeEnv})
	logger.Info("starting buntime", map[string]any{
		"apps_dir":  s.appsDir,
		"port":      s.port,
		"pool_size": s.poolSize,
		"app_shell": s.appShell,
	})

	binPath := s.workerBin
	if binPath == "" {
		binPath, err = os.Executable()
		if err != nil {
			return cli.Exit(fmt.Sprintf("cannot resolve own executable path: %v", err), exitFatal)
		}
	}

	collector := metrics.NewCollector()
	p := pool.New(binPath, s.poolSize, logger, collector)
	d := dispatcher.New(dispatcher.Config{AppsDir: s.appsDir, AppShell: s.appShell}, p, collector, logger)
	defer d.Close()

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(s.port),
		Handler: d.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-serverErr:
		return cli.Exit(fmt.Sprintf("server error: %v", err), exitFatal)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	if err := p.Shutdown(shutdownCtx, s.grace); err != nil {
		logger.Warn("pool shutdown did not complete within grace period", map[string]any{"error": err.Error()})
	}

	return nil
}
