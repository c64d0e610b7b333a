// Package main is the entry point for the codeglyph worker: the C8
// isolated process that keeps a set of workspace indexes loaded in
// memory and serves index/retrieve operations to short-lived clients
// over a Unix socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/codeglyph/codeglyph/internal/cache"
	"github.com/codeglyph/codeglyph/internal/chunk"
	"github.com/codeglyph/codeglyph/internal/config"
	"github.com/codeglyph/codeglyph/internal/daemon"
	"github.com/codeglyph/codeglyph/internal/logging"
	"github.com/codeglyph/codeglyph/internal/orchestrator"
	"github.com/codeglyph/codeglyph/internal/scanner"
	"github.com/codeglyph/codeglyph/internal/scheduler"
	"github.com/codeglyph/codeglyph/internal/store"
	"github.com/codeglyph/codeglyph/pkg/version"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println(version.String())
		return
	}

	if err := run(); err != nil {
		slog.Error("worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	logCfg := logging.DefaultConfig()
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	defer cleanup()

	daemonCfg := daemon.DefaultConfig()
	if err := daemonCfg.Validate(); err != nil {
		return err
	}
	if err := daemonCfg.EnsureDir(); err != nil {
		return err
	}

	pidFile := daemon.NewPIDFile(daemonCfg.PIDPath)
	if err := pidFile.Acquire(); err != nil {
		return err
	}
	defer pidFile.Release()

	stateDir := filepath.Dir(daemonCfg.PIDPath)

	cfg := config.NewConfig()

	sc, err := scanner.New()
	if err != nil {
		return err
	}

	ecache, err := cache.Open(filepath.Join(stateDir, "embeddings.db"))
	if err != nil {
		return err
	}
	defer ecache.Close()

	registry := store.NewRegistry(filepath.Join(stateDir, "tables"))
	sched := scheduler.New(cfg.Performance.ScanSlots, 1)
	chunker := chunk.NewCodeChunker()

	orch := orchestrator.New(cfg, sched, registry, ecache, chunker, sc, stateDir)
	worker := daemon.NewWorker(orch, stateDir)
	defer worker.StopWatches()

	srv, err := daemon.NewServer(daemonCfg.SocketPath)
	if err != nil {
		return err
	}
	srv.SetHandler(worker)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("worker starting",
		slog.String("version", version.Short()),
		slog.String("socket", daemonCfg.SocketPath),
		slog.String("state_dir", stateDir))

	err = srv.ListenAndServe(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
