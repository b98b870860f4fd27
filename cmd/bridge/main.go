package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/onkernel/chat-bridge/cmd/config"
	"github.com/onkernel/chat-bridge/lib/browser"
	"github.com/onkernel/chat-bridge/lib/debugdump"
	"github.com/onkernel/chat-bridge/lib/domsource"
	"github.com/onkernel/chat-bridge/lib/health"
	"github.com/onkernel/chat-bridge/lib/logger"
	"github.com/onkernel/chat-bridge/lib/rpc"
	"github.com/onkernel/chat-bridge/lib/session"
	"github.com/onkernel/chat-bridge/lib/syncstore"
)

const (
	exitConfig   = 2
	exitShutdown = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", "err", err)
		return exitConfig
	}
	slogger := newLogger(cfg.LogLevel)
	slogger.Info("bridge configuration", "config", cfg)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	script, err := domsource.LoadScript(cfg.DOMSourceScript)
	if err != nil {
		slogger.Error("failed to load DOM source script", "err", err)
		return exitConfig
	}
	if cfg.DOMSourceWatch {
		if err := script.Watch(ctx, slogger); err != nil {
			slogger.Error("failed to watch DOM source script", "err", err)
			return exitConfig
		}
	}

	deps := session.Deps{
		Launcher: browser.NewLauncher(cfg.Launcher(), slogger),
		Script:   script,
		Logger:   slogger,
	}
	if cfg.StateDB != "" {
		store, err := syncstore.Open(cfg.StateDB)
		if err != nil {
			slogger.Error("failed to open state db", "err", err)
			return exitConfig
		}
		defer store.Close()
		deps.Journal = store
	}
	if cfg.DebugDir != "" {
		deps.Dumper = debugdump.New(cfg.DebugDir)
	}

	sessionCfg := cfg.Session()
	server := rpc.NewServer(cfg.RPC(), func(user string, n session.Notifier) rpc.Session {
		d := deps
		d.Notifier = n
		return session.New(user, sessionCfg, d)
	}, slogger)

	ln, err := server.Listen()
	if err != nil {
		slogger.Error("failed to listen", "err", err)
		return exitConfig
	}
	go func() {
		if err := server.Serve(ln); err != nil {
			slogger.Error("socket server failed", "err", err)
			stop()
		}
	}()

	var healthSrv *health.Server
	if cfg.HealthAddr != "" {
		healthSrv = health.NewServer(cfg.HealthAddr, server, slogger)
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil {
				slogger.Error("health server failed", "err", err)
				stop()
			}
		}()
	}

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		return server.Shutdown(gctx)
	})
	if healthSrv != nil {
		g.Go(func() error {
			return healthSrv.Shutdown(gctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slogger.Error("bridge failed to shutdown", "err", err)
		return exitShutdown
	}
	slogger.Info("bridge stopped")
	return 0
}

// newLogger writes text to an interactive terminal and JSON otherwise.
func newLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logger.ParseLevel(level)}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
