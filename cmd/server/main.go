package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"instapc-server/internal/auth"
	"instapc-server/internal/clock"
	"instapc-server/internal/config"
	"instapc-server/internal/lifecycle"
	"instapc-server/internal/middleware"
	"instapc-server/internal/runtime"
	"instapc-server/internal/server"
	"instapc-server/internal/session"
	"instapc-server/internal/store"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	var envFile, dataDir, logLevel string
	var port int

	flagSet := pflag.NewFlagSet("instapc-server", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file read before the process environment")
	flagSet.IntVar(&port, "port", 0, "listen port (overrides PORT)")
	flagSet.StringVar(&dataDir, "data-dir", "", "data directory (overrides DATA_DIR)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	overrides := config.MapEnv{"DATA_DIR": dataDir, "LOG_LEVEL": logLevel}
	if port > 0 {
		overrides["PORT"] = strconv.Itoa(port)
	}
	fileEnv, err := config.ReadEnvFile(envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	cfg, err := config.LoadConfigFromEnv(config.Layered{overrides, config.OSEnv(), fileEnv})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	gin.SetMode(cfg.GinMode)

	st, err := store.NewWithOptions(store.Options{StateFile: cfg.StateFile(), Logger: logger})
	if err != nil {
		logger.Error("registry unavailable", "error", err)
		return 1
	}
	docker := runtime.NewDocker(runtime.DockerOptions{
		Runner:        runtime.NewExecRunner(cfg.DockerBin),
		Workdirs:      runtime.NewWorkdirs(cfg.DataDir),
		HostDataDir:   cfg.HostDataDir,
		Network:       cfg.DockerNetwork,
		GuestUsername: cfg.GuestUsername,
		GuestPassword: cfg.GuestPassword,
		Logger:        logger.With("component", "runtime"),
	})
	ctrl := lifecycle.New(lifecycle.Options{
		Runtime:  docker,
		Registry: st,
		Logger:   logger.With("component", "lifecycle"),
	})
	clk := clock.Real()
	sessions := session.NewManager(session.Options{
		Controller:  ctrl,
		Clock:       clk,
		Logger:      logger.With("component", "session"),
		IdleTimeout: cfg.IdleTimeout,
	})
	ctrl.SetSessions(sessions)

	createLimiter := middleware.NewRateLimiter(cfg.CreateRateLimit, time.Minute)
	defer createLimiter.Stop()

	router := server.NewRouter(server.Deps{
		Store:              st,
		Controller:         ctrl,
		Sessions:           sessions,
		TokenConfig:        auth.DefaultTokenConfig(cfg.IdentitySecret, cfg.IdentityIssuer),
		Clock:              clk,
		Logger:             logger,
		ConnectSettleDelay: cfg.ConnectSettleDelay,
		CreateLimiter:      createLimiter,
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer stop()

	shutdown := func(reason string) int {
		logger.Info("shutting down", "reason", reason)
		if err := ctrl.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown incomplete", "error", err)
			return 1
		}
		logger.Info("all vms stopped")
		return 0
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic", "value", r)
			shutdown("panic")
			code = 1
		}
	}()

	logger.Info("listening", "port", cfg.Port, "data_dir", cfg.DataDir, "vms", len(st.All()))
	if err := server.Run(ctx, cfg, router); err != nil {
		logger.Error("server failed", "error", err)
		shutdown("server error")
		return 1
	}
	return shutdown("signal")
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
