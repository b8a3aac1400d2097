// The scada-master binary runs the central runtime: RTU supervision,
// telemetry aggregation, alarms, control, security, the historian and the
// HTTP/WebSocket surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridscope/scadasim/internal/config"
	"github.com/gridscope/scadasim/internal/master"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("SCADA_CONFIG"), "path to the YAML config; built-in catalogue when empty")
		dialHost   = flag.String("dial-host", os.Getenv("SCADA_DIAL_HOST"), "override RTU addresses when dialing, e.g. 127.0.0.1 for single-host runs")
		logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := master.New(ctx, logger, cfg, master.Options{DialHost: *dialHost})
	if err != nil {
		logger.Error("master init failed", "err", err)
		os.Exit(1)
	}

	logger.Info("master starting",
		"http", cfg.Master.HTTPAddr, "ws", cfg.Master.WSAddr, "nodes", len(cfg.Nodes))
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("master exited", "err", err)
		os.Exit(1)
	}
	logger.Info("master stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
