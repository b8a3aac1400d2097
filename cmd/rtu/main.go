// The scada-rtu binary runs one remote terminal unit: simulator, control
// channel, Modbus/IEC-104 listeners and the read-only REST surface. The node
// identity is picked from the catalogue with -node.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridscope/scadasim/internal/config"
	"github.com/gridscope/scadasim/internal/rtu"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("SCADA_CONFIG"), "path to the YAML config; built-in catalogue when empty")
		nodeID     = flag.String("node", os.Getenv("SCADA_NODE_ID"), "catalogue node id to run, e.g. SUB-003")
		bindHost   = flag.String("bind", os.Getenv("SCADA_BIND_HOST"), "local interface to bind; empty binds all")
		logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))

	if *nodeID == "" {
		logger.Error("-node is required")
		os.Exit(1)
	}

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

	app, err := rtu.NewApp(logger, cfg, *nodeID, *bindHost)
	if err != nil {
		logger.Error("rtu init failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	desc := app.Node.Descriptor()
	logger.Info("rtu starting", "node_id", desc.NodeID, "kind", string(desc.Kind),
		"control_port", desc.ControlPort, "rest_port", desc.RestPort)
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("rtu exited", "err", err)
		os.Exit(1)
	}
	logger.Info("rtu stopped")
}
