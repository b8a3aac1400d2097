package rtu

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridscope/scadasim/internal/config"
	"github.com/gridscope/scadasim/internal/security"
	"github.com/gridscope/scadasim/pkg/model"
)

// App wires one node's runtime: control channel, field listeners and the
// REST surface, supervised together.
type App struct {
	Node    *Node
	Control *ControlServer
	Modbus  *FieldListener
	IEC104  *FieldListener
	Rest    *RestServer
}

// NewApp builds the runtime for the node named nodeID from the catalogue.
// bindHost is the local interface ("" binds all); in single-host runs the
// catalogue ports keep the 15 nodes apart.
func NewApp(logger *slog.Logger, cfg *config.Config, nodeID, bindHost string) (*App, error) {
	desc, ok := cfg.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("rtu: node %s not in catalogue", nodeID)
	}

	allow := security.NewAllowList(cfg.AllowList)
	sim := NewSimulator(desc, time.Now().UnixNano())
	node := NewNode(logger, desc, sim, allow)
	interval := cfg.SamplingInterval()

	addr := func(port int) string { return fmt.Sprintf("%s:%d", bindHost, port) }
	return &App{
		Node:    node,
		Control: NewControlServer(logger, node, addr(desc.ControlPort), interval),
		Modbus:  NewFieldListener(logger, node, model.ProtoModbus, addr(desc.ModbusPort)),
		IEC104:  NewFieldListener(logger, node, model.ProtoIEC104, addr(desc.IEC104Port)),
		Rest:    NewRestServer(logger, node, addr(desc.RestPort)),
	}, nil
}

// Run blocks until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Control.Run(ctx) })
	g.Go(func() error { return a.Modbus.Run(ctx) })
	g.Go(func() error { return a.IEC104.Run(ctx) })
	g.Go(func() error { return a.Rest.Run(ctx) })
	return g.Wait()
}
