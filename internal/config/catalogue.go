package config

import (
	"fmt"

	"github.com/gridscope/scadasim/pkg/model"
)

// Default returns the built-in 15 node grid: 3 generation plants, 7
// transmission substations and 5 distribution feeders, on the standard
// simulator address plan. Used when no catalogue file is given and by tests.
func Default() *Config {
	cfg := &Config{
		Master: MasterConfig{
			HTTPAddr:             ":9000",
			WSAddr:               ":9001",
			MetricsAddr:          ":9100",
			JWTSecret:            "local-dev-secret-do-not-use-in-production!",
			TokenLifetimeMinutes: 60,
			SamplingIntervalS:    1,
			AggregatorIntervalS:  1,
			MasterIP:             "10.0.0.1",
		},
		Users: []UserEntry{
			{Username: "admin", Password: "scada@2024", Role: "admin"},
			{Username: "engineer", Password: "engineer@2024", Role: "engineer"},
			{Username: "operator", Password: "operator@2024", Role: "operator"},
			{Username: "viewer", Password: "viewer@2024", Role: "viewer"},
		},
		Nodes: DefaultCatalogue(),
	}
	cfg.AllowList = DefaultAllowList(cfg)
	cfg.applyDefaults()
	return cfg
}

// DefaultCatalogue builds the standard 15 node descriptors.
func DefaultCatalogue() []model.NodeDescriptor {
	type gen struct {
		id       string
		location string
		capacity float64
	}
	gens := []gen{
		{"GEN-001", "Korba Thermal", 500},
		{"GEN-002", "Tehri Hydro", 300},
		{"GEN-003", "Bhadla Solar", 200},
	}
	subLoc := []string{
		"Raipur", "Bhopal", "Nagpur", "Jabalpur", "Kanpur", "Lucknow", "Agra",
	}
	type dist struct {
		id       string
		location string
		peakMW   float64
	}
	dists := []dist{
		{"DIST-001", "Indore Feeder", 150},
		{"DIST-002", "Gwalior Feeder", 120},
		{"DIST-003", "Varanasi Feeder", 100},
		{"DIST-004", "Patna Feeder", 80},
		{"DIST-005", "Ranchi Feeder", 90},
	}

	var nodes []model.NodeDescriptor
	for i, g := range gens {
		nodes = append(nodes, model.NodeDescriptor{
			NodeID:           g.id,
			Kind:             model.KindGeneration,
			Location:         g.location,
			CapacityMW:       g.capacity,
			NominalVoltageKV: 400,
			NodeIP:           fmt.Sprintf("10.1.1.%d", i+1),
			RestPort:         8101 + i*2,
			ControlPort:      7101 + i,
			ModbusPort:       502,
			IEC104Port:       2404,
		})
	}
	for i, loc := range subLoc {
		nodes = append(nodes, model.NodeDescriptor{
			NodeID:           fmt.Sprintf("SUB-%03d", i+1),
			Kind:             model.KindSubstation,
			Location:         loc,
			CapacityMW:       100,
			NominalVoltageKV: 400,
			NodeIP:           fmt.Sprintf("10.2.1.%d", i+1),
			RestPort:         8111 + i*2,
			ControlPort:      7111 + i,
			ModbusPort:       502,
			IEC104Port:       2404,
		})
	}
	for i, d := range dists {
		nodes = append(nodes, model.NodeDescriptor{
			NodeID:           d.id,
			Kind:             model.KindDistribution,
			Location:         d.location,
			CapacityMW:       d.peakMW,
			NominalVoltageKV: 132,
			NodeIP:           fmt.Sprintf("10.3.1.%d", i+1),
			RestPort:         8131 + i*2,
			ControlPort:      7131 + i,
			ModbusPort:       502,
			IEC104Port:       2404,
		})
	}
	return nodes
}

// DefaultAllowList authorises the master and every RTU for all protocols.
func DefaultAllowList(cfg *Config) []AllowEntry {
	entries := []AllowEntry{{IP: cfg.Master.MasterIP, Protocol: "*"}}
	for _, n := range cfg.Nodes {
		entries = append(entries, AllowEntry{IP: n.NodeIP, Protocol: "*"})
	}
	return entries
}
