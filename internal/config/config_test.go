package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridscope/scadasim/pkg/model"
)

func TestDefaultCatalogue(t *testing.T) {
	nodes := DefaultCatalogue()
	require.Len(t, nodes, 15)

	byKind := map[model.NodeKind]int{}
	seen := map[string]bool{}
	for _, n := range nodes {
		byKind[n.Kind]++
		assert.False(t, seen[n.NodeID], "duplicate node id %s", n.NodeID)
		seen[n.NodeID] = true
		assert.Equal(t, 502, n.ModbusPort)
		assert.Equal(t, 2404, n.IEC104Port)
		assert.NotZero(t, n.CapacityMW)
	}
	assert.Equal(t, 3, byKind[model.KindGeneration])
	assert.Equal(t, 7, byKind[model.KindSubstation])
	assert.Equal(t, 5, byKind[model.KindDistribution])
}

func TestLoadFile(t *testing.T) {
	yaml := `
master:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  http_addr: ":9900"
users:
  - username: admin
    password: test
    role: admin
nodes:
  - node_id: GEN-001
    kind: generation
    capacity_mw: 500
    nominal_voltage_kv: 400
    node_ip: 10.1.1.1
    rest_port: 8101
    control_port: 7101
    modbus_port: 502
    iec104_port: 2404
`
	path := filepath.Join(t.TempDir(), "scada.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9900", cfg.Master.HTTPAddr)
	assert.Equal(t, ":9001", cfg.Master.WSAddr) // default
	assert.Equal(t, 60, cfg.Master.TokenLifetimeMinutes)

	n, ok := cfg.Node("GEN-001")
	require.True(t, ok)
	assert.Equal(t, model.KindGeneration, n.Kind)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCADA_HTTP_ADDR", ":7777")
	t.Setenv("SCADA_JWT_SECRET", "env-secret-with-enough-length-0123456789")

	yaml := `
master:
  jwt_secret: "0123456789abcdef0123456789abcdef"
nodes:
  - node_id: GEN-001
    kind: generation
    node_ip: 10.1.1.1
`
	path := filepath.Join(t.TempDir(), "scada.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Master.HTTPAddr)
	assert.Equal(t, "env-secret-with-enough-length-0123456789", cfg.Master.JWTSecret)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty secret", Config{Nodes: DefaultCatalogue()}},
		{"short secret", Config{
			Master: MasterConfig{JWTSecret: "short"},
			Nodes:  DefaultCatalogue(),
		}},
		{"no nodes", Config{
			Master: MasterConfig{JWTSecret: "0123456789abcdef0123456789abcdef"},
		}},
		{"bad kind", Config{
			Master: MasterConfig{JWTSecret: "0123456789abcdef0123456789abcdef"},
			Nodes:  []model.NodeDescriptor{{NodeID: "X-001", Kind: "windmill"}},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.cfg.Validate())
		})
	}
}
