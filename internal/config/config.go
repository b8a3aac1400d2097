// Package config loads the static node catalogue and master settings from a
// YAML file, with environment overrides for addresses and credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridscope/scadasim/pkg/model"
)

// AllowEntry authorises one (client_ip, protocol) pair. Protocol "*" covers
// every protocol.
type AllowEntry struct {
	IP       string `yaml:"ip" json:"ip"`
	Protocol string `yaml:"protocol" json:"protocol"`
}

// UserEntry seeds one operator account. Password is accepted only for the
// simulator's seed file and is hashed at load time; it is never written back.
type UserEntry struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"`
	Role         string `yaml:"role"`
}

// MasterConfig holds the master's listen addresses and cadences.
type MasterConfig struct {
	HTTPAddr             string `yaml:"http_addr"`
	WSAddr               string `yaml:"ws_addr"`
	MetricsAddr          string `yaml:"metrics_addr"`
	JWTSecret            string `yaml:"jwt_secret"`
	TokenLifetimeMinutes int    `yaml:"token_lifetime_minutes"`
	SamplingIntervalS    int    `yaml:"sampling_interval_s"`
	AggregatorIntervalS  int    `yaml:"aggregator_interval_s"`
	MasterIP             string `yaml:"master_ip"`
}

// InfluxConfig enables the secondary time-series sink.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// HistorianConfig holds sink settings.
type HistorianConfig struct {
	PostgresDSN string       `yaml:"postgres_dsn"`
	Influx      InfluxConfig `yaml:"influx"`
}

// Config is the whole declarative file.
type Config struct {
	Master    MasterConfig           `yaml:"master"`
	Historian HistorianConfig        `yaml:"historian"`
	AllowList []AllowEntry           `yaml:"allow_list"`
	Users     []UserEntry            `yaml:"users"`
	Nodes     []model.NodeDescriptor `yaml:"nodes"`
}

// Load reads the config file and applies environment overrides.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Master.HTTPAddr == "" {
		c.Master.HTTPAddr = ":9000"
	}
	if c.Master.WSAddr == "" {
		c.Master.WSAddr = ":9001"
	}
	if c.Master.MetricsAddr == "" {
		c.Master.MetricsAddr = ":9100"
	}
	if c.Master.TokenLifetimeMinutes <= 0 {
		c.Master.TokenLifetimeMinutes = 60
	}
	if c.Master.SamplingIntervalS <= 0 {
		c.Master.SamplingIntervalS = 1
	}
	if c.Master.AggregatorIntervalS <= 0 {
		c.Master.AggregatorIntervalS = 1
	}
	if c.Master.MasterIP == "" {
		c.Master.MasterIP = "10.0.0.1"
	}
}

func (c *Config) applyEnv() {
	c.Master.HTTPAddr = getEnv("SCADA_HTTP_ADDR", c.Master.HTTPAddr)
	c.Master.WSAddr = getEnv("SCADA_WS_ADDR", c.Master.WSAddr)
	c.Master.MetricsAddr = getEnv("SCADA_METRICS_ADDR", c.Master.MetricsAddr)
	c.Master.JWTSecret = getEnv("SCADA_JWT_SECRET", c.Master.JWTSecret)
	c.Historian.PostgresDSN = getEnv("SCADA_PG_DSN", c.Historian.PostgresDSN)
	c.Historian.Influx.URL = getEnv("INFLUXDB_URL", c.Historian.Influx.URL)
	c.Historian.Influx.Token = getEnv("INFLUXDB_TOKEN", c.Historian.Influx.Token)
	c.Historian.Influx.Org = getEnv("INFLUXDB_ORG", c.Historian.Influx.Org)
	c.Historian.Influx.Bucket = getEnv("INFLUXDB_BUCKET", c.Historian.Influx.Bucket)
	if v := os.Getenv("SCADA_TOKEN_LIFETIME_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Master.TokenLifetimeMinutes = n
		}
	}
}

// Validate rejects an unusable catalogue.
func (c *Config) Validate() error {
	if c.Master.JWTSecret == "" {
		return fmt.Errorf("config: jwt_secret is required")
	}
	if len(c.Master.JWTSecret) < 32 {
		return fmt.Errorf("config: jwt_secret must be at least 32 characters")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: node catalogue is empty")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.NodeID == "" {
			return fmt.Errorf("config: node with empty node_id")
		}
		if seen[n.NodeID] {
			return fmt.Errorf("config: duplicate node_id %q", n.NodeID)
		}
		seen[n.NodeID] = true
		switch n.Kind {
		case model.KindGeneration, model.KindSubstation, model.KindDistribution:
		default:
			return fmt.Errorf("config: node %s has unknown kind %q", n.NodeID, n.Kind)
		}
	}
	for _, u := range c.Users {
		if u.Password == "" && u.PasswordHash == "" {
			return fmt.Errorf("config: user %s has no password or password_hash", u.Username)
		}
	}
	return nil
}

// Node returns the descriptor for id.
func (c *Config) Node(id string) (model.NodeDescriptor, bool) {
	for _, n := range c.Nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return model.NodeDescriptor{}, false
}

// TokenLifetime converts the configured lifetime.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.Master.TokenLifetimeMinutes) * time.Minute
}

// SamplingInterval converts the configured cadence.
func (c *Config) SamplingInterval() time.Duration {
	return time.Duration(c.Master.SamplingIntervalS) * time.Second
}

// AggregatorInterval converts the configured cadence.
func (c *Config) AggregatorInterval() time.Duration {
	return time.Duration(c.Master.AggregatorIntervalS) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
