// Package exchange wires every subsystem (storage, reputation, queue,
// rate limiting, registry, order book, breaker, remote agents, auction
// coordination, dispatch, transport, events) into the public facade
// described by spec.md, generalizing main.go's linear demo wiring into
// constructor-driven assembly.
package exchange

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dataparency-dev/exchange/auction"
	"github.com/dataparency-dev/exchange/dispatch"
	"github.com/dataparency-dev/exchange/ratelimit"
	"github.com/dataparency-dev/exchange/remoteagent"
	"github.com/dataparency-dev/exchange/reputation"
)

// StorageConfig selects and configures the durability backend (C1).
type StorageConfig struct {
	Backend  string        `yaml:"backend"` // "memory" | "file"
	Dir      string        `yaml:"dir"`
	FlushEvery time.Duration `yaml:"flushEvery"`
}

// TransportConfig tunes the websocket session manager (C11).
type TransportConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HealthTimeout     time.Duration `yaml:"healthTimeout"`
}

// MaintenanceConfig tunes the background tickers that drive registry.
// CheckHealth and reputation.DecayAll, the two periodic-maintenance
// operations spec.md names but which otherwise only run inside unit tests.
type MaintenanceConfig struct {
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	DecayInterval       time.Duration `yaml:"decayInterval"`
}

// RemoteAgentConfig tunes the HTTP client + breaker for externally hosted
// agents (C7/C8).
type RemoteAgentConfig struct {
	BidTimeout       time.Duration `yaml:"bidTimeout"`
	ExecuteTimeout   time.Duration `yaml:"executeTimeout"`
	HealthTimeout    time.Duration `yaml:"healthTimeout"`
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// Config is the top-level exchange configuration, loaded from YAML per
// SPEC_FULL.md's ambient-stack section.
type Config struct {
	Storage    StorageConfig        `yaml:"storage"`
	Reputation reputation.Config    `yaml:"reputation"`
	RateLimit  ratelimit.Config     `yaml:"rateLimit"`
	Auction    auction.Config       `yaml:"auction"`
	Dispatch   dispatch.Config      `yaml:"dispatch"`
	Transport  TransportConfig      `yaml:"transport"`
	RemoteAgent RemoteAgentConfig   `yaml:"remoteAgent"`
	Maintenance MaintenanceConfig  `yaml:"maintenance"`
}

// DefaultConfig returns every subsystem's documented default, an in-memory
// storage backend, and a 45s agent health timeout.
func DefaultConfig() Config {
	return Config{
		Storage:    StorageConfig{Backend: "memory"},
		Reputation: reputation.DefaultConfig(),
		RateLimit:  ratelimit.DefaultConfig(),
		Auction:    auction.DefaultConfig(),
		Dispatch:   dispatch.DefaultConfig(),
		Transport:  TransportConfig{HeartbeatInterval: 15 * time.Second, HealthTimeout: 45 * time.Second},
		RemoteAgent: RemoteAgentConfig{
			BidTimeout: remoteagent.DefaultTimeouts().Bid, ExecuteTimeout: remoteagent.DefaultTimeouts().Execute,
			HealthTimeout: remoteagent.DefaultTimeouts().Health, FailureThreshold: 5, ResetTimeout: time.Minute,
		},
		Maintenance: MaintenanceConfig{HealthCheckInterval: 15 * time.Second, DecayInterval: time.Hour},
	}
}

// LoadConfig reads and parses a YAML config file, starting from
// DefaultConfig so a partial file only overrides what it mentions.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
