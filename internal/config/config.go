// Package config loads the miner's YAML configuration file and resolves the
// named network (contract addresses + start block) it points at.
package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/pozk-network/miner-orchestrator/internal/errs"
)

// Config is the top-level miner configuration, loaded from a YAML file or
// assembled directly from CLI flags.
type Config struct {
	BasePath string `yaml:"base_path"`

	Endpoints []string `yaml:"endpoints"`
	Network   string   `yaml:"network"`

	// Miner identifies this node's on-chain address, used to compute
	// AcceptTaskEvent.IsMe.
	Miner common.Address `yaml:"miner"`

	// Controller is the active signing key's wallet address; its private
	// key is supplied out of band (via Store, not this file).
	Controller common.Address `yaml:"controller"`

	// ZKVMTag, if set, admits CreateTask events for zkvm-type provers whose
	// tag matches. Empty means this miner does not serve zkvm provers.
	ZKVMTag string `yaml:"zkvm_tag"`

	// MinerURL, if non-empty, makes url-type provers admissible for
	// CreateTask. Only its presence is checked; its reachability is not.
	MinerURL string `yaml:"miner_url"`

	ParallelCap int `yaml:"parallel_cap"`

	// ScanDelay/ScanStep bound Scanner's read window (blocks).
	ScanDelay uint64 `yaml:"scan_delay"`
	ScanStep  uint64 `yaml:"scan_step"`
	ScanFrom  uint64 `yaml:"scan_from"`

	ZeroGasProxyURL string `yaml:"zero_gas_proxy_url"`

	HTTPAddr      string `yaml:"http_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
	ContainerdSocket string `yaml:"containerd_socket"`

	TelemetryURL      string `yaml:"telemetry_url"`
	TelemetryInterval int    `yaml:"telemetry_interval_seconds"`

	JWTSecret string `yaml:"jwt_secret"`

	// AllowedLoginDomains lists the EIP-712 domains POST /login accepts; a
	// login naming any other domain is rejected before signature recovery
	// even matters.
	AllowedLoginDomains []string `yaml:"allowed_login_domains"`

	Log LogConfig `yaml:"log"`
}

// LogConfig mirrors internal/logx.Config's YAML-facing shape.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %v", errs.ErrConfig, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config file: %v", errs.ErrConfig, err)
	}
	return &cfg, nil
}

// Validate checks the fields Run depends on are present.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("%w: base_path is required", errs.ErrConfig)
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one endpoint is required", errs.ErrConfig)
	}
	if c.Network == "" {
		return fmt.Errorf("%w: network is required", errs.ErrConfig)
	}
	if c.ParallelCap <= 0 {
		c.ParallelCap = 1
	}
	if c.ScanStep == 0 {
		c.ScanStep = 500
	}
	if c.ScanDelay == 0 {
		c.ScanDelay = 3
	}
	return nil
}
