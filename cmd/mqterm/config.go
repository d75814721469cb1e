package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vitalvas/mqterm"
	"gopkg.in/yaml.v3"
)

// config is the agent configuration file. The client keys sit at the top
// level; the sections below configure the agent itself.
type config struct {
	Client   mqterm.Config  `yaml:"-"`
	Terminal terminalConfig `yaml:"terminal"`
	RPC      rpcConfig      `yaml:"rpc"`
	Metrics  metricsConfig  `yaml:"metrics"`
}

type terminalConfig struct {
	Prefix    string  `yaml:"prefix"`
	Dir       string  `yaml:"dir"`
	Workers   int     `yaml:"workers"`
	ChunkSize int     `yaml:"chunk_size"`
	Rate      float64 `yaml:"rate"`
	Burst     int     `yaml:"burst"`
}

type rpcConfig struct {
	Prefix         string        `yaml:"prefix"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
}

type metricsConfig struct {
	// Listen is the address serving /metrics; empty disables it.
	Listen string `yaml:"listen"`
}

func defaultConfig() config {
	return config{
		Client: mqterm.DefaultConfig(),
		Terminal: terminalConfig{
			Prefix:  "mqterm",
			Dir:     ".",
			Workers: 4,
		},
		RPC: rpcConfig{
			Prefix:  "mqterm",
			Timeout: 30 * time.Second,
		},
	}
}

func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()

	client, err := mqterm.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.Client = *client

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *config) validate() error {
	var errs []error
	if c.Terminal.Prefix == "" {
		errs = append(errs, errors.New("terminal.prefix is required"))
	}
	if c.Terminal.Workers < 0 {
		errs = append(errs, errors.New("terminal.workers must not be negative"))
	}
	if c.Terminal.Rate < 0 {
		errs = append(errs, errors.New("terminal.rate must not be negative"))
	}
	if c.RPC.Timeout < 0 {
		errs = append(errs, errors.New("rpc.timeout must not be negative"))
	}
	return errors.Join(errs...)
}
