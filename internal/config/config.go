// Package config loads and validates the YAML configuration document
// for a labtimectl process: bus transport, timer, coordinator, RTT, and
// roster sections.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBusKind         = "memory"
	DefaultBusPort         = 7400
	DefaultPeriodMs        = 200
	DefaultRTTRoundMs      = 550
	DefaultKeepaliveSec    = 25
	DefaultMetricsPath     = ""
)

// Config is the top-level document. Validate only requires that at
// least one of bus, timer, coordinator or rtt is present; each
// labtimectl subcommand checks for the sections it needs itself.
type Config struct {
	Bus         *BusConfig         `yaml:"bus,omitempty"`
	Timer       *TimerConfig       `yaml:"timer,omitempty"`
	Coordinator *CoordinatorConfig `yaml:"coordinator,omitempty"`
	RTT         *RTTConfig         `yaml:"rtt,omitempty"`
	Roster      *RosterConfig      `yaml:"roster,omitempty"`
}

// BusConfig selects and parameterizes the transport.
type BusConfig struct {
	Kind        string   `yaml:"kind"` // "memory" | "udp"
	ListenAddr  string   `yaml:"listen_addr"`
	PeerAddrs   []string `yaml:"peer_addrs"`
	STUNServers []string `yaml:"stun_servers"`
}

// TimerConfig mirrors the timer package's Config, in wire form.
type TimerConfig struct {
	NodeID            string `yaml:"node_id"`
	PeriodMs          uint64 `yaml:"period_ms"`
	OffsetMs          uint64 `yaml:"offset_ms"`
	WaitForStart      bool   `yaml:"wait_for_start"`
	ReactToStopSignal bool   `yaml:"react_to_stop_signal"`
	Kind              string `yaml:"kind"` // "realtime" | "simulated"
}

// CoordinatorConfig parameterizes the HLC coordinator.
type CoordinatorConfig struct {
	VehicleIDs []uint8 `yaml:"vehicle_ids"`
	DomainID   string  `yaml:"domain_id"`
}

// RTTConfig parameterizes the RTT aggregator/responder.
type RTTConfig struct {
	ProgramID    string `yaml:"program_id"`
	RoundMs      int    `yaml:"round_ms"`
	Aggregate    bool   `yaml:"aggregate"`
	MetricsPath  string `yaml:"metrics_path"`
}

// RosterConfig points at the optional static participant catalog.
type RosterConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses a YAML config file, applying defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk with owner-only permissions.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields, returning
// the first violation found.
func Validate(cfg Config) error {
	if cfg.Bus == nil && cfg.Timer == nil && cfg.Coordinator == nil && cfg.RTT == nil {
		return fmt.Errorf("config must contain at least one of bus, timer, coordinator, or rtt")
	}
	if cfg.Bus != nil && cfg.Bus.Kind == "udp" && cfg.Bus.ListenAddr == "" {
		return fmt.Errorf("bus.listen_addr is required for kind=udp")
	}
	if cfg.Timer != nil && cfg.Timer.PeriodMs == 0 {
		return fmt.Errorf("timer.period_ms is required")
	}
	if cfg.Timer != nil && cfg.Timer.Kind == "realtime" && cfg.Timer.OffsetMs >= cfg.Timer.PeriodMs {
		return fmt.Errorf("timer.offset_ms must be less than timer.period_ms for kind=realtime")
	}
	if cfg.Coordinator != nil && len(cfg.Coordinator.VehicleIDs) == 0 {
		return fmt.Errorf("coordinator.vehicle_ids must be nonempty")
	}
	if cfg.RTT != nil && cfg.RTT.Aggregate == false && cfg.RTT.ProgramID == "" {
		return fmt.Errorf("rtt.program_id is required to activate a responder")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Bus != nil {
		if cfg.Bus.Kind == "" {
			cfg.Bus.Kind = DefaultBusKind
		}
	}

	if cfg.Timer != nil {
		if cfg.Timer.PeriodMs == 0 {
			cfg.Timer.PeriodMs = DefaultPeriodMs
		}
		if cfg.Timer.Kind == "" {
			cfg.Timer.Kind = "realtime"
		}
	}

	if cfg.RTT != nil {
		if cfg.RTT.RoundMs == 0 {
			cfg.RTT.RoundMs = DefaultRTTRoundMs
		}
		if cfg.RTT.MetricsPath == "" {
			cfg.RTT.MetricsPath = DefaultMetricsPath
		}
	}
}
