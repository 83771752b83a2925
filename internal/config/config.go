// Package config loads the immutable, process-wide configuration record
// shared by every engine in the mesh. A Config is built once in main
// and then passed by value into each constructor; nothing in this
// module reaches for a package-level global to read a setting.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full static configuration surface named in spec §6.
type Config struct {
	DataDir string `yaml:"data_dir"`

	PeerPort     int    `yaml:"peer_port"`
	LoopbackPort int    `yaml:"loopback_port"`
	BindIP       string `yaml:"bind_ip"`

	MulticastGroup       string        `yaml:"multicast_group"`
	MulticastPort        int           `yaml:"multicast_port"`
	MulticastCIDR        string        `yaml:"multicast_cidr"`
	ForcedInterface      string        `yaml:"forced_interface"`
	BeaconInterval       time.Duration `yaml:"beacon_interval"`
	PeerSnapshotInterval time.Duration `yaml:"peer_snapshot_interval"`

	EscrowURL   string `yaml:"escrow_url"`
	EscrowToken string `yaml:"escrow_token"`

	MixMaxPathLen int `yaml:"mix_max_path_len"`

	PeerRateRPS   float64 `yaml:"peer_rate_rps"`
	PeerRateBurst int     `yaml:"peer_rate_burst"`

	Passphrase string `yaml:"-"`
}

// Default returns the built-in defaults; callers apply a config file
// and then environment overrides on top of this value.
func Default() Config {
	return Config{
		DataDir:              defaultDataDir(),
		PeerPort:             8080,
		LoopbackPort:         8081,
		BindIP:               "0.0.0.0",
		MulticastGroup:       "239.19.88.1",
		MulticastPort:        9777,
		BeaconInterval:       3 * time.Second,
		PeerSnapshotInterval: 5 * time.Minute,
		MixMaxPathLen:        4,
		PeerRateRPS:          50,
		PeerRateBurst:        100,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".meshnet"
	}
	return home + string(os.PathSeparator) + ".meshnet"
}

// Load applies an optional YAML file over the defaults, then applies
// environment variable overrides, mirroring the donor's
// wakuconfig.LoadFromPath precedence (file, then env, then defaults).
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
		mergeNonZero(&cfg, file)
	}

	applyEnvOverrides(&cfg)

	if cfg.Passphrase == "" {
		cfg.Passphrase = os.Getenv("MESHNET_PASSPHRASE")
	}
	return cfg, nil
}

func mergeNonZero(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.PeerPort != 0 {
		dst.PeerPort = src.PeerPort
	}
	if src.LoopbackPort != 0 {
		dst.LoopbackPort = src.LoopbackPort
	}
	if src.BindIP != "" {
		dst.BindIP = src.BindIP
	}
	if src.MulticastGroup != "" {
		dst.MulticastGroup = src.MulticastGroup
	}
	if src.MulticastPort != 0 {
		dst.MulticastPort = src.MulticastPort
	}
	if src.MulticastCIDR != "" {
		dst.MulticastCIDR = src.MulticastCIDR
	}
	if src.ForcedInterface != "" {
		dst.ForcedInterface = src.ForcedInterface
	}
	if src.BeaconInterval != 0 {
		dst.BeaconInterval = src.BeaconInterval
	}
	if src.PeerSnapshotInterval != 0 {
		dst.PeerSnapshotInterval = src.PeerSnapshotInterval
	}
	if src.EscrowURL != "" {
		dst.EscrowURL = src.EscrowURL
	}
	if src.EscrowToken != "" {
		dst.EscrowToken = src.EscrowToken
	}
	if src.MixMaxPathLen != 0 {
		dst.MixMaxPathLen = src.MixMaxPathLen
	}
	if src.PeerRateRPS != 0 {
		dst.PeerRateRPS = src.PeerRateRPS
	}
	if src.PeerRateBurst != 0 {
		dst.PeerRateBurst = src.PeerRateBurst
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MESHNET_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MESHNET_PEER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PeerPort = n
		}
	}
	if v := os.Getenv("MESHNET_LOOPBACK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoopbackPort = n
		}
	}
	if v := os.Getenv("MESHNET_BIND_IP"); v != "" {
		cfg.BindIP = v
	}
	if v := os.Getenv("MESHNET_MULTICAST_GROUP"); v != "" {
		cfg.MulticastGroup = v
	}
	if v := os.Getenv("MESHNET_MULTICAST_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MulticastPort = n
		}
	}
	if v := os.Getenv("MESHNET_MULTICAST_CIDR"); v != "" {
		cfg.MulticastCIDR = v
	}
	if v := os.Getenv("MESHNET_FORCED_INTERFACE"); v != "" {
		cfg.ForcedInterface = v
	}
	if v := os.Getenv("MESHNET_ESCROW_URL"); v != "" {
		cfg.EscrowURL = v
	}
	if v := os.Getenv("MESHNET_ESCROW_TOKEN"); v != "" {
		cfg.EscrowToken = v
	}
}
