// Copyright 2025 Provchain Authors
//
// Package config loads the node's layered configuration with
// github.com/spf13/viper, upgrading the teacher's flat os.Getenv-based
// Config struct (pkg/config/config.go) to viper's file+env+default
// layering while keeping the same "one typed struct, populated once at
// startup" shape.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AuthorityMode selects which consensus engine the node runs.
type AuthorityMode string

const (
	AuthorityModePoA  AuthorityMode = "poa"
	AuthorityModePBFT AuthorityMode = "pbft"
)

// FsyncPolicy mirrors chainstore.FsyncPolicy's string values, duplicated
// here (not imported) so this package has no dependency on pkg/chainstore.
type FsyncPolicy string

// Config is the fully-resolved node configuration, matching
// SPEC_FULL.md §6's configuration surface.
type Config struct {
	Node struct {
		AuthorityMode    AuthorityMode `mapstructure:"authority_mode"`
		SigningKeyPath   string        `mapstructure:"signing_key_path"`
		AuthoritySetPath string        `mapstructure:"authority_set_path"`
		Peers            []string      `mapstructure:"peers"`
		Listen           string        `mapstructure:"listen"`
		Namespace        string        `mapstructure:"namespace"`
	} `mapstructure:"node"`

	Consensus struct {
		PBFT struct {
			F int `mapstructure:"f"`
		} `mapstructure:"pbft"`
		Timeout struct {
			MS int `mapstructure:"ms"`
		} `mapstructure:"timeout"`
	} `mapstructure:"consensus"`

	Storage struct {
		DataDir string      `mapstructure:"data_dir"`
		Fsync   FsyncPolicy `mapstructure:"fsync"`
	} `mapstructure:"storage"`

	Canonicalization struct {
		ProfileOverride string `mapstructure:"profile_override"`
		BlankNodeThreshold int `mapstructure:"blank_node_threshold"`
	} `mapstructure:"canonicalization"`

	Ingestion struct {
		MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
	} `mapstructure:"ingestion"`

	SPARQL struct {
		QueryTimeoutMS int `mapstructure:"query_timeout_ms"`
	} `mapstructure:"sparql"`

	Ledger struct {
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"ledger"`

	Ontology struct {
		BootstrapFile string `mapstructure:"bootstrap_file"`
	} `mapstructure:"ontology"`
}

// ConsensusTimeout returns the configured PBFT view-change timeout as a
// time.Duration.
func (c *Config) ConsensusTimeout() time.Duration {
	return time.Duration(c.Consensus.Timeout.MS) * time.Millisecond
}

// SPARQLTimeout returns the configured query timeout as a time.Duration.
func (c *Config) SPARQLTimeout() time.Duration {
	return time.Duration(c.SPARQL.QueryTimeoutMS) * time.Millisecond
}

// Load resolves configuration from (in ascending priority) built-in
// defaults, a config file at configPath (if non-empty), and
// PROVCHAIN_-prefixed environment variables — viper's standard layering,
// replacing the teacher's direct os.Getenv reads.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PROVCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.authority_mode", AuthorityModePoA)
	v.SetDefault("node.namespace", "http://provchain.local/ledger")
	v.SetDefault("node.listen", "127.0.0.1:7070")
	v.SetDefault("consensus.pbft.f", 1)
	v.SetDefault("consensus.timeout.ms", 5000)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.fsync", "on-append")
	v.SetDefault("canonicalization.blank_node_threshold", 8)
	v.SetDefault("ingestion.max_payload_bytes", 8<<20)
	v.SetDefault("sparql.query_timeout_ms", 5000)
	v.SetDefault("ledger.namespace", "http://provchain.local/ledger")
}

func validate(cfg *Config) error {
	switch cfg.Node.AuthorityMode {
	case AuthorityModePoA, AuthorityModePBFT:
	default:
		return fmt.Errorf("config: unknown node.authority_mode %q", cfg.Node.AuthorityMode)
	}
	if cfg.Node.SigningKeyPath == "" {
		return fmt.Errorf("config: node.signing_key_path is required")
	}
	if cfg.Node.AuthorityMode == AuthorityModePBFT && cfg.Consensus.PBFT.F < 1 {
		return fmt.Errorf("config: consensus.pbft.f must be >= 1 in pbft mode")
	}
	return nil
}
