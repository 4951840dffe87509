package main

import (
	"fmt"

	"github.com/provchain/node/pkg/node"
)

func runGenesis(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := node.BootstrapGenesis(cfg); err != nil {
		return fmt.Errorf("provchain: %w", err)
	}
	fmt.Printf("genesis block bootstrapped under %s\n", cfg.Storage.DataDir)
	return nil
}
