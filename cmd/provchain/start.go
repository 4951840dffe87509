package main

import (
	"fmt"

	"github.com/provchain/node/pkg/node"
)

func runStart(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("provchain: %w", err)
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("provchain: %w", err)
	}

	waitForSignal()
	return n.Close()
}
