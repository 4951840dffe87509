package main

import (
	"fmt"

	"github.com/provchain/node/pkg/integrity"
)

func runRepair(configPath string) error {
	cs, err := openChainStoreReadOnly(configPath)
	if err != nil {
		return fmt.Errorf("provchain: %w", err)
	}
	defer cs.Close()

	if err := integrity.Repair(cs); err != nil {
		return fmt.Errorf("provchain: repair: %w", err)
	}

	report, err := integrity.Check(cs)
	if err != nil {
		return fmt.Errorf("provchain: %w", err)
	}
	printReport(report)
	if !report.Healthy() {
		return fmt.Errorf("provchain: chain is still not healthy after repair")
	}
	return nil
}
