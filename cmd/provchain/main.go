// Copyright 2025 Provchain Authors
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/provchain/node/pkg/config"
)

func main() {
	var configPath string

	root := &cobra.Command{Use: "provchain"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a provchain config file")

	root.AddCommand(startCmd(&configPath))
	root.AddCommand(genesisCmd(&configPath))
	root.AddCommand(verifyCmd(&configPath))
	root.AddCommand(repairCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

func startCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "run the node: reconstruct the chain, start consensus, serve submit/query",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(*configPath)
		},
	}
}

func genesisCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "genesis",
		Short: "bootstrap a genesis block and exit, for deployments that seed it out of band before any replica starts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenesis(*configPath)
		},
	}
}

func verifyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "run the integrity checks and print a report without repairing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(*configPath)
		},
	}
}

func repairCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "rebuild the metadata graph from the block log, then re-verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(*configPath)
		},
	}
}

// waitForSignal blocks until SIGINT or SIGTERM, for 'start's graceful
// shutdown path.
func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
