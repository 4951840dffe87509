package main

import (
	"fmt"

	"github.com/provchain/node/pkg/chainstore"
	"github.com/provchain/node/pkg/integrity"
	"github.com/provchain/node/pkg/node"
)

func openChainStoreReadOnly(configPath string) (*chainstore.ChainStore, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	authorities, err := node.LoadAuthoritySet(cfg.Node.AuthoritySetPath)
	if err != nil {
		return nil, err
	}
	// A nil genesisBuilder means Open replays whatever is already on
	// disk and never mints a new genesis block, which is what 'verify'
	// and 'repair' want: they diagnose an existing deployment, they
	// never bootstrap one.
	return chainstore.Open(cfg.Storage.DataDir, cfg.Node.Namespace, authorities, chainstore.FsyncPolicy(cfg.Storage.Fsync), nil)
}

func runVerify(configPath string) error {
	cs, err := openChainStoreReadOnly(configPath)
	if err != nil {
		return fmt.Errorf("provchain: %w", err)
	}
	defer cs.Close()

	report, err := integrity.Check(cs)
	if err != nil {
		return fmt.Errorf("provchain: %w", err)
	}
	printReport(report)
	if !report.Healthy() {
		return fmt.Errorf("provchain: chain is not healthy, see report above")
	}
	return nil
}

func printReport(r *integrity.Report) {
	fmt.Printf("chain length: %d\n", r.ChainLength)
	if len(r.MissingIndices) > 0 {
		fmt.Printf("missing indices: %v\n", r.MissingIndices)
	}
	for _, issue := range r.BlockIssues {
		fmt.Printf("block %d: %s\n", issue.Index, issue.Problem)
	}
	for _, d := range r.ProbeDivergences {
		fmt.Printf("probe divergence: %s\n", d)
	}
	if r.Healthy() {
		fmt.Println("status: healthy")
	}
}
