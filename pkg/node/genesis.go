package node

import (
	"fmt"

	"github.com/provchain/node/pkg/chainstore"
	"github.com/provchain/node/pkg/config"
)

// BootstrapGenesis creates (or opens, idempotently) the chain store at
// cfg.Storage.DataDir and ensures it holds a genesis block, signing a
// fresh one with the local key if the log is empty. This is the
// 'provchain genesis' entry point: for PBFT deployments, the resulting
// data directory is distributed to every replica before 'provchain
// start' runs anywhere, since each replica's own clock would otherwise
// mint a distinct genesis timestamp and hash.
func BootstrapGenesis(cfg *config.Config) error {
	signer, err := LoadOrGenerateKey(cfg.Node.SigningKeyPath)
	if err != nil {
		return err
	}
	authorities, err := LoadAuthoritySet(cfg.Node.AuthoritySetPath)
	if err != nil {
		return err
	}

	cs, err := chainstore.Open(cfg.Storage.DataDir, cfg.Node.Namespace, authorities,
		chainstore.FsyncPolicy(cfg.Storage.Fsync), defaultGenesisBuilder(cfg.Node.Namespace, signer))
	if err != nil {
		return fmt.Errorf("node: bootstrap genesis: %w", err)
	}
	return cs.Close()
}
