package integrity

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"testing"

	"github.com/provchain/node/pkg/canon"
	"github.com/provchain/node/pkg/chain"
	"github.com/provchain/node/pkg/chainstore"
	"github.com/provchain/node/pkg/rdf"
)

func digestOf(t *testing.T, graphIRI string, turtle []byte) canon.Digest {
	t.Helper()
	triples, err := rdf.Decode(turtle)
	if err != nil {
		t.Fatal(err)
	}
	g := rdf.NewGraph(graphIRI)
	for _, tr := range triples {
		g.Add(tr)
	}
	return canon.FastDigest(g)
}

func openTestChainStore(t *testing.T) *chainstore.ChainStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "provchain-integrity-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	orig := chain.NowRFC3339
	chain.NowRFC3339 = func() string { return "2026-01-01T00:00:00Z" }
	t.Cleanup(func() { chain.NowRFC3339 = orig })

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	authorities := chain.NewAuthoritySet([]chain.Authority{{PublicKeyHex: hex.EncodeToString(pub)}})

	builder := func() (*chain.Block, []byte, canon.Digest, error) {
		digest := digestOf(t, chain.PayloadGraphIRIFor("ns", 0), nil)
		b, err := chain.BuildGenesis("ns", nil, digest, canon.ProfileFast, priv)
		return b, nil, digest, err
	}
	cs, err := chainstore.Open(dir, "ns", authorities, chainstore.FsyncOnAppend, builder)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cs.Close() })

	payload := []byte(`<http://ex/batch1> <http://ex/hasId> "B001" .` + "\n")
	digest := digestOf(t, chain.PayloadGraphIRIFor("ns", 1), payload)
	next, err := chain.BuildNext("ns", cs.Chain.Head(), payload, digest, canon.ProfileFast, priv)
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.AppendBlock(next, payload, digest); err != nil {
		t.Fatal(err)
	}
	return cs
}

func TestCheckHealthyChain(t *testing.T) {
	cs := openTestChainStore(t)
	report, err := Check(cs)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.Healthy() {
		t.Fatalf("expected a healthy report, got %+v", report)
	}
	if report.ChainLength != 2 {
		t.Fatalf("expected chain length 2, got %d", report.ChainLength)
	}
	if report.TransactionCounts[1] != 1 {
		t.Fatalf("expected 1 transaction in block 1, got %d", report.TransactionCounts[1])
	}
}

func TestRepairRebuildsMetadata(t *testing.T) {
	cs := openTestChainStore(t)
	if err := Repair(cs); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	report, err := Check(cs)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Healthy() {
		t.Fatalf("expected repair to leave a healthy report, got %+v", report)
	}
}
