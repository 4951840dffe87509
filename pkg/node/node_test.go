package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/provchain/node/pkg/config"
)

// testNode builds a single-node PoA deployment rooted at a temp
// directory: a fresh signing key, a one-entry authority set naming that
// key, and default config values — the convenience path SPEC_FULL.md
// §4.7 describes for a lone authority with no peers.
func testNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(keyPath, priv, 0o600); err != nil {
		t.Fatal(err)
	}

	authPath := filepath.Join(dir, "authorities.yaml")
	writeAuthorities(t, authPath, hex.EncodeToString(pub))

	cfg := &config.Config{}
	cfg.Node.AuthorityMode = config.AuthorityModePoA
	cfg.Node.SigningKeyPath = keyPath
	cfg.Node.AuthoritySetPath = authPath
	cfg.Node.Namespace = "http://example.org/ledger"
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.Fsync = config.FsyncPolicy("off")
	cfg.SPARQL.QueryTimeoutMS = 2000

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return n
}

func writeAuthorities(t *testing.T, path, pubHex string) {
	t.Helper()
	raw := "authorities:\n  - public_key: " + pubHex + "\n    label: solo\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitPayloadAndQuery(t *testing.T) {
	n := testNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := []byte(`<http://example.org/batch1> <http://example.org/hasId> "B001" .` + "\n")
	idx, err := n.SubmitPayload(ctx, payload)
	if err != nil {
		t.Fatalf("SubmitPayload: %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected block index 1, got %d", idx)
	}

	sol, err := n.RunSPARQL(ctx, `ASK { <http://example.org/batch1> <http://example.org/hasId> "B001" }`, n.cfg.SPARQLTimeout())
	if err != nil {
		t.Fatalf("RunSPARQL: %v", err)
	}
	if !sol.IsAsk || !sol.AskBool {
		t.Fatalf("expected ASK true, got %+v", sol)
	}
}

func TestSubmitPayloadRejectsMalformedRDF(t *testing.T) {
	n := testNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := n.SubmitPayload(ctx, []byte("not a triple"))
	if err == nil {
		t.Fatal("expected an error for malformed RDF")
	}
}
