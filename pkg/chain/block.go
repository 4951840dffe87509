// Copyright 2025 Provchain Authors
//
// Package chain implements the block and chain model of spec.md §3/§4.3: a
// block's hash binds its index, timestamp, previous hash, and payload graph
// IRI to the canonicalized digest of the payload graph (never to the raw
// Turtle bytes), and is Ed25519-signed by the producing authority.
package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/provchain/node/pkg/canon"
)

// GenesisPrev is the fixed previous_hash value stored in block 0: 64 hex
// zeros, the same width as a real SHA-256 hash.
var GenesisPrev = strings.Repeat("0", 64)

// unitSeparator is the ASCII delimiter spec.md §4.3 uses to join hash
// material fields; it must never appear in a field value.
const unitSeparator = "\x1f"

var ErrUnitSeparatorInField = errors.New("chain: field value contains the reserved unit-separator byte")

// BlockIndex is the monotonic block height, genesis = 0.
type BlockIndex uint64

// Block is the exact field set of spec.md §3, with JSON tags matching the
// wire/log record shape used by pkg/chainstore and pkg/wire.
type Block struct {
	Index                  BlockIndex `json:"index"`
	Timestamp              string     `json:"timestamp"` // RFC3339
	PreviousHash           string     `json:"previous_hash"`
	Hash                   string     `json:"hash"`
	PayloadTurtle          []byte     `json:"payload_turtle"`
	PayloadGraphIRI        string     `json:"payload_graph_iri"`
	SignerPublicKey        string     `json:"signer_public_key"` // 32-byte hex
	Signature              string     `json:"signature"`         // 64-byte hex
	StateRoot              string     `json:"state_root,omitempty"`
	CanonicalizationProfile canon.Profile `json:"canonicalization_profile"`
}

// PayloadGraphIRIFor computes the deterministic graph IRI for a block,
// {ledger_namespace}/block/{index} per spec.md §3.
func PayloadGraphIRIFor(namespace string, index BlockIndex) string {
	return fmt.Sprintf("%s/block/%d", namespace, index)
}

// HashMaterial builds the byte sequence hashed into Block.Hash, per
// spec.md §4.3:
//
//	material = index || \x1f || timestamp || \x1f || previous_hash
//	        || \x1f || payload_graph_iri || \x1f || hex(digest)
func HashMaterial(index BlockIndex, timestamp, previousHash, payloadGraphIRI string, digest canon.Digest) ([]byte, error) {
	for _, f := range []string{timestamp, previousHash, payloadGraphIRI} {
		if containsUnitSeparator(f) {
			return nil, ErrUnitSeparatorInField
		}
	}
	material := fmt.Sprintf("%d%s%s%s%s%s%s%s%s",
		index, unitSeparator,
		timestamp, unitSeparator,
		previousHash, unitSeparator,
		payloadGraphIRI, unitSeparator,
		hex.EncodeToString(digest.Bytes()),
	)
	return []byte(material), nil
}

func containsUnitSeparator(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1f {
			return true
		}
	}
	return false
}

// ComputeHash computes the 64-hex block hash from its fields and the
// payload graph's canonical digest.
func ComputeHash(index BlockIndex, timestamp, previousHash, payloadGraphIRI string, digest canon.Digest) (string, error) {
	material, err := HashMaterial(index, timestamp, previousHash, payloadGraphIRI, digest)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:]), nil
}

// Sign signs a block's hash with the producer's Ed25519 private key,
// setting SignerPublicKey and Signature in place.
func (b *Block) Sign(priv ed25519.PrivateKey) error {
	hashBytes, err := hex.DecodeString(b.Hash)
	if err != nil {
		return fmt.Errorf("chain: decode block hash for signing: %w", err)
	}
	sig := ed25519.Sign(priv, hashBytes)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return errors.New("chain: unexpected public key type")
	}
	b.SignerPublicKey = hex.EncodeToString(pub)
	b.Signature = hex.EncodeToString(sig)
	return nil
}

// VerifySignature checks Signature against SignerPublicKey over Hash.
func (b *Block) VerifySignature() (bool, error) {
	pub, err := hex.DecodeString(b.SignerPublicKey)
	if err != nil {
		return false, fmt.Errorf("chain: decode signer public key: %w", err)
	}
	sig, err := hex.DecodeString(b.Signature)
	if err != nil {
		return false, fmt.Errorf("chain: decode signature: %w", err)
	}
	hashBytes, err := hex.DecodeString(b.Hash)
	if err != nil {
		return false, fmt.Errorf("chain: decode hash: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), hashBytes, sig), nil
}

// RecomputeHash recomputes and returns the hash a block SHOULD carry given
// the canonical digest of its payload graph, without mutating b.
func (b *Block) RecomputeHash(digest canon.Digest) (string, error) {
	return ComputeHash(b.Index, b.Timestamp, b.PreviousHash, b.PayloadGraphIRI, digest)
}

// NowRFC3339 returns the producer clock timestamp format spec.md §3
// requires. Extracted to a var so tests can substitute a fixed clock.
var NowRFC3339 = func() string { return time.Now().UTC().Format(time.RFC3339) }
