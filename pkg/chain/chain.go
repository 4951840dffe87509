package chain

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/provchain/node/pkg/canon"
)

// Authority is one entry of the configured authority set: a label paired
// with an Ed25519 public key, hex-encoded as it appears on the wire.
type Authority struct {
	PublicKeyHex string `json:"public_key" yaml:"public_key"`
	Label        string `json:"label" yaml:"label"`
}

// AuthoritySet is the static, once-per-process-loaded set of authorities
// spec.md §3 describes. PoA requires exactly one entry; PBFT requires
// |set| >= 3f+1 for the configured fault tolerance f.
type AuthoritySet struct {
	byKey map[string]Authority
}

func NewAuthoritySet(entries []Authority) *AuthoritySet {
	m := make(map[string]Authority, len(entries))
	for _, e := range entries {
		m[e.PublicKeyHex] = e
	}
	return &AuthoritySet{byKey: m}
}

func (a *AuthoritySet) Contains(publicKeyHex string) bool {
	_, ok := a.byKey[publicKeyHex]
	return ok
}

func (a *AuthoritySet) Len() int { return len(a.byKey) }

// IsByzantineFaultTolerant reports whether the authority set can tolerate
// maxFaults byzantine replicas, grounded on the teacher's
// pkg/consensus.IsByzantineFaultTolerant quorum check (N >= 3f+1).
func (a *AuthoritySet) IsByzantineFaultTolerant(maxFaults int) bool {
	return a.Len() >= 3*maxFaults+1
}

var (
	ErrIndexMismatch        = errors.New("chain: block index does not follow predecessor")
	ErrPreviousHashMismatch = errors.New("chain: previous_hash does not match predecessor's hash")
	ErrBadTimestamp         = errors.New("chain: timestamp is not valid RFC3339")
	ErrHashMismatch         = errors.New("chain: recomputed hash does not match block hash")
	ErrUnknownSigner        = errors.New("chain: signer public key is not in the authority set")
	ErrBadSignature         = errors.New("chain: signature does not verify")
	ErrEmptyChain           = errors.New("chain: chain has no blocks")
	ErrNotGenesis           = errors.New("chain: first block is not a valid genesis block")
)

// Chain is the in-memory, ordered sequence of accepted blocks. It is
// guarded by a single sync.RWMutex, grounded on the teacher's LedgerStore
// doc comment: single-writer (the consensus-commit thread), concurrent
// readers take a consistent snapshot (see SPEC_FULL.md §5).
type Chain struct {
	mu     sync.RWMutex
	blocks []*Block
}

func NewChain() *Chain {
	return &Chain{}
}

// Len returns the number of blocks currently held.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Head returns the most recently appended block, or nil if empty.
func (c *Chain) Head() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return nil
	}
	return c.blocks[len(c.blocks)-1]
}

// At returns the block at the given index, or nil if out of range.
func (c *Chain) At(index BlockIndex) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(index) >= len(c.blocks) {
		return nil
	}
	return c.blocks[index]
}

// Snapshot returns a shallow copy of the block slice for safe concurrent
// iteration (e.g. by the integrity validator).
func (c *Chain) Snapshot() []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Append validates b against the current head (or as a genesis block if
// the chain is empty) and, on success, appends it. digest is the
// canonical digest of b's already-inserted payload graph, supplied by the
// caller (pkg/node orchestrates C1/C2 before calling this).
func (c *Chain) Append(b *Block, digest canon.Digest, authorities *AuthoritySet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.blocks) == 0 {
		if err := validateGenesis(b, digest); err != nil {
			return err
		}
	} else {
		prev := c.blocks[len(c.blocks)-1]
		if err := ValidateBlock(b, prev, digest, authorities); err != nil {
			return err
		}
	}
	c.blocks = append(c.blocks, b)
	return nil
}

// LoadFromLog replaces the in-memory chain wholesale with blocks already
// validated by the reconstruction pipeline (pkg/chainstore). It does not
// re-validate; callers must have done so.
func (c *Chain) LoadFromLog(blocks []*Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = blocks
}

func validateGenesis(b *Block, digest canon.Digest) error {
	if b.Index != 0 {
		return fmt.Errorf("%w: index %d", ErrNotGenesis, b.Index)
	}
	if b.PreviousHash != GenesisPrev {
		return fmt.Errorf("%w: previous_hash %q", ErrNotGenesis, b.PreviousHash)
	}
	if _, err := time.Parse(time.RFC3339, b.Timestamp); err != nil {
		return ErrBadTimestamp
	}
	recomputed, err := b.RecomputeHash(digest)
	if err != nil {
		return err
	}
	if recomputed != b.Hash {
		return ErrHashMismatch
	}
	ok, err := b.VerifySignature()
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// ValidateBlock implements the six single-block checks of spec.md §4.3
// against predecessor prev.
func ValidateBlock(b, prev *Block, digest canon.Digest, authorities *AuthoritySet) error {
	if b.Index != prev.Index+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrIndexMismatch, b.Index, prev.Index+1)
	}
	if b.PreviousHash != prev.Hash {
		return ErrPreviousHashMismatch
	}
	if _, err := time.Parse(time.RFC3339, b.Timestamp); err != nil {
		return ErrBadTimestamp
	}
	recomputed, err := b.RecomputeHash(digest)
	if err != nil {
		return err
	}
	if recomputed != b.Hash {
		return ErrHashMismatch
	}
	if authorities != nil && !authorities.Contains(b.SignerPublicKey) {
		return ErrUnknownSigner
	}
	ok, err := b.VerifySignature()
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// BuildGenesis constructs, hashes, and signs block 0 over an (already
// canonicalized) bootstrap payload graph. The payload graph may be empty.
func BuildGenesis(namespace string, payloadTurtle []byte, digest canon.Digest, profile canon.Profile, signer ed25519.PrivateKey) (*Block, error) {
	graphIRI := PayloadGraphIRIFor(namespace, 0)
	b := &Block{
		Index:                   0,
		Timestamp:               NowRFC3339(),
		PreviousHash:            GenesisPrev,
		PayloadTurtle:           payloadTurtle,
		PayloadGraphIRI:         graphIRI,
		CanonicalizationProfile: profile,
	}
	hash, err := ComputeHash(b.Index, b.Timestamp, b.PreviousHash, b.PayloadGraphIRI, digest)
	if err != nil {
		return nil, err
	}
	b.Hash = hash
	if err := b.Sign(signer); err != nil {
		return nil, err
	}
	return b, nil
}

// BuildNext constructs, hashes, and signs the block that would follow
// prev, carrying payloadTurtle whose canonicalized digest is digest.
func BuildNext(namespace string, prev *Block, payloadTurtle []byte, digest canon.Digest, profile canon.Profile, signer ed25519.PrivateKey) (*Block, error) {
	index := prev.Index + 1
	b := &Block{
		Index:                   index,
		Timestamp:               NowRFC3339(),
		PreviousHash:            prev.Hash,
		PayloadTurtle:           payloadTurtle,
		PayloadGraphIRI:         PayloadGraphIRIFor(namespace, index),
		CanonicalizationProfile: profile,
	}
	hash, err := ComputeHash(b.Index, b.Timestamp, b.PreviousHash, b.PayloadGraphIRI, digest)
	if err != nil {
		return nil, err
	}
	b.Hash = hash
	if err := b.Sign(signer); err != nil {
		return nil, err
	}
	return b, nil
}
