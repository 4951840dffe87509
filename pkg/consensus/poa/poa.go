// Copyright 2025 Provchain Authors
//
// Package poa implements the Proof-of-Authority consensus.Engine: a
// singleton signer that finalizes every proposal synchronously, grounded
// on the round-robin IsProposer/ProduceBlock/ValidateBlock shape of
// f3cc6857_tolelom-tolchain__consensus-poa.go.go, degenerated here to a
// single always-proposer authority since spec.md §4.5.1 describes PoA as
// single-writer.
package poa

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/provchain/node/pkg/canon"
	"github.com/provchain/node/pkg/chain"
	"github.com/provchain/node/pkg/consensus"
)

// Engine is the PoA consensus.Engine implementation. There is exactly one
// producing authority; propose constructs, signs, and finalizes a block
// synchronously, then queues an announce message on Outgoing. pkg/node
// starts no transport in PoA mode, so these messages are not delivered to
// any peer. Propose runs
// on the orchestrator's serveLoop goroutine while Poll/Outgoing run on its
// eventLoop goroutine (pkg/node/node.go), so head/finalized/outgoing need
// the same mutex discipline pbft.Replica uses for the same reason.
type Engine struct {
	mu sync.Mutex

	namespace   string
	signer      ed25519.PrivateKey
	head        *chain.Block
	authorities *chain.AuthoritySet

	finalized []*chain.Block
	outgoing  []consensus.OutgoingMessage
}

func New(namespace string, signer ed25519.PrivateKey, authorities *chain.AuthoritySet, genesis *chain.Block) *Engine {
	return &Engine{namespace: namespace, signer: signer, authorities: authorities, head: genesis}
}

// Propose builds the next block from payloadTurtle, signs it, and
// finalizes it immediately — PoA has no quorum to wait for.
func (e *Engine) Propose(payloadTurtle []byte, graphIRI string, digest [32]byte, profile string) (consensus.Pending, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.head == nil {
		return consensus.Pending{}, fmt.Errorf("poa: no genesis block loaded")
	}
	var d canon.Digest
	copy(d[:], digest[:])

	b, err := chain.BuildNext(e.namespace, e.head, payloadTurtle, d, canon.Profile(profile), e.signer)
	if err != nil {
		return consensus.Pending{}, fmt.Errorf("poa: build block: %w", err)
	}
	if err := chain.ValidateBlock(b, e.head, d, e.authorities); err != nil {
		return consensus.Pending{}, fmt.Errorf("poa: self-validation failed: %w", err)
	}

	e.head = b
	e.finalized = append(e.finalized, b)
	e.outgoing = append(e.outgoing, consensus.OutgoingMessage{Raw: announceBytes(b)})
	return consensus.Pending{ProposalID: b.Hash}, nil
}

// OnMessage is a no-op: PoA has a single producing authority and nothing
// to vote on, so there is no announced-block message to validate here in
// this deployment's single-process model.
func (e *Engine) OnMessage(from string, raw []byte) error {
	return nil
}

func (e *Engine) Poll() (*chain.Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.finalized) == 0 {
		return nil, false
	}
	b := e.finalized[0]
	e.finalized = e.finalized[1:]
	return b, true
}

func (e *Engine) Outgoing() []consensus.OutgoingMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.outgoing
	e.outgoing = nil
	return out
}

// announceBytes is a minimal placeholder wire encoding for PoA's
// single-authority announce message; pkg/wire's CBOR envelope is reserved
// for PBFT's richer message set, since PoA has only one message kind.
func announceBytes(b *chain.Block) []byte {
	return []byte(b.Hash)
}
