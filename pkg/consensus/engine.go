// Copyright 2025 Provchain Authors
//
// Package consensus defines the narrow Engine abstraction spec.md §4.5
// describes, implemented by pkg/consensus/poa (singleton authority) and
// pkg/consensus/pbft (three-phase Byzantine agreement).
package consensus

import (
	"github.com/provchain/node/pkg/chain"
)

// Pending identifies a block proposal that has been submitted to the
// engine but not yet finalized.
type Pending struct {
	ProposalID string
}

// Engine is the pluggable consensus abstraction: propose a payload,
// accept inbound wire messages, poll for finalized blocks, and drain
// outgoing messages the orchestrator must deliver over the network.
type Engine interface {
	// Propose submits a payload (already inserted into the triplestore
	// and digested by the caller) for ordering. profile records which
	// canonicalization algorithm produced digest, so it can be persisted
	// alongside the block truthfully instead of assumed.
	Propose(payloadTurtle []byte, graphIRI string, digest [32]byte, profile string) (Pending, error)

	// OnMessage feeds an inbound wire message into the engine's state
	// machine.
	OnMessage(from string, raw []byte) error

	// Poll returns the next finalized block, if any, removing it from
	// the engine's internal queue.
	Poll() (*chain.Block, bool)

	// Outgoing drains messages the engine wants delivered to peers since
	// the last call.
	Outgoing() []OutgoingMessage
}

// OutgoingMessage pairs a wire-encoded consensus message with its
// intended recipient; an empty To means broadcast to all peers.
type OutgoingMessage struct {
	To  string // empty = broadcast
	Raw []byte
}
