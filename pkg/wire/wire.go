// Copyright 2025 Provchain Authors
//
// Package wire encodes PBFT consensus messages with
// github.com/fxamacker/cbor/v2, a deterministic binary codec, and frames
// them with a 4-byte big-endian length prefix over net.Conn — matching
// spec.md §6's "CBOR or equivalent deterministic encoding" requirement.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MessageType tags the PBFT message variants of spec.md §4.5.2.
type MessageType string

const (
	MsgPrePrepare  MessageType = "pre-prepare"
	MsgPrepare     MessageType = "prepare"
	MsgCommit      MessageType = "commit"
	MsgViewChange  MessageType = "view-change"
	MsgNewView     MessageType = "new-view"
)

// Envelope is the outer frame every consensus message is wrapped in:
// type tag, sender identity, Ed25519 signature over Body, and the
// CBOR-encoded inner message as Body.
type Envelope struct {
	Type      MessageType `cbor:"type"`
	Sender    string      `cbor:"sender"` // hex-encoded Ed25519 public key
	Signature []byte      `cbor:"signature"`
	Body      []byte      `cbor:"body"` // CBOR-encoded inner message
}

// PrePrepareBody carries the primary's proposal for (view, seq).
type PrePrepareBody struct {
	View            uint64 `cbor:"view"`
	Seq             uint64 `cbor:"seq"`
	Digest          string `cbor:"digest"` // hex
	Profile         string `cbor:"profile"`
	PayloadTurtle   []byte `cbor:"payload_turtle"`
	PayloadGraphIRI string `cbor:"payload_graph_iri"`
	Timestamp       string `cbor:"timestamp"`
	PreviousHash    string `cbor:"previous_hash"`
}

// PrepareBody and CommitBody share the same shape: a vote for a digest at
// (view, seq).
type PrepareBody struct {
	View   uint64 `cbor:"view"`
	Seq    uint64 `cbor:"seq"`
	Digest string `cbor:"digest"`
	Sender string `cbor:"sender"`
}

type CommitBody struct {
	View   uint64 `cbor:"view"`
	Seq    uint64 `cbor:"seq"`
	Digest string `cbor:"digest"`
	Sender string `cbor:"sender"`
}

// ViewChangeBody carries proofs of everything the sender had prepared in
// the old view.
type ViewChangeBody struct {
	NewView        uint64         `cbor:"new_view"`
	LastStableSeq  uint64         `cbor:"last_stable_seq"`
	PreparedProofs []PrepareProof `cbor:"prepared_proofs"`
	Sender         string         `cbor:"sender"`
}

type PrepareProof struct {
	Seq    uint64 `cbor:"seq"`
	Digest string `cbor:"digest"`
}

// NewViewBody is sent by the new primary once it has 2f+1 ViewChange
// messages; it bundles the proofs and the PrePrepare messages to replay.
type NewViewBody struct {
	NewView          uint64           `cbor:"new_view"`
	ViewChangeProofs []ViewChangeBody `cbor:"view_change_proofs"`
	PrePrepares      []PrePrepareBody `cbor:"pre_prepares"`
}

// EncodeEnvelope CBOR-encodes env using a deterministic (canonical)
// encoding mode, so two calls with equal structs always produce
// byte-identical output — required for digest/signature stability.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	em, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("wire: build cbor encoder: %w", err)
	}
	return em.Marshal(env)
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env, nil
}

func encodeBody(v any) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	em, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("wire: build cbor encoder: %w", err)
	}
	return em.Marshal(v)
}

func DecodeBody(raw []byte, v any) error {
	if err := cbor.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("wire: decode body: %w", err)
	}
	return nil
}

// EncodePrePrepare, EncodePrepare, etc. are convenience wrappers that
// CBOR-encode an inner body for embedding as Envelope.Body.
func EncodePrePrepare(b PrePrepareBody) ([]byte, error)   { return encodeBody(b) }
func EncodePrepare(b PrepareBody) ([]byte, error)         { return encodeBody(b) }
func EncodeCommit(b CommitBody) ([]byte, error)           { return encodeBody(b) }
func EncodeViewChange(b ViewChangeBody) ([]byte, error)   { return encodeBody(b) }
func EncodeNewView(b NewViewBody) ([]byte, error)         { return encodeBody(b) }

// WriteFrame writes a 4-byte big-endian length prefix followed by raw,
// the wire format for one message over a net.Conn stream.
func WriteFrame(w io.Writer, raw []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// maxFrameBytes bounds a single frame to guard against a peer sending an
// unbounded length prefix and exhausting memory.
const maxFrameBytes = 64 << 20

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("wire: frame length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return buf, nil
}
