package node

import "errors"

// Sentinel errors returned by Node's external interface, following the
// teacher's pkg/database/errors.go convention of one var Err... per
// failure mode instead of ad-hoc string matching.
var (
	ErrMalformedRDF     = errors.New("node: payload is not well-formed RDF")
	ErrSignatureRefused = errors.New("node: this node is not an authority and cannot sign blocks")
	ErrConsensusBusy    = errors.New("node: a proposal is already in flight")
	ErrTimeout          = errors.New("node: operation did not complete before its deadline")
	ErrNotAuthority     = errors.New("node: local signing key is not a member of the authority set")
	ErrClosed           = errors.New("node: node is closed")
)
