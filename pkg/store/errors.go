package store

import "errors"

// Sentinel errors, following the teacher's pkg/database/errors.go
// convention: one var per failure mode, wrapped with fmt.Errorf("...: %w")
// at call boundaries rather than ad hoc string errors.
var (
	ErrGraphNotFound    = errors.New("store: named graph not found")
	ErrMalformedPayload = errors.New("store: payload failed to parse; no quads inserted")
	ErrClosed           = errors.New("store: operation on a closed store")
	ErrUnsupportedQuery = errors.New("store: query uses unsupported SPARQL features")
)
