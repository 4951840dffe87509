// Copyright 2025 Provchain Authors
//
// Package ontology implements the Ontology Loader (C8): a one-time load
// of a configured .ttl/.nt bootstrap file into the reserved {ns}/ontology
// graph, per spec.md §4.7.
package ontology

import (
	"fmt"
	"os"

	"github.com/provchain/node/pkg/chain"
	"github.com/provchain/node/pkg/store"
)

// Load inserts the triples in path into {namespace}/ontology if that
// graph does not already exist. It is a no-op on restart: the ontology
// graph, once populated, is never reloaded or mutated by policy.
func Load(s *store.Store, namespace, path string) error {
	if path == "" {
		return nil
	}
	graphIRI := chain.OntologyGraphIRI(namespace)

	if _, err := s.QuadsInGraph(graphIRI); err == nil {
		return nil // already loaded in a prior run
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ontology: read %s: %w", path, err)
	}
	if err := s.InsertTurtleIntoGraph(graphIRI, data); err != nil {
		return fmt.Errorf("ontology: insert bootstrap graph: %w", err)
	}
	return nil
}
