// Copyright 2025 Provchain Authors
//
// Package canon implements the two-algorithm canonical digest contract of
// spec.md §4.2: a fast placeholder-hashing path for "simple" graphs and a
// full RDFC-1.0/URDNA2015 labeling path for graphs where blank-node
// isomorphism actually matters. Both produce a digest in the same 32-byte
// space; the choice between them is recorded as a Profile tag, never
// silently assumed by a verifier.
package canon

import (
	"sort"

	"github.com/provchain/node/pkg/rdf"
)

// Profile names which algorithm produced a digest, persisted alongside the
// block as canonicalization_profile (spec.md §4.2, §6).
type Profile string

const (
	ProfileFast    Profile = "fast"
	ProfileCorrect Profile = "correct"
)

// Digest is the 32-byte SHA-256 output of either canonicalization path.
type Digest [32]byte

func (d Digest) Bytes() []byte { return d[:] }

// Thresholds for the complexity heuristic of spec.md §4.2.3.
const DefaultBlankNodeThreshold = 8

// Heuristic decides which profile to route a graph through. It implements
// spec.md §4.2.3 exactly: bounded blank-node count, no blank-node/blank-node
// cycles across distinct triples, and no two blank nodes sharing an
// identical first-degree placeholder serialization set.
func Heuristic(g *rdf.Graph, threshold int) Profile {
	if threshold <= 0 {
		threshold = DefaultBlankNodeThreshold
	}
	blanks := g.BlankNodes()
	if len(blanks) > threshold {
		return ProfileCorrect
	}
	if hasBlankBlankCycle(g) {
		return ProfileCorrect
	}
	if hasSharedFirstDegreeShape(g) {
		return ProfileCorrect
	}
	return ProfileFast
}

// hasBlankBlankCycle reports whether two distinct blank nodes appear as
// opposite ends of two different triples (b1 --p--> b2 and b2 --q--> b1, or
// any pair of triples linking the same two blanks in both directions).
func hasBlankBlankCycle(g *rdf.Graph) bool {
	type edge struct{ from, to string }
	edges := make(map[edge]bool)
	for _, t := range g.Triples() {
		if t.Subject.IsBlank() && t.Object.IsBlank() && t.Subject.Value != t.Object.Value {
			edges[edge{t.Subject.Value, t.Object.Value}] = true
		}
	}
	for e := range edges {
		if edges[edge{e.to, e.from}] {
			return true
		}
	}
	return false
}

// hasSharedFirstDegreeShape reports whether two blank nodes are
// indistinguishable by the fast path's own placeholder serialization,
// i.e. would collide under single-hop hashing.
func hasSharedFirstDegreeShape(g *rdf.Graph) bool {
	shapes := make(map[string]string) // blank label -> shape signature
	for _, b := range g.BlankNodes() {
		var rows []string
		for _, t := range g.Triples() {
			switch {
			case t.Subject.IsBlank() && t.Subject.Value == b:
				rows = append(rows, "S:"+t.Predicate.String()+":"+placeholderOf(t.Object, b))
			case t.Object.IsBlank() && t.Object.Value == b:
				rows = append(rows, "O:"+t.Predicate.String()+":"+placeholderOf(t.Subject, b))
			}
		}
		sort.Strings(rows)
		sig := fsJoin(rows)
		if prior, ok := shapes[sig]; ok && prior != b {
			return true
		}
		shapes[sig] = b
	}
	return false
}

func placeholderOf(t rdf.Term, self string) string {
	if t.IsBlank() {
		if t.Value == self {
			return "_:self"
		}
		return "_:other"
	}
	return t.String()
}

func fsJoin(rows []string) string {
	out := ""
	for i, r := range rows {
		if i > 0 {
			out += "\x1e"
		}
		out += r
	}
	return out
}

// DigestGraph routes g through the heuristic (or the forced profile named
// by profileOverride) and returns its digest and the profile used.
func DigestGraph(g *rdf.Graph, profileOverride string) (Digest, Profile) {
	switch profileOverride {
	case "fast":
		return FastDigest(g), ProfileFast
	case "correct":
		return CorrectDigest(g), ProfileCorrect
	default:
		p := Heuristic(g, DefaultBlankNodeThreshold)
		if p == ProfileFast {
			return FastDigest(g), ProfileFast
		}
		return CorrectDigest(g), ProfileCorrect
	}
}

// RecomputeBoth computes both digests for verification, per spec.md §9's
// resolved tie-break: a verifier recomputes both and accepts whichever
// matches the tagged profile.
func RecomputeBoth(g *rdf.Graph) (fast, correct Digest) {
	return FastDigest(g), CorrectDigest(g)
}
