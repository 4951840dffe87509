package canon

import (
	"testing"

	"github.com/provchain/node/pkg/rdf"
)

func graphOf(t *testing.T, iri string, triples ...rdf.Triple) *rdf.Graph {
	t.Helper()
	g := rdf.NewGraph(iri)
	for _, tr := range triples {
		g.Add(tr)
	}
	return g
}

func TestFastDigestDeterministicUnderReordering(t *testing.T) {
	a := graphOf(t, "g",
		rdf.Triple{Subject: rdf.NewIRI("s1"), Predicate: rdf.NewIRI("p"), Object: rdf.NewLiteral("1")},
		rdf.Triple{Subject: rdf.NewIRI("s2"), Predicate: rdf.NewIRI("p"), Object: rdf.NewLiteral("2")},
	)
	b := graphOf(t, "g",
		rdf.Triple{Subject: rdf.NewIRI("s2"), Predicate: rdf.NewIRI("p"), Object: rdf.NewLiteral("2")},
		rdf.Triple{Subject: rdf.NewIRI("s1"), Predicate: rdf.NewIRI("p"), Object: rdf.NewLiteral("1")},
	)
	if FastDigest(a) != FastDigest(b) {
		t.Fatal("fast digest must be invariant under triple reordering")
	}
}

func TestFastDigestSensitiveToChange(t *testing.T) {
	a := graphOf(t, "g", rdf.Triple{Subject: rdf.NewIRI("s"), Predicate: rdf.NewIRI("p"), Object: rdf.NewLiteral("1")})
	b := graphOf(t, "g", rdf.Triple{Subject: rdf.NewIRI("s"), Predicate: rdf.NewIRI("p"), Object: rdf.NewLiteral("2")})
	if FastDigest(a) == FastDigest(b) {
		t.Fatal("changing a literal must change the digest")
	}
}

// TestBlankNodeIsomorphism implements scenario 4 of spec.md §8: two graphs
// differing only in blank node labels, linked in a 2-cycle (indistinguishable
// by the fast path's incompleteness case), must digest equal on the correct
// path.
func TestBlankNodeIsomorphism(t *testing.T) {
	a := graphOf(t, "g",
		rdf.Triple{Subject: rdf.NewBlank("x"), Predicate: rdf.NewIRI("http://ex/link"), Object: rdf.NewBlank("y")},
		rdf.Triple{Subject: rdf.NewBlank("y"), Predicate: rdf.NewIRI("http://ex/link"), Object: rdf.NewBlank("x")},
	)
	b := graphOf(t, "g",
		rdf.Triple{Subject: rdf.NewBlank("p"), Predicate: rdf.NewIRI("http://ex/link"), Object: rdf.NewBlank("q")},
		rdf.Triple{Subject: rdf.NewBlank("q"), Predicate: rdf.NewIRI("http://ex/link"), Object: rdf.NewBlank("p")},
	)

	if CorrectDigest(a) != CorrectDigest(b) {
		t.Fatal("correct-path digest must be invariant under blank node renaming")
	}

	// The heuristic must route this 2-cycle to the correct path.
	if Heuristic(a, DefaultBlankNodeThreshold) != ProfileCorrect {
		t.Fatal("a blank-blank cycle must be routed to the correct path")
	}
}

func TestCorrectDigestIdempotent(t *testing.T) {
	g := graphOf(t, "g",
		rdf.Triple{Subject: rdf.NewBlank("x"), Predicate: rdf.NewIRI("http://ex/p"), Object: rdf.NewIRI("http://ex/o")},
	)
	d1 := CorrectDigest(g)
	d2 := CorrectDigest(g)
	if d1 != d2 {
		t.Fatal("correct digest must be deterministic across runs")
	}
}

func TestHeuristicSimpleGraphUsesFastPath(t *testing.T) {
	g := graphOf(t, "g",
		rdf.Triple{Subject: rdf.NewIRI("http://ex/s"), Predicate: rdf.NewIRI("http://ex/p"), Object: rdf.NewLiteral("v")},
	)
	if Heuristic(g, DefaultBlankNodeThreshold) != ProfileFast {
		t.Fatal("a graph with no blank nodes should use the fast path")
	}
}

func TestHeuristicManyBlankNodesUsesCorrectPath(t *testing.T) {
	g := rdf.NewGraph("g")
	for i := 0; i < DefaultBlankNodeThreshold+1; i++ {
		g.Add(rdf.Triple{
			Subject:   rdf.NewBlank(string(rune('a' + i))),
			Predicate: rdf.NewIRI("http://ex/p"),
			Object:    rdf.NewLiteral("v"),
		})
	}
	if Heuristic(g, DefaultBlankNodeThreshold) != ProfileCorrect {
		t.Fatal("exceeding the blank node threshold should route to the correct path")
	}
}
