package canon

import (
	"crypto/sha256"
	"sort"

	"github.com/provchain/node/pkg/rdf"
)

// FastDigest implements spec.md §4.2.1: every blank subject is replaced by
// the fixed token _:S and every blank object by _:O, each triple is
// SHA-256'd independently, the per-triple hashes are sorted and
// concatenated, and the concatenation is SHA-256'd again. It tolerates
// triple reordering for free and runs in O(n log n), but is known-incomplete
// for graphs with indistinguishable blank-node cycles — exactly the cases
// Heuristic routes to the correct path instead.
func FastDigest(g *rdf.Graph) Digest {
	triples := g.Triples()
	hashes := make([][32]byte, len(triples))
	for i, t := range triples {
		hashes[i] = sha256.Sum256([]byte(fastSerialize(t)))
	}
	sort.Slice(hashes, func(i, j int) bool {
		return lessBytes(hashes[i][:], hashes[j][:])
	})
	h := sha256.New()
	for _, hv := range hashes {
		h.Write(hv[:])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func fastSerialize(t rdf.Triple) string {
	s := t.Subject
	if s.IsBlank() {
		s = rdf.NewBlank("S")
	}
	o := t.Object
	if o.IsBlank() {
		o = rdf.NewBlank("O")
	}
	return s.String() + " " + t.Predicate.String() + " " + o.String()
}

func lessBytes(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
