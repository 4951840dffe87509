package rdf

// Quad is a triple tagged with the IRI of the named graph it belongs to.
type Quad struct {
	Subject   Term
	Predicate Term
	Object    Term
	Graph     string
}

// Key returns a string uniquely identifying q within its graph, suitable
// for use as a deduplication or index key. Blank node labels are retained
// verbatim; they are only renamed by the canonicalizer, never by the store.
func (q Quad) Key() string {
	return q.Subject.String() + " " + q.Predicate.String() + " " + q.Object.String()
}

// String renders q as a single N-Quads line (without the trailing ".\n").
func (q Quad) String() string {
	return q.Subject.String() + " " + q.Predicate.String() + " " + q.Object.String() + " <" + q.Graph + ">"
}
