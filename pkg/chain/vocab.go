package chain

// Metadata graph predicate IRIs, frozen per spec.md §3's metadata-graph
// description and DESIGN.md's resolution of the open predicate-naming
// question. Placed in pkg/chain (not pkg/node, despite SPEC_FULL.md's
// initial sketch) since pkg/chainstore must build metadata triples and
// must not import pkg/node, which itself depends on pkg/chainstore.
const (
	PredHasIndex                  = "hasIndex"
	PredHasPreviousHash           = "hasPreviousHash"
	PredHasHash                   = "hasHash"
	PredHasTimeStamp              = "hasTimeStamp"
	PredHasPayloadGraphIri        = "hasPayloadGraphIri"
	PredHasSigner                 = "hasSigner"
	PredHasCanonicalizationProfile = "hasCanonicalizationProfile"
)

// VocabIRI returns the fully-qualified predicate IRI for pred under the
// ledger's vocab namespace, {ns}/vocab#{pred}.
func VocabIRI(namespace, pred string) string {
	return namespace + "/vocab#" + pred
}

// MetadataGraphIRI returns the reserved metadata graph IRI, {ns}/metadata.
func MetadataGraphIRI(namespace string) string {
	return namespace + "/metadata"
}

// OntologyGraphIRI returns the reserved ontology graph IRI, {ns}/ontology.
func OntologyGraphIRI(namespace string) string {
	return namespace + "/ontology"
}

// SubjectIRIForBlock returns the metadata-graph subject IRI describing
// block index, {ns}/block/{index}#description — distinct from the
// payload graph IRI itself so a SPARQL query can join the two.
func SubjectIRIForBlock(namespace string, index BlockIndex) string {
	return PayloadGraphIRIFor(namespace, index) + "#description"
}
