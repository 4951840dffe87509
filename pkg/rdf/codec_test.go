package rdf

import "testing"

func TestDecodeValid(t *testing.T) {
	doc := []byte(`<http://ex/batch1> <http://ex/hasId> "B001" .
_:x <http://ex/knows> _:y .
<http://ex/a> <http://ex/lang> "bonjour"@fr .
<http://ex/a> <http://ex/num> "42"^^<http://www.w3.org/2001/XMLSchema#integer> .
`)
	triples, err := Decode(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(triples) != 4 {
		t.Fatalf("expected 4 triples, got %d", len(triples))
	}
	if triples[0].Object.Value != "B001" || triples[0].Object.Datatype != XSDString {
		t.Errorf("unexpected literal parse: %+v", triples[0].Object)
	}
	if !triples[1].Subject.IsBlank() || !triples[1].Object.IsBlank() {
		t.Errorf("expected blank subject/object, got %+v", triples[1])
	}
	if triples[2].Object.Lang != "fr" {
		t.Errorf("expected lang tag fr, got %q", triples[2].Object.Lang)
	}
	if triples[3].Object.Datatype != "http://www.w3.org/2001/XMLSchema#integer" {
		t.Errorf("expected xsd:integer, got %q", triples[3].Object.Datatype)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		`<http://ex/a> <http://ex/b> "unterminated .`,
		`<http://ex/a> <http://ex/b> <http://ex/c>`, // missing trailing dot
		`"literal" <http://ex/b> <http://ex/c> .`,   // literal subject
	}
	for _, c := range cases {
		if _, err := Decode([]byte(c)); err == nil {
			t.Errorf("expected parse error for %q", c)
		}
	}
}

func TestDecodeAllOrNothing(t *testing.T) {
	doc := []byte(`<http://ex/a> <http://ex/b> <http://ex/c> .
this is not valid
`)
	triples, err := Decode(doc)
	if err == nil {
		t.Fatal("expected error on malformed second line")
	}
	if triples != nil {
		t.Fatalf("expected no triples on parse failure, got %v", triples)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	triples := []Triple{
		{Subject: NewIRI("http://ex/a"), Predicate: NewIRI("http://ex/b"), Object: NewLiteral(`quote " and \ back`)},
	}
	doc := EncodeString(triples)
	back, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("round trip decode failed: %v", err)
	}
	if len(back) != 1 || back[0].Object.Value != triples[0].Object.Value {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestGraphDeduplicatesAndSorts(t *testing.T) {
	g := NewGraph("http://ex/g")
	t1 := Triple{Subject: NewIRI("http://ex/b"), Predicate: NewIRI("http://ex/p"), Object: NewLiteral("2")}
	t2 := Triple{Subject: NewIRI("http://ex/a"), Predicate: NewIRI("http://ex/p"), Object: NewLiteral("1")}
	if !g.Add(t1) {
		t.Fatal("expected first add to be new")
	}
	if !g.Add(t2) {
		t.Fatal("expected second add to be new")
	}
	if g.Add(t1) {
		t.Fatal("expected duplicate add to be rejected")
	}
	if g.Len() != 2 {
		t.Fatalf("expected 2 triples, got %d", g.Len())
	}
	sorted := g.Sorted()
	if sorted[0].Subject.Value != "http://ex/a" {
		t.Fatalf("expected sorted order to start with ex/a, got %+v", sorted[0])
	}
}
