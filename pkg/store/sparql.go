package store

import (
	"fmt"
	"strings"

	"github.com/provchain/node/pkg/rdf"
)

// Solutions is the result of RunSPARQL: either a row set (SELECT) or a
// single boolean (ASK).
type Solutions struct {
	Vars    []string
	Rows    []map[string]rdf.Term
	IsAsk   bool
	AskBool bool
}

// slot is one parsed triple pattern position: either a bound Term or an
// unbound variable name (without the leading '?').
type slot struct {
	bound   bool
	term    rdf.Term
	varName string
}

type parsedQuery struct {
	ask       bool
	selectAll bool
	selectVar []string
	graph     string // empty means scan all graphs
	s, p, o   slot
}

// RunSPARQL implements the minimal conjunctive basic-graph-pattern subset
// spec.md §6 and §8's probe queries require: a single triple pattern,
// optionally scoped to one named graph via GRAPH <iri> { ... }, with
// SELECT ?a ?b ?c or SELECT * or ASK forms. Anything beyond a single BGP
// (OPTIONAL, FILTER, property paths, multiple patterns) is rejected with
// ErrUnsupportedQuery — full SPARQL 1.1 algebra is out of scope per
// spec.md §1's non-goals; that surface belongs to an external layer.
func (s *Store) RunSPARQL(query string) (Solutions, error) {
	q, err := parseQuery(query)
	if err != nil {
		return Solutions{}, err
	}

	var graphIRIs []string
	if q.graph != "" {
		graphIRIs = []string{q.graph}
	} else {
		graphIRIs, err = s.NamedGraphs()
		if err != nil {
			return Solutions{}, err
		}
	}

	var rows []map[string]rdf.Term
	for _, g := range graphIRIs {
		quads, err := s.QuadsInGraph(g)
		if err != nil {
			if err == ErrGraphNotFound {
				continue
			}
			return Solutions{}, err
		}
		for _, qd := range quads {
			binding, ok := matchPattern(q, qd)
			if !ok {
				continue
			}
			rows = append(rows, binding)
			if q.ask {
				return Solutions{IsAsk: true, AskBool: true}, nil
			}
		}
	}

	if q.ask {
		return Solutions{IsAsk: true, AskBool: false}, nil
	}

	vars := q.selectVar
	if q.selectAll {
		vars = []string{"s", "p", "o"}
	}
	return Solutions{Vars: vars, Rows: rows}, nil
}

func matchPattern(q parsedQuery, qd rdf.Quad) (map[string]rdf.Term, bool) {
	binding := make(map[string]rdf.Term)
	if !matchSlot(q.s, qd.Subject, binding) {
		return nil, false
	}
	if !matchSlot(q.p, qd.Predicate, binding) {
		return nil, false
	}
	if !matchSlot(q.o, qd.Object, binding) {
		return nil, false
	}
	return binding, true
}

func matchSlot(sl slot, actual rdf.Term, binding map[string]rdf.Term) bool {
	if sl.bound {
		return sl.term == actual
	}
	if prior, ok := binding[sl.varName]; ok {
		return prior == actual
	}
	binding[sl.varName] = actual
	return true
}

// parseQuery is a small hand-written parser for the subset above. It is
// justified as a stdlib-only component (see DESIGN.md): no SPARQL parsing
// library appears anywhere in the retrieved corpus, and the supported
// grammar is small enough that pulling in a full SPARQL engine would be
// disproportionate to what spec.md §6 actually needs.
func parseQuery(query string) (parsedQuery, error) {
	q := strings.TrimSpace(query)
	var out parsedQuery

	upper := strings.ToUpper(q)
	switch {
	case strings.HasPrefix(upper, "ASK"):
		out.ask = true
		q = strings.TrimSpace(q[len("ASK"):])
	case strings.HasPrefix(upper, "SELECT"):
		rest := strings.TrimSpace(q[len("SELECT"):])
		whereIdx := indexOfWhere(rest)
		if whereIdx < 0 {
			return out, fmt.Errorf("%w: missing WHERE clause", ErrUnsupportedQuery)
		}
		projection := strings.TrimSpace(rest[:whereIdx])
		if projection == "*" {
			out.selectAll = true
		} else {
			for _, tok := range strings.Fields(projection) {
				if !strings.HasPrefix(tok, "?") {
					return out, fmt.Errorf("%w: projection must be variables or *", ErrUnsupportedQuery)
				}
				out.selectVar = append(out.selectVar, tok[1:])
			}
		}
		q = strings.TrimSpace(rest[whereIdx:])
	default:
		return out, fmt.Errorf("%w: query must start with SELECT or ASK", ErrUnsupportedQuery)
	}

	if idx := indexOfCI(q, "WHERE"); idx >= 0 {
		q = strings.TrimSpace(q[idx+len("WHERE"):])
	}

	body := strings.TrimSpace(q)
	if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
		return out, fmt.Errorf("%w: expected a single brace-delimited group", ErrUnsupportedQuery)
	}
	body = strings.TrimSpace(body[1 : len(body)-1])

	if strings.HasPrefix(strings.ToUpper(body), "GRAPH") {
		rest := strings.TrimSpace(body[len("GRAPH"):])
		innerStart := strings.Index(rest, "{")
		innerEnd := strings.LastIndex(rest, "}")
		if innerStart < 0 || innerEnd < 0 || innerEnd < innerStart {
			return out, fmt.Errorf("%w: malformed GRAPH clause", ErrUnsupportedQuery)
		}
		graphToken := strings.TrimSpace(rest[:innerStart])
		iri, err := parseIRIToken(graphToken)
		if err != nil {
			return out, err
		}
		out.graph = iri
		body = strings.TrimSpace(rest[innerStart+1 : innerEnd])
	}

	parts := strings.Fields(body)
	if len(parts) != 3 {
		return out, fmt.Errorf("%w: expected exactly one triple pattern (s p o)", ErrUnsupportedQuery)
	}
	var err error
	out.s, err = parseSlot(parts[0])
	if err != nil {
		return out, err
	}
	out.p, err = parseSlot(parts[1])
	if err != nil {
		return out, err
	}
	objTok := parts[2]
	objTok = strings.TrimSuffix(objTok, ".")
	out.o, err = parseSlot(objTok)
	if err != nil {
		return out, err
	}
	return out, nil
}

func indexOfWhere(s string) int {
	return indexOfCI(s, "WHERE")
}

func indexOfCI(s, needle string) int {
	return strings.Index(strings.ToUpper(s), strings.ToUpper(needle))
}

func parseSlot(tok string) (slot, error) {
	if strings.HasPrefix(tok, "?") {
		return slot{bound: false, varName: tok[1:]}, nil
	}
	if strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
		return slot{bound: true, term: rdf.NewIRI(tok[1 : len(tok)-1])}, nil
	}
	if strings.HasPrefix(tok, `"`) {
		// literal token, no datatype/lang support in bound positions —
		// sufficient for spec.md §8's probe queries, which bind only IRIs.
		return slot{bound: true, term: rdf.NewLiteral(strings.Trim(tok, `"`))}, nil
	}
	return slot{}, fmt.Errorf("%w: unrecognized token %q", ErrUnsupportedQuery, tok)
}

func parseIRIToken(tok string) (string, error) {
	if strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
		return tok[1 : len(tok)-1], nil
	}
	return "", fmt.Errorf("%w: GRAPH clause expects an IRI, got %q", ErrUnsupportedQuery, tok)
}
