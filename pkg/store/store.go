// Copyright 2025 Provchain Authors
//
// Package store implements the Triplestore Adapter (C1): an
// insert/scan/query surface over go.etcd.io/bbolt, one bolt file per node,
// grounded on the same embedded-KV pattern cuemby-warren and
// evalgo-org-eve use bbolt for. It never computes hashes, signatures, or
// canonical digests; that is pkg/canon's job.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/provchain/node/pkg/rdf"
)

var (
	bucketGraphs = []byte("graphs") // nested bucket per graph IRI, keys = spo composite keys
	bucketSPO    = []byte("spo")    // composite key -> JSON quad
	bucketPOS    = []byte("pos")    // composite key (P,O,S order) -> JSON quad
	bucketOSP    = []byte("osp")    // composite key (O,S,P order) -> JSON quad
	bucketMeta   = []byte("meta")   // small counters
)

const sep = "\x00"

// Store is C1's concrete adapter. Safe for concurrent readers; writers
// (InsertTurtleIntoGraph) serialize through bbolt's own single-writer
// transaction semantics, so no external lock is required for atomicity —
// mu here only protects the tempDir teardown path for in-memory stores.
type Store struct {
	db      *bolt.DB
	mu      sync.Mutex
	tempDir string // non-empty for OpenInMemory, removed on Close
}

// Open opens (creating if absent) a persistent triplestore at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a store backed by a temp file, since bbolt has no
// first-class in-memory mode; the temp file is removed on Close. This is
// a deliberate adapter choice, not a semantic difference — both modes
// share this same Store implementation.
func OpenInMemory() (*Store, error) {
	dir, err := os.MkdirTemp("", "provchain-store-*")
	if err != nil {
		return nil, fmt.Errorf("store: create temp dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "triplestore.db"), 0o600, nil)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}
	s := &Store{db: db, tempDir: dir}
	if err := s.ensureBuckets(); err != nil {
		db.Close()
		os.RemoveAll(dir)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketGraphs, bucketSPO, bucketPOS, bucketOSP, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying bolt database and, for in-memory stores,
// removes the backing temp directory.
func (s *Store) Close() error {
	err := s.db.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}
	return err
}

// Flush fsyncs the database file. bbolt fsyncs on every committed Update
// transaction by default, so this is a no-op safety net for callers that
// want an explicit durability checkpoint after a batch of operations.
func (s *Store) Flush() error {
	return s.db.Sync()
}

type storedQuad struct {
	Subject   rdf.Term `json:"subject"`
	Predicate rdf.Term `json:"predicate"`
	Object    rdf.Term `json:"object"`
	Graph     string   `json:"graph"`
}

func compositeKey(graphIRI string, a, b, c rdf.Term) []byte {
	return []byte(graphIRI + sep + a.String() + sep + b.String() + sep + c.String())
}

// InsertTurtleIntoGraph parses data as N-Triples and inserts every triple
// under graphIRI in one atomic bbolt transaction: either the payload
// parses and all triples land, or nothing is inserted (spec.md §4.1.b).
func (s *Store) InsertTurtleIntoGraph(graphIRI string, data []byte) error {
	triples, err := rdf.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		graphs := tx.Bucket(bucketGraphs)
		graphBucket, err := graphs.CreateBucketIfNotExists([]byte(graphIRI))
		if err != nil {
			return fmt.Errorf("store: create graph bucket: %w", err)
		}
		spo := tx.Bucket(bucketSPO)
		pos := tx.Bucket(bucketPOS)
		osp := tx.Bucket(bucketOSP)
		meta := tx.Bucket(bucketMeta)

		inserted := 0
		for _, t := range triples {
			spoKey := compositeKey(graphIRI, t.Subject, t.Predicate, t.Object)
			if graphBucket.Get(spoKey) != nil {
				continue // duplicate within this payload/graph
			}
			sq := storedQuad{Subject: t.Subject, Predicate: t.Predicate, Object: t.Object, Graph: graphIRI}
			blob, err := json.Marshal(sq)
			if err != nil {
				return fmt.Errorf("store: marshal quad: %w", err)
			}
			if err := spo.Put(spoKey, blob); err != nil {
				return err
			}
			if err := pos.Put(compositeKey(graphIRI, t.Predicate, t.Object, t.Subject), blob); err != nil {
				return err
			}
			if err := osp.Put(compositeKey(graphIRI, t.Object, t.Subject, t.Predicate), blob); err != nil {
				return err
			}
			if err := graphBucket.Put(spoKey, nil); err != nil {
				return err
			}
			inserted++
		}
		return bumpCounter(meta, "quad_count", uint64(inserted))
	})
}

func bumpCounter(meta *bolt.Bucket, key string, delta uint64) error {
	cur := uint64(0)
	if raw := meta.Get([]byte(key)); raw != nil {
		cur = binary.BigEndian.Uint64(raw)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur+delta)
	return meta.Put([]byte(key), buf)
}

// QuadsInGraph returns every quad stored under graphIRI, or the bare
// ErrGraphNotFound sentinel if the graph was never inserted into. Order
// is the byte order of the composite keys, not semantically meaningful
// (named graphs are unordered multisets per spec.md §3).
func (s *Store) QuadsInGraph(graphIRI string) ([]rdf.Quad, error) {
	var out []rdf.Quad
	err := s.db.View(func(tx *bolt.Tx) error {
		graphs := tx.Bucket(bucketGraphs)
		gb := graphs.Bucket([]byte(graphIRI))
		if gb == nil {
			return ErrGraphNotFound
		}
		spo := tx.Bucket(bucketSPO)
		c := gb.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			blob := spo.Get(k)
			if blob == nil {
				continue
			}
			var sq storedQuad
			if err := json.Unmarshal(blob, &sq); err != nil {
				return fmt.Errorf("store: unmarshal quad: %w", err)
			}
			out = append(out, rdf.Quad{Subject: sq.Subject, Predicate: sq.Predicate, Object: sq.Object, Graph: sq.Graph})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NamedGraphs lists every graph IRI InsertTurtleIntoGraph has been called
// for, including graphs whose payload held no triples.
func (s *Store) NamedGraphs() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		graphs := tx.Bucket(bucketGraphs)
		return graphs.ForEach(func(k, v []byte) error {
			if v == nil { // nil value marks a nested bucket, i.e. a graph IRI
				out = append(out, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QuadCount returns the running total maintained by the meta bucket, used
// by the integrity validator's cheap cross-check.
func (s *Store) QuadCount() (uint64, error) {
	var count uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		raw := meta.Get([]byte("quad_count"))
		if raw != nil {
			count = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return count, err
}
