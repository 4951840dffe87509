// Copyright 2025 Provchain Authors
//
// Package node implements the Node Orchestrator (C7): it wires the
// triplestore (pkg/store), chain store (pkg/chainstore), consensus
// engine (pkg/consensus/poa or pkg/consensus/pbft) and integrity
// validator (pkg/integrity) behind the two external operations,
// submit_payload and run_sparql, and owns the Ed25519 signing identity.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/provchain/node/pkg/canon"
	"github.com/provchain/node/pkg/chain"
	"github.com/provchain/node/pkg/chainstore"
	"github.com/provchain/node/pkg/config"
	"github.com/provchain/node/pkg/consensus"
	"github.com/provchain/node/pkg/consensus/pbft"
	"github.com/provchain/node/pkg/consensus/poa"
	"github.com/provchain/node/pkg/ontology"
	"github.com/provchain/node/pkg/rdf"
	"github.com/provchain/node/pkg/store"
	"github.com/provchain/node/pkg/wire"
)

type submitRequest struct {
	ctx      context.Context
	id       string
	turtle   []byte
	resultCh chan submitResult
}

type submitResult struct {
	index chain.BlockIndex
	err   error
}

type queryRequest struct {
	query    string
	resultCh chan queryResult
}

type queryResult struct {
	solutions store.Solutions
	err       error
}

// Node is the single-process orchestrator: one event loop goroutine
// drains the consensus engine, one serving goroutine answers
// SubmitPayload/RunSPARQL calls arriving on internal channels — the
// same split the teacher's main.go draws between its consensus
// goroutine and its net/http server goroutine, adapted here since
// run_sparql has no HTTP surface of its own (SPEC_FULL.md §4.7/§5).
type Node struct {
	log zerolog.Logger

	cfg         *config.Config
	signer      ed25519.PrivateKey
	selfPubHex  string
	isAuthority bool

	cs     *chainstore.ChainStore
	engine consensus.Engine
	trans  *transport // nil in PoA mode; only PBFT starts a transport

	submitCh chan submitRequest
	queryCh  chan queryRequest
	closeCh  chan struct{}
	wg       sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]chan submitResult // proposal digest hex -> waiter
}

// New constructs a Node from cfg: loads (or generates) the signing key,
// loads the authority set, reconstructs the chain store, and builds the
// configured consensus engine. It does not yet start the event loop;
// call Start for that.
func New(cfg *config.Config) (*Node, error) {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "node").Logger()

	signer, err := LoadOrGenerateKey(cfg.Node.SigningKeyPath)
	if err != nil {
		return nil, err
	}
	pub := signer.Public().(ed25519.PublicKey)
	selfPubHex := hex.EncodeToString(pub)

	authorities, err := LoadAuthoritySet(cfg.Node.AuthoritySetPath)
	if err != nil {
		return nil, err
	}
	isAuthority := authorities.Contains(selfPubHex)

	namespace := cfg.Node.Namespace
	var genesisBuilder chainstore.GenesisBuilder
	if cfg.Node.AuthorityMode == config.AuthorityModePoA && isAuthority {
		genesisBuilder = defaultGenesisBuilder(namespace, signer)
	}

	cs, err := chainstore.Open(cfg.Storage.DataDir, namespace, authorities, chainstore.FsyncPolicy(cfg.Storage.Fsync), genesisBuilder)
	if err != nil {
		return nil, fmt.Errorf("node: open chain store: %w", err)
	}
	if cs.Chain.Len() == 0 {
		cs.Close()
		return nil, fmt.Errorf("node: chain store has no genesis block; run 'provchain genesis' first for pbft deployments")
	}

	if err := ontology.Load(cs.Triples, namespace, cfg.Ontology.BootstrapFile); err != nil {
		cs.Close()
		return nil, fmt.Errorf("node: load ontology: %w", err)
	}

	n := &Node{
		log:         log,
		cfg:         cfg,
		signer:      signer,
		selfPubHex:  selfPubHex,
		isAuthority: isAuthority,
		cs:          cs,
		submitCh:    make(chan submitRequest),
		queryCh:     make(chan queryRequest),
		closeCh:     make(chan struct{}),
		pending:     make(map[string]chan submitResult),
	}

	switch cfg.Node.AuthorityMode {
	case config.AuthorityModePoA:
		n.engine = poa.New(namespace, signer, authorities, cs.Chain.Head())
	case config.AuthorityModePBFT:
		peers := cfg.Node.Peers
		selfIndex := indexOfPeer(peers, cfg.Node.Listen)
		if selfIndex < 0 {
			cs.Close()
			return nil, fmt.Errorf("node: node.listen %q is not present in node.peers", cfg.Node.Listen)
		}
		replica := pbft.New(namespace, selfIndex, peers, signer, authorities, cfg.Consensus.PBFT.F, cs.Chain.Head(), cfg.ConsensusTimeout())
		n.engine = replica
		n.trans = newTransport(log.With().Str("subcomponent", "transport").Logger(), func(from string, raw []byte) {
			if err := n.verifyPrePrepareDigest(raw); err != nil {
				n.log.Warn().Err(err).Str("from", from).Msg("rejected pre-prepare: digest does not match payload")
				return
			}
			if err := replica.OnMessage(from, raw); err != nil {
				n.log.Warn().Err(err).Str("from", from).Msg("consensus message rejected")
			}
		})
	default:
		cs.Close()
		return nil, fmt.Errorf("node: unsupported authority mode %q", cfg.Node.AuthorityMode)
	}

	return n, nil
}

func indexOfPeer(peers []string, self string) int {
	for i, p := range peers {
		if p == self {
			return i
		}
	}
	return -1
}

// verifyPrePrepareDigest recomputes a pre-prepare's digest under both
// canonicalization profiles and rejects it unless it matches the profile
// the envelope itself claims. This is the triplestore-reachable recompute
// the PBFT state machine cannot do on its own (pkg/consensus/pbft only
// ever sees the 32-byte digest tag, not the payload's own graph). Any
// other message type passes through untouched.
func (n *Node) verifyPrePrepareDigest(raw []byte) error {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	if env.Type != wire.MsgPrePrepare {
		return nil
	}
	var body wire.PrePrepareBody
	if err := wire.DecodeBody(env.Body, &body); err != nil {
		return fmt.Errorf("node: decode pre-prepare: %w", err)
	}

	triples, err := rdf.Decode(body.PayloadTurtle)
	if err != nil {
		return fmt.Errorf("node: pre-prepare payload is not well-formed RDF: %w", err)
	}
	g := rdf.NewGraph(body.PayloadGraphIRI)
	for _, t := range triples {
		g.Add(t)
	}
	fast, correct := canon.RecomputeBoth(g)

	var want canon.Digest
	switch canon.Profile(body.Profile) {
	case canon.ProfileFast:
		want = fast
	case canon.ProfileCorrect:
		want = correct
	default:
		return fmt.Errorf("node: pre-prepare tags unknown canonicalization profile %q", body.Profile)
	}
	if hex.EncodeToString(want.Bytes()) != body.Digest {
		return fmt.Errorf("node: pre-prepare digest does not match its own payload under profile %q", body.Profile)
	}
	return nil
}

// defaultGenesisBuilder bootstraps an empty-payload genesis block,
// signed by signer, for the convenience single-node PoA case described
// in SPEC_FULL.md §4.7. Multi-replica PBFT deployments must instead
// seed an identical genesis block out of band (the 'genesis' CLI
// subcommand) before any replica starts, since each replica's local
// clock would otherwise mint a different genesis timestamp/hash.
func defaultGenesisBuilder(namespace string, signer ed25519.PrivateKey) chainstore.GenesisBuilder {
	return func() (*chain.Block, []byte, canon.Digest, error) {
		g := rdf.NewGraph(chain.PayloadGraphIRIFor(namespace, 0))
		digest := canon.FastDigest(g)
		b, err := chain.BuildGenesis(namespace, nil, digest, canon.ProfileFast, signer)
		return b, nil, digest, err
	}
}

// Start launches the event loop (consensus draining) and the request
// server (SubmitPayload/RunSPARQL) goroutines, plus the PBFT transport
// if configured.
func (n *Node) Start() error {
	if n.trans != nil {
		if err := n.trans.Listen(n.cfg.Node.Listen); err != nil {
			return fmt.Errorf("node: listen on %s: %w", n.cfg.Node.Listen, err)
		}
	}

	n.wg.Add(2)
	go n.eventLoop()
	go n.serveLoop()
	n.log.Info().Str("namespace", n.cfg.Node.Namespace).Bool("authority", n.isAuthority).Msg("node started")
	return nil
}

// Close stops both goroutines and releases the chain store and
// transport.
func (n *Node) Close() error {
	close(n.closeCh)
	n.wg.Wait()
	if n.trans != nil {
		n.trans.Close()
	}
	return n.cs.Close()
}

// timeoutChecker is implemented by consensus engines that need a tick to
// drive their own timeout/view-change logic (pbft.Replica does; poa.Engine
// has no analogous need, so this stays a local assertion rather than a
// method on consensus.Engine itself).
type timeoutChecker interface {
	CheckTimeouts(now time.Time) error
}

// eventLoop drains finalized blocks and outgoing consensus messages on
// a fixed tick, the same shape as the teacher's consensus goroutine in
// main.go.
func (n *Node) eventLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.closeCh:
			return
		case <-ticker.C:
			for {
				b, ok := n.engine.Poll()
				if !ok {
					break
				}
				n.onFinalized(b)
			}
			if tc, ok := n.engine.(timeoutChecker); ok {
				if err := tc.CheckTimeouts(time.Now()); err != nil {
					n.log.Warn().Err(err).Msg("view change check failed")
				}
			}
			if n.trans != nil {
				pumpOutgoing(n.trans, n.cfg.Node.Peers, n.engine)
			}
		}
	}
}

func (n *Node) onFinalized(b *chain.Block) {
	quads, err := decodePayload(b)
	if err != nil {
		n.log.Error().Err(err).Uint64("index", uint64(b.Index)).Msg("finalized block carries unparseable payload")
		return
	}
	g := rdf.NewGraph(b.PayloadGraphIRI)
	for _, t := range quads {
		g.Add(t)
	}
	// Recomputing under the block's own tagged profile, rather than the
	// heuristic, reproduces the exact digest bytes the proposer submitted
	// (same triples, same forced algorithm) so the waiter keyed on that
	// digest in handleSubmit can be found again.
	digest, _ := canon.DigestGraph(g, string(b.CanonicalizationProfile))
	key := hex.EncodeToString(digest.Bytes())

	if err := n.cs.AppendBlock(b, b.PayloadTurtle, digest); err != nil {
		n.log.Fatal().Err(err).Uint64("index", uint64(b.Index)).Msg("failed to persist finalized block")
	}
	n.resolvePending(key, submitResult{index: b.Index})
}

func decodePayload(b *chain.Block) ([]rdf.Triple, error) {
	return rdf.Decode(b.PayloadTurtle)
}

func (n *Node) resolvePending(key string, res submitResult) {
	n.pendingMu.Lock()
	ch, ok := n.pending[key]
	if ok {
		delete(n.pending, key)
	}
	n.pendingMu.Unlock()
	if ok {
		ch <- res
	}
}

// serveLoop answers SubmitPayload/RunSPARQL requests arriving on the
// internal channels, keeping all triplestore/chain mutation on a single
// goroutine plus the eventLoop's finalization path.
func (n *Node) serveLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.closeCh:
			return
		case req := <-n.submitCh:
			n.handleSubmit(req)
		case req := <-n.queryCh:
			sol, err := n.cs.Triples.RunSPARQL(req.query)
			req.resultCh <- queryResult{solutions: sol, err: err}
		}
	}
}

func (n *Node) handleSubmit(req submitRequest) {
	n.log.Debug().Str("request_id", req.id).Int("bytes", len(req.turtle)).Msg("submit_payload received")

	triples, err := rdf.Decode(req.turtle)
	if err != nil {
		req.resultCh <- submitResult{err: fmt.Errorf("%w: %v", ErrMalformedRDF, err)}
		return
	}
	if !n.isAuthority {
		req.resultCh <- submitResult{err: ErrSignatureRefused}
		return
	}

	head := n.cs.Chain.Head()
	graphIRI := chain.PayloadGraphIRIFor(n.cfg.Node.Namespace, head.Index+1)
	g := rdf.NewGraph(graphIRI)
	for _, t := range triples {
		g.Add(t)
	}
	digest, profile := canon.DigestGraph(g, n.cfg.Canonicalization.ProfileOverride)

	var digestArr [32]byte
	copy(digestArr[:], digest.Bytes())
	key := hex.EncodeToString(digestArr[:])

	n.pendingMu.Lock()
	n.pending[key] = req.resultCh
	n.pendingMu.Unlock()

	if _, err := n.engine.Propose(req.turtle, graphIRI, digestArr, string(profile)); err != nil {
		n.pendingMu.Lock()
		delete(n.pending, key)
		n.pendingMu.Unlock()
		req.resultCh <- submitResult{err: fmt.Errorf("%w: %v", ErrConsensusBusy, err)}
		return
	}

	// PoA finalizes synchronously inside Propose; pbft finalizes once
	// 2f+1 commits land. Either way the next eventLoop tick picks the
	// block up via Poll, recomputes this same digest from the persisted
	// payload, and resolves the waiter registered above under key.
}

// SubmitPayload inserts turtle as the next block's payload, waits for it
// to be finalized by the configured consensus engine, and returns the
// block index it landed at.
func (n *Node) SubmitPayload(ctx context.Context, turtle []byte) (chain.BlockIndex, error) {
	id := uuid.NewString()
	resultCh := make(chan submitResult, 1)
	select {
	case n.submitCh <- submitRequest{ctx: ctx, id: id, turtle: turtle, resultCh: resultCh}:
	case <-ctx.Done():
		return 0, ErrTimeout
	case <-n.closeCh:
		return 0, ErrClosed
	}

	select {
	case res := <-resultCh:
		return res.index, res.err
	case <-ctx.Done():
		return 0, ErrTimeout
	case <-n.closeCh:
		return 0, ErrClosed
	}
}

// RunSPARQL evaluates query against the triplestore, bounded by timeout.
func (n *Node) RunSPARQL(ctx context.Context, query string, timeout time.Duration) (store.Solutions, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan queryResult, 1)
	select {
	case n.queryCh <- queryRequest{query: query, resultCh: resultCh}:
	case <-ctx.Done():
		return store.Solutions{}, ErrTimeout
	case <-n.closeCh:
		return store.Solutions{}, ErrClosed
	}

	select {
	case res := <-resultCh:
		return res.solutions, res.err
	case <-ctx.Done():
		return store.Solutions{}, ErrTimeout
	case <-n.closeCh:
		return store.Solutions{}, ErrClosed
	}
}
