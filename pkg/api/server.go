// Package api is a thin read-only HTTP surface over the node core,
// serving chain, block, mempool, and balance queries for external tools
// (wallets, block explorers) that have no business reaching into the
// node's internals directly.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/blockengine"
)

// ChainReader is the subset of *chain.Chain the API needs.
type ChainReader interface {
	Tip() *block.Block
	Height() uint64
	BlockByHash(hash string) (*block.Block, bool)
	BlockByHeight(height uint64) (*block.Block, bool)
}

// UTXOReader is the subset of *utxo.Index the API needs.
type UTXOReader interface {
	BalanceOf(address string) uint64
	UtxosOf(address string) []block.Anchor
}

// MempoolReader is the subset of *mempool.Mempool the API needs.
type MempoolReader interface {
	Len() int
	Contains(txID string) bool
}

// CandidateSource is the subset of *node.Core the API needs to serve
// unsealed mining candidates to polling miners.
type CandidateSource interface {
	BuildCandidate(legitimacy int64) (*blockengine.Candidate, error)
}

// Config wires the API server to the node's read-only views. Candidates
// is optional; without it the candidate route answers 404.
type Config struct {
	Addr       string
	Chain      ChainReader
	UTXO       UTXOReader
	Mempool    MempoolReader
	Candidates CandidateSource
}

// Server is the HTTP API server.
type Server struct {
	router     *mux.Router
	chain      ChainReader
	utxo       UTXOReader
	mempool    MempoolReader
	candidates CandidateSource
	addr       string
	http       *http.Server
}

// New builds a Server and wires its routes; call Start to listen.
func New(cfg Config) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		chain:      cfg.Chain,
		utxo:       cfg.UTXO,
		mempool:    cfg.Mempool,
		candidates: cfg.Candidates,
		addr:       cfg.Addr,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/chain/info", s.chainInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/blocks/latest", s.latestBlock).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/blocks/height/{height}", s.blockByHeight).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/blocks/{hash}", s.blockByHash).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/wallet/balance/{address}", s.balance).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/wallet/utxos/{address}", s.utxos).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/mempool/status", s.mempoolStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/candidate", s.candidate).Methods(http.MethodGet)
}

// Start begins serving and blocks until Close is called.
func (s *Server) Start() error {
	s.http = &http.Server{Addr: s.addr, Handler: s.router}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Close shuts the server down.
func (s *Server) Close() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) chainInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{"height": s.chain.Height()}
	if tip := s.chain.Tip(); tip != nil {
		info["tip_hash"] = tip.Hash
		info["difficulty"] = tip.Difficulty
		info["supply"] = tip.Supply
	}
	writeJSON(w, info)
}

func (s *Server) latestBlock(w http.ResponseWriter, r *http.Request) {
	tip := s.chain.Tip()
	if tip == nil {
		http.Error(w, "no blocks found", http.StatusNotFound)
		return
	}
	writeJSON(w, blockView(tip))
}

func (s *Server) blockByHeight(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		http.Error(w, "invalid height", http.StatusBadRequest)
		return
	}
	b, ok := s.chain.BlockByHeight(height)
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	writeJSON(w, blockView(b))
}

func (s *Server) blockByHash(w http.ResponseWriter, r *http.Request) {
	b, ok := s.chain.BlockByHash(mux.Vars(r)["hash"])
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	writeJSON(w, blockView(b))
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	writeJSON(w, map[string]interface{}{
		"address": address,
		"balance": s.utxo.BalanceOf(address),
	})
}

func (s *Server) utxos(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	anchors := s.utxo.UtxosOf(address)
	out := make([]string, 0, len(anchors))
	for _, a := range anchors {
		out = append(out, a.String())
	}
	writeJSON(w, map[string]interface{}{
		"address": address,
		"utxos":   out,
		"count":   len(out),
	})
}

func (s *Server) mempoolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"pending": s.mempool.Len()})
}

// candidate builds and returns a fresh unsealed block candidate, for
// out-of-process miners that poll over HTTP instead of subscribing to
// the new_block_candidate topic. The hash, nonce, and timestamp fields
// are empty by construction; the miner fills them in.
func (s *Server) candidate(w http.ResponseWriter, r *http.Request) {
	if s.candidates == nil {
		http.Error(w, "no candidate source configured", http.StatusNotFound)
		return
	}
	cand, err := s.candidates.BuildCandidate(0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, blockView(cand.Block))
}

func blockView(b *block.Block) map[string]interface{} {
	txIDs := make([]string, 0, len(b.Txs))
	for _, tx := range b.Txs {
		txIDs = append(txIDs, tx.ID)
	}
	return map[string]interface{}{
		"index":         b.Index,
		"hash":          b.Hash,
		"prev_hash":     b.PrevHash,
		"supply":        b.Supply,
		"coin_base":     b.CoinBase,
		"difficulty":    b.Difficulty,
		"legitimacy":    b.Legitimacy,
		"pos_timestamp": b.PosTimestamp,
		"timestamp":     b.Timestamp,
		"nonce":         b.Nonce,
		"tx_ids":        txIDs,
	}
}
