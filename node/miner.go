// Package node wires the miner, the peer pool and the listeners into a
// running peer-to-peer node, and drives the initiator side of chain
// resolution.
package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"slate.dev/node/core"
)

// nonceBatch is how many nonces are tried between context checks. The dirty
// flag is still read on every nonce.
const nonceBatch = 1024

type MinerConfig struct {
	// TimestampSource supplies block timestamps and the difficulty
	// controller's clock, in fractional seconds.
	TimestampSource func() float64
	// FixedDifficulty pins every candidate block's difficulty when
	// non-zero. Zero means the controller decides.
	FixedDifficulty uint32
}

func DefaultMinerConfig() MinerConfig {
	return MinerConfig{
		TimestampSource: unixNow,
	}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// MineHandler observes a freshly mined block after it has been appended to
// the current chain, together with the chain's new cumulative cost.
type MineHandler func(block *core.Block, chainCost uint64)

// Miner owns the current chain, the pending-blob set and the floating
// candidate chains.
//
// Lock order: chainMu before pendingMu, never the reverse. chainMu guards
// chain, floating and dirty writes; pendingMu guards pending. The dirty
// flag is additionally atomic so the nonce search can poll it without
// taking the chain lock.
type Miner struct {
	cfg MinerConfig
	log *zap.Logger

	chainMu  sync.Mutex
	chain    *core.Chain
	floating []*core.Chain
	dirty    atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]struct{}

	handlers []MineHandler
}

func NewMiner(cfg MinerConfig, log *zap.Logger) *Miner {
	if cfg.TimestampSource == nil {
		cfg.TimestampSource = unixNow
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Miner{
		cfg:     cfg,
		log:     log,
		chain:   core.NewChain(),
		pending: make(map[string]struct{}),
	}
	m.dirty.Store(true)
	return m
}

// OnMined registers a mine-event handler. Handlers must be registered
// before Mine starts; they run with the chain lock held, after the block is
// part of the current chain, so peers never see a cost inconsistent with
// the block.
func (m *Miner) OnMined(h MineHandler) {
	m.handlers = append(m.handlers, h)
}

// Add admits a blob to the pending set. Deduplication is by exact encoded
// bytes; returns false for a repeat.
func (m *Miner) Add(blob []byte) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if _, ok := m.pending[string(blob)]; ok {
		return false
	}
	m.pending[string(blob)] = struct{}{}
	return true
}

// PendingLen reports the number of admitted, not-yet-mined blobs.
func (m *Miner) PendingLen() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

// PendingContains reports whether the exact encoded blob is pending.
func (m *Miner) PendingContains(blob []byte) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	_, ok := m.pending[string(blob)]
	return ok
}

// Mine drives the mining loop until ctx is cancelled. The nonce search runs
// without the chain lock and polls the dirty flag on every nonce; candidate
// rotation happens under the lock. When the flag is raised the partial
// search is discarded and a fresh candidate is built against the new head.
func (m *Miner) Mine(ctx context.Context) {
	var cur *core.Block
	for {
		if cur != nil {
			for !m.dirty.Load() && !cur.IsValid(nil) {
				for i := 0; i < nonceBatch && !m.dirty.Load() && !cur.IsValid(nil); i++ {
					cur.Next()
				}
				if ctx.Err() != nil {
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}

		m.chainMu.Lock()
		if cur != nil && !m.dirty.Load() {
			m.appendBlockLocked(cur)
			cost := m.chain.Cost()
			m.log.Debug("mined block appended",
				zap.Uint64("nonce", cur.Nonce()),
				zap.Uint32("difficulty", cur.Difficulty()),
				zap.Uint64("chain_cost", cost))
			for _, h := range m.handlers {
				h(cur, cost)
			}
		}

		difficulty := m.nextDifficultyLocked()
		blobs := m.snapshotPending()
		cur = m.chain.NextBlock(difficulty, blobs, m.cfg.TimestampSource(), randomEntropy())
		m.dirty.Store(false)
		m.chainMu.Unlock()
	}
}

// ReceiveBlock processes a block mined by a peer that advertises chainCost
// for its chain. Returns a newly created floating chain when one was
// spawned, in which case the caller must run resolution against the
// announcing peer. Returns nil otherwise.
func (m *Miner) ReceiveBlock(block *core.Block, chainCost uint64) *core.Chain {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()

	head := m.chain.Head()
	switch {
	case chainCost > m.chain.Cost():
		link := head.LinkHash(nil)
		if !block.IsValid(link[:]) {
			return m.addFloatingBlockLocked(block)
		}
		m.log.Debug("remote block extends the current chain", zap.Uint64("advertised_cost", chainCost))
		block.SetPreviousHash(link[:])
		m.appendBlockLocked(block)
		m.dirty.Store(true)
		return nil

	case chainCost == m.chain.Cost() && !block.Equal(head):
		m.log.Debug("cost tie, tracking candidate", zap.Uint64("advertised_cost", chainCost))
		return m.addFloatingBlockLocked(block)
	}
	return nil
}

// addFloatingBlockLocked attaches a higher-or-equal-cost remote block to an
// existing floating chain, or starts a new one holding just this block.
// Returns the new chain iff one was created. Requires chainMu.
func (m *Miner) addFloatingBlockLocked(block *core.Block) *core.Chain {
	for _, candidate := range m.floating {
		head := candidate.Head()
		link := head.LinkHash(nil)
		if block.IsValid(link[:]) {
			m.log.Debug("extending floating chain")
			block.SetPreviousHash(link[:])
			candidate.Add(block)
			if candidate.IsComplete() {
				m.receiveCompleteChainLocked(candidate)
			}
			return nil
		}
		if candidate.Contains(block) {
			// Idempotent gossip: already tracked.
			return nil
		}
	}

	m.log.Debug("starting new floating chain")
	candidate := core.NewChain()
	candidate.Add(block)
	m.floating = append(m.floating, candidate)
	return candidate
}

// ReceiveResolutionChain merges a peer's header-only chain res into the
// floating candidate, splicing in blocks of the current chain wherever the
// two agree so their bodies are reused. Reports whether the rebuilt chain
// is a viable replacement; a rejected candidate is dropped from the
// floating list.
func (m *Miner) ReceiveResolutionChain(floating, res *core.Chain) bool {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()

	for i := 1; i < res.Len() && !blockEqual(floating.BlockAt(i), res.BlockAt(i)); i++ {
		if local := m.chain.BlockAt(i); local != nil && local.Equal(res.BlockAt(i)) {
			floating.Insert(i, local)
		} else {
			floating.Insert(i, res.BlockAt(i))
		}
	}

	ok := floating.IsValid() && floating.Cost() >= m.chain.Cost()
	if !ok {
		m.log.Debug("rejecting resolution chain",
			zap.Uint64("candidate_cost", floating.Cost()),
			zap.Uint64("current_cost", m.chain.Cost()))
		m.removeFloatingLocked(floating)
	}
	return ok
}

// ReceiveResolutionBlock supplies the body for floating.blocks[idx]. The
// block must link under its predecessor in the floating chain.
func (m *Miner) ReceiveResolutionBlock(block *core.Block, idx int, floating *core.Chain) bool {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()

	prev := floating.BlockAt(idx - 1)
	if prev == nil {
		return false
	}
	link := prev.LinkHash(nil)
	if !block.IsValid(link[:]) {
		return false
	}
	block.SetPreviousHash(link[:])
	return floating.Replace(idx, block)
}

// ReceiveCompleteChain promotes a completed floating chain to current if
// its cost still exceeds the current chain's.
func (m *Miner) ReceiveCompleteChain(c *core.Chain) {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	m.receiveCompleteChainLocked(c)
}

func (m *Miner) receiveCompleteChainLocked(c *core.Chain) {
	switch {
	case c.Cost() > m.chain.Cost():
		m.removeFloatingLocked(c)
		displaced := m.chain
		m.chain = c
		m.dirty.Store(true)
		m.reconcilePending(displaced, c)
		m.log.Debug("promoted floating chain", zap.Uint64("chain_cost", c.Cost()))
	case c.Cost() < m.chain.Cost():
		m.log.Debug("dropping floating chain below current cost")
		m.removeFloatingLocked(c)
	default:
		// Equal cost: keep mining the current chain and keep the candidate
		// floating. The tie resolves when one side grows.
		m.log.Debug("floating chain ties current cost, keeping both")
	}
}

// reconcilePending re-adds the displaced chain's blobs to pending, then
// removes everything the adopted chain already mined. Requires chainMu;
// takes pendingMu.
func (m *Miner) reconcilePending(displaced, adopted *core.Chain) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for i := 0; i < displaced.Len(); i++ {
		block := displaced.BlockAt(i)
		if !block.HasBody() {
			continue
		}
		for _, blob := range block.Body().Blobs {
			m.pending[string(blob)] = struct{}{}
		}
	}
	for i := 0; i < adopted.Len(); i++ {
		block := adopted.BlockAt(i)
		if !block.HasBody() {
			continue
		}
		for _, blob := range block.Body().Blobs {
			delete(m.pending, string(blob))
		}
	}
}

// RemoveFloatingChain abandons a candidate that failed resolution.
func (m *Miner) RemoveFloatingChain(c *core.Chain) {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	m.removeFloatingLocked(c)
}

func (m *Miner) removeFloatingLocked(c *core.Chain) {
	for i, candidate := range m.floating {
		if candidate == c {
			m.floating = append(m.floating[:i], m.floating[i+1:]...)
			return
		}
	}
}

// FloatingLen reports the number of tracked candidate chains.
func (m *Miner) FloatingLen() int {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	return len(m.floating)
}

// ResolutionChain is the headers-only encoding of the current chain, served
// to peers that are catching up.
func (m *Miner) ResolutionChain() []byte {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	return m.chain.Encode(false)
}

// ResolutionBlock is the full encoding of the current chain's block at idx,
// or nil when idx is out of bounds.
func (m *Miner) ResolutionBlock(idx int) []byte {
	block := m.Block(idx)
	if block == nil {
		return nil
	}
	return block.Encode(true)
}

// ResolutionBlockIndices lists the body-less indices of a floating chain.
func (m *Miner) ResolutionBlockIndices(c *core.Chain) []int {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	return c.BodilessIndices()
}

// Block returns the current chain's block at idx, or nil when idx is out of
// bounds.
func (m *Miner) Block(idx int) *core.Block {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	return m.chain.BlockAt(idx)
}

// ChainCost is the current chain's cumulative cost.
func (m *Miner) ChainCost() uint64 {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	return m.chain.Cost()
}

// ChainLen is the current chain's length.
func (m *Miner) ChainLen() int {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	return m.chain.Len()
}

// appendBlockLocked appends a block to the current chain and purges its
// blobs from pending. Requires chainMu; takes pendingMu.
func (m *Miner) appendBlockLocked(block *core.Block) {
	m.chain.Add(block)
	if !block.HasBody() {
		return
	}
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for _, blob := range block.Body().Blobs {
		delete(m.pending, string(blob))
	}
}

func (m *Miner) nextDifficultyLocked() uint32 {
	if m.cfg.FixedDifficulty != 0 {
		return m.cfg.FixedDifficulty
	}
	return core.NextDifficulty(m.chain.Head(), m.chain.Len(), m.cfg.TimestampSource())
}

func (m *Miner) snapshotPending() [][]byte {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	out := make([][]byte, 0, len(m.pending))
	for blob := range m.pending {
		out = append(out, []byte(blob))
	}
	return out
}

func blockEqual(a, b *core.Block) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Equal(b)
}

func randomEntropy() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
