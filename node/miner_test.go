package node

import (
	"bytes"
	"context"
	"testing"
	"time"

	"slate.dev/node/core"
)

func encodedBlob(timestamp float64, payload string) []byte {
	return (&core.BlobMessage{Timestamp: timestamp, Blob: []byte(payload)}).Encode()
}

// mineNext finds a valid low-difficulty block extending the chain head and
// appends it.
func mineNext(t *testing.T, chain *core.Chain, blobs [][]byte, timestamp float64, entropy uint32) *core.Block {
	t.Helper()
	block := chain.NextBlock(4, blobs, timestamp, entropy)
	for !block.IsValid(nil) {
		block.Next()
	}
	chain.Add(block)
	return block
}

// ensureNotExtending re-mines head's nonce until it stays valid under its
// own predecessor but fails under other's link hash. At the low
// difficulties used in tests a block has a real chance of accidentally
// validating under the wrong predecessor, which would flip the decision
// table branch under test.
func ensureNotExtending(t *testing.T, head, other *core.Block) {
	t.Helper()
	for {
		link := other.LinkHash(nil)
		if !head.IsValid(link[:]) {
			return
		}
		head.Next()
		for !head.IsValid(nil) {
			head.Next()
		}
	}
}

// gossipCopy round-trips a block through its wire encoding, the way a peer
// would receive it.
func gossipCopy(t *testing.T, block *core.Block) *core.Block {
	t.Helper()
	decoded, err := core.DecodeBlock(block.Encode(true), true)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	return decoded
}

func TestFreshMinerIsGenesisOnly(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)
	if m.ChainLen() != 1 {
		t.Fatalf("fresh chain length: got %d", m.ChainLen())
	}
	if !m.Block(0).Equal(core.Genesis()) {
		t.Fatalf("fresh chain head is not genesis")
	}
	if m.ChainCost() != 4194304 {
		t.Fatalf("fresh chain cost: got %d want 4194304", m.ChainCost())
	}
}

func TestAddIdempotence(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)
	blob := encodedBlob(1.0, "once")
	if !m.Add(blob) {
		t.Fatalf("first add rejected")
	}
	for i := 0; i < 3; i++ {
		if m.Add(append([]byte(nil), blob...)) {
			t.Fatalf("duplicate add accepted on attempt %d", i)
		}
	}
	if m.PendingLen() != 1 {
		t.Fatalf("pending length: got %d", m.PendingLen())
	}
}

func TestMineOneBlockAtDifficultyFour(t *testing.T) {
	cfg := DefaultMinerConfig()
	cfg.FixedDifficulty = 4
	m := NewMiner(cfg, nil)

	blob := encodedBlob(1.0, "hello")
	if !m.Add(blob) {
		t.Fatalf("blob not admitted")
	}

	mined := make(chan uint64, 16)
	m.OnMined(func(_ *core.Block, chainCost uint64) {
		// Non-blocking: the loop keeps mining low-difficulty blocks until
		// the test cancels it, and a full channel must not wedge the
		// handler under the chain lock.
		select {
		case mined <- chainCost:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Mine(ctx)
		close(done)
	}()

	var cost uint64
	select {
	case cost = <-mined:
	case <-time.After(30 * time.Second):
		t.Fatalf("no block mined")
	}
	cancel()
	<-done

	if cost != 4194304+16 {
		t.Fatalf("chain cost after first block: got %d want %d", cost, 4194304+16)
	}
	block := m.Block(1)
	if block == nil {
		t.Fatalf("no block at index 1")
	}
	if block.Difficulty() != 4 {
		t.Fatalf("block difficulty: got %d", block.Difficulty())
	}
	if len(block.Body().Blobs) != 1 || !bytes.Equal(block.Body().Blobs[0], blob) {
		t.Fatalf("block body does not carry the pending blob")
	}
	msg, err := core.DecodeBlobMessage(block.Body().Blobs[0])
	if err != nil {
		t.Fatalf("DecodeBlobMessage: %v", err)
	}
	if !bytes.Equal(msg.Blob, []byte("hello")) {
		t.Fatalf("mined blob payload: got %q", msg.Blob)
	}
	if m.PendingContains(blob) {
		t.Fatalf("mined blob still pending")
	}
}

func TestReceiveBlockExtendsCurrentChain(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)

	// A remote chain one block ahead of ours, sharing our genesis.
	remote := core.NewChain()
	block := mineNext(t, remote, [][]byte{encodedBlob(1.0, "remote")}, 1.0, 1)

	if got := m.ReceiveBlock(gossipCopy(t, block), remote.Cost()); got != nil {
		t.Fatalf("simple extension spawned a floating chain")
	}
	if m.ChainLen() != 2 {
		t.Fatalf("chain length after extension: got %d", m.ChainLen())
	}
	if m.ChainCost() != remote.Cost() {
		t.Fatalf("chain cost: got %d want %d", m.ChainCost(), remote.Cost())
	}
	if !m.dirty.Load() {
		t.Fatalf("dirty flag not raised by an accepted remote block")
	}
	if m.FloatingLen() != 0 {
		t.Fatalf("floating chains: got %d", m.FloatingLen())
	}
}

func TestReceiveBlockGossipDedup(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)
	remote := core.NewChain()
	block := mineNext(t, remote, nil, 1.0, 1)

	if m.ReceiveBlock(gossipCopy(t, block), remote.Cost()) != nil {
		t.Fatalf("first delivery spawned a floating chain")
	}
	lenBefore, costBefore := m.ChainLen(), m.ChainCost()

	// The identical announcement again: advertised cost now ties ours and
	// the block is our head, so nothing changes.
	if m.ReceiveBlock(gossipCopy(t, block), remote.Cost()) != nil {
		t.Fatalf("duplicate delivery spawned a floating chain")
	}
	if m.ChainLen() != lenBefore || m.ChainCost() != costBefore {
		t.Fatalf("duplicate delivery changed the chain")
	}
	if m.FloatingLen() != 0 {
		t.Fatalf("duplicate delivery left a floating chain")
	}
}

func TestReceiveBlockIgnoresLowerCost(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)
	remote := core.NewChain()
	block := mineNext(t, remote, nil, 1.0, 1)

	if m.ReceiveBlock(gossipCopy(t, block), m.ChainCost()-1) != nil {
		t.Fatalf("lower-cost announcement spawned a floating chain")
	}
	if m.ChainLen() != 1 || m.FloatingLen() != 0 {
		t.Fatalf("lower-cost announcement changed miner state")
	}
}

func TestReceiveBlockSpawnsFloatingChain(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)

	// A remote chain two blocks ahead; only its head is announced, which
	// cannot extend our genesis-only chain.
	remote := core.NewChain()
	mineNext(t, remote, nil, 1.0, 1)
	head := mineNext(t, remote, nil, 2.0, 2)
	ensureNotExtending(t, head, m.Block(0))
	ensureNotExtending(t, head, head)

	floating := m.ReceiveBlock(gossipCopy(t, head), remote.Cost())
	if floating == nil {
		t.Fatalf("no floating chain spawned")
	}
	if m.FloatingLen() != 1 {
		t.Fatalf("floating chains: got %d", m.FloatingLen())
	}
	if m.ChainLen() != 1 {
		t.Fatalf("current chain changed by a floating block")
	}

	// The same head again attaches to the tracked candidate, not a new
	// one.
	if m.ReceiveBlock(gossipCopy(t, head), remote.Cost()) != nil {
		t.Fatalf("duplicate floating block spawned a second chain")
	}
	if m.FloatingLen() != 1 {
		t.Fatalf("floating chains after duplicate: got %d", m.FloatingLen())
	}
}

func TestReceiveResolutionChainReusesBodies(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)

	// Shared history: our chain and the remote agree on block 1.
	shared := core.NewChain()
	sharedBlock := mineNext(t, shared, [][]byte{encodedBlob(1.0, "shared")}, 1.0, 1)

	m.chain = shared

	remote := core.NewChain()
	remote.Add(sharedBlock)
	mineNext(t, remote, [][]byte{encodedBlob(2.0, "theirs")}, 2.0, 2)
	head := mineNext(t, remote, nil, 3.0, 3)
	ensureNotExtending(t, head, sharedBlock)

	floating := m.ReceiveBlock(gossipCopy(t, head), remote.Cost())
	if floating == nil {
		t.Fatalf("no floating chain spawned")
	}

	res, err := core.DecodeChain(remote.Encode(false), false)
	if err != nil {
		t.Fatalf("DecodeChain: %v", err)
	}
	if !m.ReceiveResolutionChain(floating, res) {
		t.Fatalf("viable resolution chain rejected")
	}

	if floating.Len() != remote.Len() {
		t.Fatalf("rebuilt floating length: got %d want %d", floating.Len(), remote.Len())
	}
	// Block 1 matches our chain, so its body must have been reused.
	if !floating.BlockAt(1).HasBody() {
		t.Fatalf("shared block body not reused")
	}
	// Block 2 is only known by header; its body is fetched later.
	if floating.BlockAt(2).HasBody() {
		t.Fatalf("remote-only block unexpectedly has a body")
	}
	indices := m.ResolutionBlockIndices(floating)
	if len(indices) != 1 || indices[0] != 2 {
		t.Fatalf("bodiless indices: got %v want [2]", indices)
	}
}

func TestReceiveResolutionChainRejectsLowerCost(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)

	// Our chain is already two blocks long.
	mine := core.NewChain()
	mineNext(t, mine, nil, 1.0, 1)
	mineNext(t, mine, nil, 2.0, 2)
	m.chain = mine

	// The remote has a single-block chain, so it can only announce a cost
	// above ours by lying about it; the merge then fails on cost.
	remote := core.NewChain()
	head := mineNext(t, remote, nil, 3.0, 3)
	ensureNotExtending(t, head, mine.Head())

	floating := m.ReceiveBlock(gossipCopy(t, head), mine.Cost()+1)
	if floating == nil {
		t.Fatalf("no floating chain spawned")
	}
	res, err := core.DecodeChain(remote.Encode(false), false)
	if err != nil {
		t.Fatalf("DecodeChain: %v", err)
	}
	if m.ReceiveResolutionChain(floating, res) {
		t.Fatalf("lower-cost resolution chain accepted")
	}
	if m.FloatingLen() != 0 {
		t.Fatalf("rejected floating chain not dropped")
	}
}

func TestReceiveResolutionBlock(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)

	remote := core.NewChain()
	full := mineNext(t, remote, [][]byte{encodedBlob(1.0, "body")}, 1.0, 1)
	head := mineNext(t, remote, nil, 2.0, 2)
	ensureNotExtending(t, head, m.Block(0))

	floating := m.ReceiveBlock(gossipCopy(t, head), remote.Cost())
	if floating == nil {
		t.Fatalf("no floating chain spawned")
	}
	res, err := core.DecodeChain(remote.Encode(false), false)
	if err != nil {
		t.Fatalf("DecodeChain: %v", err)
	}
	if !m.ReceiveResolutionChain(floating, res) {
		t.Fatalf("viable resolution chain rejected")
	}

	// A block that does not belong at the index is refused.
	wrong := core.NewBlock(nil, 4, &core.BlockBody{}, 9.0, 9, 9)
	if m.ReceiveResolutionBlock(wrong, 1, floating) {
		t.Fatalf("unrelated block accepted as resolution block")
	}

	if !m.ReceiveResolutionBlock(gossipCopy(t, full), 1, floating) {
		t.Fatalf("matching resolution block refused")
	}
	if !floating.IsComplete() {
		t.Fatalf("floating chain incomplete after body resolution")
	}
}

func TestPromotionPreservesPending(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)

	blobOld := encodedBlob(1.0, "displaced")
	blobNew := encodedBlob(2.0, "adopted")
	blobQueued := encodedBlob(3.0, "queued")

	// Current chain mined blobOld.
	mine := core.NewChain()
	mineNext(t, mine, [][]byte{blobOld}, 1.0, 1)
	m.chain = mine

	// Pending holds blobNew and blobQueued.
	m.Add(blobNew)
	m.Add(blobQueued)

	// The adopted chain mined blobNew and is strictly costlier.
	adopted := core.NewChain()
	mineNext(t, adopted, [][]byte{blobNew}, 2.0, 2)
	mineNext(t, adopted, nil, 3.0, 3)

	m.ReceiveCompleteChain(adopted)

	if m.ChainCost() != adopted.Cost() {
		t.Fatalf("promotion did not adopt the costlier chain")
	}
	if !m.dirty.Load() {
		t.Fatalf("promotion did not raise the dirty flag")
	}
	// pending == (old_pending ∪ blobs(old_current)) \ blobs(adopted)
	if !m.PendingContains(blobOld) {
		t.Fatalf("displaced chain's blob lost")
	}
	if !m.PendingContains(blobQueued) {
		t.Fatalf("queued blob lost")
	}
	if m.PendingContains(blobNew) {
		t.Fatalf("adopted chain's blob still pending")
	}
	if m.PendingLen() != 2 {
		t.Fatalf("pending length: got %d want 2", m.PendingLen())
	}
}

func TestPromotionDropsCheaperChain(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)
	mine := core.NewChain()
	mineNext(t, mine, nil, 1.0, 1)
	mineNext(t, mine, nil, 2.0, 2)
	m.chain = mine

	cheaper := core.NewChain()
	mineNext(t, cheaper, nil, 3.0, 3)
	m.floating = append(m.floating, cheaper)

	m.ReceiveCompleteChain(cheaper)
	if m.ChainCost() != mine.Cost() {
		t.Fatalf("cheaper chain displaced current")
	}
	if m.FloatingLen() != 0 {
		t.Fatalf("cheaper chain still floating")
	}
}

func TestPromotionKeepsTies(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)
	mine := core.NewChain()
	mineNext(t, mine, nil, 1.0, 1)
	m.chain = mine

	tie := core.NewChain()
	mineNext(t, tie, nil, 2.0, 2)
	m.floating = append(m.floating, tie)

	m.ReceiveCompleteChain(tie)
	if m.ChainCost() != mine.Cost() || m.chain != mine {
		t.Fatalf("tie displaced the current chain")
	}
	// No tie-break: the candidate stays floating until one side grows.
	if m.FloatingLen() != 1 {
		t.Fatalf("tied chain dropped: floating=%d", m.FloatingLen())
	}
}

func TestDirtyFlagAbandonsNonceSearch(t *testing.T) {
	cfg := DefaultMinerConfig()
	// Difficulty high enough that the search cannot finish before the
	// remote block lands.
	cfg.FixedDifficulty = 30
	m := NewMiner(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Mine(ctx)
		close(done)
	}()

	// Give the loop time to build its first candidate and start searching.
	time.Sleep(50 * time.Millisecond)

	remote := core.NewChain()
	block := mineNext(t, remote, nil, 1.0, 1)
	if m.ReceiveBlock(gossipCopy(t, block), remote.Cost()) != nil {
		t.Fatalf("extension spawned a floating chain")
	}

	// The loop must notice dirty, discard the search and rebuild; after
	// that the new candidate extends the two-block chain and dirty is
	// clear again.
	deadline := time.Now().Add(5 * time.Second)
	for m.dirty.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("mining loop never consumed the dirty flag")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if m.ChainLen() != 2 {
		t.Fatalf("chain length: got %d", m.ChainLen())
	}
}

func TestResolutionChainIsHeaderOnly(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)
	mine := core.NewChain()
	mineNext(t, mine, [][]byte{encodedBlob(1.0, "x")}, 1.0, 1)
	m.chain = mine

	decoded, err := core.DecodeChain(m.ResolutionChain(), false)
	if err != nil {
		t.Fatalf("DecodeChain: %v", err)
	}
	if decoded.Len() != 2 {
		t.Fatalf("resolution chain length: got %d", decoded.Len())
	}
	if decoded.BlockAt(1).HasBody() {
		t.Fatalf("resolution chain carries bodies")
	}
	if !decoded.IsValid() {
		t.Fatalf("resolution chain invalid")
	}
}

func TestResolutionBlockBounds(t *testing.T) {
	m := NewMiner(DefaultMinerConfig(), nil)
	if m.ResolutionBlock(-1) != nil || m.ResolutionBlock(1) != nil {
		t.Fatalf("out-of-range resolution block not nil")
	}
	data := m.ResolutionBlock(0)
	if data == nil {
		t.Fatalf("genesis resolution block missing")
	}
	block, err := core.DecodeBlock(data, true)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if !block.Equal(core.Genesis()) {
		t.Fatalf("resolution block 0 is not genesis")
	}
	if !block.HasBody() {
		t.Fatalf("resolution block missing its body")
	}
}
