package core

import (
	"golang.org/x/crypto/sha3"
)

// BlobRef locates a mined blob inside a chain.
type BlobRef struct {
	Block int
	Blob  int
}

// Chain is the ordered block list anchored at genesis. cost is the sum of
// 2^difficulty over all blocks; minedBlobs maps a blob content hash to the
// positions it was mined at, for O(1) containment checks.
type Chain struct {
	blocks     []*Block
	cost       uint64
	minedBlobs map[[32]byte]map[BlobRef]struct{}
}

func NewChain() *Chain {
	genesis := Genesis()
	c := &Chain{
		blocks:     []*Block{genesis},
		cost:       genesis.Cost(),
		minedBlobs: make(map[[32]byte]map[BlobRef]struct{}),
	}
	c.indexMinedBlobs(0, genesis)
	return c
}

// DecodeChain decodes an encoded Chain. The first encoded block is ignored:
// both sides share the genesis by construction, and the decoded chain is
// anchored at the local one.
func DecodeChain(data []byte, hasBodies bool) (*Chain, error) {
	r := newWireReader(data)
	var encoded [][]byte
	for !r.done() {
		field, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		if field != 1 {
			return nil, cerr(DECODE_ERR_FIELD, "chain: unknown field")
		}
		if err := r.expectWireType(wt, wireBytes); err != nil {
			return nil, err
		}
		v, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, v)
	}
	chain := NewChain()
	for i := 1; i < len(encoded); i++ {
		block, err := DecodeBlock(encoded[i], hasBodies)
		if err != nil {
			return nil, err
		}
		chain.Add(block)
	}
	return chain, nil
}

// Encode produces the canonical chain record, genesis included.
func (c *Chain) Encode(includeBodies bool) []byte {
	var dst []byte
	for _, block := range c.blocks {
		dst = appendRawBytesField(dst, 1, block.Encode(includeBodies))
	}
	return dst
}

func (c *Chain) Len() int     { return len(c.blocks) }
func (c *Chain) Cost() uint64 { return c.cost }

func (c *Chain) Head() *Block {
	return c.blocks[len(c.blocks)-1]
}

// BlockAt returns the block at idx, or nil when idx is out of bounds.
func (c *Chain) BlockAt(idx int) *Block {
	if idx < 0 || idx >= len(c.blocks) {
		return nil
	}
	return c.blocks[idx]
}

// Add appends a block, accruing its cost and indexing its blobs.
func (c *Chain) Add(block *Block) {
	idx := len(c.blocks)
	c.indexMinedBlobs(idx, block)
	c.cost += block.Cost()
	c.blocks = append(c.blocks, block)
}

// Insert splices a block in at idx. Used during resolution to rebuild a
// floating chain in place, reusing known-good blocks of the current chain.
func (c *Chain) Insert(idx int, block *Block) {
	for key, refs := range c.minedBlobs {
		shifted := make(map[BlobRef]struct{}, len(refs))
		for ref := range refs {
			if ref.Block >= idx {
				ref.Block++
			}
			shifted[ref] = struct{}{}
		}
		c.minedBlobs[key] = shifted
	}
	c.indexMinedBlobs(idx, block)
	c.cost += block.Cost()
	c.blocks = append(c.blocks, nil)
	copy(c.blocks[idx+1:], c.blocks[idx:])
	c.blocks[idx] = block
}

// Replace adopts block's body into the equal, body-less block at idx.
// Reports whether the swap took place.
func (c *Chain) Replace(idx int, block *Block) bool {
	if idx <= 0 || idx >= len(c.blocks) {
		return false
	}
	cur := c.blocks[idx]
	if !cur.Equal(block) {
		return false
	}
	if err := cur.SetBody(block.Body()); err != nil {
		return false
	}
	c.indexMinedBlobs(idx, cur)
	return true
}

// Contains reports whether an equal block is already part of the chain.
func (c *Chain) Contains(block *Block) bool {
	for _, b := range c.blocks {
		if b.Equal(block) {
			return true
		}
	}
	return false
}

// ContainsBlob reports whether a blob payload was already mined into the
// chain.
func (c *Chain) ContainsBlob(blob []byte) bool {
	refs, ok := c.minedBlobs[sha3.Sum256(blob)]
	return ok && len(refs) > 0
}

func (c *Chain) indexMinedBlobs(blockIdx int, block *Block) {
	if !block.HasBody() {
		return
	}
	for i, blob := range block.Body().Blobs {
		msg, err := DecodeBlobMessage(blob)
		if err != nil {
			continue
		}
		key := sha3.Sum256(msg.Blob)
		refs := c.minedBlobs[key]
		if refs == nil {
			refs = make(map[BlobRef]struct{})
			c.minedBlobs[key] = refs
		}
		refs[BlobRef{Block: blockIdx, Blob: i}] = struct{}{}
	}
}

// NextBlock builds the candidate block extending the chain head.
func (c *Chain) NextBlock(difficulty uint32, blobs [][]byte, timestamp float64, entropy uint32) *Block {
	prev := c.Head()
	link := prev.LinkHash(nil)
	body := &BlockBody{Blobs: make([][]byte, 0, len(blobs))}
	for _, blob := range blobs {
		body.Blobs = append(body.Blobs, blob)
	}
	return NewBlock(link[:], difficulty, body, timestamp, entropy, 0)
}

// IsValid verifies the hash chain: a valid genesis, every prev_hash equal to
// the predecessor's link hash, and every block meeting its difficulty.
func (c *Chain) IsValid() bool {
	if !c.blocks[0].IsValid(nil) {
		return false
	}
	for i := 1; i < len(c.blocks); i++ {
		cur := c.blocks[i]
		prev := c.blocks[i-1]
		link := prev.LinkHash(nil)
		if !bytesEqual32(cur.PrevHash(), link) || !cur.IsValid(nil) {
			return false
		}
	}
	return true
}

// IsComplete reports whether the chain is valid and every block has its
// body.
func (c *Chain) IsComplete() bool {
	if !c.IsValid() {
		return false
	}
	for _, block := range c.blocks {
		if !block.HasBody() {
			return false
		}
	}
	return true
}

// BodilessIndices lists the indices of blocks missing their body.
func (c *Chain) BodilessIndices() []int {
	var indices []int
	for i, block := range c.blocks {
		if !block.HasBody() {
			indices = append(indices, i)
		}
	}
	return indices
}

func bytesEqual32(a []byte, b [32]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
