package core

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strconv"
)

// Genesis constants. These are fixed for the network: every node builds the
// identical genesis block, and its link hash must carry GENESIS_DIFFICULTY
// leading zero bits. VerifyGenesis checks this at startup.
const (
	GENESIS_DIFFICULTY uint32  = 22
	GENESIS_TIMESTAMP  float64 = 1518979622.604106
	GENESIS_NONCE      uint64  = 1078537
)

// BlockHeader { 1: entropy varint; 2: timestamp double; 3: difficulty fixed32;
// 4: body_hash bytes(32) }. The field layout is consensus-critical: cur_hash
// is the SHA-256 of this encoding.
type BlockHeader struct {
	Entropy    uint32
	Timestamp  float64
	Difficulty uint32
	BodyHash   [32]byte
}

func (h *BlockHeader) encode() []byte {
	var dst []byte
	dst = appendVarintField(dst, 1, uint64(h.Entropy))
	dst = appendDoubleField(dst, 2, h.Timestamp)
	dst = appendFixed32Field(dst, 3, h.Difficulty)
	dst = appendBytesField(dst, 4, h.BodyHash[:])
	return dst
}

func decodeHeader(data []byte) (BlockHeader, error) {
	r := newWireReader(data)
	var out BlockHeader
	for !r.done() {
		field, wt, err := r.readTag()
		if err != nil {
			return out, err
		}
		switch field {
		case 1:
			if err := r.expectWireType(wt, wireVarint); err != nil {
				return out, err
			}
			v, err := r.readUvarint()
			if err != nil {
				return out, err
			}
			if v > 0xFFFF_FFFF {
				return out, cerr(DECODE_ERR_OVERFLOW, "entropy exceeds uint32")
			}
			out.Entropy = uint32(v)
		case 2:
			if err := r.expectWireType(wt, wireFixed64); err != nil {
				return out, err
			}
			v, err := r.readDouble()
			if err != nil {
				return out, err
			}
			out.Timestamp = v
		case 3:
			if err := r.expectWireType(wt, wireFixed32); err != nil {
				return out, err
			}
			v, err := r.readFixed32()
			if err != nil {
				return out, err
			}
			out.Difficulty = v
		case 4:
			if err := r.expectWireType(wt, wireBytes); err != nil {
				return out, err
			}
			v, err := r.readBytes()
			if err != nil {
				return out, err
			}
			if len(v) != sha256.Size {
				return out, cerr(BLOCK_ERR_HASH_LENGTH, fmt.Sprintf("body_hash length %d", len(v)))
			}
			copy(out.BodyHash[:], v)
		default:
			return out, cerr(DECODE_ERR_FIELD, fmt.Sprintf("header: unknown field %d", field))
		}
	}
	return out, nil
}

// BlockBody { 1: repeated blobs bytes }. Each blob is an encoded BlobMessage.
type BlockBody struct {
	Blobs [][]byte
}

func (b *BlockBody) Encode() []byte {
	var dst []byte
	for _, blob := range b.Blobs {
		dst = appendRawBytesField(dst, 1, blob)
	}
	return dst
}

func DecodeBody(data []byte) (*BlockBody, error) {
	r := newWireReader(data)
	out := &BlockBody{}
	for !r.done() {
		field, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		if field != 1 {
			return nil, cerr(DECODE_ERR_FIELD, fmt.Sprintf("body: unknown field %d", field))
		}
		if err := r.expectWireType(wt, wireBytes); err != nil {
			return nil, err
		}
		v, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		out.Blobs = append(out.Blobs, v)
	}
	return out, nil
}

// Block { 1: nonce varint; 2: prev_hash bytes; 3: header message;
// 4: body message (presence-tracked) }.
//
// cur_hash is the SHA-256 of the encoded header, computed once at
// construction. prev_hash is mutable (reattachment during resolution), the
// nonce is mutable during mining, and the body may be set once if absent;
// everything else is frozen.
type Block struct {
	nonce    uint64
	prevHash []byte
	header   BlockHeader
	body     *BlockBody
	curHash  [32]byte
}

// NewBlock builds a block with a body, deriving body_hash from the body's
// canonical encoding.
func NewBlock(prevHash []byte, difficulty uint32, body *BlockBody, timestamp float64, entropy uint32, nonce uint64) *Block {
	b := &Block{
		nonce:    nonce,
		prevHash: append([]byte(nil), prevHash...),
		body:     body,
		header: BlockHeader{
			Entropy:    entropy,
			Timestamp:  timestamp,
			Difficulty: difficulty,
		},
	}
	b.header.BodyHash = sha256.Sum256(body.Encode())
	b.curHash = sha256.Sum256(b.header.encode())
	return b
}

// NewHeaderBlock builds a body-less block around a trusted body_hash. Used
// when decoding a resolution chain: the body arrives later via SetBody.
func NewHeaderBlock(prevHash []byte, difficulty uint32, timestamp float64, entropy uint32, nonce uint64, bodyHash [32]byte) *Block {
	b := &Block{
		nonce:    nonce,
		prevHash: append([]byte(nil), prevHash...),
		header: BlockHeader{
			Entropy:    entropy,
			Timestamp:  timestamp,
			Difficulty: difficulty,
			BodyHash:   bodyHash,
		},
	}
	b.curHash = sha256.Sum256(b.header.encode())
	return b
}

// Genesis returns the shared first block of every chain.
func Genesis() *Block {
	return NewBlock(nil, GENESIS_DIFFICULTY, &BlockBody{}, GENESIS_TIMESTAMP, 0, GENESIS_NONCE)
}

// VerifyGenesis confirms the genesis constants still produce a link hash
// meeting the genesis difficulty. A failure is a build configuration bug and
// must abort startup.
func VerifyGenesis() error {
	if g := Genesis(); !g.IsValid(nil) {
		return fmt.Errorf("genesis block does not satisfy difficulty %d", GENESIS_DIFFICULTY)
	}
	return nil
}

// DecodeBlock decodes an encoded block. With hasBody the body field is
// decoded (absent field means empty body) and body_hash is recomputed from
// it, so a body that does not match its header surfaces as an invalid
// block. Without hasBody the block is body-less and the header's body_hash
// is trusted until SetBody.
func DecodeBlock(data []byte, hasBody bool) (*Block, error) {
	r := newWireReader(data)
	var nonce uint64
	var prevHash, headerBytes, bodyBytes []byte
	var sawHeader, sawBody bool
	for !r.done() {
		field, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			if err := r.expectWireType(wt, wireVarint); err != nil {
				return nil, err
			}
			if nonce, err = r.readUvarint(); err != nil {
				return nil, err
			}
		case 2:
			if err := r.expectWireType(wt, wireBytes); err != nil {
				return nil, err
			}
			if prevHash, err = r.readBytes(); err != nil {
				return nil, err
			}
		case 3:
			if err := r.expectWireType(wt, wireBytes); err != nil {
				return nil, err
			}
			if headerBytes, err = r.readBytes(); err != nil {
				return nil, err
			}
			sawHeader = true
		case 4:
			if err := r.expectWireType(wt, wireBytes); err != nil {
				return nil, err
			}
			if bodyBytes, err = r.readBytes(); err != nil {
				return nil, err
			}
			sawBody = true
		default:
			return nil, cerr(DECODE_ERR_FIELD, fmt.Sprintf("block: unknown field %d", field))
		}
	}
	if !sawHeader {
		return nil, cerr(BLOCK_ERR_NO_HEADER, "block missing header")
	}
	header, err := decodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	if !hasBody {
		return NewHeaderBlock(prevHash, header.Difficulty, header.Timestamp, header.Entropy, nonce, header.BodyHash), nil
	}
	body := &BlockBody{}
	if sawBody {
		if body, err = DecodeBody(bodyBytes); err != nil {
			return nil, err
		}
	}
	return NewBlock(prevHash, header.Difficulty, body, header.Timestamp, header.Entropy, nonce), nil
}

// Encode produces the canonical block record. With includeBody false the
// body field is omitted; the header's body_hash alone crosses the wire.
func (b *Block) Encode(includeBody bool) []byte {
	var dst []byte
	dst = appendVarintField(dst, 1, b.nonce)
	dst = appendBytesField(dst, 2, b.prevHash)
	dst = appendRawBytesField(dst, 3, b.header.encode())
	if includeBody && b.body != nil {
		dst = appendRawBytesField(dst, 4, b.body.Encode())
	}
	return dst
}

func (b *Block) Nonce() uint64      { return b.nonce }
func (b *Block) Difficulty() uint32 { return b.header.Difficulty }
func (b *Block) Timestamp() float64 { return b.header.Timestamp }
func (b *Block) Entropy() uint32    { return b.header.Entropy }
func (b *Block) PrevHash() []byte   { return b.prevHash }
func (b *Block) CurHash() [32]byte  { return b.curHash }
func (b *Block) BodyHash() [32]byte { return b.header.BodyHash }
func (b *Block) Body() *BlockBody   { return b.body }
func (b *Block) HasBody() bool      { return b.body != nil }

// Cost is the linearly comparable measure of the work the block required.
func (b *Block) Cost() uint64 {
	return 1 << b.header.Difficulty
}

// Equal compares by (cur_hash, nonce). prev_hash is deliberately excluded:
// the same mined block reattached under a different predecessor still
// compares equal.
func (b *Block) Equal(other *Block) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.curHash == other.curHash && b.nonce == other.nonce
}

// SetPreviousHash reattaches the block under a new predecessor link hash.
func (b *Block) SetPreviousHash(hash []byte) {
	b.prevHash = append([]byte(nil), hash...)
}

// SetBody installs the body on a body-less block. The body must hash to the
// header's body_hash.
func (b *Block) SetBody(body *BlockBody) error {
	if b.body != nil {
		return cerr(BLOCK_ERR_BODY_SET, "body already present")
	}
	if body == nil {
		return cerr(BLOCK_ERR_BODY_SET, "nil body")
	}
	if sha256.Sum256(body.Encode()) != b.header.BodyHash {
		return cerr(BLOCK_ERR_BODY_HASH, "body does not match header body_hash")
	}
	b.body = body
	return nil
}

// LinkHash is SHA256(cur_hash || prev_hash || ascii_decimal(nonce)): the
// value blocks chain by and the difficulty predicate is tested against.
// A non-nil prevHash overrides the block's own, to test whether the block
// would link under a hypothetical predecessor.
func (b *Block) LinkHash(prevHash []byte) [32]byte {
	if prevHash == nil {
		prevHash = b.prevHash
	}
	h := sha256.New()
	h.Write(b.curHash[:])
	h.Write(prevHash)
	h.Write([]byte(strconv.FormatUint(b.nonce, 10)))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Next advances the nonce search by one. No skipping: nonce walks are
// deterministic.
func (b *Block) Next() {
	b.nonce++
}

// IsValid reports whether the leading difficulty bits of the link hash are
// all zero, MSB-first within each byte.
func (b *Block) IsValid(prevHash []byte) bool {
	hash := b.LinkHash(prevHash)
	difficulty := int(b.header.Difficulty)
	if difficulty > len(hash)*8 {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hash[i/8]&(0x80>>(i%8)) != 0 {
			return false
		}
	}
	return true
}

// BodyASCII renders the block body for the readback listener. Blobs that do
// not decode as BlobMessages are skipped.
func (b *Block) BodyASCII() string {
	if b.body == nil || len(b.body.Blobs) == 0 {
		return "{}\n"
	}
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for _, blob := range b.body.Blobs {
		msg, err := DecodeBlobMessage(blob)
		if err != nil {
			continue
		}
		fmt.Fprintf(&buf, "\ttimestamp: %v blob: %s", msg.Timestamp, msg.Blob)
	}
	buf.WriteString("}\n")
	return buf.String()
}
