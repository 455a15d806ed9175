package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return b
}

// The genesis constants are network-frozen; these derived values pin the
// header field layout permanently.
const (
	genesisHeaderHex = "11aca9a68972a2d6411d160000002220e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	genesisCurHex    = "a1b7784ddf8ae9cbb53b1e00333ab61abc055ad5363fd2dc50c5a089ff3f7757"
	genesisLinkHex   = "000003431d3a440cdee5ea5ef002fe72a6c4aae661f100ce84ba26d252e7cbbf"
)

func TestGenesisGoldenVectors(t *testing.T) {
	g := Genesis()

	if got := g.header.encode(); !bytes.Equal(got, mustHex(t, genesisHeaderHex)) {
		t.Fatalf("genesis header bytes: got %x", got)
	}
	if got := g.CurHash(); !bytes.Equal(got[:], mustHex(t, genesisCurHex)) {
		t.Fatalf("genesis cur_hash: got %x", got)
	}
	if got := g.LinkHash(nil); !bytes.Equal(got[:], mustHex(t, genesisLinkHex)) {
		t.Fatalf("genesis link_hash: got %x", got)
	}
}

func TestVerifyGenesis(t *testing.T) {
	if err := VerifyGenesis(); err != nil {
		t.Fatalf("VerifyGenesis: %v", err)
	}
	g := Genesis()
	if g.Difficulty() != GENESIS_DIFFICULTY {
		t.Fatalf("genesis difficulty: got %d", g.Difficulty())
	}
	if g.Cost() != 1<<22 {
		t.Fatalf("genesis cost: got %d", g.Cost())
	}
	if len(g.PrevHash()) != 0 {
		t.Fatalf("genesis prev_hash not empty: %x", g.PrevHash())
	}
}

func TestHeaderGoldenVector(t *testing.T) {
	// BlobMessage{timestamp: 1.5, blob: "hello"} inside a body, under a
	// header with entropy=7, timestamp=2.0, difficulty=4.
	blob := (&BlobMessage{Timestamp: 1.5, Blob: []byte("hello")}).Encode()
	if got := hex.EncodeToString(blob); got != "09000000000000f83f120568656c6c6f" {
		t.Fatalf("blob message bytes: got %s", got)
	}
	body := &BlockBody{Blobs: [][]byte{blob}}
	if got := hex.EncodeToString(body.Encode()); got != "0a1009000000000000f83f120568656c6c6f" {
		t.Fatalf("body bytes: got %s", got)
	}
	b := NewBlock(nil, 4, body, 2.0, 7, 0)
	wantHeader := "08071100000000000000401d04000000222076faca3ec5ad00d0734006322a33ea58408265bbc3382dfe27a4bb67d9a46a11"
	if got := hex.EncodeToString(b.header.encode()); got != wantHeader {
		t.Fatalf("header bytes: got %s", got)
	}
	wantCur := "5c089b9f5725ca066f2091bb0c3e9fce5fa5e83e0b91f27f730f4a291565155a"
	cur := b.CurHash()
	if got := hex.EncodeToString(cur[:]); got != wantCur {
		t.Fatalf("cur_hash: got %s", got)
	}
}

func TestHeaderStability(t *testing.T) {
	blob := (&BlobMessage{Timestamp: 3.25, Blob: []byte("payload")}).Encode()
	original := NewBlock([]byte{0xAA, 0xBB}, 6, &BlockBody{Blobs: [][]byte{blob}}, 99.5, 12345, 42)

	decoded, err := DecodeBlock(original.Encode(true), true)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if !decoded.Equal(original) {
		t.Fatalf("decoded block not equal: cur=%x nonce=%d", decoded.CurHash(), decoded.Nonce())
	}
	if !bytes.Equal(decoded.Encode(true), original.Encode(true)) {
		t.Fatalf("re-encode not byte-identical")
	}
	if !bytes.Equal(decoded.PrevHash(), original.PrevHash()) {
		t.Fatalf("prev_hash mismatch after round trip")
	}
}

func TestHeaderOnlyRoundTrip(t *testing.T) {
	blob := (&BlobMessage{Timestamp: 1.0, Blob: []byte("x")}).Encode()
	original := NewBlock([]byte{0x01}, 3, &BlockBody{Blobs: [][]byte{blob}}, 7.0, 9, 17)

	headerOnly := original.Encode(false)
	decoded, err := DecodeBlock(headerOnly, false)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if decoded.HasBody() {
		t.Fatalf("header-only block has a body")
	}
	if !decoded.Equal(original) {
		t.Fatalf("header-only block not equal to original")
	}
	if !bytes.Equal(decoded.Encode(false), headerOnly) {
		t.Fatalf("header-only re-encode not byte-identical")
	}
	if decoded.BodyHash() != original.BodyHash() {
		t.Fatalf("body_hash not preserved on header-only decode")
	}
}

func TestSetBodyBinding(t *testing.T) {
	blob := (&BlobMessage{Timestamp: 5.0, Blob: []byte("data")}).Encode()
	body := &BlockBody{Blobs: [][]byte{blob}}
	original := NewBlock(nil, 2, body, 1.0, 1, 5)

	decoded, err := DecodeBlock(original.Encode(false), false)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}

	wrong := &BlockBody{Blobs: [][]byte{(&BlobMessage{Timestamp: 5.0, Blob: []byte("other")}).Encode()}}
	if err := decoded.SetBody(wrong); err == nil {
		t.Fatalf("SetBody accepted a body with the wrong hash")
	}
	if decoded.HasBody() {
		t.Fatalf("rejected body was installed")
	}

	if err := decoded.SetBody(body); err != nil {
		t.Fatalf("SetBody rejected the matching body: %v", err)
	}
	if !decoded.HasBody() {
		t.Fatalf("matching body was not installed")
	}
	if err := decoded.SetBody(body); err == nil {
		t.Fatalf("SetBody allowed overwriting an existing body")
	}
}

func TestEqualityIgnoresPrevHash(t *testing.T) {
	body := &BlockBody{}
	a := NewBlock([]byte{0x01}, 4, body, 10.0, 77, 123)
	b := NewBlock([]byte{0x02}, 4, body, 10.0, 77, 123)
	if !a.Equal(b) {
		t.Fatalf("blocks with identical header and nonce but different prev_hash compare unequal")
	}
	c := NewBlock([]byte{0x01}, 4, body, 10.0, 77, 124)
	if a.Equal(c) {
		t.Fatalf("blocks with different nonces compare equal")
	}
}

func TestLinkHashOverride(t *testing.T) {
	b := NewBlock([]byte{0x01, 0x02}, 1, &BlockBody{}, 1.0, 1, 7)
	own := b.LinkHash(nil)
	override := b.LinkHash([]byte{0x03})
	if own == override {
		t.Fatalf("override prev_hash did not change the link hash")
	}
	// The override must match what the block would produce after
	// reattachment.
	b.SetPreviousHash([]byte{0x03})
	if got := b.LinkHash(nil); got != override {
		t.Fatalf("reattached link hash differs from override result")
	}
}

func TestMiningTermination(t *testing.T) {
	for _, difficulty := range []uint32{1, 4, 8, 12} {
		b := NewBlock(bytes.Repeat([]byte{0x5A}, 32), difficulty, &BlockBody{}, 1.0, uint32(difficulty)*31, 0)
		steps := 0
		for !b.IsValid(nil) {
			b.Next()
			steps++
			if steps > 1<<24 {
				t.Fatalf("difficulty %d: nonce search did not terminate", difficulty)
			}
		}
		link := b.LinkHash(nil)
		for i := 0; i < int(difficulty); i++ {
			if link[i/8]&(0x80>>(i%8)) != 0 {
				t.Fatalf("difficulty %d: found nonce %d fails the predicate", difficulty, b.Nonce())
			}
		}
	}
}

func TestDecodeBlockRejectsMalformed(t *testing.T) {
	if _, err := DecodeBlock([]byte{0xFF, 0xFF, 0xFF}, true); err == nil {
		t.Fatalf("malformed block decoded without error")
	}
	// A block record with no header field is invalid.
	data := appendVarintField(nil, 1, 99)
	if _, err := DecodeBlock(data, true); err == nil {
		t.Fatalf("block without header decoded without error")
	}
}

func TestBodyASCII(t *testing.T) {
	empty := NewBlock(nil, 1, &BlockBody{}, 1.0, 1, 0)
	if got := empty.BodyASCII(); got != "{}\n" {
		t.Fatalf("empty body dump: got %q", got)
	}

	blob := (&BlobMessage{Timestamp: 1.5, Blob: []byte("hello\n")}).Encode()
	b := NewBlock(nil, 1, &BlockBody{Blobs: [][]byte{blob}}, 1.0, 1, 0)
	want := "{\n\ttimestamp: 1.5 blob: hello\n}\n"
	if got := b.BodyASCII(); got != want {
		t.Fatalf("body dump: got %q want %q", got, want)
	}
}

func TestBodyHashIsCanonicalEncodingHash(t *testing.T) {
	blob := (&BlobMessage{Timestamp: 2.0, Blob: []byte("abc")}).Encode()
	body := &BlockBody{Blobs: [][]byte{blob}}
	b := NewBlock(nil, 1, body, 1.0, 0, 0)
	if b.BodyHash() != sha256.Sum256(body.Encode()) {
		t.Fatalf("body_hash is not the SHA-256 of the canonical body encoding")
	}
}
