package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketBlocks = []byte("blocks_by_hash")
	bucketOrder  = []byte("order_by_seq")
	bucketMeta   = []byte("meta")
)

const archiveSchemaVersion = 1

// Archive is a write-through dump of locally mined blocks: every mined
// block is appended as it lands on the chain, keyed by cur_hash with a
// sequence bucket preserving mining order. The node never reads the
// archive back at startup; it exists for post-mortem inspection only.
type Archive struct {
	db  *bolt.DB
	log *zap.Logger
}

func OpenArchive(path string, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlocks, bucketOrder, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		stored := meta.Get([]byte("version"))
		if stored == nil {
			return meta.Put([]byte("version"), u32be(archiveSchemaVersion))
		}
		if !bytes.Equal(stored, u32be(archiveSchemaVersion)) {
			return fmt.Errorf("unsupported archive version: % x", stored)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{db: db, log: log}, nil
}

// PutBlock records one mined block. Re-archiving the same hash with
// identical bytes is a no-op; differing bytes are an error.
func (a *Archive) PutBlock(blockHash [32]byte, blockBytes []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if existing := blocks.Get(blockHash[:]); existing != nil {
			if !bytes.Equal(existing, blockBytes) {
				return fmt.Errorf("archive hash collision: %x", blockHash)
			}
			return nil
		}
		if err := blocks.Put(blockHash[:], blockBytes); err != nil {
			return err
		}
		order := tx.Bucket(bucketOrder)
		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		return order.Put(u64be(seq), blockHash[:])
	})
}

// BlockByHash returns the archived encoding for a block hash, or nil when
// it was never archived.
func (a *Archive) BlockByHash(blockHash [32]byte) ([]byte, error) {
	var out []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketBlocks).Get(blockHash[:]); data != nil {
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}

// Len reports how many blocks have been archived.
func (a *Archive) Len() (int, error) {
	var n int
	err := a.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketBlocks).Stats().KeyN
		return nil
	})
	return n, err
}

// Hashes lists archived block hashes in mining order.
func (a *Archive) Hashes() ([][32]byte, error) {
	var out [][32]byte
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrder).ForEach(func(_, v []byte) error {
			var h [32]byte
			if len(v) != len(h) {
				return fmt.Errorf("corrupt order entry: %d bytes", len(v))
			}
			copy(h[:], v)
			out = append(out, h)
			return nil
		})
	})
	return out, err
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func u32be(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func u64be(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
