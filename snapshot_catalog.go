package cryptvol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketPayloads  = []byte("payloads")
	bucketRefs      = []byte("refs")
)

// recordEncMode keeps nanosecond timestamps so listings order exactly
var recordEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// contentHash identifies a stored payload by the blake3 hash of its
// ciphertext. Identical ciphertext is only ever produced by the same
// committed block, so sharing a payload is sharing a copy-on-write block.
type contentHash [32]byte

func hashPayload(payload []byte) contentHash {
	return contentHash(blake3.Sum256(payload))
}

// SnapshotRecord is the catalog entry for one snapshot
type SnapshotRecord struct {
	ID                 string         `cbor:"1,keyasint"`
	SourceVolumeID     uuid.UUID      `cbor:"2,keyasint"`
	Description        string         `cbor:"3,keyasint,omitempty"`
	CreatedAt          time.Time      `cbor:"4,keyasint"`
	TotalBlocks        uint64         `cbor:"5,keyasint"`
	AllocatedBlocks    uint64         `cbor:"6,keyasint"`
	Cipher             CipherSuite    `cbor:"7,keyasint"`
	NonceSeed          [SeedSize]byte `cbor:"8,keyasint"`
	Generations        []uint32       `cbor:"9,keyasint"`
	Compressed         bool           `cbor:"10,keyasint"`
	Codec              Codec          `cbor:"11,keyasint"`
	CompressedBlockMap []byte         `cbor:"12,keyasint"`
	CompressionRatio   float64        `cbor:"13,keyasint"`
	StoredBytes        int64          `cbor:"14,keyasint"`
	LogicalBytes       int64          `cbor:"15,keyasint"`
}

// snapshotBlock is one entry of a snapshot's block map
type snapshotBlock struct {
	_          struct{} `cbor:",toarray"`
	Index      uint64
	Generation uint32
	Counter    uint64
	Hash       contentHash
}

// storedPayload is one captured block ready for the catalog
type storedPayload struct {
	block snapshotBlock
	codec Codec
	data  []byte
}

// encodeBlockMap serializes and compresses a block map
func encodeBlockMap(c *compressor, blocks []snapshotBlock) ([]byte, Codec, error) {
	raw, err := cbor.Marshal(blocks)
	if err != nil {
		return nil, CodecNone, fmt.Errorf("failed to encode block map: %w", err)
	}
	return c.compress(raw)
}

// decodeBlockMap reverses encodeBlockMap for a record with the given
// number of allocated blocks
func decodeBlockMap(c *compressor, codec Codec, data []byte, allocated uint64) ([]snapshotBlock, error) {
	raw, err := c.decompress(codec, data, blockMapLimit(allocated))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block map: %w", err)
	}
	var blocks []snapshotBlock
	if err := cbor.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("failed to decode block map: %w", err)
	}
	return blocks, nil
}

// snapshotCatalog is the bbolt-backed store of records and payloads
type snapshotCatalog struct {
	db *bolt.DB
}

func openSnapshotCatalog(path string) (*snapshotCatalog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, NewIOError("open", path, -1, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketPayloads, bucketRefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, NewIOError("init", path, -1, err)
	}
	return &snapshotCatalog{db: db}, nil
}

// put stores a record and its payloads, sharing payloads already present.
// It returns the number of payload bytes newly written.
func (c *snapshotCatalog) put(rec *SnapshotRecord, payloads []storedPayload) (int64, error) {
	var stored int64
	err := c.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPayloads)
		rb := tx.Bucket(bucketRefs)

		for _, p := range payloads {
			key := p.block.Hash[:]
			refs := decodeRefCount(rb.Get(key))
			if refs == 0 {
				value := make([]byte, 1+len(p.data))
				value[0] = byte(p.codec)
				copy(value[1:], p.data)
				if err := pb.Put(key, value); err != nil {
					return err
				}
				stored += int64(len(value))
			}
			if err := rb.Put(key, encodeRefCount(refs+1)); err != nil {
				return err
			}
		}

		rec.StoredBytes = stored + int64(len(rec.CompressedBlockMap))
		data, err := recordEncMode.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// get loads one record
func (c *snapshotCatalog) get(id string) (*SnapshotRecord, error) {
	var rec *SnapshotRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if data == nil {
			return newSnapshotError(id, ErrSnapshotNotFound, "no such snapshot")
		}
		rec = &SnapshotRecord{}
		if err := cbor.Unmarshal(data, rec); err != nil {
			return &SnapshotError{SnapshotID: id, Message: "undecodable record", Err: fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err)}
		}
		return nil
	})
	return rec, err
}

// list returns every record in the catalog
func (c *snapshotCatalog) list() ([]SnapshotRecord, error) {
	var out []SnapshotRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var rec SnapshotRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return &SnapshotError{SnapshotID: string(k), Message: "undecodable record", Err: fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err)}
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// payload returns a copy of a stored payload and its codec
func (c *snapshotCatalog) payload(h contentHash) ([]byte, Codec, bool, error) {
	var (
		data  []byte
		codec Codec
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPayloads).Get(h[:])
		if len(v) < 1 {
			return nil
		}
		found = true
		codec = Codec(v[0])
		data = append([]byte(nil), v[1:]...)
		return nil
	})
	return data, codec, found, err
}

// remove deletes a record and drops one reference from each of its
// payloads, freeing those that reach zero. It returns the freed bytes.
func (c *snapshotCatalog) remove(id string, blocks []snapshotBlock) (int64, error) {
	var freed int64
	err := c.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSnapshots)
		if sb.Get([]byte(id)) == nil {
			return newSnapshotError(id, ErrSnapshotNotFound, "no such snapshot")
		}
		pb := tx.Bucket(bucketPayloads)
		rb := tx.Bucket(bucketRefs)

		for _, b := range blocks {
			key := b.Hash[:]
			refs := decodeRefCount(rb.Get(key))
			if refs <= 1 {
				freed += int64(len(pb.Get(key)))
				if err := pb.Delete(key); err != nil {
					return err
				}
				if err := rb.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := rb.Put(key, encodeRefCount(refs-1)); err != nil {
				return err
			}
		}
		return sb.Delete([]byte(id))
	})
	return freed, err
}

// refCount returns the reference count of a payload
func (c *snapshotCatalog) refCount(h contentHash) (uint64, error) {
	var refs uint64
	err := c.db.View(func(tx *bolt.Tx) error {
		refs = decodeRefCount(tx.Bucket(bucketRefs).Get(h[:]))
		return nil
	})
	return refs, err
}

func (c *snapshotCatalog) close() error {
	return c.db.Close()
}

func encodeRefCount(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeRefCount(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
