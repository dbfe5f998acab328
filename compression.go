package cryptvol

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Codec selects the compressor for snapshot payloads and block maps.
// Compression is only ever applied to ciphertext.
type Codec uint8

const (
	// CodecNone stores data as is
	CodecNone Codec = iota
	// CodecZstd uses Zstandard
	CodecZstd
	// CodecXZ uses LZMA2 in an xz container
	CodecXZ
)

const (
	// minCompressionGain is the fraction a codec must save for its output to be kept
	minCompressionGain = 0.05

	// blockMapEntryMax bounds the CBOR size of one block map entry
	blockMapEntryMax = 64
)

// blockMapLimit is the largest decoded block map a record with the given
// number of allocated blocks may carry
func blockMapLimit(allocated uint64) uint64 {
	return (allocated + 1) * blockMapEntryMax
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecXZ:
		return "xz"
	default:
		return "unknown"
	}
}

// ParseCodec converts a configuration string into a Codec
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "none":
		return CodecNone, nil
	case "", "zstd":
		return CodecZstd, nil
	case "xz":
		return CodecXZ, nil
	default:
		return 0, NewValidationError("codec", s, "unsupported codec")
	}
}

// compressor holds reusable codec state. zstd encoders and decoders are
// safe for concurrent EncodeAll/DecodeAll calls. The shared decoder is
// bounded to one payload slot; larger outputs get a decoder of their own.
type compressor struct {
	codec Codec
	level int

	once    sync.Once
	initErr error
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func newCompressor(codec Codec, level int) *compressor {
	return &compressor{codec: codec, level: level}
}

func (c *compressor) init() error {
	c.once.Do(func() {
		opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
		if c.level > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
		}
		c.enc, c.initErr = zstd.NewWriter(nil, opts...)
		if c.initErr != nil {
			return
		}
		c.dec, c.initErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(SlotSize))
	})
	return c.initErr
}

// compress returns the encoded data and the codec actually used. Output
// that does not save at least minCompressionGain is discarded.
func (c *compressor) compress(data []byte) ([]byte, Codec, error) {
	if c.codec == CodecNone || len(data) == 0 {
		return data, CodecNone, nil
	}

	var out []byte
	switch c.codec {
	case CodecZstd:
		if err := c.init(); err != nil {
			return nil, CodecNone, err
		}
		out = c.enc.EncodeAll(data, make([]byte, 0, len(data)))
	case CodecXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, CodecNone, fmt.Errorf("failed to create xz writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, CodecNone, fmt.Errorf("xz compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, CodecNone, fmt.Errorf("xz compression failed: %w", err)
		}
		out = buf.Bytes()
	default:
		return nil, CodecNone, NewValidationError("codec", c.codec, "unsupported codec")
	}

	if float64(len(out)) > float64(len(data))*(1-minCompressionGain) {
		return data, CodecNone, nil
	}
	return out, c.codec, nil
}

// decompress reverses compress for the recorded codec. Output larger than
// limit bytes is an error, so a crafted catalog cannot exhaust memory.
func (c *compressor) decompress(codec Codec, data []byte, limit uint64) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch codec {
	case CodecNone:
		out = data
	case CodecZstd:
		out, err = c.decodeZstd(data, limit)
	case CodecXZ:
		var r *xz.Reader
		r, err = xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		out, err = io.ReadAll(io.LimitReader(r, int64(limit)+1))
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) > limit {
		return nil, fmt.Errorf("decompressed data exceeds %d bytes", limit)
	}
	return out, nil
}

func (c *compressor) decodeZstd(data []byte, limit uint64) ([]byte, error) {
	if limit <= SlotSize {
		if err := c.init(); err != nil {
			return nil, err
		}
		return c.dec.DecodeAll(data, nil)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func (c *compressor) close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
