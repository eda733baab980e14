package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compressor shrinks a serialized payload before framing.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

// Decompressor inflates a compressed frame payload.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// Zstd is a Compressor/Decompressor backed by zstd with default options.
// A single instance is safe for concurrent use.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd creates a zstd compressor pair.
func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("wire: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("wire: creating zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

// Compress implements Compressor.
func (z *Zstd) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

// Decompress implements Decompressor.
func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: zstd decode: %w", err)
	}
	return out, nil
}
