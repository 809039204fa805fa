package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compressor compresses stored reading payloads with zstd.
// EncodeAll and DecodeAll are safe for concurrent use.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a compressor. Level 1 is fastest, 4 is smallest.
func NewCompressor(level int) (*Compressor, error) {
	var encLevel zstd.EncoderLevel
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	default:
		return nil, fmt.Errorf("compression level %d out of range 1..4", level)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Compress returns the zstd frame for data.
func (c *Compressor) Compress(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return out, nil
}

// Close closes the compressor resources
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
