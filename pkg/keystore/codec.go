package keystore

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	codecRaw  = "raw"
	codecZstd = "zstd"
)

// codec compresses payload bytes on write and restores them on read. The
// decoder is always available so stores written with compression can be read
// by any handle.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec(level int) (*codec, error) {
	c := &codec{}
	var err error
	c.decoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(4<<30),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if level == 0 {
		return c, nil
	}
	if level < 1 || level > 19 {
		c.decoder.Close()
		return nil, fmt.Errorf("zstd level must be 1-19, got %d", level)
	}
	c.encoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		c.decoder.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return c, nil
}

func (c *codec) encodePayload(data []byte) (string, []byte, error) {
	if c.encoder == nil {
		return codecRaw, nonNil(data), nil
	}
	return codecZstd, c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *codec) decodePayload(name string, blob []byte) ([]byte, error) {
	switch name {
	case codecRaw:
		return blob, nil
	case codecZstd:
		out, err := c.decoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %q", name)
	}
}

func (c *codec) close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	c.decoder.Close()
}

func encodeShape(shape []int) (string, error) {
	if shape == nil {
		shape = []int{}
	}
	b, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("encode shape: %w", err)
	}
	return string(b), nil
}

func decodeShape(s string) ([]int, error) {
	var shape []int
	if err := json.Unmarshal([]byte(s), &shape); err != nil {
		return nil, fmt.Errorf("decode shape %q: %w", s, err)
	}
	return shape, nil
}
