package scoutsync

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

type Compression string

const (
	CompressionBrotli Compression = "brotli"
	CompressionZstd   Compression = "zstd"
)

// maxDecodedBytes caps a decompressed payload. Nothing a tablet submits comes
// close; a larger result means a corrupt or hostile payload.
const maxDecodedBytes = maxSubmitBody

var errPayloadTooLarge = fmt.Errorf("decompressed payload exceeds %d bytes", maxDecodedBytes)

// Shared zstd encoder and decoder. Only EncodeAll and DecodeAll are used, and
// both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(err)
	}
	if zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes)); err != nil {
		panic(err)
	}
}

// Codec turns structured records into compact payloads: msgpack first, then a
// general-purpose compressor. Decode is the exact inverse of Encode.
//
// Map keys are sorted before encoding so identical input always yields
// identical bytes.
type Codec struct {
	compression Compression
}

func NewCodec(c Compression) (*Codec, error) {
	switch c {
	case "":
		c = CompressionBrotli
	case CompressionBrotli, CompressionZstd:
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
	return &Codec{compression: c}, nil
}

func (c *Codec) Compression() Compression { return c.compression }

func (c *Codec) Encode(v any) ([]byte, error) {
	var packed bytes.Buffer
	enc := msgpack.NewEncoder(&packed)
	enc.SetSortMapKeys(true)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, &EncodeError{Err: err}
	}

	switch c.compression {
	case CompressionZstd:
		return zstdEncoder.EncodeAll(packed.Bytes(), nil), nil
	default:
		var out bytes.Buffer
		w := brotli.NewWriterLevel(&out, brotli.DefaultCompression)
		if _, err := w.Write(packed.Bytes()); err != nil {
			return nil, &EncodeError{Err: err}
		}
		if err := w.Close(); err != nil {
			return nil, &EncodeError{Err: err}
		}
		return out.Bytes(), nil
	}
}

func (c *Codec) Decode(b []byte, v any) error {
	if len(b) == 0 {
		return &DecodeError{Err: io.ErrUnexpectedEOF}
	}

	var packed []byte
	var err error
	switch c.compression {
	case CompressionZstd:
		packed, err = zstdDecoder.DecodeAll(b, nil)
	default:
		packed, err = io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(b)), maxDecodedBytes+1))
	}
	if err != nil {
		return &DecodeError{Err: err}
	}
	if len(packed) > maxDecodedBytes {
		return &DecodeError{Err: errPayloadTooLarge}
	}

	dec := msgpack.NewDecoder(bytes.NewReader(packed))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}
