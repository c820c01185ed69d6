// Package codec re-encodes relayed audio payloads.
package codec

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"proxvoice/pkg/interfaces"
)

// Names accepted in configuration.
const (
	NamePCM  = "pcm16"
	NameZstd = "pcm16+zstd"
)

// lowBitrate is the threshold under which the zstd codec trades CPU for a
// smaller payload.
const lowBitrate = 48000

var ErrUnknownCodec = errors.New("unknown codec")

// New returns the codec registered under name. "zstd" is accepted as an
// alias for NameZstd.
func New(name string) (interfaces.Codec, error) {
	switch name {
	case "", NamePCM:
		return PCM{}, nil
	case NameZstd, "zstd":
		return NewZstd()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// PCM relays payloads unchanged.
type PCM struct{}

func (PCM) Name() string { return NamePCM }

func (PCM) Encode(_ string, pcm []byte, _ int) ([]byte, error) { return pcm, nil }

func (PCM) Decode(_ string, data []byte) ([]byte, error) { return data, nil }

func (PCM) Release(string) {}

// Zstd compresses payloads losslessly. Speakers on a reduced bitrate get the
// stronger (slower) encoder level.
// TECHNICAL DISCOVERY: EncodeAll/DecodeAll are safe for concurrent use on a
// shared Encoder/Decoder, so no per-stream state is kept
type Zstd struct {
	fast   *zstd.Encoder
	strong *zstd.Encoder
	dec    *zstd.Decoder

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewZstd builds the shared encoders.
func NewZstd() (*Zstd, error) {
	fast, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create fast encoder: %w", err)
	}
	strong, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create strong encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	return &Zstd{fast: fast, strong: strong, dec: dec}, nil
}

func (z *Zstd) Name() string { return NameZstd }

func (z *Zstd) Encode(_ string, pcm []byte, bitrate int) ([]byte, error) {
	enc := z.fast
	if bitrate > 0 && bitrate <= lowBitrate {
		enc = z.strong
	}
	out := enc.EncodeAll(pcm, make([]byte, 0, len(pcm)/2))
	z.bytesIn.Add(uint64(len(pcm)))
	z.bytesOut.Add(uint64(len(out)))
	return out, nil
}

func (z *Zstd) Decode(_ string, data []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

func (z *Zstd) Release(string) {}

// Ratio returns compressed bytes over raw bytes across all encodes.
func (z *Zstd) Ratio() float64 {
	in := z.bytesIn.Load()
	if in == 0 {
		return 1
	}
	return float64(z.bytesOut.Load()) / float64(in)
}

// Close releases encoder goroutines.
func (z *Zstd) Close() {
	z.fast.Close()
	z.strong.Close()
	z.dec.Close()
}
