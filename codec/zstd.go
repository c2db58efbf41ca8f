package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd wraps another codec and compresses its output. Result blobs of large values
// spend less time on disk this way.
type Zstd struct {
	inner Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func NewZstd(inner Codec) *Zstd {
	// with a nil writer/reader these only fail on invalid options
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("building zstd encoder: %s", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("building zstd decoder: %s", err))
	}
	return &Zstd{inner: inner, enc: enc, dec: dec}
}

func (z *Zstd) Name() string { return z.inner.Name() + "+zstd" }

func (z *Zstd) Marshal(v any) ([]byte, error) {
	b, err := z.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(b, nil), nil
}

func (z *Zstd) Unmarshal(b []byte, v any) error {
	raw, err := z.dec.DecodeAll(b, nil)
	if err != nil {
		return fmt.Errorf("decompressing: %w", err)
	}
	return z.inner.Unmarshal(raw, v)
}
