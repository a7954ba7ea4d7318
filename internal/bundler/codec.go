package bundler

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// ErrDigestMismatch reports a payload whose content does not match its
// recorded digest.
var ErrDigestMismatch = errors.New("bundler: bundle digest mismatch")

const maxDecodedBundle = 256 << 20

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bundler: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("bundler: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bundler: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBundle))
	if err != nil {
		panic("bundler: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a bundle as zstd-compressed deterministic CBOR. The
// returned digest is the BLAKE3 hex of the uncompressed CBOR, so equal
// bundles always share a digest.
func Encode(b *Bundle) (payload []byte, digest string, err error) {
	if b == nil {
		return nil, "", errors.New("bundler: nil bundle")
	}
	raw, err := encMode.Marshal(b)
	if err != nil {
		return nil, "", fmt.Errorf("encode bundle: %w", err)
	}
	sum := blake3.Sum256(raw)
	return zstdEncoder.EncodeAll(raw, nil), hex.EncodeToString(sum[:]), nil
}

// Decode reverses Encode. A non-empty digest is verified against the
// decompressed content.
func Decode(payload []byte, digest string) (*Bundle, error) {
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress bundle: %w", err)
	}
	if digest != "" {
		sum := blake3.Sum256(raw)
		if hex.EncodeToString(sum[:]) != digest {
			return nil, ErrDigestMismatch
		}
	}
	var b Bundle
	if err := decMode.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}
