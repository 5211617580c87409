package persistence

import (
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var (
	blobEncoder *zstd.Encoder
	blobDecoder *zstd.Decoder
)

func init() {
	var err error
	blobEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("persistence: zstd encoder: %v", err))
	}
	blobDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("persistence: zstd decoder: %v", err))
	}
}

func compressText(s string) []byte {
	return blobEncoder.EncodeAll([]byte(s), nil)
}

func decompressText(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	out, err := blobDecoder.DecodeAll(b, nil)
	if err != nil {
		return "", fmt.Errorf("decompress blob: %w", err)
	}
	return string(out), nil
}

// HashDiff returns the hex blake3 digest used to detect tampering with a stored diff.
func HashDiff(diff string) string {
	sum := blake3.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:])
}
