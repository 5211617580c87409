package persistence

import (
	"strings"
	"testing"
)

func TestCompressText_RoundTrip(t *testing.T) {
	in := strings.Repeat("+added line\n", 200)
	blob := compressText(in)
	if len(blob) >= len(in) {
		t.Fatalf("expected compression, got %d >= %d", len(blob), len(in))
	}
	out, err := decompressText(blob)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if out != in {
		t.Fatal("round trip mismatch")
	}
}

func TestDecompressText_Garbage(t *testing.T) {
	if _, err := decompressText([]byte("not zstd")); err == nil {
		t.Fatal("expected error for garbage blob")
	}
}

func TestHashDiff_Stable(t *testing.T) {
	a := HashDiff("diff a")
	if a != HashDiff("diff a") {
		t.Fatal("hash not stable")
	}
	if a == HashDiff("diff b") {
		t.Fatal("distinct diffs share a hash")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}
