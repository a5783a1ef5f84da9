package blockcodec

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("the quick brown fox "), 100)

	compressed := Compress(original)
	decompressed, err := Decompress(compressed, len(original))
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Error("decompressed data does not match original")
	}
}

func TestCompressEmptyBlock(t *testing.T) {
	compressed := Compress(nil)
	decompressed, err := Decompress(compressed, 0)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if len(decompressed) != 0 {
		t.Errorf("expected empty result, got %d bytes", len(decompressed))
	}
}

func TestIncompressibleDataFallsBackToRaw(t *testing.T) {
	// Already-compressed-looking random-ish data that flate cannot shrink
	// below its own length; verify the raw sentinel path is taken.
	random := make([]byte, 64)
	for i := range random {
		random[i] = byte(i * 131)
	}

	compressed := Compress(random)
	if len(compressed) != len(random) {
		t.Skip("flate unexpectedly shrank the sample data; sentinel path not exercised")
	}

	decompressed, err := Decompress(compressed, len(random))
	if err != nil {
		t.Fatalf("Decompress of raw fallback failed: %v", err)
	}
	if !bytes.Equal(decompressed, random) {
		t.Error("raw fallback round trip mismatch")
	}
}

func TestDecompressMismatchedLength(t *testing.T) {
	compressed := Compress(bytes.Repeat([]byte{0xAB}, 2000))
	if _, err := Decompress(compressed, 999); err == nil {
		t.Error("expected error when declared length does not match decompressed length")
	}
}
