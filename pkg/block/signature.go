package block

import (
	"crypto/md5"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// Size is the fixed block size, in bytes, used to partition a file for
	// synchronization purposes. Block boundaries are fixed by absolute
	// offset, not content-defined.
	Size = 1024

	// StrongSize is the length, in bytes, of a strong digest.
	StrongSize = md5.Size

	// WireSize is the length, in bytes, of a signature's wire encoding: a
	// 4-byte weak checksum followed by a 16-byte strong digest.
	WireSize = 4 + StrongSize
)

// Signature identifies the content of a single block: a cheap weak checksum
// paired with a strong cryptographic digest that disambiguates weak-checksum
// collisions.
type Signature struct {
	// Weak is the two-accumulator rolling-capable checksum.
	Weak uint32
	// Strong is the strong digest of the block.
	Strong [StrongSize]byte
}

// Signatures is an ordered vector of per-block signatures, indexed 0..n-1.
type Signatures []Signature

// Weak computes the weak checksum of buf. It is a pair of 16-bit accumulators
// (a, b): for each byte x_i, a += x_i mod 2^16, b += a mod 2^16. The result is
// (b<<16)|a. An empty buffer hashes to 0.
func Weak(buf []byte) uint32 {
	var a, b uint16
	for _, x := range buf {
		a += uint16(x)
		b += a
	}
	return uint32(b)<<16 | uint32(a)
}

// Strong computes the strong digest of buf using a 16-byte digest; see
// DESIGN.md for why this uses the standard library directly.
func Strong(buf []byte) [StrongSize]byte {
	return md5.Sum(buf)
}

// Of computes the full signature of a single block.
func Of(buf []byte) Signature {
	return Signature{
		Weak:   Weak(buf),
		Strong: Strong(buf),
	}
}

// Equal reports whether two signatures describe the same block content: both
// the weak checksum and all strong digest bytes must match.
func Equal(a, b Signature) bool {
	return a.Weak == b.Weak && a.Strong == b.Strong
}

// NBlocks returns the number of blocks a file of the given size is
// partitioned into: ceil(size/Size), or 1 if size is 0.
func NBlocks(size int64) int {
	if size == 0 {
		return 1
	}
	n := size / Size
	if size%Size != 0 {
		n++
	}
	return int(n)
}

// ComputeReader computes the signature vector for the full contents of r,
// partitioned into fixed-size blocks. The final block's signature is
// computed over exactly its effective length, never padded.
func ComputeReader(r io.Reader, size int64) (Signatures, error) {
	n := NBlocks(size)
	sigs := make(Signatures, n)
	buf := make([]byte, Size)
	for i := 0; i < n; i++ {
		read, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, errors.Wrap(err, "unable to read block")
		}
		sigs[i] = Of(buf[:read])
	}
	return sigs, nil
}

// MarshalBinary encodes a signature using the fixed 20-byte little-endian
// wire layout: 4 bytes weak, 16 bytes strong.
func (s Signature) MarshalBinary() []byte {
	out := make([]byte, WireSize)
	binary.LittleEndian.PutUint32(out[:4], s.Weak)
	copy(out[4:], s.Strong[:])
	return out
}

// UnmarshalSignature decodes a single signature from its fixed-size wire
// representation.
func UnmarshalSignature(data []byte) (Signature, error) {
	if len(data) != WireSize {
		return Signature{}, errors.Errorf("invalid signature length: %d", len(data))
	}
	var s Signature
	s.Weak = binary.LittleEndian.Uint32(data[:4])
	copy(s.Strong[:], data[4:])
	return s, nil
}

// MarshalBinary encodes a signature vector as the concatenation of each
// element's fixed-size wire encoding.
func (sigs Signatures) MarshalBinary() []byte {
	out := make([]byte, len(sigs)*WireSize)
	for i, s := range sigs {
		copy(out[i*WireSize:], s.MarshalBinary())
	}
	return out
}

// UnmarshalSignatures decodes a signature vector from the concatenation of
// n fixed-size wire encodings.
func UnmarshalSignatures(data []byte, n int) (Signatures, error) {
	if len(data) != n*WireSize {
		return nil, errors.Errorf("expected %d bytes for %d signatures, got %d", n*WireSize, n, len(data))
	}
	sigs := make(Signatures, n)
	for i := range sigs {
		s, err := UnmarshalSignature(data[i*WireSize : (i+1)*WireSize])
		if err != nil {
			return nil, err
		}
		sigs[i] = s
	}
	return sigs, nil
}
