// Package checksum provides the weak rolling checksum, the strong block
// digest, and the whole-file digest used by the delta reconstruction
// engine to decide which blocks of a target file are already present in a
// local file.
package checksum

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"

	"golang.org/x/crypto/md4"
)

// mod is the modulus for both rolling-checksum accumulators, fixed at
// 2^16 by the control-file format this package serves.
const mod = 1 << 16

// Weak is the pair of 16-bit accumulators behind the rolling checksum,
// kept as a plain value rather than as a stateful object per the "no
// polymorphism required" redesign note: a window is summarized by (a, b)
// and nothing else.
type Weak struct {
	a, b uint32
}

// NewWeak computes the initial rolling checksum over a window of bytes.
// The window is normally one block; the caller is responsible for padding
// a short final block with zero bytes to the full block size before
// calling this, per the control-file block-checksum convention.
func NewWeak(window []byte) Weak {
	var a, b uint32
	l := uint32(len(window))
	for i, c := range window {
		a += uint32(c)
		b += (l - uint32(i)) * uint32(c)
	}
	return Weak{a: a % mod, b: b % mod}
}

// Roll advances the window by one byte: x leaves at the front, y enters
// at the back. l is the window length (the block size).
func (w Weak) Roll(l uint32, x, y byte) Weak {
	a := (w.a - uint32(x) + uint32(y)) % mod
	b := (w.b - l*uint32(x) + a) % mod
	return Weak{a: a, b: b}
}

// Value returns the 32-bit weak-checksum value, (b<<16)|a, as it appears
// in the block table and the block index.
func (w Weak) Value() uint32 {
	return (w.b << 16) | w.a
}

// Masked returns the weak-checksum value with only the high n bytes
// significant, the low bytes zeroed — the comparison the control file's
// weakChecksumBytes field calls for.
func Masked(value uint32, n int) uint32 {
	if n >= 4 {
		return value
	}
	shift := uint(4-n) * 8
	return (value >> shift) << shift
}

// Strong computes the MD4 digest of block, truncated to n bytes. The
// block must already be padded to the full block size for the final,
// short block of a target — the caller (the control-file table, and the
// seed scanner's window) is responsible for that padding.
func Strong(block []byte, n int) []byte {
	h := md4.New()
	h.Write(block)
	sum := h.Sum(nil)
	if n > len(sum) {
		n = len(sum)
	}
	return sum[:n]
}

// StrongHash returns a fresh hash.Hash computing the strong block digest,
// for callers (the seed scanner) that want to reset and reuse one
// allocation across many blocks instead of allocating per call.
func StrongHash() hash.Hash {
	return md4.New()
}

// WholeFile computes the SHA-1 digest of r, the whole-file digest the
// coordinator compares against the control header's targetSHA1 at the
// Verifying phase.
func WholeFile(r io.Reader) ([20]byte, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HexString is a small convenience used by logging call sites across the
// core to render a SHA-1/strong digest without repeating the hex import.
func HexString(b []byte) string {
	return hex.EncodeToString(b)
}
