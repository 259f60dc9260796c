// Package blockindex builds the in-memory weak-checksum index used to
// find candidate target blocks for a window of local-file bytes: a
// primary map from weak checksum to block numbers, plus an optional
// index of consecutive pairs for pair-confirmed matching.
package blockindex

import "appimageupdate/internal/controlfile"

// Index maps a weak-checksum value to the ordered list of target block
// numbers sharing it, plus (when the control header's SeqMatches is 2) a
// secondary index of confirmed consecutive pairs.
type Index struct {
	blocks     []controlfile.BlockEntry
	byWeak     map[uint32][]int
	pairs      map[pairKey]int
	seqMatches int
	weakBytes  int
}

type pairKey struct {
	k1, k2 uint32
}

// Build constructs an Index over the control file's block table. Memory
// is bounded by O(blockCount): one slice append per block in byWeak, plus
// one map entry per block in pairs when SeqMatches == 2. weakBytes is the
// control header's WeakChecksumBytes: block-table entries already carry
// only their high weakBytes bytes, so callers must mask a freshly
// computed 32-bit checksum the same way before calling Candidates or
// PairConfirmed.
func Build(blocks []controlfile.BlockEntry, seqMatches int, weakBytes int) *Index {
	idx := &Index{
		blocks:     blocks,
		byWeak:     make(map[uint32][]int, len(blocks)),
		seqMatches: seqMatches,
		weakBytes:  weakBytes,
	}
	for n, b := range blocks {
		idx.byWeak[b.Weak] = append(idx.byWeak[b.Weak], n)
	}
	if seqMatches == 2 {
		idx.pairs = make(map[pairKey]int, len(blocks))
		for n := 0; n+1 < len(blocks); n++ {
			idx.pairs[pairKey{blocks[n].Weak, blocks[n+1].Weak}] = n
		}
	}
	return idx
}

// Candidates returns the block numbers whose weak checksum equals k, in
// ascending order, or nil if there is no first-stage hit.
func (idx *Index) Candidates(k uint32) []int {
	return idx.byWeak[k]
}

// PairConfirmed reports whether blocks with weak checksums k1 followed by
// k2 appear consecutively in the target, as required before a strong-hash
// check is attempted when SeqMatches == 2. It is always
// true when SeqMatches != 2, since no pair confirmation is required in
// that mode.
func (idx *Index) PairConfirmed(k1, k2 uint32) bool {
	if idx.seqMatches != 2 {
		return true
	}
	_, ok := idx.pairs[pairKey{k1, k2}]
	return ok
}

// Strong returns the expected strong checksum for block n, for the
// caller's final confirmation step.
func (idx *Index) Strong(n int) []byte {
	return idx.blocks[n].Strong
}

// Len returns the number of blocks the target is divided into.
func (idx *Index) Len() int {
	return len(idx.blocks)
}

// SeqMatches returns the Hash-Lengths seqMatches value this index was
// built with.
func (idx *Index) SeqMatches() int {
	return idx.seqMatches
}

// WeakBytes returns the Hash-Lengths weakChecksumBytes value this index
// was built with, the mask width callers must apply to a freshly
// computed checksum before looking it up.
func (idx *Index) WeakBytes() int {
	return idx.weakBytes
}
