package seedscan

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"

	"appimageupdate/internal/blockindex"
	"appimageupdate/internal/checksum"
	"appimageupdate/internal/controlfile"
	"appimageupdate/internal/target"
)

const blockSize = int64(4)

// buildIndex derives a block table (and the index over it) from target
// bytes, exactly as a real control file's table would have been built by
// the remote side - the inverse of what Scan has to reconstruct.
func buildIndex(t *testing.T, targetBytes []byte, seqMatches int) (*blockindex.Index, int) {
	t.Helper()
	blockCount := (len(targetBytes) + int(blockSize) - 1) / int(blockSize)
	blocks := make([]controlfile.BlockEntry, blockCount)
	for n := 0; n < blockCount; n++ {
		lo := n * int(blockSize)
		hi := lo + int(blockSize)
		if hi > len(targetBytes) {
			hi = len(targetBytes)
		}
		window := make([]byte, blockSize)
		copy(window, targetBytes[lo:hi])
		blocks[n] = controlfile.BlockEntry{
			Weak:   checksum.NewWeak(window).Value(),
			Strong: checksum.Strong(window, 8),
		}
	}
	return blockindex.Build(blocks, seqMatches, 4), blockCount
}

func TestScanIdentityFileReconstructsEveryBlock(t *testing.T) {
	targetBytes := []byte("WXYZabcdEFGH") // 3 whole blocks of 4
	idx, blockCount := buildIndex(t, targetBytes, 1)

	store := openStore(t, int64(len(targetBytes)), blockCount)
	res := Scan(context.Background(), bytes.NewReader(targetBytes), int64(len(targetBytes)), idx, store, blockSize, make(chan Progress, 8), zerolog.Nop())
	if res.Err != nil {
		t.Fatalf("Scan: %v", res.Err)
	}
	if !store.AllPresent() {
		t.Fatalf("expected every block reconstructed from an identical local file, missing ranges: %v", store.MissingRanges())
	}
	for n := 0; n < blockCount; n++ {
		got, err := store.ReadBlock(n)
		if err != nil {
			t.Fatalf("ReadBlock(%d): %v", n, err)
		}
		lo := n * int(blockSize)
		hi := lo + int(blockSize)
		if hi > len(targetBytes) {
			hi = len(targetBytes)
		}
		if !bytes.Equal(got, targetBytes[lo:hi]) {
			t.Errorf("block %d = %q, want %q", n, got, targetBytes[lo:hi])
		}
	}
}

func TestScanPrependedByteFindsOffsetMatches(t *testing.T) {
	local := []byte("WXYZabcdEFGH")
	targetBytes := append([]byte{0x00}, local...) // one byte prepended
	idx, _ := buildIndex(t, targetBytes, 1)

	store := openStore(t, int64(len(targetBytes)), len(targetBytes)/int(blockSize)+1)
	res := Scan(context.Background(), bytes.NewReader(local), int64(len(local)), idx, store, blockSize, make(chan Progress, 8), zerolog.Nop())
	if res.Err != nil {
		t.Fatalf("Scan: %v", res.Err)
	}
	if res.BlocksFound == 0 {
		t.Fatal("expected at least one block reconstructed via a one-byte-offset rolling match")
	}
}

func openStore(t *testing.T, length int64, blockCount int) *target.Store {
	t.Helper()
	path := t.TempDir() + "/target.bin"
	s, err := target.Open(path, length, blockSize, blockCount)
	if err != nil {
		t.Fatalf("target.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
