package controlfile

import (
	"bytes"
	"strings"
	"testing"
)

func buildTestFile(t *testing.T, header string, table []byte) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(header)
	buf.WriteString("\n\n") // terminate the last header line, then the blank line
	buf.Write(table)
	return bytes.NewReader(buf.Bytes())
}

const testSHA1 = "da39a3ee5e6b4b0d3255bfef95601890afd80709"

func validHeader() string {
	return strings.Join([]string{
		"zsync: 0.6.2",
		"Filename: test.bin",
		"MTime: Wed, 01 Jan 2025 00:00:00 +0000",
		"Blocksize: 4",
		"Length: 8",
		"Hash-Lengths: 1:2:4",
		"URL: http://example.com/test.bin",
		"SHA-1: " + testSHA1,
	}, "\n")
}

func TestParseHeaderFields(t *testing.T) {
	table := make([]byte, 2*(2+4)) // 2 blocks, 6 bytes each
	r := buildTestFile(t, validHeader(), table)

	cf, err := Parse(r)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cf.Header.BlockSize != 4 {
		t.Errorf("BlockSize = %d, want 4", cf.Header.BlockSize)
	}
	if cf.Header.TargetLength != 8 {
		t.Errorf("TargetLength = %d, want 8", cf.Header.TargetLength)
	}
	if cf.Header.SeqMatches != 1 {
		t.Errorf("SeqMatches = %d, want 1", cf.Header.SeqMatches)
	}
	if cf.Header.WeakChecksumBytes != 2 || cf.Header.StrongChecksumBytes != 4 {
		t.Errorf("Hash-Lengths = %d:%d, want 2:4", cf.Header.WeakChecksumBytes, cf.Header.StrongChecksumBytes)
	}
	if cf.Header.TargetURL != "http://example.com/test.bin" {
		t.Errorf("TargetURL = %q", cf.Header.TargetURL)
	}
	if len(cf.Blocks) != 2 {
		t.Fatalf("len(Blocks) = %d, want 2", len(cf.Blocks))
	}
}

// TestWeakChecksumShiftedToHighBytes verifies that a weakChecksumBytes-byte
// wire value is reconstructed into the high-order bytes of the 32-bit
// checksum, not left as a right-aligned short value - the
// representation that checksum.Masked produces from a freshly computed
// checksum, and the one blockindex/seedscan compare against.
func TestWeakChecksumShiftedToHighBytes(t *testing.T) {
	table := []byte{
		0x12, 0x34, 0xAA, 0xBB, 0xCC, 0xDD, // block 0: weak=0x1234, strong=AABBCCDD
		0xAB, 0xCD, 0x11, 0x22, 0x33, 0x44, // block 1: weak=0xABCD, strong=11223344
	}
	r := buildTestFile(t, validHeader(), table)

	cf, err := Parse(r)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := cf.Blocks[0].Weak, uint32(0x12340000); got != want {
		t.Errorf("Blocks[0].Weak = %#x, want %#x", got, want)
	}
	if got, want := cf.Blocks[1].Weak, uint32(0xABCD0000); got != want {
		t.Errorf("Blocks[1].Weak = %#x, want %#x", got, want)
	}
}

func TestParseMissingRequiredKey(t *testing.T) {
	header := strings.Replace(validHeader(), "Blocksize: 4\n", "", 1)
	r := buildTestFile(t, header, nil)
	_, err := Parse(r)
	if err == nil || !IsMalformed(err) {
		t.Fatalf("Parse with missing Blocksize: err = %v, want a malformed-control-file error", err)
	}
}

func TestParseHashLengthsOutOfRange(t *testing.T) {
	header := strings.Replace(validHeader(), "Hash-Lengths: 1:2:4", "Hash-Lengths: 3:5:20", 1)
	r := buildTestFile(t, header, nil)
	_, err := Parse(r)
	if err == nil || !IsMalformed(err) {
		t.Fatalf("Parse with seqMatches=3: err = %v, want a malformed-control-file error", err)
	}
}

func TestParseTruncatedTable(t *testing.T) {
	r := buildTestFile(t, validHeader(), []byte{0x00, 0x01}) // far short of 2*6 bytes
	_, err := Parse(r)
	if err == nil || !IsMalformed(err) {
		t.Fatalf("Parse with short table: err = %v, want a malformed-control-file error", err)
	}
}

func TestBlockCountInvariant(t *testing.T) {
	h := Header{BlockSize: 4, TargetLength: 9}
	if got := h.BlockCount(); got != 3 {
		t.Errorf("BlockCount() = %d, want 3", got)
	}
	h2 := Header{BlockSize: 4, TargetLength: 8}
	if got := h2.BlockCount(); got != 2 {
		t.Errorf("BlockCount() = %d, want 2", got)
	}
}
