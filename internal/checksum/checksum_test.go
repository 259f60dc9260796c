package checksum

import (
	"bytes"
	"strings"
	"testing"
)

func TestWeakMatchesRoll(t *testing.T) {
	data := []byte("aaabcd")
	blockSize := uint32(4)

	full := NewWeak(data[2:6]) // window "abcd" computed directly

	w := NewWeak(data[0:4]) // window "aaab"
	w = w.Roll(blockSize, data[0], data[4])
	w = w.Roll(blockSize, data[1], data[5])

	if w.Value() != full.Value() {
		t.Errorf("rolled checksum = %d, want %d", w.Value(), full.Value())
	}
}

func TestWeakValueDeterministic(t *testing.T) {
	a := NewWeak([]byte("Hello, World!"))
	b := NewWeak([]byte("Hello, World!"))
	if a.Value() != b.Value() {
		t.Error("same window should produce the same weak checksum")
	}

	c := NewWeak([]byte("Different data"))
	if a.Value() == c.Value() {
		t.Error("different windows should (overwhelmingly likely) produce different weak checksums")
	}
}

func TestMasked(t *testing.T) {
	tests := []struct {
		value uint32
		n     int
		want  uint32
	}{
		{0xAABBCCDD, 4, 0xAABBCCDD},
		{0xAABBCCDD, 2, 0xAABB0000},
		{0xAABBCCDD, 0, 0},
	}
	for _, tt := range tests {
		if got := Masked(tt.value, tt.n); got != tt.want {
			t.Errorf("Masked(%#x, %d) = %#x, want %#x", tt.value, tt.n, got, tt.want)
		}
	}
}

func TestStrongTruncates(t *testing.T) {
	block := make([]byte, 64)
	full := Strong(block, 16)
	if len(full) != 16 {
		t.Fatalf("len(full) = %d, want 16", len(full))
	}
	short := Strong(block, 4)
	if len(short) != 4 {
		t.Fatalf("len(short) = %d, want 4", len(short))
	}
	if !bytes.Equal(full[:4], short) {
		t.Error("truncated strong checksum should be a prefix of the full one")
	}
}

func TestWholeFile(t *testing.T) {
	sum, err := WholeFile(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("WholeFile: %v", err)
	}
	want := "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"
	if got := HexString(sum[:]); got != want {
		t.Errorf("sha1 = %s, want %s", got, want)
	}
}
