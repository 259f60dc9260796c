package bundleinfo

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"appimageupdate/internal/errs"
)

func writeType1Bundle(t *testing.T, updateString string) (string, []byte) {
	t.Helper()
	buf := make([]byte, type1InfoOffset+type1InfoLen)
	for i := range buf {
		buf[i] = byte(i * 31)
	}
	buf[8], buf[9], buf[10] = 'A', 'I', 0x01
	for i := type1InfoOffset; i < type1InfoOffset+type1InfoLen; i++ {
		buf[i] = 0
	}
	copy(buf[type1InfoOffset:], updateString)

	path := filepath.Join(t.TempDir(), "bundle.AppImage")
	if err := os.WriteFile(path, buf, 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, buf
}

func TestReadType1Bundle(t *testing.T) {
	const update = "zsync|https://example.com/app.zsync"
	path, raw := writeType1Bundle(t, update)

	info, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if info.UpdateInfo != update {
		t.Errorf("UpdateInfo = %q, want %q", info.UpdateInfo, update)
	}
	sum := sha1.Sum(raw)
	if info.SHA1 != hex.EncodeToString(sum[:]) {
		t.Errorf("SHA1 = %s, want %s", info.SHA1, hex.EncodeToString(sum[:]))
	}
}

func TestReadErrorKinds(t *testing.T) {
	if _, err := Read(""); err == nil || err.Kind != errs.KindNoAppImagePathGiven {
		t.Errorf("empty path: err = %v, want NoAppImagePathGiven", err)
	}

	if _, err := Read(filepath.Join(t.TempDir(), "nope.AppImage")); err == nil || err.Kind != errs.KindAppImageNotFound {
		t.Errorf("missing file: err = %v, want AppImageNotFound", err)
	}

	noMagic := filepath.Join(t.TempDir(), "plain.bin")
	if werr := os.WriteFile(noMagic, make([]byte, 64), 0644); werr != nil {
		t.Fatalf("WriteFile: %v", werr)
	}
	if _, err := Read(noMagic); err == nil || err.Kind != errs.KindInvalidMagic {
		t.Errorf("no magic: err = %v, want InvalidMagic", err)
	}
}

func TestReadEmptyUpdateInformation(t *testing.T) {
	path, _ := writeType1Bundle(t, "")
	if _, err := Read(path); err == nil || err.Kind != errs.KindEmptyUpdateInformation {
		t.Errorf("err = %v, want EmptyUpdateInformation", err)
	}
}
