// Package bundleinfo extracts the update-information string and whole-
// file SHA-1 embedded in a target bundle: the magic bytes at offset 8
// ('A','I', type), a fixed offset/length for type-1 bundles, and the
// ".upd_info" ELF section for type-2, read via debug/elf.
package bundleinfo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"debug/elf"

	"appimageupdate/internal/checksum"
	"appimageupdate/internal/errs"
)

const (
	type1InfoOffset  = 0x8373
	type1InfoLen     = 0x200
	type2SectionName = ".upd_info"
)

// Info is what GetEmbeddedInfo returns: the bundle's own SHA-1 (used
// later to tell whether a reconstructed target actually changed) and
// its raw, still-undelimited update-information string.
type Info struct {
	FilePath   string
	SHA1       string
	UpdateInfo string
}

// Read opens path, locates its embedded update-information string, and
// hashes the whole file.
func Read(path string) (*Info, *errs.Error) {
	if path == "" {
		return nil, errs.New(errs.KindNoAppImagePathGiven, errs.ActionGetEmbeddedInfo, nil)
	}

	fi, statErr := os.Stat(path)
	if errors.Is(statErr, os.ErrNotExist) {
		return nil, errs.New(errs.KindAppImageNotFound, errs.ActionGetEmbeddedInfo, statErr)
	}
	if statErr != nil {
		return nil, errs.New(errs.KindCannotOpen, errs.ActionGetEmbeddedInfo, statErr)
	}
	if fi.IsDir() {
		return nil, errs.New(errs.KindAppImageNotFound, errs.ActionGetEmbeddedInfo, fmt.Errorf("%s is a directory", path))
	}

	f, openErr := os.Open(path)
	if openErr != nil {
		if errors.Is(openErr, os.ErrPermission) {
			return nil, errs.New(errs.KindNoReadPermission, errs.ActionGetEmbeddedInfo, openErr)
		}
		return nil, errs.New(errs.KindCannotOpen, errs.ActionGetEmbeddedInfo, openErr)
	}
	defer f.Close()

	magic := make([]byte, 3)
	if _, err := f.ReadAt(magic, 8); err != nil {
		return nil, errs.New(errs.KindInvalidMagic, errs.ActionGetEmbeddedInfo, err)
	}
	if magic[0] != 'A' || magic[1] != 'I' {
		return nil, errs.New(errs.KindInvalidMagic, errs.ActionGetEmbeddedInfo, fmt.Errorf("missing AppImage magic bytes"))
	}

	raw, infoErr := readUpdateString(f, magic[2])
	if infoErr != nil {
		return nil, infoErr
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.New(errs.KindEmptyUpdateInformation, errs.ActionGetEmbeddedInfo, nil)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errs.New(errs.KindCannotOpen, errs.ActionGetEmbeddedInfo, err)
	}
	sum, sumErr := checksum.WholeFile(f)
	if sumErr != nil {
		return nil, errs.New(errs.KindCannotOpen, errs.ActionGetEmbeddedInfo, sumErr)
	}

	return &Info{FilePath: path, SHA1: checksum.HexString(sum[:]), UpdateInfo: raw}, nil
}

func readUpdateString(f *os.File, appImageType byte) (string, *errs.Error) {
	switch appImageType {
	case 0x1:
		buf := make([]byte, type1InfoLen)
		n, err := f.ReadAt(buf, type1InfoOffset)
		if err != nil && err != io.EOF {
			return "", errs.New(errs.KindInvalidMagic, errs.ActionGetEmbeddedInfo, err)
		}
		return nulTerminated(buf[:n]), nil

	case 0x2:
		ef, err := elf.NewFile(f)
		if err != nil {
			return "", errs.New(errs.KindUnsupportedElfFormat, errs.ActionGetEmbeddedInfo, err)
		}
		defer ef.Close()

		sec := ef.Section(type2SectionName)
		if sec == nil {
			return "", errs.New(errs.KindSectionHeaderNotFound, errs.ActionGetEmbeddedInfo, fmt.Errorf("section %s not found", type2SectionName))
		}
		data, err := sec.Data()
		if err != nil {
			return "", errs.New(errs.KindSectionHeaderNotFound, errs.ActionGetEmbeddedInfo, err)
		}
		return nulTerminated(data), nil

	default:
		return "", errs.New(errs.KindInvalidMagic, errs.ActionGetEmbeddedInfo, fmt.Errorf("unrecognized AppImage type %d", appImageType))
	}
}

func nulTerminated(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
