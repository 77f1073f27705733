// Package storage maps content ids onto random-access NCA bytes. It hides
// whether a content sits on disk as a plain .nca or as a zstd-compressed
// .ncz dump.
package storage

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ContentID identifies an NCA within a storage.
type ContentID [16]byte

// ParseContentID parses the 32-hex-digit content id used in dump file
// names.
func ParseContentID(s string) (ContentID, error) {
	var id ContentID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("bad content id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Storage provides random read access to NCAs by content id.
type Storage interface {
	OpenContent(id ContentID) (io.ReaderAt, int64, error)
}

// Dir is a Storage over a directory of <id>.nca / <id>.ncz files, the
// layout produced by dump tools.
type Dir string

// OpenContent opens the content's file, transparently decompressing NCZ.
func (d Dir) OpenContent(id ContentID) (io.ReaderAt, int64, error) {
	for _, ext := range []string{".nca", ".ncz"} {
		path := filepath.Join(string(d), id.String()+ext)
		if _, err := os.Stat(path); err == nil {
			return OpenFile(path)
		}
	}
	return nil, 0, fmt.Errorf("content %s not found in %s", id, string(d))
}

// OpenFile opens a single .nca or .ncz file for random reads. NCZ files
// are reassembled into byte-exact NCA images.
func OpenFile(path string) (io.ReaderAt, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	if strings.EqualFold(filepath.Ext(path), ".ncz") || isNcz(f) {
		defer f.Close()
		return OpenNCZ(f, info.Size())
	}
	return f, info.Size(), nil
}

func isNcz(r io.ReaderAt) bool {
	magic := make([]byte, 8)
	if _, err := r.ReadAt(magic, nczHeaderOffset); err != nil {
		return false
	}
	return string(magic) == magicNczSection
}
