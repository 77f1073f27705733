package nca

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	romfsHeaderSize = 0x50
	romfsNone       = 0xFFFFFFFF

	romfsDirEntrySize  = 0x18 // fixed part, name follows
	romfsFileEntrySize = 0x20
)

// verifiedSpace is a decrypting, integrity-checked byte space: either a
// plain section or a BKTR overlay.
type verifiedSpace interface {
	readVerified(ctx context.Context, p []byte, off int64) error
}

// RomFsHeader is the 0x50-byte RomFS header. All offsets are relative to
// the image start.
type RomFsHeader struct {
	HeaderSize        uint64
	DirHashTableOff   uint64
	DirHashTableSize  uint64
	DirMetaTableOff   uint64
	DirMetaTableSize  uint64
	FileHashTableOff  uint64
	FileHashTableSize uint64
	FileMetaTableOff  uint64
	FileMetaTableSize uint64
	DataOffset        uint64
}

// DirEntry is a decoded directory metadata entry.
type DirEntry struct {
	Offset      uint32 // entry offset within the directory table
	Parent      uint32
	Sibling     uint32
	ChildDir    uint32
	ChildFile   uint32
	HashSibling uint32
	Name        string
}

// FileEntry is a decoded file metadata entry.
type FileEntry struct {
	Offset      uint32 // entry offset within the file table
	Parent      uint32
	Sibling     uint32
	DataOffset  uint64
	DataSize    uint64
	HashSibling uint32
	Name        string
}

// RomFsView navigates a RomFS image, either directly over a section or
// over a BKTR overlay.
type RomFsView struct {
	a     *Archive
	space verifiedSpace
	base  int64 // image start within the space
	hdr   RomFsHeader

	dirTable  []byte
	fileTable []byte
	dirHash   []uint32
	fileHash  []uint32
}

// OpenRomFS parses the RomFS in the given section. For a BKTR section the
// returned view transparently reads through the relocation overlay; the
// base application's RomFS section must have been supplied via WithBase.
func (a *Archive) OpenRomFS(ctx context.Context, index int) (*RomFsView, error) {
	if err := a.usable(); err != nil {
		return nil, err
	}
	s, err := a.Section(index)
	if err != nil {
		return nil, err
	}
	fsh := s.FsHeader()

	var space verifiedSpace
	var ivfc *IvfcHeader
	switch {
	case fsh.Bktr != nil:
		if a.base == nil {
			return nil, &KeyError{Kind: "base", Err: ErrNotFound}
		}
		overlay, err := a.openOverlay(ctx, s, fsh.Bktr)
		if err != nil {
			return nil, a.poison(err)
		}
		ivfc = &fsh.Bktr.Ivfc
		overlay.ivfc = newIvfcVerifier(index, s.offset, ivfc, overlay)
		space = overlay
	case fsh.Ivfc != nil:
		ivfc = fsh.Ivfc
		space = s
	default:
		return nil, malformed("section %d is not a RomFS section", index)
	}

	v := &RomFsView{
		a:     a,
		space: space,
		base:  int64(ivfc.DataLevel().LogicalOffset),
	}
	if err := a.poison(v.parse(ctx)); err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{
		"section": index,
		"patched": fsh.Bktr != nil,
	}).Debug("opened romfs")
	return v, nil
}

func (v *RomFsView) parse(ctx context.Context) error {
	raw := make([]byte, romfsHeaderSize)
	if err := v.space.readVerified(ctx, raw, v.base); err != nil {
		return err
	}

	fields := []*uint64{
		&v.hdr.HeaderSize,
		&v.hdr.DirHashTableOff, &v.hdr.DirHashTableSize,
		&v.hdr.DirMetaTableOff, &v.hdr.DirMetaTableSize,
		&v.hdr.FileHashTableOff, &v.hdr.FileHashTableSize,
		&v.hdr.FileMetaTableOff, &v.hdr.FileMetaTableSize,
		&v.hdr.DataOffset,
	}
	for i, f := range fields {
		*f = binary.LittleEndian.Uint64(raw[i*8:])
	}

	if v.hdr.HeaderSize != romfsHeaderSize {
		return malformed("romfs header size %#x", v.hdr.HeaderSize)
	}
	if v.hdr.DirHashTableSize%4 != 0 || v.hdr.FileHashTableSize%4 != 0 {
		return malformed("romfs hash table size not word aligned")
	}

	var err error
	if v.dirTable, err = v.readTable(ctx, v.hdr.DirMetaTableOff, v.hdr.DirMetaTableSize); err != nil {
		return err
	}
	if v.fileTable, err = v.readTable(ctx, v.hdr.FileMetaTableOff, v.hdr.FileMetaTableSize); err != nil {
		return err
	}

	dirHashRaw, err := v.readTable(ctx, v.hdr.DirHashTableOff, v.hdr.DirHashTableSize)
	if err != nil {
		return err
	}
	fileHashRaw, err := v.readTable(ctx, v.hdr.FileHashTableOff, v.hdr.FileHashTableSize)
	if err != nil {
		return err
	}
	v.dirHash = decodeU32Table(dirHashRaw)
	v.fileHash = decodeU32Table(fileHashRaw)

	return nil
}

func (v *RomFsView) readTable(ctx context.Context, off, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := v.space.readVerified(ctx, p, v.base+int64(off)); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeU32Table(raw []byte) []uint32 {
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out
}

// dirEntryAt decodes the directory entry at a table offset.
func (v *RomFsView) dirEntryAt(off uint32) (DirEntry, error) {
	t := v.dirTable
	if off%4 != 0 || int64(off)+romfsDirEntrySize > int64(len(t)) {
		return DirEntry{}, malformed("romfs dir entry offset %#x out of bounds", off)
	}
	e := DirEntry{
		Offset:      off,
		Parent:      binary.LittleEndian.Uint32(t[off:]),
		Sibling:     binary.LittleEndian.Uint32(t[off+4:]),
		ChildDir:    binary.LittleEndian.Uint32(t[off+8:]),
		ChildFile:   binary.LittleEndian.Uint32(t[off+12:]),
		HashSibling: binary.LittleEndian.Uint32(t[off+16:]),
	}
	nameLen := binary.LittleEndian.Uint32(t[off+20:])
	if int64(off)+romfsDirEntrySize+int64(nameLen) > int64(len(t)) {
		return DirEntry{}, malformed("romfs dir entry name at %#x out of bounds", off)
	}
	e.Name = string(t[off+romfsDirEntrySize : off+romfsDirEntrySize+nameLen])
	return e, nil
}

// fileEntryAt decodes the file entry at a table offset.
func (v *RomFsView) fileEntryAt(off uint32) (FileEntry, error) {
	t := v.fileTable
	if off%4 != 0 || int64(off)+romfsFileEntrySize > int64(len(t)) {
		return FileEntry{}, malformed("romfs file entry offset %#x out of bounds", off)
	}
	e := FileEntry{
		Offset:      off,
		Parent:      binary.LittleEndian.Uint32(t[off:]),
		Sibling:     binary.LittleEndian.Uint32(t[off+4:]),
		DataOffset:  binary.LittleEndian.Uint64(t[off+8:]),
		DataSize:    binary.LittleEndian.Uint64(t[off+16:]),
		HashSibling: binary.LittleEndian.Uint32(t[off+24:]),
	}
	nameLen := binary.LittleEndian.Uint32(t[off+28:])
	if int64(off)+romfsFileEntrySize+int64(nameLen) > int64(len(t)) {
		return FileEntry{}, malformed("romfs file entry name at %#x out of bounds", off)
	}
	e.Name = string(t[off+romfsFileEntrySize : off+romfsFileEntrySize+nameLen])
	return e, nil
}

// Root returns the root directory entry.
func (v *RomFsView) Root() (DirEntry, error) {
	return v.dirEntryAt(0)
}

// pathHash is the on-disk name hash: the parent entry offset mixed into a
// rotate-and-xor over the name bytes.
func pathHash(parent uint32, name string) uint32 {
	h := parent ^ 123456789
	for i := 0; i < len(name); i++ {
		h = (h >> 5) | (h << 27)
		h ^= uint32(name[i])
	}
	return h
}

// lookupDir finds a child directory of parent by name, trying the hash
// chain first and falling back to a linear sibling walk.
func (v *RomFsView) lookupDir(parent DirEntry, name string) (DirEntry, error) {
	if len(v.dirHash) > 0 {
		bucket := pathHash(parent.Offset, name) % uint32(len(v.dirHash))
		for off := v.dirHash[bucket]; off != romfsNone; {
			e, err := v.dirEntryAt(off)
			if err != nil {
				return DirEntry{}, err
			}
			if e.Parent == parent.Offset && e.Name == name {
				return e, nil
			}
			off = e.HashSibling
		}
	}

	for off := parent.ChildDir; off != romfsNone; {
		e, err := v.dirEntryAt(off)
		if err != nil {
			return DirEntry{}, err
		}
		if e.Name == name {
			return e, nil
		}
		off = e.Sibling
	}
	return DirEntry{}, ErrNotFound
}

// lookupFile finds a file in parent by name, hash chain first, then the
// sibling walk.
func (v *RomFsView) lookupFile(parent DirEntry, name string) (FileEntry, error) {
	if len(v.fileHash) > 0 {
		bucket := pathHash(parent.Offset, name) % uint32(len(v.fileHash))
		for off := v.fileHash[bucket]; off != romfsNone; {
			e, err := v.fileEntryAt(off)
			if err != nil {
				return FileEntry{}, err
			}
			if e.Parent == parent.Offset && e.Name == name {
				return e, nil
			}
			off = e.HashSibling
		}
	}

	for off := parent.ChildFile; off != romfsNone; {
		e, err := v.fileEntryAt(off)
		if err != nil {
			return FileEntry{}, err
		}
		if e.Name == name {
			return e, nil
		}
		off = e.Sibling
	}
	return FileEntry{}, ErrNotFound
}

// OpenDir resolves a /-separated path to a directory entry.
func (v *RomFsView) OpenDir(path string) (DirEntry, error) {
	dir, err := v.Root()
	if err != nil {
		return DirEntry{}, err
	}
	for _, part := range splitPath(path) {
		if dir, err = v.lookupDir(dir, part); err != nil {
			return DirEntry{}, err
		}
	}
	return dir, nil
}

// OpenFile resolves a /-separated path to a file entry.
func (v *RomFsView) OpenFile(path string) (FileEntry, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return FileEntry{}, ErrNotFound
	}

	dir, err := v.Root()
	if err != nil {
		return FileEntry{}, err
	}
	for _, part := range parts[:len(parts)-1] {
		if dir, err = v.lookupDir(dir, part); err != nil {
			return FileEntry{}, err
		}
	}
	return v.lookupFile(dir, parts[len(parts)-1])
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Dirs returns the child directories of dir.
func (v *RomFsView) Dirs(dir DirEntry) ([]DirEntry, error) {
	var out []DirEntry
	for off := dir.ChildDir; off != romfsNone; {
		e, err := v.dirEntryAt(off)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		off = e.Sibling
	}
	return out, nil
}

// Files returns the files directly inside dir.
func (v *RomFsView) Files(dir DirEntry) ([]FileEntry, error) {
	var out []FileEntry
	for off := dir.ChildFile; off != romfsNone; {
		e, err := v.fileEntryAt(off)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		off = e.Sibling
	}
	return out, nil
}

// ReadFile returns length bytes of f starting at off.
func (v *RomFsView) ReadFile(ctx context.Context, f FileEntry, off, length int64) ([]byte, error) {
	if err := v.a.usable(); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if off < 0 || length < 0 || off+length > int64(f.DataSize) {
		return nil, outOfRange(-1, off, length, int64(f.DataSize))
	}

	p := make([]byte, length)
	abs := v.base + int64(v.hdr.DataOffset) + int64(f.DataOffset) + off
	if err := v.a.poison(v.space.readVerified(ctx, p, abs)); err != nil {
		return nil, err
	}
	return p, nil
}
