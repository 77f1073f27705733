package nca

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
)

const (
	pfs0Magic       = "PFS0"
	pfs0HeaderSize  = 0x10
	pfs0EntrySize   = 0x18
	exefsMainModule = "main.npdm"
)

// Pfs0Entry is one file in a PFS0 partition.
type Pfs0Entry struct {
	Offset     uint64 // relative to the data region
	Size       uint64
	NameOffset uint32
}

// Pfs0View is a decoded PFS0 partition backed by a section reader. Entry
// payload reads are verified against the section's SHA-256 hash table.
type Pfs0View struct {
	s        *Section
	sb       *Pfs0Superblock
	imageOff int64 // section-space offset of the PFS0 image
	dataOff  int64 // section-space offset of the data region
	dataSize int64
	entries  []Pfs0Entry
	names    []string

	hashTable []byte
	verified  map[int64]struct{}
}

// OpenPFS0 parses the PFS0 partition in the given section.
func (a *Archive) OpenPFS0(ctx context.Context, index int) (*Pfs0View, error) {
	if err := a.usable(); err != nil {
		return nil, err
	}
	s, err := a.Section(index)
	if err != nil {
		return nil, err
	}
	sb := s.FsHeader().Pfs0
	if sb == nil {
		return nil, malformed("section %d is not a PFS0 section", index)
	}

	v := &Pfs0View{
		s:        s,
		sb:       sb,
		imageOff: int64(sb.Pfs0Offset),
		verified: make(map[int64]struct{}),
	}

	if err := a.poison(v.parse(ctx)); err != nil {
		return nil, err
	}

	a.log.WithField("entries", len(v.entries)).Debug("opened pfs0 partition")
	return v, nil
}

func (v *Pfs0View) parse(ctx context.Context) error {
	s := v.s

	// The hash table is covered by the superblock's master hash; check it
	// up front so per-block verification can trust it afterwards.
	v.hashTable = make([]byte, v.sb.HashTableSize)
	if err := s.readRaw(ctx, v.hashTable, int64(v.sb.HashTableOffset)); err != nil {
		return err
	}
	sum := sha256.Sum256(v.hashTable)
	if !bytes.Equal(sum[:], v.sb.MasterHash[:]) {
		return &IntegrityError{Section: s.index, Level: -1, Offset: s.offset + int64(v.sb.HashTableOffset)}
	}

	hdr := make([]byte, pfs0HeaderSize)
	if err := v.readVerified(ctx, hdr, v.imageOff); err != nil {
		return err
	}
	if string(hdr[0:4]) != pfs0Magic {
		return malformed("section %d: bad PFS0 magic %q", s.index, hdr[0:4])
	}
	fileCount := binary.LittleEndian.Uint32(hdr[4:])
	stringTableSize := binary.LittleEndian.Uint32(hdr[8:])

	tableSize := int64(fileCount)*pfs0EntrySize + int64(stringTableSize)
	if pfs0HeaderSize+tableSize > int64(v.sb.Pfs0Size) {
		return malformed("section %d: PFS0 tables exceed partition size", s.index)
	}

	table := make([]byte, tableSize)
	if err := v.readVerified(ctx, table, v.imageOff+pfs0HeaderSize); err != nil {
		return err
	}
	stringTable := table[int64(fileCount)*pfs0EntrySize:]

	v.dataOff = v.imageOff + pfs0HeaderSize + tableSize
	v.dataSize = int64(v.sb.Pfs0Size) - pfs0HeaderSize - tableSize

	v.entries = make([]Pfs0Entry, fileCount)
	v.names = make([]string, fileCount)
	for i := range v.entries {
		raw := table[i*pfs0EntrySize:]
		e := Pfs0Entry{
			Offset:     binary.LittleEndian.Uint64(raw[0:]),
			Size:       binary.LittleEndian.Uint64(raw[8:]),
			NameOffset: binary.LittleEndian.Uint32(raw[16:]),
		}
		if e.Offset+e.Size > uint64(v.dataSize) {
			return malformed("section %d: PFS0 entry %d exceeds data region", s.index, i)
		}
		if e.NameOffset >= stringTableSize {
			return malformed("section %d: PFS0 entry %d name offset out of bounds", s.index, i)
		}
		v.entries[i] = e

		name := stringTable[e.NameOffset:]
		if j := bytes.IndexByte(name, 0); j >= 0 {
			name = name[:j]
		}
		v.names[i] = string(name)
	}

	return nil
}

// EntryCount returns the number of files in the partition.
func (v *Pfs0View) EntryCount() int { return len(v.entries) }

// Entry returns the i-th file entry.
func (v *Pfs0View) Entry(i int) Pfs0Entry { return v.entries[i] }

// Name returns the i-th file name.
func (v *Pfs0View) Name(i int) string { return v.names[i] }

// Lookup finds an entry index by name.
func (v *Pfs0View) Lookup(name string) (int, bool) {
	for i, n := range v.names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// IsExeFS reports whether the partition looks like an ExeFS. The first
// entries of an ExeFS are NSO modules alongside main.npdm; this is a hint,
// not an invariant.
func (v *Pfs0View) IsExeFS() bool {
	_, ok := v.Lookup(exefsMainModule)
	return ok
}

// ReadEntry returns length bytes of the i-th file starting at off.
func (v *Pfs0View) ReadEntry(ctx context.Context, i int, off, length int64) ([]byte, error) {
	if err := v.s.a.usable(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(v.entries) {
		return nil, ErrNotFound
	}
	e := v.entries[i]
	if length == 0 {
		return nil, nil
	}
	if off < 0 || length < 0 || off+length > int64(e.Size) {
		return nil, outOfRange(v.s.index, off, length, int64(e.Size))
	}

	p := make([]byte, length)
	if err := v.s.a.poison(v.readVerified(ctx, p, v.dataOff+int64(e.Offset)+off)); err != nil {
		return nil, err
	}
	return p, nil
}

// readVerified reads section-space bytes after checking the covering
// hash-table blocks.
func (v *Pfs0View) readVerified(ctx context.Context, p []byte, off int64) error {
	if err := v.verifyRange(ctx, off, int64(len(p))); err != nil {
		return err
	}
	return v.s.readRaw(ctx, p, off)
}

// verifyRange checks every hash block covering [off, off+length) of the
// PFS0 image. The final block is hashed at its true, truncated length.
func (v *Pfs0View) verifyRange(ctx context.Context, off, length int64) error {
	bs := int64(v.sb.BlockSize)
	imageEnd := v.imageOff + int64(v.sb.Pfs0Size)

	start := off
	if start < v.imageOff {
		start = v.imageOff
	}
	end := off + length
	if end > imageEnd {
		end = imageEnd
	}

	for idx := (start - v.imageOff) / bs; idx*bs < end-v.imageOff; idx++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		if _, ok := v.verified[idx]; ok {
			continue
		}

		hashOff := idx * sha256.Size
		if hashOff+sha256.Size > int64(len(v.hashTable)) {
			return malformed("section %d: hash table too small for block %d", v.s.index, idx)
		}

		blockOff := v.imageOff + idx*bs
		n := imageEnd - blockOff
		if n > bs {
			n = bs
		}
		block := make([]byte, n)
		if err := v.s.readRaw(ctx, block, blockOff); err != nil {
			return err
		}

		sum := sha256.Sum256(block)
		if !bytes.Equal(sum[:], v.hashTable[hashOff:hashOff+sha256.Size]) {
			return &IntegrityError{Section: v.s.index, Level: -1, Offset: v.s.offset + blockOff}
		}
		v.verified[idx] = struct{}{}
	}
	return nil
}
