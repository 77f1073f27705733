package nca

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	ivfcMagic      = "IVFC"
	ivfcHeaderSize = 0xE0
	ivfcMaxLevels  = 6

	// Verified blocks kept per tree, keyed by (level, block index).
	ivfcCacheSize = 16
)

// IvfcHeader is the integrity-tree header found in RomFS and BKTR
// superblocks. Level 0 is the master hash itself; levels 1..NumLevels-1
// live inside the section at their logical offsets, the last of them being
// the file-system data.
type IvfcHeader struct {
	ID             uint32
	MasterHashSize uint32
	NumLevels      uint32
	Levels         [ivfcMaxLevels]IvfcLevel
	MasterHash     [32]byte
}

// IvfcLevel describes one tree level. The block size is stored as a log2
// exponent on disk.
type IvfcLevel struct {
	LogicalOffset uint64
	HashDataSize  uint64
	BlockSizeLog2 uint32
}

// BlockSize returns the level's block size in bytes.
func (l IvfcLevel) BlockSize() int64 { return 1 << l.BlockSizeLog2 }

// DataLevel returns the level holding the file-system bytes.
func (h *IvfcHeader) DataLevel() IvfcLevel { return h.Levels[h.NumLevels-1] }

func decodeIvfcHeader(raw []byte) (*IvfcHeader, error) {
	if len(raw) < ivfcHeaderSize {
		return nil, fmt.Errorf("ivfc header truncated")
	}
	if string(raw[0:4]) != ivfcMagic {
		return nil, fmt.Errorf("bad ivfc magic %q", raw[0:4])
	}

	h := &IvfcHeader{
		ID:             binary.LittleEndian.Uint32(raw[0x4:]),
		MasterHashSize: binary.LittleEndian.Uint32(raw[0x8:]),
		NumLevels:      binary.LittleEndian.Uint32(raw[0xC:]),
	}
	if h.NumLevels < 2 || h.NumLevels > ivfcMaxLevels {
		return nil, fmt.Errorf("ivfc level count %d out of range", h.NumLevels)
	}
	if h.MasterHashSize == 0 || h.MasterHashSize > 32 {
		return nil, fmt.Errorf("ivfc master hash size %d out of range", h.MasterHashSize)
	}
	for i := 0; i < ivfcMaxLevels; i++ {
		off := 0x10 + i*0x18
		h.Levels[i] = IvfcLevel{
			LogicalOffset: binary.LittleEndian.Uint64(raw[off:]),
			HashDataSize:  binary.LittleEndian.Uint64(raw[off+8:]),
			BlockSizeLog2: binary.LittleEndian.Uint32(raw[off+16:]),
		}
	}
	copy(h.MasterHash[:], raw[0xC0:0xE0])
	return h, nil
}

// rawReader reads decrypted but unverified section-space bytes.
type rawReader interface {
	readRaw(ctx context.Context, p []byte, off int64) error
}

type ivfcBlockKey struct {
	level int
	index int64
}

// ivfcVerifier checks tree blocks on demand. Verification results are
// cached so repeated reads over hot blocks hash only once.
type ivfcVerifier struct {
	section int
	ncaOff  int64 // section start inside the NCA, for error offsets
	hdr     *IvfcHeader
	raw     rawReader
	cache   *lru.Cache[ivfcBlockKey, struct{}]
}

func newIvfcVerifier(section int, ncaOff int64, hdr *IvfcHeader, raw rawReader) *ivfcVerifier {
	cache, _ := lru.New[ivfcBlockKey, struct{}](ivfcCacheSize)
	return &ivfcVerifier{section: section, ncaOff: ncaOff, hdr: hdr, raw: raw, cache: cache}
}

// verifyRange verifies every data-level block covering the section-space
// range [off, off+length). Ranges outside the data level are ignored.
func (v *ivfcVerifier) verifyRange(ctx context.Context, off, length int64) error {
	data := v.hdr.DataLevel()
	lo := int64(data.LogicalOffset)
	hi := lo + int64(data.HashDataSize)

	start := off
	if start < lo {
		start = lo
	}
	end := off + length
	if end > hi {
		end = hi
	}
	if start >= end {
		return nil
	}

	bs := data.BlockSize()
	level := int(v.hdr.NumLevels) - 1
	for idx := (start - lo) / bs; idx*bs < end-lo; idx++ {
		if err := v.verifyBlock(ctx, level, idx); err != nil {
			return err
		}
	}
	return nil
}

func (v *ivfcVerifier) verifyBlock(ctx context.Context, level int, index int64) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	key := ivfcBlockKey{level, index}
	if _, ok := v.cache.Get(key); ok {
		return nil
	}

	lvl := v.hdr.Levels[level]
	bs := lvl.BlockSize()
	blockOff := index * bs
	if blockOff >= int64(lvl.HashDataSize) {
		return malformed("ivfc level %d block %d beyond hash data", level, index)
	}

	// The stored hash for this block sits at index*32 in the parent level;
	// for level 1 the parent is the master hash in the header.
	var want []byte
	hashOff := index * sha256.Size
	if level == 1 {
		if hashOff+sha256.Size > int64(v.hdr.MasterHashSize) {
			return malformed("ivfc level 1 block %d beyond master hash", index)
		}
		want = v.hdr.MasterHash[hashOff : hashOff+sha256.Size]
	} else {
		parent := v.hdr.Levels[level-1]
		if err := v.verifyBlock(ctx, level-1, hashOff/parent.BlockSize()); err != nil {
			return err
		}
		buf := make([]byte, sha256.Size)
		if err := v.raw.readRaw(ctx, buf, int64(parent.LogicalOffset)+hashOff); err != nil {
			return err
		}
		want = buf
	}

	// Final block is zero-padded up to the block size before hashing.
	block := make([]byte, bs)
	n := int64(lvl.HashDataSize) - blockOff
	if n > bs {
		n = bs
	}
	if err := v.raw.readRaw(ctx, block[:n], int64(lvl.LogicalOffset)+blockOff); err != nil {
		return err
	}

	sum := sha256.Sum256(block)
	if !bytes.Equal(sum[:], want) {
		return &IntegrityError{
			Section: v.section,
			Level:   level,
			Offset:  v.ncaOff + int64(lvl.LogicalOffset) + blockOff,
		}
	}

	v.cache.Add(key, struct{}{})
	return nil
}
