package nca

import (
	"context"
	"encoding/binary"
	"sort"
)

const (
	bktrMagic = "BKTR"

	bktrBlockHeaderSize = 0x10   // {u32 reserved, u32 num_buckets, u64 total_size}
	bktrBaseOffsetsSize = 0x3FF0 // bucket offset table padding the header to one bucket
	bktrBucketSize      = 0x4000

	relocationEntrySize  = 0x14
	subsectionEntrySize  = 0x10
	maxRelocationEntries = (bktrBucketSize - bktrBlockHeaderSize) / relocationEntrySize
	maxSubsectionEntries = (bktrBucketSize - bktrBlockHeaderSize) / subsectionEntrySize
)

// relocationEntry maps a run of virtual offsets onto the patch section or
// the base RomFS.
type relocationEntry struct {
	virt  uint64
	phys  uint64
	patch bool
}

type relocationBucket struct {
	endVirt uint64
	entries []relocationEntry
}

// relocationIndex is the parsed relocation block: a two-level structure
// binary-searched first by bucket, then by entry.
type relocationIndex struct {
	totalSize   uint64
	bucketVirts []uint64
	buckets     []relocationBucket
}

// subsectionEntry rebases the CTR counter for a run of patch-section
// physical offsets.
type subsectionEntry struct {
	off uint64
	ctr uint32
}

type subsectionBucket struct {
	endPhys uint64
	entries []subsectionEntry
}

type subsectionIndex struct {
	totalSize  uint64
	bucketPhys []uint64
	buckets    []subsectionBucket
}

// parseRelocationBlock decodes and validates a decrypted relocation block.
func parseRelocationBlock(raw []byte, section int) (*relocationIndex, error) {
	numBuckets, totalSize, virts, err := parseBlockHeader(raw, section)
	if err != nil {
		return nil, err
	}

	ix := &relocationIndex{totalSize: totalSize, bucketVirts: virts}
	for b := 0; b < numBuckets; b++ {
		bucketRaw := raw[bktrBucketSize*(b+1) : bktrBucketSize*(b+2)]
		numEntries := binary.LittleEndian.Uint32(bucketRaw[4:])
		if numEntries > maxRelocationEntries {
			return nil, malformed("section %d: relocation bucket %d has %d entries", section, b, numEntries)
		}

		bucket := relocationBucket{
			endVirt: binary.LittleEndian.Uint64(bucketRaw[8:]),
			entries: make([]relocationEntry, numEntries),
		}
		for i := range bucket.entries {
			entryRaw := bucketRaw[bktrBlockHeaderSize+i*relocationEntrySize:]
			e := relocationEntry{
				virt: binary.LittleEndian.Uint64(entryRaw[0:]),
				phys: binary.LittleEndian.Uint64(entryRaw[8:]),
			}
			switch binary.LittleEndian.Uint32(entryRaw[16:]) {
			case 0:
			case 1:
				e.patch = true
			default:
				return nil, malformed("section %d: relocation entry %d/%d has bad source flag", section, b, i)
			}
			if i > 0 && e.virt <= bucket.entries[i-1].virt {
				return nil, malformed("section %d: relocation bucket %d not monotonic", section, b)
			}
			bucket.entries[i] = e
		}
		if len(bucket.entries) == 0 {
			return nil, malformed("section %d: relocation bucket %d empty", section, b)
		}
		ix.buckets = append(ix.buckets, bucket)
	}
	return ix, nil
}

// parseSubsectionBlock decodes and validates a decrypted subsection block.
func parseSubsectionBlock(raw []byte, section int) (*subsectionIndex, error) {
	numBuckets, totalSize, phys, err := parseBlockHeader(raw, section)
	if err != nil {
		return nil, err
	}

	ix := &subsectionIndex{totalSize: totalSize, bucketPhys: phys}
	for b := 0; b < numBuckets; b++ {
		bucketRaw := raw[bktrBucketSize*(b+1) : bktrBucketSize*(b+2)]
		numEntries := binary.LittleEndian.Uint32(bucketRaw[4:])
		if numEntries > maxSubsectionEntries {
			return nil, malformed("section %d: subsection bucket %d has %d entries", section, b, numEntries)
		}

		bucket := subsectionBucket{
			endPhys: binary.LittleEndian.Uint64(bucketRaw[8:]),
			entries: make([]subsectionEntry, numEntries),
		}
		for i := range bucket.entries {
			entryRaw := bucketRaw[bktrBlockHeaderSize+i*subsectionEntrySize:]
			e := subsectionEntry{
				off: binary.LittleEndian.Uint64(entryRaw[0:]),
				ctr: binary.LittleEndian.Uint32(entryRaw[12:]),
			}
			if i > 0 && e.off <= bucket.entries[i-1].off {
				return nil, malformed("section %d: subsection bucket %d not monotonic", section, b)
			}
			bucket.entries[i] = e
		}
		if len(bucket.entries) == 0 {
			return nil, malformed("section %d: subsection bucket %d empty", section, b)
		}
		ix.buckets = append(ix.buckets, bucket)
	}
	return ix, nil
}

// parseBlockHeader reads the shared bucket-block header and the per-bucket
// start offsets, checking monotonicity and that the block holds the
// declared buckets.
func parseBlockHeader(raw []byte, section int) (int, uint64, []uint64, error) {
	if len(raw) < bktrBucketSize {
		return 0, 0, nil, malformed("section %d: bucket block truncated", section)
	}

	numBuckets := int(binary.LittleEndian.Uint32(raw[4:]))
	totalSize := binary.LittleEndian.Uint64(raw[8:])
	maxBuckets := bktrBaseOffsetsSize / 8
	if numBuckets == 0 || numBuckets > maxBuckets {
		return 0, 0, nil, malformed("section %d: bucket count %d out of range", section, numBuckets)
	}
	if int64(len(raw)) < int64(numBuckets+1)*bktrBucketSize {
		return 0, 0, nil, malformed("section %d: bucket block smaller than %d buckets", section, numBuckets)
	}

	offsets := make([]uint64, numBuckets)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(raw[bktrBlockHeaderSize+i*8:])
		if i > 0 && offsets[i] <= offsets[i-1] {
			return 0, 0, nil, malformed("section %d: bucket offsets not monotonic", section)
		}
	}
	return numBuckets, totalSize, offsets, nil
}

// lookup finds the relocation entry covering virt and the end of its run.
func (ix *relocationIndex) lookup(virt uint64) (relocationEntry, uint64, error) {
	b := sort.Search(len(ix.bucketVirts), func(i int) bool { return ix.bucketVirts[i] > virt }) - 1
	if b < 0 {
		return relocationEntry{}, 0, malformed("relocation lookup before first bucket")
	}
	bucket := &ix.buckets[b]

	i := sort.Search(len(bucket.entries), func(i int) bool { return bucket.entries[i].virt > virt }) - 1
	if i < 0 {
		return relocationEntry{}, 0, malformed("relocation lookup before first entry")
	}

	end := bucket.endVirt
	if i+1 < len(bucket.entries) {
		end = bucket.entries[i+1].virt
	}
	return bucket.entries[i], end, nil
}

// lookup finds the subsection entry covering the patch-section physical
// offset and the end of its run.
func (ix *subsectionIndex) lookup(phys uint64) (subsectionEntry, uint64, error) {
	b := sort.Search(len(ix.bucketPhys), func(i int) bool { return ix.bucketPhys[i] > phys }) - 1
	if b < 0 {
		return subsectionEntry{}, 0, malformed("subsection lookup before first bucket")
	}
	bucket := &ix.buckets[b]

	i := sort.Search(len(bucket.entries), func(i int) bool { return bucket.entries[i].off > phys }) - 1
	if i < 0 {
		return subsectionEntry{}, 0, malformed("subsection lookup before first entry")
	}

	end := bucket.endPhys
	if i+1 < len(bucket.entries) {
		end = bucket.entries[i+1].off
	}
	return bucket.entries[i], end, nil
}

// bktrOverlay composes the patch section with the base RomFS section into
// one virtual byte space.
type bktrOverlay struct {
	patch  *Section
	base   *Section
	reloc  *relocationIndex
	subsec *subsectionIndex
	ivfc   *ivfcVerifier
}

// openOverlay reads and indexes the relocation and subsection blocks of a
// BKTR section. The blocks are encrypted with the section's base counter.
func (a *Archive) openOverlay(ctx context.Context, s *Section, sb *BktrSuperblock) (*bktrOverlay, error) {
	relocRaw := make([]byte, sb.Relocation.Size)
	if err := s.readRaw(ctx, relocRaw, int64(sb.Relocation.Offset)); err != nil {
		return nil, err
	}
	reloc, err := parseRelocationBlock(relocRaw, s.index)
	if err != nil {
		return nil, err
	}

	subsecRaw := make([]byte, sb.Subsection.Size)
	if err := s.readRaw(ctx, subsecRaw, int64(sb.Subsection.Offset)); err != nil {
		return nil, err
	}
	subsec, err := parseSubsectionBlock(subsecRaw, s.index)
	if err != nil {
		return nil, err
	}

	return &bktrOverlay{patch: s, base: a.base, reloc: reloc, subsec: subsec}, nil
}

// Size returns the virtual extent of the overlay.
func (o *bktrOverlay) Size() int64 { return int64(o.reloc.totalSize) }

// read returns length bytes at the virtual offset. Zero-length reads and
// reads starting exactly at the end return empty; anything past the end is
// out of range.
func (o *bktrOverlay) read(ctx context.Context, off, length int64) ([]byte, error) {
	if length == 0 || off == o.Size() {
		return nil, nil
	}
	if off < 0 || length < 0 || off+length > o.Size() {
		return nil, outOfRange(o.patch.index, off, length, o.Size())
	}
	p := make([]byte, length)
	if err := o.readVerified(ctx, p, off); err != nil {
		return nil, err
	}
	return p, nil
}

func (o *bktrOverlay) readVerified(ctx context.Context, p []byte, off int64) error {
	if o.ivfc != nil {
		if err := o.ivfc.verifyRange(ctx, off, int64(len(p))); err != nil {
			return err
		}
	}
	return o.readRaw(ctx, p, off)
}

// readRaw resolves virtual offsets through the relocation index, splitting
// at relocation and subsection boundaries. Patch runs are decrypted with
// the counter rebased from the covering subsection; base runs come from
// the base RomFS section's own cipher.
func (o *bktrOverlay) readRaw(ctx context.Context, p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > o.Size() {
		return outOfRange(o.patch.index, off, int64(len(p)), o.Size())
	}

	virt := uint64(off)
	for len(p) > 0 {
		entry, runEnd, err := o.reloc.lookup(virt)
		if err != nil {
			return err
		}
		if runEnd <= virt {
			return malformed("section %d: empty relocation run at %#x", o.patch.index, virt)
		}

		n := int64(runEnd - virt)
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		phys := entry.phys + (virt - entry.virt)

		if entry.patch {
			if n, err = o.readPatch(ctx, p[:n], phys); err != nil {
				return err
			}
		} else {
			if err := o.base.readRaw(ctx, p[:n], int64(phys)); err != nil {
				return err
			}
		}

		p = p[n:]
		virt += uint64(n)
	}
	return nil
}

// readPatch reads up to len(p) bytes at a patch-section physical offset,
// clipped to the covering subsection so the rebased counter stays valid.
// The counter's high half becomes (section_ctr_high, ctr_val); crossing a
// subsection boundary re-derives it rather than incrementing.
func (o *bktrOverlay) readPatch(ctx context.Context, p []byte, phys uint64) (int64, error) {
	sub, subEnd, err := o.subsec.lookup(phys)
	if err != nil {
		return 0, err
	}
	if subEnd <= phys {
		return 0, malformed("section %d: empty subsection run at %#x", o.patch.index, phys)
	}

	n := int64(subEnd - phys)
	if n > int64(len(p)) {
		n = int64(len(p))
	}

	iv := o.patch.iv
	binary.BigEndian.PutUint32(iv[4:], sub.ctr)

	if err := o.patch.readCTRWithIV(ctx, p[:n], int64(phys), iv); err != nil {
		return 0, err
	}
	return n, nil
}
