package nca

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/falk/nca-go/pkg/crypto"
)

const (
	// HeaderSize is the full encrypted NCA header: 0x400 main header plus
	// four 0x200 FS headers.
	HeaderSize = 0xC00

	// MediaSize is the unit of the section table offsets.
	MediaSize = 0x200

	MagicNCA2 = "NCA2"
	MagicNCA3 = "NCA3"
)

// Content types from the main header.
const (
	ContentProgram = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
)

// FS types from the FS header.
const (
	FsTypePFS0  = 2
	FsTypeRomFS = 3
)

// Partition types from the FS header.
const (
	PartitionRomFS = 0
	PartitionPFS0  = 1
)

// Crypt types from the FS header.
const (
	CryptNone = 1
	CryptXTS  = 2
	CryptCTR  = 3
	CryptBKTR = 4
)

// Header is the decrypted and decoded 0xC00-byte NCA header.
type Header struct {
	Magic        [4]byte
	Distribution byte
	ContentType  byte
	KaekIndex    byte
	ContentSize  uint64
	TitleID      uint64
	ContentIndex uint32
	SdkVersion   uint32
	RightsID     [16]byte

	Sections      [4]SectionEntry
	SectionHashes [4][32]byte
	FsHeaders     [4]FsHeader

	cryptoType  byte
	cryptoType2 byte

	// KeyArea holds the four decrypted key-area keys. Only valid when
	// RightsID is zero.
	KeyArea [4][16]byte

	rawKeyArea [0x40]byte

	// TitleKey is the decrypted title key when RightsID is non-zero and a
	// ticket or explicit key was available.
	TitleKey []byte
}

// SectionEntry locates one section in units of MediaSize bytes.
type SectionEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
}

// Present reports whether the section slot holds a non-empty section.
func (e SectionEntry) Present() bool {
	return e.MediaEndOffset > e.MediaStartOffset
}

// KeyGeneration is the effective key generation: the larger of the two
// header fields, minus one when non-zero. The off-by-one is historical and
// kept for compatibility with existing key files.
func (h *Header) KeyGeneration() int {
	g := int(h.cryptoType)
	if int(h.cryptoType2) > g {
		g = int(h.cryptoType2)
	}
	if g > 0 {
		g--
	}
	return g
}

// HasRights reports whether the archive uses title-key crypto.
func (h *Header) HasRights() bool {
	return h.RightsID != [16]byte{}
}

// FsHeader is one decoded 0x200-byte FS header.
type FsHeader struct {
	Version       uint16
	PartitionType byte
	FsType        byte
	CryptType     byte
	SectionCtr    [8]byte

	// Exactly one of the following is set, keyed on FsType and CryptType.
	Pfs0 *Pfs0Superblock
	Ivfc *IvfcHeader
	Bktr *BktrSuperblock
}

// Pfs0Superblock is the hierarchical-SHA256 superblock of a PFS0 section.
type Pfs0Superblock struct {
	MasterHash      [32]byte
	BlockSize       uint32
	HashTableOffset uint64
	HashTableSize   uint64
	Pfs0Offset      uint64
	Pfs0Size        uint64
}

// BktrSuperblock is the superblock of a patch (BKTR) RomFS section.
type BktrSuperblock struct {
	Ivfc       IvfcHeader
	Relocation BktrRegion
	Subsection BktrRegion
}

// BktrRegion locates a bucket-tree block inside the section.
type BktrRegion struct {
	Offset     uint64
	Size       uint64
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
}

// decodeHeader decrypts and decodes a raw 0xC00-byte header buffer.
func decodeHeader(raw []byte, headerKey []byte) (*Header, error) {
	if len(raw) < HeaderSize {
		return nil, malformed("header truncated: %d bytes", len(raw))
	}

	// Decrypt the 0x400 main header; sectors 0 and 1 regardless of version.
	dec := make([]byte, HeaderSize)
	for sector := 0; sector < 2; sector++ {
		start := sector * MediaSize
		out, err := crypto.XTSDecrypt(raw[start:start+MediaSize], headerKey, uint64(sector))
		if err != nil {
			return nil, malformed("header decrypt sector %d: %v", sector, err)
		}
		copy(dec[start:], out)
	}

	magic := string(dec[0x200:0x204])
	if magic != MagicNCA2 && magic != MagicNCA3 {
		return nil, ErrUnsupportedArchive
	}

	// NCA3 runs the XTS sector index across the whole header. NCA2 restarts
	// it at zero for every FS header.
	for i := 0; i < 4; i++ {
		off := 0x400 + i*0x200
		sector := uint64(off / MediaSize)
		if magic == MagicNCA2 {
			sector = 0
		}
		out, err := crypto.XTSDecrypt(raw[off:off+0x200], headerKey, sector)
		if err != nil {
			return nil, malformed("fs header decrypt: %v", err)
		}
		copy(dec[off:], out)
	}

	var h Header
	copy(h.Magic[:], dec[0x200:0x204])
	h.Distribution = dec[0x204]
	h.ContentType = dec[0x205]
	h.cryptoType = dec[0x206]
	h.KaekIndex = dec[0x207]
	h.ContentSize = binary.LittleEndian.Uint64(dec[0x208:])
	h.TitleID = binary.LittleEndian.Uint64(dec[0x210:])
	h.ContentIndex = binary.LittleEndian.Uint32(dec[0x218:])
	h.SdkVersion = binary.LittleEndian.Uint32(dec[0x21C:])
	h.cryptoType2 = dec[0x220]
	copy(h.RightsID[:], dec[0x230:0x240])
	copy(h.rawKeyArea[:], dec[0x300:0x340])

	if h.KaekIndex > 2 {
		return nil, malformed("key area key index %d out of range", h.KaekIndex)
	}

	for i := 0; i < 4; i++ {
		off := 0x240 + i*0x10
		h.Sections[i].MediaStartOffset = binary.LittleEndian.Uint32(dec[off:])
		h.Sections[i].MediaEndOffset = binary.LittleEndian.Uint32(dec[off+4:])
		copy(h.SectionHashes[i][:], dec[0x280+i*0x20:0x280+(i+1)*0x20])
	}

	for i := 0; i < 4; i++ {
		if !h.Sections[i].Present() {
			continue
		}
		fsRaw := dec[0x400+i*0x200 : 0x400+(i+1)*0x200]
		sum := sha256.Sum256(fsRaw)
		if !bytes.Equal(sum[:], h.SectionHashes[i][:]) {
			return nil, &IntegrityError{Section: i, Level: -1, Offset: int64(0x400 + i*0x200)}
		}

		fsh, err := decodeFsHeader(fsRaw, i)
		if err != nil {
			return nil, err
		}
		h.FsHeaders[i] = *fsh
	}

	return &h, nil
}

func decodeFsHeader(raw []byte, section int) (*FsHeader, error) {
	var h FsHeader
	h.Version = binary.LittleEndian.Uint16(raw[0x0:])
	h.PartitionType = raw[0x2]
	h.FsType = raw[0x3]
	h.CryptType = raw[0x4]
	copy(h.SectionCtr[:], raw[0x140:0x148])

	switch {
	case h.FsType == FsTypePFS0:
		h.Pfs0 = decodePfs0Superblock(raw[0x8:0x140])
	case h.FsType == FsTypeRomFS && h.CryptType == CryptBKTR:
		sb := &BktrSuperblock{}
		ivfc, err := decodeIvfcHeader(raw[0x8 : 0x8+ivfcHeaderSize])
		if err != nil {
			return nil, malformed("section %d: %v", section, err)
		}
		sb.Ivfc = *ivfc
		sb.Relocation = decodeBktrRegion(raw[0x100:0x120])
		sb.Subsection = decodeBktrRegion(raw[0x120:0x140])
		if string(sb.Relocation.Magic[:]) != bktrMagic || string(sb.Subsection.Magic[:]) != bktrMagic {
			return nil, malformed("section %d: bad BKTR region magic", section)
		}
		h.Bktr = sb
	case h.FsType == FsTypeRomFS:
		ivfc, err := decodeIvfcHeader(raw[0x8 : 0x8+ivfcHeaderSize])
		if err != nil {
			return nil, malformed("section %d: %v", section, err)
		}
		h.Ivfc = ivfc
	default:
		return nil, malformed("section %d: unknown fs type %d", section, h.FsType)
	}

	switch h.CryptType {
	case CryptNone, CryptXTS, CryptCTR, CryptBKTR:
	default:
		return nil, malformed("section %d: unknown crypt type %d", section, h.CryptType)
	}

	return &h, nil
}

func decodePfs0Superblock(raw []byte) *Pfs0Superblock {
	sb := &Pfs0Superblock{}
	copy(sb.MasterHash[:], raw[0x00:0x20])
	sb.BlockSize = binary.LittleEndian.Uint32(raw[0x20:])
	sb.HashTableOffset = binary.LittleEndian.Uint64(raw[0x28:])
	sb.HashTableSize = binary.LittleEndian.Uint64(raw[0x30:])
	sb.Pfs0Offset = binary.LittleEndian.Uint64(raw[0x38:])
	sb.Pfs0Size = binary.LittleEndian.Uint64(raw[0x40:])
	return sb
}

func decodeBktrRegion(raw []byte) BktrRegion {
	r := BktrRegion{
		Offset:     binary.LittleEndian.Uint64(raw[0:8]),
		Size:       binary.LittleEndian.Uint64(raw[8:16]),
		Version:    binary.LittleEndian.Uint32(raw[20:24]),
		EntryCount: binary.LittleEndian.Uint32(raw[24:28]),
	}
	copy(r.Magic[:], raw[16:20])
	return r
}

// baseIV builds the 16-byte CTR base from the 8-byte FS header counter.
// The stored bytes land reversed in the high half of the counter.
func baseIV(sectionCtr [8]byte) [16]byte {
	var iv [16]byte
	for i := 0; i < 8; i++ {
		iv[i] = sectionCtr[7-i]
	}
	return iv
}
