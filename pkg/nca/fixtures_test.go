package nca

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/falk/nca-go/pkg/crypto"
)

// Fixed key material shared by the in-memory fixtures.
var (
	testHeaderKey = counting(32, 0x00)
	testAppKey    = counting(16, 0xA0)
	testTitleKek  = counting(16, 0xB0)
	testTitleKey  = counting(16, 0xC0)
)

func counting(n int, base byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = base + byte(i)
	}
	return out
}

// keyAreaPlain is the decrypted key area baked into fixtures: four keys
// with recognizable bytes. Index 2 is the CTR body key, 0 and 1 the XTS
// pair.
func keyAreaPlain() []byte {
	out := make([]byte, 0x40)
	for i := range out {
		out[i] = byte(0x10*(i/16) + i%16)
	}
	return out
}

func fixtureCtrKey() []byte { return keyAreaPlain()[0x20:0x30] }

func fixtureXtsKey() []byte { return keyAreaPlain()[:0x20] }

type testKeyStore struct{}

func (testKeyStore) HeaderKeyPair() (data, tweak [16]byte, err error) {
	copy(data[:], testHeaderKey[:16])
	copy(tweak[:], testHeaderKey[16:])
	return data, tweak, nil
}

func (testKeyStore) ApplicationKey(kaekIndex, keyGeneration int) ([16]byte, error) {
	var k [16]byte
	copy(k[:], testAppKey)
	return k, nil
}

func (testKeyStore) TitlekeyKek(masterKeyRev int) ([16]byte, error) {
	var k [16]byte
	copy(k[:], testTitleKek)
	return k, nil
}

// fixtureSection is one section of an in-memory NCA: a prebuilt FS header
// and the on-disk (already encrypted) section bytes.
type fixtureSection struct {
	fsHeader []byte
	data     []byte
}

type fixtureOpts struct {
	magic      string
	rightsID   [16]byte
	cryptoType byte
	crypto2    byte
}

// buildNCA assembles and header-encrypts an NCA image. Sections land on
// consecutive media boundaries starting at media unit 6.
func buildNCA(t *testing.T, o fixtureOpts, secs []fixtureSection) []byte {
	t.Helper()
	if o.magic == "" {
		o.magic = MagicNCA3
	}

	plain := make([]byte, HeaderSize)
	copy(plain[0x200:], o.magic)
	plain[0x205] = ContentProgram
	plain[0x206] = o.cryptoType
	plain[0x207] = 0 // application kaek
	binary.LittleEndian.PutUint64(plain[0x210:], 0x0100000000010000)
	plain[0x220] = o.crypto2
	copy(plain[0x230:], o.rightsID[:])

	media := uint32(6)
	total := int64(media) * MediaSize
	for i, sec := range secs {
		require.Zero(t, len(sec.data)%MediaSize, "section data must be media aligned")
		end := media + uint32(len(sec.data)/MediaSize)
		binary.LittleEndian.PutUint32(plain[0x240+i*0x10:], media)
		binary.LittleEndian.PutUint32(plain[0x240+i*0x10+4:], end)

		require.Len(t, sec.fsHeader, 0x200)
		copy(plain[0x400+i*0x200:], sec.fsHeader)
		sum := sha256.Sum256(sec.fsHeader)
		copy(plain[0x280+i*0x20:], sum[:])

		media = end
		total = int64(media) * MediaSize
	}
	binary.LittleEndian.PutUint64(plain[0x208:], uint64(total))

	encKeyArea, err := crypto.ECBEncrypt(keyAreaPlain(), testAppKey)
	require.NoError(t, err)
	copy(plain[0x300:], encKeyArea)

	file := make([]byte, total)
	for i := 0; i < HeaderSize/MediaSize; i++ {
		sector := i
		if o.magic == MagicNCA2 && i >= 2 {
			sector = 0
		}
		enc, err := crypto.XTSEncrypt(plain[i*MediaSize:(i+1)*MediaSize], testHeaderKey, uint64(sector))
		require.NoError(t, err)
		copy(file[i*MediaSize:], enc)
	}

	off := int64(6) * MediaSize
	for _, sec := range secs {
		copy(file[off:], sec.data)
		off += int64(len(sec.data))
	}
	return file
}

// sectionCtrBytes stores the wanted counter prefix the way the FS header
// carries it (reversed).
func sectionCtrBytes(iv8 [8]byte) (raw [8]byte) {
	for i := range raw {
		raw[i] = iv8[7-i]
	}
	return raw
}

// fsHeaderBytes lays out a 0x200 FS header. superblock lands at 0x8,
// bktrRegions (when non-nil, 0x40 bytes) at 0x100.
func fsHeaderBytes(partition, fsType, crypt byte, sectionCtr [8]byte, superblock, bktrRegions []byte) []byte {
	raw := make([]byte, 0x200)
	binary.LittleEndian.PutUint16(raw[0:], 2)
	raw[2] = partition
	raw[3] = fsType
	raw[4] = crypt
	copy(raw[0x8:0x140], superblock)
	if bktrRegions != nil {
		copy(raw[0x100:0x140], bktrRegions)
	}
	copy(raw[0x140:], sectionCtr[:])
	return raw
}

// pfs0SuperblockBytes builds the hierarchical-SHA256 superblock.
func pfs0SuperblockBytes(masterHash [32]byte, blockSize uint32, hashTableOff, hashTableSize, pfs0Off, pfs0Size uint64) []byte {
	raw := make([]byte, 0x138)
	copy(raw[0x00:], masterHash[:])
	binary.LittleEndian.PutUint32(raw[0x20:], blockSize)
	binary.LittleEndian.PutUint32(raw[0x24:], 2)
	binary.LittleEndian.PutUint64(raw[0x28:], hashTableOff)
	binary.LittleEndian.PutUint64(raw[0x30:], hashTableSize)
	binary.LittleEndian.PutUint64(raw[0x38:], pfs0Off)
	binary.LittleEndian.PutUint64(raw[0x40:], pfs0Size)
	return raw
}

// ivfcImage is a built integrity tree: the section bytes holding levels
// 1..n-1 and the matching header.
type ivfcImage struct {
	section []byte
	hdr     []byte
	dataOff int64
}

// buildIvfc stacks data under an n-level tree with uniform block size.
// Levels are laid out in order, each aligned to the block size, the data
// level last.
func buildIvfc(t *testing.T, data []byte, blockLog2 uint32, numLevels int) ivfcImage {
	t.Helper()
	bs := int64(1) << blockLog2

	// contents[L] is the payload of stored level L (1-based).
	contents := make([][]byte, numLevels)
	contents[numLevels-1] = data
	for l := numLevels - 1; l >= 2; l-- {
		cur := contents[l]
		var parent []byte
		for off := int64(0); off < int64(len(cur)); off += bs {
			block := make([]byte, bs)
			copy(block, cur[off:min64(off+bs, int64(len(cur)))])
			sum := sha256.Sum256(block)
			parent = append(parent, sum[:]...)
		}
		contents[l-1] = parent
	}
	require.LessOrEqual(t, len(contents[1]), int(bs), "level 1 must fit one block")

	masterBlock := make([]byte, bs)
	copy(masterBlock, contents[1])
	masterHash := sha256.Sum256(masterBlock)

	hdr := make([]byte, ivfcHeaderSize)
	copy(hdr[0:], ivfcMagic)
	binary.LittleEndian.PutUint32(hdr[0x4:], 0x20000)
	binary.LittleEndian.PutUint32(hdr[0x8:], 32)
	binary.LittleEndian.PutUint32(hdr[0xC:], uint32(numLevels))

	var section []byte
	var dataOff int64
	off := int64(0)
	for l := 1; l < numLevels; l++ {
		size := int64(len(contents[l]))
		lvlOff := 0x10 + (l * 0x18)
		binary.LittleEndian.PutUint64(hdr[lvlOff:], uint64(off))
		binary.LittleEndian.PutUint64(hdr[lvlOff+8:], uint64(size))
		binary.LittleEndian.PutUint32(hdr[lvlOff+16:], blockLog2)

		if l == numLevels-1 {
			dataOff = off
		}
		section = append(section, contents[l]...)
		pad := (bs - size%bs) % bs
		section = append(section, make([]byte, pad)...)
		off += size + pad
	}
	copy(hdr[0xC0:], masterHash[:])

	// Round the section out to media alignment.
	if pad := (MediaSize - len(section)%MediaSize) % MediaSize; pad != 0 {
		section = append(section, make([]byte, pad)...)
	}

	return ivfcImage{section: section, hdr: hdr, dataOff: dataOff}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// ctrEncrypt encrypts data the way a section body sits on disk: base
// counter iv, block index taken from the absolute offset.
func ctrEncrypt(t *testing.T, key, iv []byte, absOffset int64, data []byte) []byte {
	t.Helper()
	stream, err := crypto.NewCTRStream(key, iv, absOffset)
	require.NoError(t, err)
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out
}

func padToMedia(b []byte) []byte {
	if pad := (MediaSize - len(b)%MediaSize) % MediaSize; pad != 0 {
		b = append(b, make([]byte, pad)...)
	}
	return b
}

// fillPattern deterministically fills a buffer so slices are comparable.
func fillPattern(b []byte, seed byte) {
	for i := range b {
		b[i] = seed ^ byte(i) ^ byte(i>>8)
	}
}
