package storage

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falk/nca-go/pkg/crypto"
)

var (
	testKey     = bytes.Repeat([]byte{0x5A}, 16)
	testCounter = []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0, 0, 0, 0, 0}
)

// buildNcaPair returns a synthetic NCA image and its NCZ rendition with a
// solid zstd body.
func buildNcaPair(t *testing.T, bodyLen int) (nca, ncz []byte) {
	t.Helper()

	header := make([]byte, nczHeaderOffset)
	for i := range header {
		header[i] = byte(i * 7)
	}

	body := make([]byte, bodyLen)
	for i := range body {
		body[i] = byte(i % 251)
	}

	stream, err := crypto.NewCTRStream(testKey, testCounter, nczHeaderOffset)
	require.NoError(t, err)
	encBody := make([]byte, len(body))
	stream.XORKeyStream(encBody, body)

	nca = append(append([]byte(nil), header...), encBody...)

	entry := make([]byte, nczSectionEntrySize)
	binary.LittleEndian.PutUint64(entry[0:], nczHeaderOffset)
	binary.LittleEndian.PutUint64(entry[8:], uint64(bodyLen))
	binary.LittleEndian.PutUint64(entry[16:], 3) // CTR
	copy(entry[32:48], testKey)
	copy(entry[48:64], testCounter)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(body, nil)
	require.NoError(t, enc.Close())

	ncz = append(ncz, header...)
	ncz = append(ncz, magicNczSection...)
	count := make([]byte, 8)
	binary.LittleEndian.PutUint64(count, 1)
	ncz = append(ncz, count...)
	ncz = append(ncz, entry...)
	ncz = append(ncz, compressed...)
	return nca, ncz
}

func readAll(t *testing.T, r interface {
	ReadAt(p []byte, off int64) (int, error)
}, size int64) []byte {
	t.Helper()
	out := make([]byte, size)
	_, err := r.ReadAt(out, 0)
	require.NoError(t, err)
	return out
}

func TestOpenNCZSolid(t *testing.T) {
	nca, ncz := buildNcaPair(t, 0x1800)

	r, size, err := OpenNCZ(bytes.NewReader(ncz), int64(len(ncz)))
	require.NoError(t, err)
	require.Equal(t, int64(len(nca)), size)
	assert.Equal(t, nca, readAll(t, r, size))
}

func TestOpenNCZBadMagic(t *testing.T) {
	_, ncz := buildNcaPair(t, 0x100)
	copy(ncz[nczHeaderOffset:], "NOTMAGIC")

	_, _, err := OpenNCZ(bytes.NewReader(ncz), int64(len(ncz)))
	assert.Error(t, err)
}

func TestOpenNCZBlockTable(t *testing.T) {
	header := make([]byte, nczHeaderOffset)
	for i := range header {
		header[i] = byte(i * 3)
	}

	const blockSizeExp = 14
	blockSize := 1 << blockSizeExp
	body := make([]byte, blockSize+0x800) // two blocks, second short

	stream, err := crypto.NewCTRStream(testKey, testCounter, nczHeaderOffset)
	require.NoError(t, err)
	encBody := make([]byte, len(body))
	stream.XORKeyStream(encBody, body)
	nca := append(append([]byte(nil), header...), encBody...)

	entry := make([]byte, nczSectionEntrySize)
	binary.LittleEndian.PutUint64(entry[0:], nczHeaderOffset)
	binary.LittleEndian.PutUint64(entry[8:], uint64(len(body)))
	binary.LittleEndian.PutUint64(entry[16:], 3)
	copy(entry[32:48], testKey)
	copy(entry[48:64], testCounter)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	blocks := [][]byte{
		enc.EncodeAll(body[:blockSize], nil),
		enc.EncodeAll(body[blockSize:], nil),
	}
	require.NoError(t, enc.Close())

	var ncz []byte
	ncz = append(ncz, header...)
	ncz = append(ncz, magicNczSection...)
	count := make([]byte, 8)
	binary.LittleEndian.PutUint64(count, 1)
	ncz = append(ncz, count...)
	ncz = append(ncz, entry...)

	blockHdr := make([]byte, nczBlockHeaderSize)
	copy(blockHdr, magicNczBlock)
	blockHdr[8] = 2 // version
	blockHdr[9] = 1 // type
	blockHdr[11] = blockSizeExp
	binary.LittleEndian.PutUint32(blockHdr[12:], 2)
	binary.LittleEndian.PutUint64(blockHdr[16:], uint64(len(body)))
	ncz = append(ncz, blockHdr...)

	sizes := make([]byte, 8)
	binary.LittleEndian.PutUint32(sizes[0:], uint32(len(blocks[0])))
	binary.LittleEndian.PutUint32(sizes[4:], uint32(len(blocks[1])))
	ncz = append(ncz, sizes...)
	ncz = append(ncz, blocks[0]...)
	ncz = append(ncz, blocks[1]...)

	r, size, err := OpenNCZ(bytes.NewReader(ncz), int64(len(ncz)))
	require.NoError(t, err)
	require.Equal(t, int64(len(nca)), size)
	assert.Equal(t, nca, readAll(t, r, size))
}

func TestOpenFileDetectsNcz(t *testing.T) {
	nca, ncz := buildNcaPair(t, 0x800)

	dir := t.TempDir()
	nczPath := filepath.Join(dir, "content.ncz")
	require.NoError(t, os.WriteFile(nczPath, ncz, 0o644))
	ncaPath := filepath.Join(dir, "content.nca")
	require.NoError(t, os.WriteFile(ncaPath, nca, 0o644))

	r, size, err := OpenFile(nczPath)
	require.NoError(t, err)
	assert.Equal(t, nca, readAll(t, r, size))

	r2, size2, err := OpenFile(ncaPath)
	require.NoError(t, err)
	assert.Equal(t, nca, readAll(t, r2, size2))
}

func TestDirStorage(t *testing.T) {
	nca, _ := buildNcaPair(t, 0x400)

	id, err := ParseContentID("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id.String()+".nca"), nca, 0o644))

	r, size, err := Dir(dir).OpenContent(id)
	require.NoError(t, err)
	assert.Equal(t, nca, readAll(t, r, size))

	_, _, err = Dir(dir).OpenContent(ContentID{0xFF})
	assert.Error(t, err)
}

func TestParseContentID(t *testing.T) {
	_, err := ParseContentID("xyz")
	assert.Error(t, err)
	_, err = ParseContentID("0011")
	assert.Error(t, err)

	id, err := ParseContentID("00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	assert.Equal(t, "00112233445566778899aabbccddeeff", id.String())
}
