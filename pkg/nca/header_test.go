package nca

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falk/nca-go/pkg/crypto"
)

// minimal present section: plain PFS0 superblock, no crypto.
func noneSection(t *testing.T, size int) fixtureSection {
	t.Helper()
	data := make([]byte, size)
	fillPattern(data, 0x5A)
	return fixtureSection{
		fsHeader: fsHeaderBytes(PartitionPFS0, FsTypePFS0, CryptNone, [8]byte{}, pfs0SuperblockBytes([32]byte{}, 0x200, 0, 0, 0, 0), nil),
		data:     data,
	}
}

func TestOpenArchiveNCA3(t *testing.T) {
	file := buildNCA(t, fixtureOpts{cryptoType: 2, crypto2: 2}, []fixtureSection{noneSection(t, 0x400)})

	a, err := OpenArchive(context.Background(), bytes.NewReader(file), testKeyStore{})
	require.NoError(t, err)
	defer a.Close()

	h := a.Header()
	assert.Equal(t, MagicNCA3, string(h.Magic[:]))
	assert.Equal(t, uint64(0x0100000000010000), h.TitleID)
	assert.Equal(t, 1, h.KeyGeneration())
	assert.False(t, h.HasRights())

	assert.Equal(t, uint32(6), h.Sections[0].MediaStartOffset)
	assert.Equal(t, uint32(8), h.Sections[0].MediaEndOffset)

	s, err := a.Section(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0x400), s.Size())

	_, err = a.Section(1)
	assert.ErrorIs(t, err, ErrNotFound)

	// The decrypted key area must carry the fixture plaintext.
	assert.Equal(t, fixtureCtrKey(), h.KeyArea[2][:])
}

func TestOpenArchiveNCA2(t *testing.T) {
	file := buildNCA(t, fixtureOpts{magic: MagicNCA2}, []fixtureSection{noneSection(t, 0x200)})

	a, err := OpenArchive(context.Background(), bytes.NewReader(file), testKeyStore{})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, MagicNCA2, string(a.Header().Magic[:]))
}

func TestOpenArchiveBadMagic(t *testing.T) {
	file := buildNCA(t, fixtureOpts{magic: "NCA1"}, nil)

	_, err := OpenArchive(context.Background(), bytes.NewReader(file), testKeyStore{})
	assert.ErrorIs(t, err, ErrUnsupportedArchive)
}

func TestOpenArchiveTamperedFsHeader(t *testing.T) {
	file := buildNCA(t, fixtureOpts{}, []fixtureSection{noneSection(t, 0x200)})
	file[0x400] ^= 0x01 // inside encrypted FS header 0

	_, err := OpenArchive(context.Background(), bytes.NewReader(file), testKeyStore{})
	require.ErrorIs(t, err, ErrIntegrity)

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 0, ie.Section)
}

func TestKeyGeneration(t *testing.T) {
	cases := []struct {
		ct, ct2 byte
		want    int
	}{
		{0, 0, 0},
		{1, 0, 0},
		{2, 0, 1},
		{0, 3, 2},
		{2, 5, 4},
	}
	for _, tc := range cases {
		file := buildNCA(t, fixtureOpts{cryptoType: tc.ct, crypto2: tc.ct2}, nil)
		h, err := decodeHeader(file[:HeaderSize], testHeaderKey)
		require.NoError(t, err)
		assert.Equal(t, tc.want, h.KeyGeneration(), "crypto_type=%d crypto_type2=%d", tc.ct, tc.ct2)
	}
}

func TestOpenArchiveRightsWithoutKey(t *testing.T) {
	rights := [16]byte{0x01, 0x02, 0x03}
	file := buildNCA(t, fixtureOpts{rightsID: rights}, nil)

	_, err := OpenArchive(context.Background(), bytes.NewReader(file), testKeyStore{})
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestOpenArchiveWithTitleKey(t *testing.T) {
	rights := [16]byte{0x01, 0x02, 0x03}
	file := buildNCA(t, fixtureOpts{rightsID: rights}, nil)

	var tk [16]byte
	copy(tk[:], testTitleKey)
	a, err := OpenArchive(context.Background(), bytes.NewReader(file), testKeyStore{}, WithTitleKey(tk))
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, testTitleKey, a.Header().TitleKey)
}

type mapTicketStore map[[16]byte][]byte

func (m mapTicketStore) Lookup(rightsID [16]byte) ([]byte, error) {
	return m[rightsID], nil
}

func TestOpenArchiveWithTicketStore(t *testing.T) {
	rights := [16]byte{0xEE, 0x01}
	file := buildNCA(t, fixtureOpts{rightsID: rights}, nil)

	enc, err := crypto.ECBEncrypt(testTitleKey, testTitleKek)
	require.NoError(t, err)
	ts := mapTicketStore{rights: buildTicket(t, rights, enc, titleKeyCommon)}

	a, err := OpenArchive(context.Background(), bytes.NewReader(file), testKeyStore{}, WithTicketStore(ts))
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, testTitleKey, a.Header().TitleKey)
}

func TestOpenArchiveCancelled(t *testing.T) {
	file := buildNCA(t, fixtureOpts{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := OpenArchive(ctx, bytes.NewReader(file), testKeyStore{})
	assert.ErrorIs(t, err, ErrCancelled)
}
