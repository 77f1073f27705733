package nca

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/falk/nca-go/pkg/crypto"
)

// KeyStore yields the key material the decoder consumes. pkg/keys.Store
// implements it; tests substitute fixed keys.
type KeyStore interface {
	HeaderKeyPair() (data, tweak [16]byte, err error)
	ApplicationKey(kaekIndex, keyGeneration int) ([16]byte, error)
	TitlekeyKek(masterKeyRev int) ([16]byte, error)
}

// Option configures OpenArchive.
type Option func(*options)

type options struct {
	log      logrus.FieldLogger
	titleKey []byte
	tickets  TicketStore
	base     *Section
}

// WithLogger installs an observer for parse events (header decode, PFS0 and
// RomFS open); reads are not logged. The engine logs nothing by default.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithTitleKey supplies a pre-decrypted title key for rights-id archives,
// bypassing the ticket store (required for personalized tickets).
func WithTitleKey(key [16]byte) Option {
	return func(o *options) { o.titleKey = key[:] }
}

// WithTicketStore supplies a ticket lookup used to resolve the title key
// when the header carries a non-zero rights id.
func WithTicketStore(ts TicketStore) Option {
	return func(o *options) { o.tickets = ts }
}

// WithBase supplies the base application's RomFS section. Required to open
// the overlaid RomFS view of a BKTR (patch) section.
func WithBase(s *Section) Option {
	return func(o *options) { o.base = s }
}

var errClosed = errors.New("nca: archive closed")

// Archive is a decoded NCA handle. It owns its section readers and any
// lazily parsed file-system indexes. One archive is confined to one
// goroutine; separate archives may be used in parallel.
type Archive struct {
	r   io.ReaderAt
	hdr *Header
	log logrus.FieldLogger

	sections [4]*Section
	base     *Section

	poisoned error
	closed   bool
}

func nopLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// OpenArchive decrypts and decodes the NCA header from r and prepares the
// per-section cipher contexts.
func OpenArchive(ctx context.Context, r io.ReaderAt, ks KeyStore, opts ...Option) (*Archive, error) {
	o := options{log: nopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	raw := make([]byte, HeaderSize)
	if _, err := r.ReadAt(raw, 0); err != nil {
		return nil, ioErr(err)
	}

	dataKey, tweakKey, err := ks.HeaderKeyPair()
	if err != nil {
		return nil, &KeyError{Kind: "header", Err: err}
	}
	headerKey := append(dataKey[:], tweakKey[:]...)

	hdr, err := decodeHeader(raw, headerKey)
	if err != nil {
		return nil, err
	}

	a := &Archive{r: r, hdr: hdr, log: o.log, base: o.base}

	if err := a.resolveKeys(ctx, ks, &o); err != nil {
		return nil, err
	}

	for i := 0; i < 4; i++ {
		if !hdr.Sections[i].Present() {
			continue
		}
		s, err := a.newSection(i)
		if err != nil {
			return nil, err
		}
		a.sections[i] = s
	}

	a.log.WithFields(logrus.Fields{
		"magic":    string(hdr.Magic[:]),
		"title_id": hdr.TitleID,
		"key_gen":  hdr.KeyGeneration(),
	}).Debug("decoded nca header")

	return a, nil
}

// resolveKeys decrypts the key area or resolves the title key, depending
// on the rights id.
func (a *Archive) resolveKeys(ctx context.Context, ks KeyStore, o *options) error {
	hdr := a.hdr

	if !hdr.HasRights() {
		appKey, err := ks.ApplicationKey(int(hdr.KaekIndex), hdr.KeyGeneration())
		if err != nil {
			return &KeyError{Kind: "application", Index: hdr.KeyGeneration(), Err: err}
		}
		dec, err := crypto.ECBDecrypt(hdr.rawKeyArea[:], appKey[:])
		if err != nil {
			return malformed("key area decrypt: %v", err)
		}
		for i := 0; i < 4; i++ {
			copy(hdr.KeyArea[i][:], dec[i*16:(i+1)*16])
		}
		return nil
	}

	switch {
	case o.titleKey != nil:
		hdr.TitleKey = o.titleKey
	case o.tickets != nil:
		key, err := resolveTitleKey(ctx, ks, o.tickets, hdr.RightsID)
		if err != nil {
			return err
		}
		hdr.TitleKey = key
	default:
		return &KeyError{Kind: "titlekey", Err: errors.New("rights id set and no ticket store or title key supplied")}
	}
	return nil
}

// Header returns the decoded header. Read-only.
func (a *Archive) Header() *Header { return a.hdr }

// Section returns the reader for a present section.
func (a *Archive) Section(index int) (*Section, error) {
	if err := a.usable(); err != nil {
		return nil, err
	}
	if index < 0 || index >= 4 || a.sections[index] == nil {
		return nil, ErrNotFound
	}
	return a.sections[index], nil
}

// Close releases cached buffers and cipher contexts. The handle is
// unusable afterwards.
func (a *Archive) Close() error {
	a.closed = true
	for i := range a.sections {
		a.sections[i] = nil
	}
	a.base = nil
	return nil
}

func (a *Archive) usable() error {
	if a.closed {
		return errClosed
	}
	if a.poisoned != nil {
		return a.poisoned
	}
	return nil
}

// poison records a malformed-header failure found after open; every later
// call fails with it without retrying.
func (a *Archive) poison(err error) error {
	if err != nil && errors.Is(err, ErrMalformedHeader) {
		a.poisoned = err
	}
	return err
}

func (a *Archive) newSection(index int) (*Section, error) {
	entry := a.hdr.Sections[index]
	fsh := &a.hdr.FsHeaders[index]

	s := &Section{
		a:      a,
		index:  index,
		offset: int64(entry.MediaStartOffset) * MediaSize,
		size:   int64(entry.MediaEndOffset-entry.MediaStartOffset) * MediaSize,
		crypt:  fsh.CryptType,
		iv:     baseIV(fsh.SectionCtr),
	}

	switch fsh.CryptType {
	case CryptNone:
	case CryptXTS:
		copy(s.xtsKey[:16], a.hdr.KeyArea[0][:])
		copy(s.xtsKey[16:], a.hdr.KeyArea[1][:])
	case CryptCTR, CryptBKTR:
		if a.hdr.HasRights() {
			copy(s.key[:], a.hdr.TitleKey)
		} else {
			s.key = a.hdr.KeyArea[2]
		}
	}

	// Plain RomFS sections verify through their own tree. BKTR sections
	// verify at the overlay level instead (see OpenRomFS).
	if fsh.Ivfc != nil {
		s.ivfc = newIvfcVerifier(index, s.offset, fsh.Ivfc, s)
	}

	return s, nil
}

// Section reads and decrypts one NCA section. Reads are internally aligned
// to the cipher granularity; callers get exactly the requested slice.
type Section struct {
	a      *Archive
	index  int
	offset int64 // section start inside the NCA
	size   int64
	crypt  byte
	key    [16]byte // CTR key
	xtsKey [32]byte
	iv     [16]byte
	ivfc   *ivfcVerifier
}

// Index returns the section's slot in the header table.
func (s *Section) Index() int { return s.index }

// Size returns the section length in bytes.
func (s *Section) Size() int64 { return s.size }

// FsHeader returns the section's decoded FS header.
func (s *Section) FsHeader() *FsHeader { return &s.a.hdr.FsHeaders[s.index] }

// Read returns length decrypted bytes starting at off. Bytes covered by an
// integrity tree are verified first.
func (s *Section) Read(ctx context.Context, off, length int64) ([]byte, error) {
	if err := s.a.usable(); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if off < 0 || length < 0 || off+length > s.size {
		return nil, outOfRange(s.index, off, length, s.size)
	}

	p := make([]byte, length)
	if err := s.a.poison(s.readVerified(ctx, p, off)); err != nil {
		return nil, err
	}
	return p, nil
}

// readVerified decrypts into p, first checking any integrity tree blocks
// covering the range.
func (s *Section) readVerified(ctx context.Context, p []byte, off int64) error {
	if s.ivfc != nil {
		if err := s.ivfc.verifyRange(ctx, off, int64(len(p))); err != nil {
			return err
		}
	}
	return s.readRaw(ctx, p, off)
}

// readRaw decrypts into p without integrity checks. off is section-space.
func (s *Section) readRaw(ctx context.Context, p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > s.size {
		return outOfRange(s.index, off, int64(len(p)), s.size)
	}

	switch s.crypt {
	case CryptNone:
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		if _, err := s.a.r.ReadAt(p, s.offset+off); err != nil {
			return ioErr(err)
		}
		return nil
	case CryptXTS:
		return s.readXTS(ctx, p, off)
	case CryptCTR, CryptBKTR:
		// A raw read of a BKTR section uses the base counter; the overlay
		// rebases it per subsection via readCTRWithIV.
		return s.readCTRWithIV(ctx, p, off, s.iv)
	}
	return malformed("section %d: unreadable crypt type %d", s.index, s.crypt)
}

// readCTRWithIV decrypts with the given base counter. Reads align down to
// 0x10; the prefix is discarded.
func (s *Section) readCTRWithIV(ctx context.Context, p []byte, off int64, iv [16]byte) error {
	aligned := off &^ 0xF
	pad := off - aligned

	buf := make([]byte, pad+int64(len(p)))
	if _, err := s.a.r.ReadAt(buf, s.offset+aligned); err != nil {
		return ioErr(err)
	}

	stream, err := crypto.NewCTRStream(s.key[:], iv[:], s.offset+aligned)
	if err != nil {
		return malformed("section %d: %v", s.index, err)
	}

	// Decrypt sector by sector so cancellation stays responsive.
	for done := 0; done < len(buf); {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		n := len(buf) - done
		if n > MediaSize {
			n = MediaSize
		}
		stream.XORKeyStream(buf[done:done+n], buf[done:done+n])
		done += n
	}

	copy(p, buf[pad:])
	return nil
}

// readXTS decrypts whole 0x200 sectors; the sector tweak index is relative
// to the section start.
func (s *Section) readXTS(ctx context.Context, p []byte, off int64) error {
	start := off &^ (MediaSize - 1)
	end := (off + int64(len(p)) + MediaSize - 1) &^ (MediaSize - 1)
	if end > s.size {
		end = s.size
	}

	buf := make([]byte, end-start)
	if _, err := s.a.r.ReadAt(buf, s.offset+start); err != nil {
		return ioErr(err)
	}

	for i := int64(0); i < int64(len(buf)); i += MediaSize {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		sector := uint64((start + i) / MediaSize)
		n := int64(len(buf)) - i
		if n > MediaSize {
			n = MediaSize
		}
		out, err := crypto.XTSDecrypt(buf[i:i+n], s.xtsKey[:], sector)
		if err != nil {
			return malformed("section %d: %v", s.index, err)
		}
		copy(buf[i:], out)
	}

	copy(p, buf[off-start:])
	return nil
}
