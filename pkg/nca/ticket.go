package nca

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/falk/nca-go/pkg/crypto"
)

const (
	// TicketSize is the fixed size of an installed ticket.
	TicketSize = 0x2C0

	ticketSigRsa2048Sha256 = 0x10004

	titleKeyCommon       = 0
	titleKeyPersonalized = 1
)

// TicketStore looks up installed tickets. Lookup returns the raw ticket
// bytes, or nil when no ticket matches the rights id.
type TicketStore interface {
	Lookup(rightsID [16]byte) ([]byte, error)
}

// Ticket is a decoded common or personalized ticket.
type Ticket struct {
	SigType       uint32
	Issuer        string
	TitleKeyBlock [0x100]byte
	TitleKeyType  byte
	MasterKeyRev  byte
	RightsID      [16]byte
}

// Personalized reports whether the title key block is RSA-OAEP wrapped.
func (t *Ticket) Personalized() bool { return t.TitleKeyType != titleKeyCommon }

// ParseTicket decodes a raw 0x2C0-byte ticket.
func ParseTicket(raw []byte) (*Ticket, error) {
	if len(raw) < TicketSize {
		return nil, malformed("ticket truncated: %d bytes", len(raw))
	}

	t := &Ticket{
		SigType:      binary.LittleEndian.Uint32(raw[0:]),
		TitleKeyType: raw[0x261],
		MasterKeyRev: raw[0x263],
	}
	if t.SigType != ticketSigRsa2048Sha256 {
		return nil, fmt.Errorf("%w: ticket signature type %#x", ErrUnsupportedTicket, t.SigType)
	}

	issuer := raw[0x140:0x180]
	if i := bytes.IndexByte(issuer, 0); i >= 0 {
		issuer = issuer[:i]
	}
	t.Issuer = string(issuer)

	copy(t.TitleKeyBlock[:], raw[0x180:0x280])
	copy(t.RightsID[:], raw[0x2A0:0x2B0])
	return t, nil
}

// resolveTitleKey fetches the ticket for a rights id and decrypts its
// title key. Personalized tickets carry an RSA-OAEP wrapped key we do not
// unwrap; callers must supply the decrypted key themselves.
func resolveTitleKey(ctx context.Context, ks KeyStore, ts TicketStore, rightsID [16]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	raw, err := ts.Lookup(rightsID)
	if err != nil {
		return nil, ioErr(err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: no ticket for rights id %x", ErrNotFound, rightsID)
	}

	t, err := ParseTicket(raw)
	if err != nil {
		return nil, err
	}
	if t.RightsID != rightsID {
		return nil, malformed("ticket rights id %x does not match %x", t.RightsID, rightsID)
	}
	if t.Personalized() {
		return nil, fmt.Errorf("%w: personalized ticket for rights id %x", ErrUnsupportedTicket, rightsID)
	}

	kek, err := ks.TitlekeyKek(int(t.MasterKeyRev))
	if err != nil {
		return nil, &KeyError{Kind: "titlekek", Index: int(t.MasterKeyRev), Err: err}
	}

	// For common tickets the first 0x10 bytes of the block are the raw
	// encrypted key.
	dec, err := crypto.ECBDecrypt(t.TitleKeyBlock[:16], kek[:])
	if err != nil {
		return nil, malformed("title key decrypt: %v", err)
	}
	return dec, nil
}
