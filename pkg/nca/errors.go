package nca

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Detail-carrying errors below match these
// through errors.Is.
var (
	ErrIo                 = errors.New("nca: i/o error")
	ErrNotFound           = errors.New("nca: not found")
	ErrMalformedHeader    = errors.New("nca: malformed header")
	ErrUnsupportedArchive = errors.New("nca: unsupported archive")
	ErrIntegrity          = errors.New("nca: integrity failure")
	ErrMissingKey         = errors.New("nca: missing key")
	ErrUnsupportedTicket  = errors.New("nca: unsupported ticket")
	ErrOutOfRange         = errors.New("nca: out of range")
	ErrCancelled          = errors.New("nca: cancelled")
)

// IntegrityError reports a hash mismatch. Offset is the byte offset of the
// failing block inside the NCA; Level is the IVFC level, or -1 for the
// FS-header hash table and hierarchical-SHA256 checks.
type IntegrityError struct {
	Section int
	Level   int
	Offset  int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("nca: integrity failure: section %d level %d offset %#x", e.Section, e.Level, e.Offset)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// KeyError reports key material the key store could not provide.
type KeyError struct {
	Kind  string // "application", "header", "titlekek", "titlekey", "base"
	Index int    // key generation or master key revision
	Err   error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("nca: missing key: %s key, index %d: %v", e.Kind, e.Index, e.Err)
}

func (e *KeyError) Is(target error) bool { return target == ErrMissingKey }
func (e *KeyError) Unwrap() error        { return e.Err }

func ioErr(err error) error {
	return fmt.Errorf("%w: %w", ErrIo, err)
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedHeader, fmt.Sprintf(format, args...))
}

func outOfRange(section int, off, length, size int64) error {
	return fmt.Errorf("%w: section %d read [%#x,%#x) beyond size %#x", ErrOutOfRange, section, off, off+length, size)
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
