package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/falk/nca-go/pkg/crypto"
)

const (
	magicNczSection = "NCZSECTN"
	magicNczBlock   = "NCZBLOCK"

	// The first 0x4000 bytes of an NCZ are the original NCA header region,
	// stored verbatim.
	nczHeaderOffset = 0x4000

	nczSectionEntrySize = 0x40
	nczBlockHeaderSize  = 0x18
)

// nczSection mirrors one NCZSECTN table entry: a byte run of the original
// NCA and the cipher that covered it on disk.
type nczSection struct {
	Offset        uint64
	Size          uint64
	CryptoType    uint64
	Padding       uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

// OpenNCZ reassembles an NCZ stream into a byte-exact NCA image. The body
// is decompressed and re-encrypted per the section table, so the result
// feeds the regular archive decoder unchanged. The image is held in
// memory.
func OpenNCZ(r io.ReaderAt, size int64) (io.ReaderAt, int64, error) {
	header := make([]byte, nczHeaderOffset)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, 0, fmt.Errorf("read ncz header: %w", err)
	}

	sections, bodyOff, err := readSectionTable(r)
	if err != nil {
		return nil, 0, err
	}

	body, err := decompressBody(r, bodyOff, size)
	if err != nil {
		return nil, 0, err
	}

	// The decompressed body is plaintext; put the on-disk encryption back.
	for _, sec := range sections {
		if sec.CryptoType != 3 && sec.CryptoType != 4 {
			continue
		}
		start := int64(sec.Offset)
		end := start + int64(sec.Size)
		if start < nczHeaderOffset {
			start = nczHeaderOffset
		}
		if end > nczHeaderOffset+int64(len(body)) {
			end = nczHeaderOffset + int64(len(body))
		}
		if start >= end {
			continue
		}

		stream, err := crypto.NewCTRStream(sec.CryptoKey[:], sec.CryptoCounter[:], start)
		if err != nil {
			return nil, 0, fmt.Errorf("ncz section cipher: %w", err)
		}
		slice := body[start-nczHeaderOffset : end-nczHeaderOffset]
		stream.XORKeyStream(slice, slice)
	}

	full := append(header, body...)
	return bytes.NewReader(full), int64(len(full)), nil
}

func readSectionTable(r io.ReaderAt) ([]nczSection, int64, error) {
	hdr := make([]byte, 16)
	if _, err := r.ReadAt(hdr, nczHeaderOffset); err != nil {
		return nil, 0, fmt.Errorf("read ncz section table: %w", err)
	}
	if string(hdr[0:8]) != magicNczSection {
		return nil, 0, fmt.Errorf("bad NCZSECTN magic %q", hdr[0:8])
	}
	count := binary.LittleEndian.Uint64(hdr[8:])
	if count == 0 || count > 0xFFFF {
		return nil, 0, fmt.Errorf("ncz section count %d out of range", count)
	}

	raw := make([]byte, int(count)*nczSectionEntrySize)
	if _, err := r.ReadAt(raw, nczHeaderOffset+16); err != nil {
		return nil, 0, fmt.Errorf("read ncz section entries: %w", err)
	}

	sections := make([]nczSection, count)
	for i := range sections {
		if err := binary.Read(bytes.NewReader(raw[i*nczSectionEntrySize:(i+1)*nczSectionEntrySize]), binary.LittleEndian, &sections[i]); err != nil {
			return nil, 0, err
		}
	}

	return sections, nczHeaderOffset + 16 + int64(len(raw)), nil
}

// decompressBody handles both layouts: a NCZBLOCK block table with
// per-block compression, or a single solid zstd stream to EOF.
func decompressBody(r io.ReaderAt, off, size int64) ([]byte, error) {
	magic := make([]byte, 8)
	if _, err := r.ReadAt(magic, off); err != nil {
		return nil, fmt.Errorf("read ncz body: %w", err)
	}

	if string(magic) == magicNczBlock {
		return decompressBlocks(r, off, size)
	}

	dec, err := zstd.NewReader(io.NewSectionReader(r, off, size-off))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	body, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress ncz body: %w", err)
	}
	return body, nil
}

func decompressBlocks(r io.ReaderAt, off, size int64) ([]byte, error) {
	hdr := make([]byte, nczBlockHeaderSize)
	if _, err := r.ReadAt(hdr, off); err != nil {
		return nil, fmt.Errorf("read ncz block header: %w", err)
	}

	blockSizeExp := hdr[11]
	blockCount := binary.LittleEndian.Uint32(hdr[12:])
	decompressedSize := binary.LittleEndian.Uint64(hdr[16:])
	if blockSizeExp < 14 || blockSizeExp > 32 {
		return nil, fmt.Errorf("ncz block size exponent %d out of range", blockSizeExp)
	}
	blockSize := int64(1) << blockSizeExp

	sizesRaw := make([]byte, int64(blockCount)*4)
	if _, err := r.ReadAt(sizesRaw, off+nczBlockHeaderSize); err != nil {
		return nil, fmt.Errorf("read ncz block sizes: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	body := make([]byte, 0, decompressedSize)
	pos := off + nczBlockHeaderSize + int64(len(sizesRaw))
	remaining := int64(decompressedSize)

	for i := uint32(0); i < blockCount; i++ {
		compressedSize := int64(binary.LittleEndian.Uint32(sizesRaw[i*4:]))
		if pos+compressedSize > size {
			return nil, fmt.Errorf("ncz block %d extends past file end", i)
		}

		want := blockSize
		if remaining < want {
			want = remaining
		}

		raw := make([]byte, compressedSize)
		if _, err := r.ReadAt(raw, pos); err != nil {
			return nil, fmt.Errorf("read ncz block %d: %w", i, err)
		}

		if compressedSize == want {
			// Stored uncompressed: the compressor kept the smaller form.
			body = append(body, raw...)
		} else {
			out, err := dec.DecodeAll(raw, make([]byte, 0, want))
			if err != nil {
				return nil, fmt.Errorf("decompress ncz block %d: %w", i, err)
			}
			if int64(len(out)) != want {
				return nil, fmt.Errorf("ncz block %d decompressed to %d bytes, want %d", i, len(out), want)
			}
			body = append(body, out...)
		}

		pos += compressedSize
		remaining -= want
	}

	return body, nil
}
