// Package ziprecord reads one entry out of a zip archive as it streams in,
// walking local file headers instead of seeking to the central directory.
package ziprecord

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	sigLocal      = 0x04034b50
	sigCentral    = 0x02014b50
	sigEnd        = 0x06054b50
	sigDescriptor = 0x08074b50

	methodStore   = 0
	methodDeflate = 8

	flagDescriptor = 0x8
	zip64ExtraID   = 0x0001
	localHeaderLen = 30
)

var (
	// ErrFormat marks input that is not a readable zip stream.
	ErrFormat = errors.New("zip: invalid archive")
	// ErrNoMatch means the archive ended without an entry the matcher accepted.
	ErrNoMatch = errors.New("zip: no matching entry")
)

type header struct {
	name       string
	flags      uint16
	method     uint16
	crc        uint32
	csize      uint64
	usize      uint64
	zip64      bool
	descriptor bool
}

// Open walks r until match accepts an entry name and returns a reader of
// that entry's decompressed bytes. Preceding entries are skipped. The
// returned reader verifies size and CRC-32 at EOF; Close releases the
// decompressor but not r.
func Open(r io.Reader, match func(name string) bool) (io.ReadCloser, string, error) {
	// bufio.Reader is an io.ByteReader, so flate never reads past the entry
	cr := bufio.NewReaderSize(r, 64<<10)
	for {
		h, err := readHeader(cr)
		if err != nil {
			return nil, "", err
		}
		if h == nil {
			return nil, "", ErrNoMatch
		}
		if match(h.name) {
			er, err := newEntryReader(cr, h)
			if err != nil {
				return nil, "", err
			}
			return er, h.name, nil
		}
		if err := skip(cr, h); err != nil {
			return nil, "", err
		}
	}
}

// readHeader returns nil, nil once the central directory is reached.
func readHeader(cr *bufio.Reader) (*header, error) {
	var buf [localHeaderLen]byte
	if _, err := io.ReadFull(cr, buf[:4]); err != nil {
		return nil, formatErr(err)
	}
	switch sig := binary.LittleEndian.Uint32(buf[:4]); sig {
	case sigLocal:
	case sigCentral, sigEnd:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: bad signature %#08x", ErrFormat, sig)
	}
	if _, err := io.ReadFull(cr, buf[4:]); err != nil {
		return nil, formatErr(err)
	}
	le := binary.LittleEndian
	h := &header{
		flags:  le.Uint16(buf[6:]),
		method: le.Uint16(buf[8:]),
		crc:    le.Uint32(buf[14:]),
		csize:  uint64(le.Uint32(buf[18:])),
		usize:  uint64(le.Uint32(buf[22:])),
	}
	h.descriptor = h.flags&flagDescriptor != 0
	nameLen := int(le.Uint16(buf[26:]))
	extraLen := int(le.Uint16(buf[28:]))

	rest := make([]byte, nameLen+extraLen)
	if _, err := io.ReadFull(cr, rest); err != nil {
		return nil, formatErr(err)
	}
	h.name = string(rest[:nameLen])
	parseZip64(h, rest[nameLen:])
	return h, nil
}

func parseZip64(h *header, extra []byte) {
	le := binary.LittleEndian
	for len(extra) >= 4 {
		id := le.Uint16(extra)
		n := int(le.Uint16(extra[2:]))
		extra = extra[4:]
		if n > len(extra) {
			return
		}
		field := extra[:n]
		extra = extra[n:]
		if id != zip64ExtraID {
			continue
		}
		h.zip64 = true
		// local headers carry both sizes when either overflows
		if h.usize == 0xffffffff && len(field) >= 8 {
			h.usize = le.Uint64(field)
			field = field[8:]
		}
		if h.csize == 0xffffffff && len(field) >= 8 {
			h.csize = le.Uint64(field)
		}
	}
}

func skip(cr *bufio.Reader, h *header) error {
	if !h.descriptor {
		if _, err := io.CopyN(io.Discard, cr, int64(h.csize)); err != nil {
			return formatErr(err)
		}
		return nil
	}
	if h.method != methodDeflate {
		return fmt.Errorf("%w: cannot skip stored entry %q of unknown size", ErrFormat, h.name)
	}
	fr := flate.NewReader(cr)
	defer fr.Close()
	if _, err := io.Copy(io.Discard, fr); err != nil {
		return formatErr(err)
	}
	_, err := readDescriptor(cr, h.zip64)
	return err
}

type descriptor struct {
	crc   uint32
	csize uint64
	usize uint64
}

func readDescriptor(cr *bufio.Reader, zip64 bool) (descriptor, error) {
	le := binary.LittleEndian
	var buf [24]byte
	if _, err := io.ReadFull(cr, buf[:4]); err != nil {
		return descriptor{}, formatErr(err)
	}
	// the descriptor signature is optional
	if le.Uint32(buf[:4]) == sigDescriptor {
		if _, err := io.ReadFull(cr, buf[:4]); err != nil {
			return descriptor{}, formatErr(err)
		}
	}
	d := descriptor{crc: le.Uint32(buf[:4])}
	sizeLen := 8
	if zip64 {
		sizeLen = 16
	}
	if _, err := io.ReadFull(cr, buf[4:4+sizeLen]); err != nil {
		return descriptor{}, formatErr(err)
	}
	if zip64 {
		d.csize = le.Uint64(buf[4:])
		d.usize = le.Uint64(buf[12:])
	} else {
		d.csize = uint64(le.Uint32(buf[4:]))
		d.usize = uint64(le.Uint32(buf[8:]))
	}
	return d, nil
}

type entryReader struct {
	cr     *bufio.Reader
	h      *header
	src    io.Reader
	fr     io.ReadCloser
	crc    hash.Hash32
	n      uint64
	err    error
	closed bool
}

func newEntryReader(cr *bufio.Reader, h *header) (*entryReader, error) {
	e := &entryReader{cr: cr, h: h, crc: crc32.NewIEEE()}
	switch h.method {
	case methodStore:
		if h.descriptor {
			return nil, fmt.Errorf("%w: stored entry %q with data descriptor", ErrFormat, h.name)
		}
		e.src = io.LimitReader(cr, int64(h.csize))
	case methodDeflate:
		e.fr = flate.NewReader(cr)
		e.src = e.fr
	default:
		return nil, fmt.Errorf("%w: unsupported method %d for %q", ErrFormat, h.method, h.name)
	}
	return e, nil
}

func (e *entryReader) Read(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.src.Read(p)
	_, _ = e.crc.Write(p[:n])
	e.n += uint64(n)
	switch {
	case err == io.EOF:
		if verr := e.verify(); verr != nil {
			e.err = verr
			return n, verr
		}
		e.err = io.EOF
	case err != nil:
		e.err = formatErr(err)
	}
	return n, e.err
}

func (e *entryReader) verify() error {
	want := descriptor{crc: e.h.crc, csize: e.h.csize, usize: e.h.usize}
	if e.h.descriptor {
		d, err := readDescriptor(e.cr, e.h.zip64)
		if err != nil {
			return err
		}
		want = d
	}
	if e.n != want.usize {
		return fmt.Errorf("%w: %q truncated: %d of %d bytes", ErrFormat, e.h.name, e.n, want.usize)
	}
	if got := e.crc.Sum32(); got != want.crc {
		return fmt.Errorf("%w: %q checksum %#08x, want %#08x", ErrFormat, e.h.name, got, want.crc)
	}
	return nil
}

func (e *entryReader) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.fr != nil {
		return e.fr.Close()
	}
	return nil
}

// formatErr classifies decoder failures as format errors and lets
// transport errors from the underlying reader through unchanged.
func formatErr(err error) error {
	var corrupt flate.CorruptInputError
	switch {
	case errors.Is(err, ErrFormat):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: unexpected end of archive", ErrFormat)
	case errors.As(err, &corrupt):
		return fmt.Errorf("%w: %w", ErrFormat, err)
	default:
		return err
	}
}
