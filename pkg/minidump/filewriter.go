package minidump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"unicode/utf16"
)

// Alignment of every allocation in a minidump file.
const Alignment = 8

// ErrOutOfSpace is returned when an allocation does not fit in the 32 bit
// address space of a minidump file.
var ErrOutOfSpace = errors.New("minidump file too large")

// FileWriter lays out a minidump file. Space is reserved with Allocate,
// which returns the location of a zero filled block that is later filled
// with Copy and CopyValue.
type FileWriter struct {
	f   *os.File
	pos uint32
	buf bytes.Buffer
}

// Create creates or truncates the file at path.
func Create(path string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileWriter{f: f}, nil
}

// Name returns the path of the file being written.
func (w *FileWriter) Name() string {
	return w.f.Name()
}

// Position returns the offset of the next allocation.
func (w *FileWriter) Position() uint32 {
	return w.pos
}

var zeroes [4096]byte

// Allocate reserves size bytes at the current position. The position is
// advanced by size rounded up to Alignment.
func (w *FileWriter) Allocate(size int) (LocationDescriptor, error) {
	if size < 0 {
		return LocationDescriptor{}, fmt.Errorf("invalid allocation size %d", size)
	}
	aligned := (uint64(size) + Alignment - 1) &^ (Alignment - 1)
	if uint64(w.pos)+aligned > math.MaxUint32 {
		return LocationDescriptor{}, ErrOutOfSpace
	}
	loc := LocationDescriptor{DataSize: uint32(size), RVA: w.pos}
	for off := uint64(0); off < aligned; {
		n := aligned - off
		if n > uint64(len(zeroes)) {
			n = uint64(len(zeroes))
		}
		if _, err := w.f.WriteAt(zeroes[:n], int64(w.pos)+int64(off)); err != nil {
			return LocationDescriptor{}, err
		}
		off += n
	}
	w.pos += uint32(aligned)
	return loc, nil
}

// Copy writes data at rva, which must lie inside allocated space.
func (w *FileWriter) Copy(rva uint32, data []byte) error {
	if uint64(rva)+uint64(len(data)) > uint64(w.pos) {
		return fmt.Errorf("write of %d bytes at %#x past allocated space (%#x)", len(data), rva, w.pos)
	}
	_, err := w.f.WriteAt(data, int64(rva))
	return err
}

// CopyValue encodes v in little endian byte order and writes it at rva.
func (w *FileWriter) CopyValue(rva uint32, v interface{}) error {
	w.buf.Reset()
	if err := binary.Write(&w.buf, binary.LittleEndian, v); err != nil {
		return err
	}
	return w.Copy(rva, w.buf.Bytes())
}

// WriteString allocates and writes s as a MINIDUMP_STRING: a 32 bit byte
// length followed by the UTF-16LE characters and a terminating NUL
// character.
func (w *FileWriter) WriteString(s string) (LocationDescriptor, error) {
	units := utf16.Encode([]rune(s))
	loc, err := w.Allocate(4 + 2*len(units) + 2)
	if err != nil {
		return loc, err
	}
	b := make([]byte, loc.DataSize)
	binary.LittleEndian.PutUint32(b, uint32(2*len(units)))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[4+2*i:], u)
	}
	return loc, w.Copy(loc.RVA, b)
}

// Close closes the file.
func (w *FileWriter) Close() error {
	return w.f.Close()
}
