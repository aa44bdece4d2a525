// Package coredump reads console core dumps: big endian ELF64 ET_CORE files
// whose PT_NOTE segment holds proprietary notes describing the threads,
// registers and crash cause of the dumped process, and whose PT_LOAD
// segments hold part of its memory.
package coredump

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/youtube/h5vcc-sub002/pkg/arena"
	"github.com/youtube/h5vcc-sub002/pkg/logflags"
)

var (
	// ErrNoNotes is returned when the core dump has no PT_NOTE segment, or
	// only empty ones.
	ErrNoNotes = errors.New("PT_NOTE segment not found")

	// ErrNotInitialized is returned when memory is read before Init.
	ErrNotInitialized = errors.New("core dump not initialized")
)

// FormatError is returned when the core dump is not a well formed console
// core dump.
type FormatError struct {
	Note NoteType // zero when the problem is not inside a note
	Err  error
}

func (e *FormatError) Error() string {
	if e.Note == 0 {
		return fmt.Sprintf("invalid core dump file: %v", e.Err)
	}
	return fmt.Sprintf("invalid core dump file: %v note: %v", e.Note, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Dumper gives access to the contents of a console core dump.
// The exported fields are filled by Init and stay valid until Close.
type Dumper struct {
	path  string
	fill  byte
	log   logflags.Logger
	alloc *arena.Allocator

	data  []byte
	unmap func() error
	order binary.ByteOrder
	mem   *splicedMemory

	SystemInfo   *SystemInfo
	ProcessInfo  *ProcessInfo
	PPUExcepInfo *PPUExcepInfo
	GameAppInfo  *GameAppInfo

	PPURegs    []PPURegInfo
	SPURegs    []SPURegInfo
	PPUThreads []PPUThrInfo
	SPUThreads []SPUThrInfo
	PageAttrs  []PageAttrInfo

	DumpCauses        []DumpCauseInfo
	PPUDumpExceps     []PPUDumpExcep
	SPUDumpExceps     []SPUDumpExcep
	RSXDumpExceps     []RSXDumpExcep
	UserDefinedExceps []UserDefinedExcep

	ThreadGroups []SPUThrgrpInfo
	PRXs         []PRXInfo
	CallInfos    []CallInfo

	callStacks map[ThreadID][]uint32
}

// Option configures a Dumper.
type Option func(*Dumper)

// DefaultMissingMemoryFill is the byte CopyFromProcess writes in place of
// memory that is not in the core dump.
const DefaultMissingMemoryFill = 0xab

// WithMissingMemoryFill changes the byte CopyFromProcess writes in place of
// memory that is not in the core dump.
func WithMissingMemoryFill(b byte) Option {
	return func(d *Dumper) { d.fill = b }
}

// WithLogger sets the logger used by the Dumper.
func WithLogger(l logflags.Logger) Option {
	return func(d *Dumper) { d.log = l }
}

// New returns a Dumper for the core dump at path. Nothing is read until
// Init is called.
func New(path string, opts ...Option) *Dumper {
	d := &Dumper{
		path:  path,
		fill:  DefaultMissingMemoryFill,
		alloc: arena.New(arena.DefaultPageSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logflags.CoreDumpLogger()
	}
	return d
}

// Open is New followed by Init.
func Open(path string, opts ...Option) (*Dumper, error) {
	d := New(path, opts...)
	if err := d.Init(); err != nil {
		return nil, err
	}
	return d, nil
}

// Init maps the core dump into memory, validates it and parses its notes.
// Calling Init on an initialized Dumper does nothing.
func (d *Dumper) Init() error {
	if d.mem != nil {
		return nil
	}
	data, unmap, err := mapFile(d.path)
	if err != nil {
		return fmt.Errorf("could not map core dump file into memory: %w", err)
	}
	d.data, d.unmap = data, unmap
	if err := d.setup(); err != nil {
		d.Close()
		return err
	}
	return nil
}

// Close unmaps the core dump.
func (d *Dumper) Close() error {
	d.mem = nil
	d.data = nil
	d.alloc.Reset()
	if d.unmap == nil {
		return nil
	}
	err := d.unmap()
	d.unmap = nil
	return err
}

// Path returns the path of the core dump.
func (d *Dumper) Path() string { return d.path }

// ByteOrder returns the byte order of the core dump.
func (d *Dumper) ByteOrder() binary.ByteOrder { return d.order }

// Allocator returns the allocator scratch buffers derived from this core
// dump are drawn from.
func (d *Dumper) Allocator() *arena.Allocator { return d.alloc }

func (d *Dumper) setup() error {
	f, err := elf.NewFile(bytes.NewReader(d.data))
	if err != nil {
		return &FormatError{Err: err}
	}
	if f.Class != elf.ELFCLASS64 {
		return &FormatError{Err: fmt.Errorf("unsupported ELF class %v", f.Class)}
	}
	if f.Type != elf.ET_CORE {
		return &FormatError{Err: fmt.Errorf("not a core file (%v)", f.Type)}
	}
	if f.Machine != elf.EM_PPC64 {
		d.log.Warnf("unexpected machine type %v", f.Machine)
	}
	d.order = f.ByteOrder

	mem := newSplicedMemory()
	var notes [][]byte
	for _, prog := range f.Progs {
		if prog.Filesz == 0 {
			continue
		}
		switch prog.Type {
		case elf.PT_NOTE, elf.PT_LOAD:
		default:
			continue
		}
		if prog.Off > uint64(len(d.data)) || prog.Filesz > uint64(len(d.data))-prog.Off {
			return &FormatError{Err: fmt.Errorf("%v segment at %#x extends past the end of the file", prog.Type, prog.Off)}
		}
		seg := d.data[prog.Off : prog.Off+prog.Filesz]
		if prog.Type == elf.PT_NOTE {
			notes = append(notes, seg)
			continue
		}
		d.log.Debugf("memory %#x-%#x", prog.Vaddr, prog.Vaddr+prog.Filesz)
		mem.Add(&offsetReaderAt{reader: bytes.NewReader(seg), offset: prog.Vaddr}, prog.Vaddr, prog.Filesz)
	}
	if len(notes) == 0 {
		return ErrNoNotes
	}

	d.callStacks = make(map[ThreadID][]uint32)
	seen := make(map[NoteType]bool)
	for _, b := range notes {
		if err := d.readNotes(b, seen); err != nil {
			return err
		}
	}
	for _, ci := range d.CallInfos {
		d.callStacks[ci.ThreadID] = ci.Frames
	}
	d.mem = mem
	return nil
}

type noteHdr struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}

// readNotes parses every note of the PT_NOTE segment b. Each note type is
// parsed once, later notes of the same type are ignored.
func (d *Dumper) readNotes(b []byte, seen map[NoteType]bool) error {
	r := bytes.NewReader(b)
	for {
		var hdr noteHdr
		if err := binary.Read(r, d.order, &hdr); err != nil {
			if err == io.EOF {
				return nil
			}
			return &FormatError{Err: fmt.Errorf("reading note header: %v", err)}
		}
		if uint64(hdr.Namesz) > uint64(r.Len()) {
			return &FormatError{Note: NoteType(hdr.Type), Err: errTruncated}
		}
		name := make([]byte, hdr.Namesz)
		if _, err := io.ReadFull(r, name); err != nil {
			return &FormatError{Err: fmt.Errorf("reading note name: %v", err)}
		}
		skipPadding(r, 4)
		pos := len(b) - r.Len()
		if uint64(hdr.Descsz) > uint64(r.Len()) {
			return &FormatError{Note: NoteType(hdr.Type), Err: errTruncated}
		}
		desc := b[pos : pos+int(hdr.Descsz)]
		r.Seek(int64(hdr.Descsz), io.SeekCurrent)
		skipPadding(r, 4)

		typ := NoteType(hdr.Type)
		if seen[typ] {
			d.log.Warnf("duplicate %v note ignored", typ)
			continue
		}
		seen[typ] = true
		d.log.Debugf("note %v name=%q size=%d", typ, cstring(name), len(desc))
		if err := d.parseNote(typ, desc); err != nil {
			return &FormatError{Note: typ, Err: err}
		}
	}
}

func skipPadding(r *bytes.Reader, pad int64) {
	pos := r.Size() - int64(r.Len())
	if pos%pad != 0 {
		r.Seek(pad-(pos%pad), io.SeekCurrent)
	}
}

func (d *Dumper) parseNote(typ NoteType, desc []byte) error {
	if len(desc) < descHdrSize {
		return errTruncated
	}
	hdr := DescHdr{
		UnitSize: d.order.Uint32(desc[0:]),
		UnitNum:  d.order.Uint32(desc[4:]),
	}
	data := desc[descHdrSize:]
	order := d.order

	switch typ {
	case SystemInfoNote:
		d.SystemInfo = new(SystemInfo)
		return decodeFixed(data, order, d.SystemInfo)
	case ProcessInfoNote:
		d.ProcessInfo = new(ProcessInfo)
		return decodeFixed(data, order, d.ProcessInfo)
	case PPUExcepInfoNote:
		d.PPUExcepInfo = new(PPUExcepInfo)
		return decodeFixed(data, order, d.PPUExcepInfo)
	case GameAppInfoNote:
		d.GameAppInfo = new(GameAppInfo)
		return decodeFixed(data, order, d.GameAppInfo)

	case PPURegInfoNote:
		return readArray(data, hdr, ppuRegInfoSize, func(b []byte) error {
			var r PPURegInfo
			if err := decodeFixed(b, order, &r); err != nil {
				return err
			}
			d.PPURegs = append(d.PPURegs, r)
			return nil
		})
	case SPURegInfoNote:
		return readArray(data, hdr, spuRegInfoSize, func(b []byte) error {
			var r SPURegInfo
			if err := decodeFixed(b, order, &r); err != nil {
				return err
			}
			d.SPURegs = append(d.SPURegs, r)
			return nil
		})
	case PPUThrInfoNote:
		return readArray(data, hdr, ppuThrInfoSize, func(b []byte) error {
			var t PPUThrInfo
			if err := decodeFixed(b, order, &t); err != nil {
				return err
			}
			d.PPUThreads = append(d.PPUThreads, t)
			return nil
		})
	case SPUThrInfoNote:
		return readArray(data, hdr, spuThrInfoSize, func(b []byte) error {
			var t SPUThrInfo
			if err := decodeFixed(b, order, &t); err != nil {
				return err
			}
			d.SPUThreads = append(d.SPUThreads, t)
			return nil
		})
	case PageAttrInfoNote:
		return readArray(data, hdr, pageAttrInfoSize, func(b []byte) error {
			var p PageAttrInfo
			if err := decodeFixed(b, order, &p); err != nil {
				return err
			}
			d.PageAttrs = append(d.PageAttrs, p)
			return nil
		})

	case DumpCauseInfoNote:
		return d.readDumpCauses(data, hdr)

	case SPUThrgrpInfoNote:
		return readRecords(data, hdr.UnitNum, order, func() varRecord {
			d.ThreadGroups = append(d.ThreadGroups, SPUThrgrpInfo{})
			return &d.ThreadGroups[len(d.ThreadGroups)-1]
		})
	case PRXInfoNote:
		return readRecords(data, hdr.UnitNum, order, func() varRecord {
			d.PRXs = append(d.PRXs, PRXInfo{})
			return &d.PRXs[len(d.PRXs)-1]
		})
	case PPUCallInfoNote:
		return readRecords(data, hdr.UnitNum, order, func() varRecord {
			d.CallInfos = append(d.CallInfos, CallInfo{})
			return &d.CallInfos[len(d.CallInfos)-1]
		})
	}

	d.log.Debugf("skipping unknown note %v", typ)
	return nil
}

// readDumpCauses parses the units of a DUMP_CAUSE_INFO note. Every unit is a
// DumpCauseInfo followed by the record selected by its cause type.
func (d *Dumper) readDumpCauses(data []byte, hdr DescHdr) error {
	stride := int(hdr.UnitSize)
	if stride == 0 {
		stride = dumpCauseInfoSize + ppuDumpExcepSize
	}
	if stride < dumpCauseInfoSize {
		return fmt.Errorf("unit size %d smaller than record size %d", hdr.UnitSize, dumpCauseInfoSize)
	}
	for i := 0; i < int(hdr.UnitNum); i++ {
		off := i * stride
		if off+dumpCauseInfoSize > len(data) {
			return fmt.Errorf("unit %d: %w", i, errTruncated)
		}
		end := off + stride
		if end > len(data) {
			end = len(data)
		}
		var c DumpCauseInfo
		if err := decodeFixed(data[off:end], d.order, &c); err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
		d.DumpCauses = append(d.DumpCauses, c)

		v := data[off+dumpCauseInfoSize : end]
		var err error
		switch c.CauseType {
		case PPUExcepCause:
			var e PPUDumpExcep
			if err = decodeFixed(v, d.order, &e); err == nil {
				d.PPUDumpExceps = append(d.PPUDumpExceps, e)
			}
		case SPUExcepCause:
			var e SPUDumpExcep
			if err = decodeFixed(v, d.order, &e); err == nil {
				d.SPUDumpExceps = append(d.SPUDumpExceps, e)
			}
		case RSXExcepCause:
			var e RSXDumpExcep
			if err = decodeFixed(v, d.order, &e); err == nil {
				d.RSXDumpExceps = append(d.RSXDumpExceps, e)
			}
		case UserDefinedCause:
			var e UserDefinedExcep
			if err = decodeFixed(v, d.order, &e); err == nil {
				d.UserDefinedExceps = append(d.UserDefinedExceps, e)
			}
		default:
			d.log.Warnf("unknown dump cause type %d", c.CauseType)
		}
		if err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
	}
	return nil
}

// CrashThread returns the id of the thread that caused the dump: the thread
// of the PPU exception if there is one, else the thread of the SPU
// exception, else zero.
func (d *Dumper) CrashThread() ThreadID {
	if len(d.PPUDumpExceps) > 0 {
		return d.PPUDumpExceps[0].ThreadID
	}
	if len(d.SPUDumpExceps) > 0 {
		return ThreadID(d.SPUDumpExceps[0].ThreadID)
	}
	return 0
}

// PPURegInfo returns the registers of PPU thread id, or nil if they were
// not captured.
func (d *Dumper) PPURegInfo(id ThreadID) *PPURegInfo {
	for i := range d.PPURegs {
		if d.PPURegs[i].ThreadID == id {
			return &d.PPURegs[i]
		}
	}
	return nil
}

// SPURegInfo returns the registers of SPU thread id, or nil if they were
// not captured.
func (d *Dumper) SPURegInfo(id ThreadID) *SPURegInfo {
	for i := range d.SPURegs {
		if ThreadID(d.SPURegs[i].ThreadID) == id {
			return &d.SPURegs[i]
		}
	}
	return nil
}

// ThrgrpInfo returns the SPU thread group with the given id.
func (d *Dumper) ThrgrpInfo(id uint32) (*SPUThrgrpInfo, bool) {
	for i := range d.ThreadGroups {
		if d.ThreadGroups[i].ThrgrpID == id {
			return &d.ThreadGroups[i], true
		}
	}
	return nil, false
}
