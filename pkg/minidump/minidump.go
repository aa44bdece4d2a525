// Package minidump writes and reads Breakpad minidump files for 64 bit
// PowerPC consoles.
//
// The file format is described on MSDN starting at:
//  https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_header
// which is the structure found at offset 0 on a minidump file.
//
// The PowerPC context and the console platform and exception codes are
// Breakpad extensions, see:
//  https://chromium.googlesource.com/breakpad/breakpad/+/master/src/google_breakpad/common/minidump_cpu_ppc64.h
// and:
//  https://chromium.googlesource.com/breakpad/breakpad/+/master/src/google_breakpad/common/minidump_exception_ps3.h
package minidump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"unicode/utf16"
)

type minidumpBuf struct {
	buf  []byte
	kind string
	off  int
	err  error
	ctx  string
}

func (buf *minidumpBuf) truncated(stride int) bool {
	if buf.err != nil {
		return true
	}
	if buf.off < 0 || buf.off+stride > len(buf.buf) {
		buf.err = fmt.Errorf("minidump %s truncated at offset %#x while %s", buf.kind, buf.off, buf.ctx)
		return true
	}
	return false
}

func (buf *minidumpBuf) u16() uint16 {
	const stride = 2
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint16(buf.buf[buf.off : buf.off+stride])
	buf.off += stride
	return r
}

func (buf *minidumpBuf) u32() uint32 {
	const stride = 4
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint32(buf.buf[buf.off : buf.off+stride])
	buf.off += stride
	return r
}

func (buf *minidumpBuf) u64() uint64 {
	const stride = 8
	if buf.truncated(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint64(buf.buf[buf.off : buf.off+stride])
	buf.off += stride
	return r
}

// value decodes the fixed size structure v at the current offset.
func (buf *minidumpBuf) value(v interface{}) {
	stride := binary.Size(v)
	if buf.truncated(stride) {
		return
	}
	if err := binary.Read(bytes.NewReader(buf.buf[buf.off:buf.off+stride]), binary.LittleEndian, v); err != nil {
		buf.err = fmt.Errorf("%v while %s", err, buf.ctx)
		return
	}
	buf.off += stride
}

func streamBuf(stream *Stream, buf *minidumpBuf, name string) *minidumpBuf {
	return &minidumpBuf{
		buf:  buf.buf,
		kind: "stream",
		off:  stream.Offset,
		err:  nil,
		ctx:  fmt.Sprintf("reading %s stream at %#x", name, stream.Offset),
	}
}

// ErrNotAMinidump is the error returned when the file being loaded is not a
// minidump file.
type ErrNotAMinidump struct {
	what string
	got  uint32
}

func (err ErrNotAMinidump) Error() string {
	return fmt.Sprintf("not a minidump, invalid %s %#x", err.what, err.got)
}

// Minidump represents a minidump file
type Minidump struct {
	Timestamp uint32
	Flags     uint64

	Streams []Stream

	Threads    []Thread
	Modules    []Module
	Exception  *Exception
	SystemInfo *SystemInfo

	MemoryRanges []MemoryRange

	streamNum uint32
	streamOff uint32
}

// Stream represents one (uninterpreted) stream in a minidump file.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_directory
type Stream struct {
	Type    StreamType
	Offset  int
	RawData []byte
}

// Thread represents an entry in the ThreadList stream.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_thread
type Thread struct {
	ID            uint32
	SuspendCount  uint32
	PriorityClass uint32
	Priority      uint32
	TEB           uint64
	Stack         MemoryRange
	StackRVA      uint32

	// Context is nil when the thread has no PowerPC context.
	Context *ContextPPC64
}

// Module represents an entry in the ModuleList stream.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_module
type Module struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	Checksum      uint32
	TimeDateStamp uint32
	Name          string
	VersionInfo   VSFixedFileInfo

	// CVRecord stores a CodeView record and is populated when a module's debug information resides in a PDB file.  It identifies the PDB file.
	CVRecord []byte

	// MiscRecord is populated when a module's debug information resides in a DBG file.  It identifies the DBG file.  This field is effectively obsolete with modules built by recent toolchains.
	MiscRecord []byte
}

// CodeView decodes the module's CVRecord as a PDB 7.0 record and returns it
// together with the PDB file name.
func (m *Module) CodeView() (CVInfoPDB70, string, error) {
	var cv CVInfoPDB70
	if len(m.CVRecord) < CVInfoPDB70MinSize {
		return cv, "", fmt.Errorf("codeview record too short (%d bytes)", len(m.CVRecord))
	}
	binary.Read(bytes.NewReader(m.CVRecord), binary.LittleEndian, &cv)
	if cv.CVSignature != CVInfoPDB70Signature {
		return cv, "", fmt.Errorf("unknown codeview signature %#x", cv.CVSignature)
	}
	name := m.CVRecord[CVInfoPDB70MinSize:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return cv, string(name), nil
}

// Exception represents the Exception stream.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_exception_stream
type Exception struct {
	ThreadID uint32
	Code     ExceptionCode
	Flags    uint32
	Address  uint64
	Context  *ContextPPC64
}

// SystemInfo represents the SystemInfo stream.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_system_info
type SystemInfo struct {
	Arch               Arch
	Level              uint16
	Revision           uint16
	NumberOfProcessors uint8
	MajorVersion       uint32
	MinorVersion       uint32
	BuildNumber        uint32
	PlatformID         uint32
}

// MemoryRange represents a region of memory saved to the minidump file,
// it's constructed after either:
// 1. parsing an entry in the MemoryList stream.
// 2. parsing the stack field of an entry in the ThreadList stream.
type MemoryRange struct {
	Addr uint64
	Data []byte
}

// ReadMemory reads len(buf) bytes of memory starting at addr into buf from this memory region.
func (m *MemoryRange) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if (addr < m.Addr) || (addr+uint64(len(buf)) > m.Addr+uint64(len(m.Data))) {
		return 0, io.EOF
	}
	copy(buf, m.Data[addr-m.Addr:])
	return len(buf), nil
}

// ReadMemory reads len(buf) bytes at addr from the first memory range of
// the MemoryList stream containing them.
func (mdmp *Minidump) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range mdmp.MemoryRanges {
		if n, err := mdmp.MemoryRanges[i].ReadMemory(buf, addr); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("memory at %#x of size %#x not in minidump", addr, len(buf))
}

// Thread returns the thread with the given id.
func (mdmp *Minidump) Thread(id uint32) (*Thread, bool) {
	for i := range mdmp.Threads {
		if mdmp.Threads[i].ID == id {
			return &mdmp.Threads[i], true
		}
	}
	return nil, false
}

// IsMinidump reports whether r starts with a minidump signature.
func IsMinidump(r io.Reader) (bool, error) {
	var sig [4]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return binary.LittleEndian.Uint32(sig[:]) == HeaderSignature, nil
}

// Open reads the minidump file at path and returns it as a Minidump structure.
func Open(path string, logfn func(fmt string, args ...interface{})) (*Minidump, error) {
	rawbuf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(rawbuf, logfn)
}

// Parse decodes a minidump held in memory. The returned Minidump refers
// to rawbuf.
func Parse(rawbuf []byte, logfn func(fmt string, args ...interface{})) (*Minidump, error) {
	buf := &minidumpBuf{buf: rawbuf, kind: "file"}

	var mdmp Minidump

	readMinidumpHeader(&mdmp, buf)
	if buf.err != nil {
		return nil, buf.err
	}

	if logfn != nil {
		logfn("Minidump Header\n")
		logfn("Num Streams: %d\n", mdmp.streamNum)
		logfn("Streams offset: %#x\n", mdmp.streamOff)
		logfn("File flags: %#x\n", mdmp.Flags)
		logfn("Offset after header %#x\n", buf.off)
	}

	readDirectory(&mdmp, buf)
	if buf.err != nil {
		return nil, buf.err
	}

	for i := range mdmp.Streams {
		stream := &mdmp.Streams[i]
		if stream.Type != SystemInfoStream {
			continue
		}

		sb := streamBuf(stream, buf, "system info")
		readSystemInfo(&mdmp, sb)
		if sb.err != nil {
			return nil, sb.err
		}

		if logfn != nil {
			logfn("Found processor architecture %s\n", mdmp.SystemInfo.Arch)
		}

		if mdmp.SystemInfo.Arch != CpuArchitecturePPC64 {
			return nil, fmt.Errorf("unsupported architecture %s", mdmp.SystemInfo.Arch)
		}
	}

	for i := range mdmp.Streams {
		stream := &mdmp.Streams[i]
		if logfn != nil {
			logfn("Stream %d: type:%s off:%#x size:%#x\n", i, stream.Type, stream.Offset, len(stream.RawData))
		}
		var sb *minidumpBuf
		switch stream.Type {
		case ThreadListStream:
			sb = streamBuf(stream, buf, "thread list")
			readThreadList(&mdmp, sb)
			if logfn != nil {
				for i := range mdmp.Threads {
					logfn("\tID:%#x Stack:%#x+%#x\n", mdmp.Threads[i].ID, mdmp.Threads[i].Stack.Addr, len(mdmp.Threads[i].Stack.Data))
				}
			}
		case ModuleListStream:
			sb = streamBuf(stream, buf, "module list")
			readModuleList(&mdmp, sb)
			if logfn != nil {
				for i := range mdmp.Modules {
					logfn("\tName:%q BaseOfImage:%#x SizeOfImage:%#x\n", mdmp.Modules[i].Name, mdmp.Modules[i].BaseOfImage, mdmp.Modules[i].SizeOfImage)
				}
			}
		case MemoryListStream:
			sb = streamBuf(stream, buf, "memory list")
			readMemoryList(&mdmp, sb, logfn)
		case ExceptionStream:
			sb = streamBuf(stream, buf, "exception")
			readException(&mdmp, sb)
			if logfn != nil && mdmp.Exception != nil {
				logfn("\tThread:%#x Code:%s Address:%#x\n", mdmp.Exception.ThreadID, mdmp.Exception.Code, mdmp.Exception.Address)
			}
		case CommentStreamW:
			if logfn != nil {
				logfn("\t%q\n", decodeUTF16(stream.RawData))
			}
		case CommentStreamA:
			if logfn != nil {
				logfn("\t%s\n", string(stream.RawData))
			}
		}
		if sb != nil && sb.err != nil {
			return nil, sb.err
		}
	}

	return &mdmp, nil
}

// decodeUTF16 converts a NUL-terminated UTF16LE string to (non NUL-terminated) UTF8.
func decodeUTF16(in []byte) string {
	utf16encoded := []uint16{}
	for i := 0; i+1 < len(in); i += 2 {
		var ch uint16
		ch = uint16(in[i]) + uint16(in[i+1])<<8
		utf16encoded = append(utf16encoded, ch)
	}
	s := string(utf16.Decode(utf16encoded))
	if len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}

// readMinidumpHeader reads the minidump file header
func readMinidumpHeader(mdmp *Minidump, buf *minidumpBuf) {
	buf.ctx = "reading minidump header"

	if sig := buf.u32(); sig != HeaderSignature {
		if buf.err == nil {
			buf.err = ErrNotAMinidump{"signature", sig}
		}
		return
	}

	if ver := buf.u16(); ver != HeaderVersion {
		if buf.err == nil {
			buf.err = ErrNotAMinidump{"version", uint32(ver)}
		}
		return
	}

	buf.u16() // implementation specific version
	mdmp.streamNum = buf.u32()
	mdmp.streamOff = buf.u32()
	buf.u32() // checksum, but it's always 0
	mdmp.Timestamp = buf.u32()
	mdmp.Flags = buf.u64()
}

// readDirectory reads the list of streams (i.e. the minidump "directory")
func readDirectory(mdmp *Minidump, buf *minidumpBuf) {
	buf.off = int(mdmp.streamOff)
	if uint64(mdmp.streamNum)*DirectorySize > uint64(len(buf.buf)) {
		buf.err = fmt.Errorf("minidump directory of %d streams larger than file", mdmp.streamNum)
		return
	}

	mdmp.Streams = make([]Stream, mdmp.streamNum)
	for i := range mdmp.Streams {
		buf.ctx = fmt.Sprintf("reading stream directory entry %d", i)
		stream := &mdmp.Streams[i]
		stream.Type = StreamType(buf.u32())
		stream.Offset, stream.RawData = readLocationDescriptor(buf)
		if buf.err != nil {
			return
		}
	}
}

// readLocationDescriptor reads a location descriptor structure (a structure
// which describes a subregion of the file), and returns the destination
// offset and a slice into the minidump file's buffer.
func readLocationDescriptor(buf *minidumpBuf) (off int, rawData []byte) {
	sz := buf.u32()
	off = int(buf.u32())
	if buf.err != nil {
		return off, nil
	}
	end := off + int(sz)
	if off > len(buf.buf) || end > len(buf.buf) {
		buf.err = fmt.Errorf("location starting at %#x of size %#x is past the end of file, while %s", off, sz, buf.ctx)
		return 0, nil
	}
	rawData = buf.buf[off:end]
	return
}

func readString(buf *minidumpBuf) string {
	startOff := buf.off
	sz := buf.u32()
	if buf.err != nil {
		return ""
	}
	end := buf.off + int(sz)
	if buf.off > len(buf.buf) || end > len(buf.buf) {
		buf.err = fmt.Errorf("string starting at %#x of size %#x is past the end of file, while %s", startOff, sz, buf.ctx)
		return ""
	}
	return decodeUTF16(buf.buf[buf.off:end])
}

// readContext decodes a PowerPC context, it returns nil when the location
// is too small to hold one.
func readContext(raw []byte) *ContextPPC64 {
	if len(raw) < ContextPPC64Size {
		return nil
	}
	ctx := new(ContextPPC64)
	binary.Read(bytes.NewReader(raw), binary.LittleEndian, ctx)
	return ctx
}

// readThreadList reads a thread list stream and adds the threads to the minidump.
func readThreadList(mdmp *Minidump, buf *minidumpBuf) {
	threadNum := buf.u32()
	if buf.err != nil {
		return
	}
	if uint64(threadNum)*ThreadSize > uint64(len(buf.buf)) {
		buf.err = fmt.Errorf("thread list of %d threads larger than file", threadNum)
		return
	}

	mdmp.Threads = make([]Thread, threadNum)

	for i := range mdmp.Threads {
		buf.ctx = fmt.Sprintf("reading thread list entry %d", i)
		thread := &mdmp.Threads[i]

		thread.ID = buf.u32()
		thread.SuspendCount = buf.u32()
		thread.PriorityClass = buf.u32()
		thread.Priority = buf.u32()
		thread.TEB = buf.u64()
		if buf.err != nil {
			return
		}

		thread.Stack.Addr = buf.u64()
		var off int
		off, thread.Stack.Data = readLocationDescriptor(buf) // thread stack
		thread.StackRVA = uint32(off)
		_, rawThreadContext := readLocationDescriptor(buf) // thread context
		if buf.err != nil {
			return
		}
		thread.Context = readContext(rawThreadContext)
	}
}

// readModuleList reads a module list stream and adds the modules to the minidump.
func readModuleList(mdmp *Minidump, buf *minidumpBuf) {
	moduleNum := buf.u32()
	if buf.err != nil {
		return
	}
	if uint64(moduleNum)*ModuleSize > uint64(len(buf.buf)) {
		buf.err = fmt.Errorf("module list of %d modules larger than file", moduleNum)
		return
	}

	mdmp.Modules = make([]Module, moduleNum)

	for i := range mdmp.Modules {
		buf.ctx = fmt.Sprintf("reading module list entry %d", i)
		module := &mdmp.Modules[i]

		module.BaseOfImage = buf.u64()
		module.SizeOfImage = buf.u32()
		module.Checksum = buf.u32()
		module.TimeDateStamp = buf.u32()
		nameOff := int(buf.u32())

		buf.value(&module.VersionInfo)

		_, module.CVRecord = readLocationDescriptor(buf)
		_, module.MiscRecord = readLocationDescriptor(buf)
		buf.u64() // reserved0
		buf.u64() // reserved1

		if buf.err != nil {
			return
		}

		nameBuf := minidumpBuf{buf: buf.buf, kind: "file", off: nameOff, err: nil, ctx: buf.ctx}
		module.Name = readString(&nameBuf)
		if nameBuf.err != nil {
			buf.err = nameBuf.err
			return
		}
	}
}

// readMemoryList reads a _MINIDUMP_MEMORY_LIST structure, containing
// the description of the process memory.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/minidumpapiset/ns-minidumpapiset-_minidump_memory_list
func readMemoryList(mdmp *Minidump, buf *minidumpBuf, logfn func(fmt string, args ...interface{})) {
	rangesNum := buf.u32()
	if buf.err != nil {
		return
	}
	if uint64(rangesNum)*MemoryDescriptorSize > uint64(len(buf.buf)) {
		buf.err = fmt.Errorf("memory list of %d ranges larger than file", rangesNum)
		return
	}

	for i := uint32(0); i < rangesNum; i++ {
		buf.ctx = fmt.Sprintf("reading memory list entry %d", i)
		addr := buf.u64()
		off, data := readLocationDescriptor(buf)
		if buf.err != nil {
			return
		}

		mdmp.addMemory(addr, data)

		if logfn != nil {
			logfn("\tMemory %d addr:%#x size:%#x FileOffset:%#x\n", i, addr, len(data), off)
		}
	}
}

// readException reads the exception stream.
func readException(mdmp *Minidump, buf *minidumpBuf) {
	var raw RawExceptionStream
	buf.value(&raw)
	if buf.err != nil {
		return
	}
	e := &Exception{
		ThreadID: raw.ThreadID,
		Code:     ExceptionCode(raw.ExceptionRecord.ExceptionCode),
		Flags:    raw.ExceptionRecord.ExceptionFlags,
		Address:  raw.ExceptionRecord.ExceptionAddress,
	}
	if loc := raw.ThreadContext; loc.DataSize > 0 {
		end := uint64(loc.RVA) + uint64(loc.DataSize)
		if end > uint64(len(buf.buf)) {
			buf.err = fmt.Errorf("exception context at %#x of size %#x is past the end of file", loc.RVA, loc.DataSize)
			return
		}
		e.Context = readContext(buf.buf[loc.RVA:end])
	}
	mdmp.Exception = e
}

// readSystemInfo reads the system info stream.
func readSystemInfo(mdmp *Minidump, buf *minidumpBuf) {
	var raw RawSystemInfo
	buf.value(&raw)
	if buf.err != nil {
		return
	}
	mdmp.SystemInfo = &SystemInfo{
		Arch:               Arch(raw.ProcessorArchitecture),
		Level:              raw.ProcessorLevel,
		Revision:           raw.ProcessorRevision,
		NumberOfProcessors: raw.NumberOfProcessors,
		MajorVersion:       raw.MajorVersion,
		MinorVersion:       raw.MinorVersion,
		BuildNumber:        raw.BuildNumber,
		PlatformID:         raw.PlatformID,
	}
}

func (mdmp *Minidump) addMemory(addr uint64, data []byte) {
	mdmp.MemoryRanges = append(mdmp.MemoryRanges, MemoryRange{addr, data})
}
