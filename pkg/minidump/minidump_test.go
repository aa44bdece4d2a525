package minidump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name string
		v    interface{}
		want int
	}{
		{"header", RawHeader{}, HeaderSize},
		{"directory", RawDirectory{}, DirectorySize},
		{"thread", RawThread{}, ThreadSize},
		{"module", RawModule{}, ModuleSize},
		{"memory descriptor", MemoryDescriptor{}, MemoryDescriptorSize},
		{"exception stream", RawExceptionStream{}, ExceptionStreamSize},
		{"system info", RawSystemInfo{}, SystemInfoSize},
		{"context", ContextPPC64{}, ContextPPC64Size},
		{"codeview", CVInfoPDB70{}, CVInfoPDB70MinSize},
		{"version info", VSFixedFileInfo{}, 52},
	}
	for _, tt := range tests {
		if got := binary.Size(tt.v); got != tt.want {
			t.Errorf("%s: size %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestContextFlags(t *testing.T) {
	tests := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"base", ContextPPC64Base, 0x01000001},
		{"floating point", ContextPPC64FloatingPoint, 0x01000008},
		{"vector", ContextPPC64Vector, 0x01000020},
		{"full", ContextPPC64Full, 0x01000001},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
	ctx := ContextPPC64{ContextFlags: ContextPPC64Full}
	if ctx.ContextFlags&ContextPPC64Flag == 0 {
		t.Errorf("context flags %#x miss the PPC64 bit", ctx.ContextFlags)
	}
}

func createTemp(t *testing.T) (*FileWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.dmp")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	return w, path
}

func TestAllocate(t *testing.T) {
	w, path := createTemp(t)
	tests := []struct {
		size    int
		wantRVA uint32
		wantPos uint32
	}{
		{HeaderSize, 0, 32},
		{4, 32, 40},
		{0, 40, 40},
		{9, 40, 56},
		{8, 56, 64},
	}
	for _, tt := range tests {
		loc, err := w.Allocate(tt.size)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", tt.size, err)
		}
		if loc.RVA != tt.wantRVA || loc.DataSize != uint32(tt.size) {
			t.Errorf("Allocate(%d) = %+v, want rva %#x", tt.size, loc, tt.wantRVA)
		}
		if w.Position() != tt.wantPos {
			t.Errorf("after Allocate(%d) position %#x, want %#x", tt.size, w.Position(), tt.wantPos)
		}
	}
	if err := w.Copy(60, []byte{1, 2, 3, 4, 5}); err == nil {
		t.Error("copy past allocated space succeeded")
	}
	if err := w.Copy(40, []byte{0xff}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Allocate(-1); err == nil {
		t.Error("negative allocation succeeded")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 64 {
		t.Fatalf("file size %d, want 64", len(data))
	}
	for i, b := range data {
		want := byte(0)
		if i == 40 {
			want = 0xff
		}
		if b != want {
			t.Fatalf("byte %d = %#x, want %#x", i, b, want)
		}
	}
}

func TestWriteString(t *testing.T) {
	for _, s := range []string{"", "eboot.bin", "gâteau ☃"} {
		w, path := createTemp(t)
		w.Allocate(4)
		loc, err := w.WriteString(s)
		if err != nil {
			t.Fatal(err)
		}
		if loc.RVA != 8 {
			t.Errorf("%q: rva %#x, want 8", s, loc.RVA)
		}
		w.Close()
		data, _ := ioutil.ReadFile(path)
		buf := &minidumpBuf{buf: data, kind: "file", off: int(loc.RVA)}
		if got := readString(buf); buf.err != nil || got != s {
			t.Errorf("readString = %q, %v; want %q", got, buf.err, s)
		}
		n := binary.LittleEndian.Uint32(data[loc.RVA:])
		if end := loc.RVA + 4 + n; data[end] != 0 || data[end+1] != 0 {
			t.Errorf("%q: string not NUL terminated", s)
		}
	}
}

// writeSmallDump lays out a minidump with a system info stream, one thread
// whose stack is also in the memory list, one module and an exception.
func writeSmallDump(t *testing.T, arch Arch) string {
	t.Helper()
	w, path := createTemp(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	hdr, err := w.Allocate(HeaderSize)
	must(err)
	dir, err := w.Allocate(5 * DirectorySize)
	must(err)

	stack := []byte("stack memory")
	stackLoc, err := w.Allocate(len(stack))
	must(err)
	must(w.Copy(stackLoc.RVA, stack))

	ctxLoc, err := w.Allocate(ContextPPC64Size)
	must(err)
	ctx := ContextPPC64{ContextFlags: ContextPPC64Full, SRR0: 0x10200}
	ctx.GPR[1] = 0xd0000000
	ctx.VectorSave.SaveVSCR = Uint128{High: 1, Low: 2}
	must(w.CopyValue(ctxLoc.RVA, &ctx))

	threads, err := w.Allocate(4 + ThreadSize)
	must(err)
	must(w.CopyValue(threads.RVA, uint32(1)))
	must(w.CopyValue(threads.RVA+4, &RawThread{
		ThreadID:      0x100,
		SuspendCount:  1,
		Priority:      1000,
		Stack:         MemoryDescriptor{StartOfMemoryRange: 0xd0000000, Memory: stackLoc},
		ThreadContext: ctxLoc,
	}))

	memList, err := w.Allocate(4 + MemoryDescriptorSize)
	must(err)
	must(w.CopyValue(memList.RVA, uint32(1)))
	must(w.CopyValue(memList.RVA+4, &MemoryDescriptor{StartOfMemoryRange: 0xd0000000, Memory: stackLoc}))

	name, err := w.WriteString("GAME00000")
	must(err)
	cv, err := w.Allocate(CVInfoPDB70MinSize + len("eboot.bin") + 1)
	must(err)
	must(w.CopyValue(cv.RVA, &CVInfoPDB70{CVSignature: CVInfoPDB70Signature, Signature: GUID{Data1: 0x12345678}}))
	must(w.Copy(cv.RVA+CVInfoPDB70MinSize, []byte("eboot.bin\x00")))
	modules, err := w.Allocate(4 + ModuleSize)
	must(err)
	must(w.CopyValue(modules.RVA, uint32(1)))
	must(w.CopyValue(modules.RVA+4, &RawModule{SizeOfImage: 0xffffffff, ModuleNameRVA: name.RVA, VersionInfo: NewVSFixedFileInfo(1, 2), CVRecord: cv}))

	exc, err := w.Allocate(ExceptionStreamSize)
	must(err)
	must(w.CopyValue(exc.RVA, &RawExceptionStream{
		ThreadID:        0x100,
		ExceptionRecord: RawException{ExceptionCode: uint32(ExceptionPS3DataStorage), ExceptionAddress: 0x44},
		ThreadContext:   ctxLoc,
	}))

	sys, err := w.Allocate(SystemInfoSize)
	must(err)
	must(w.CopyValue(sys.RVA, &RawSystemInfo{ProcessorArchitecture: uint16(arch), ProcessorLevel: 1, MajorVersion: 0x36, PlatformID: PlatformPS3}))

	entries := []RawDirectory{
		{uint32(ThreadListStream), threads},
		{uint32(ModuleListStream), modules},
		{uint32(MemoryListStream), memList},
		{uint32(ExceptionStream), exc},
		{uint32(SystemInfoStream), sys},
	}
	must(w.CopyValue(dir.RVA, entries))
	must(w.CopyValue(hdr.RVA, &RawHeader{
		Signature:          HeaderSignature,
		Version:            HeaderVersion,
		StreamCount:        uint32(len(entries)),
		StreamDirectoryRVA: dir.RVA,
		TimeDateStamp:      1234,
	}))
	must(w.Close())
	return path
}

func TestOpen(t *testing.T) {
	path := writeSmallDump(t, CpuArchitecturePPC64)
	var logged bytes.Buffer
	mdmp, err := Open(path, func(format string, args ...interface{}) {
		logged.WriteString(format)
	})
	if err != nil {
		t.Fatal(err)
	}
	if logged.Len() == 0 {
		t.Error("nothing logged")
	}
	if mdmp.Timestamp != 1234 {
		t.Errorf("timestamp %d", mdmp.Timestamp)
	}
	if len(mdmp.Streams) != 5 {
		t.Fatalf("%d streams", len(mdmp.Streams))
	}

	if mdmp.SystemInfo == nil || mdmp.SystemInfo.PlatformID != PlatformPS3 || mdmp.SystemInfo.MajorVersion != 0x36 {
		t.Errorf("system info %+v", mdmp.SystemInfo)
	}

	th, ok := mdmp.Thread(0x100)
	if !ok {
		t.Fatal("thread 0x100 missing")
	}
	if th.SuspendCount != 1 || th.Priority != 1000 {
		t.Errorf("thread %+v", th)
	}
	if th.Stack.Addr != 0xd0000000 || string(th.Stack.Data) != "stack memory" {
		t.Errorf("stack %#x %q", th.Stack.Addr, th.Stack.Data)
	}
	if th.Context == nil {
		t.Fatal("no thread context")
	}
	if th.Context.SRR0 != 0x10200 || th.Context.GPR[1] != 0xd0000000 || th.Context.VectorSave.SaveVSCR != (Uint128{1, 2}) {
		t.Errorf("context %+v", th.Context)
	}

	if len(mdmp.MemoryRanges) != 1 || mdmp.MemoryRanges[0].Addr != 0xd0000000 {
		t.Errorf("memory ranges %+v", mdmp.MemoryRanges)
	}
	buf := make([]byte, 5)
	if _, err := mdmp.ReadMemory(buf, 0xd0000000); err != nil || string(buf) != "stack" {
		t.Errorf("ReadMemory = %q, %v", buf, err)
	}

	if len(mdmp.Modules) != 1 {
		t.Fatalf("%d modules", len(mdmp.Modules))
	}
	m := mdmp.Modules[0]
	if m.Name != "GAME00000" || m.SizeOfImage != 0xffffffff || m.VersionInfo.FileVersionHi != 0x10002 {
		t.Errorf("module %+v", m)
	}
	cv, pdb, err := m.CodeView()
	if err != nil {
		t.Fatal(err)
	}
	if pdb != "eboot.bin" || cv.Signature.Data1 != 0x12345678 {
		t.Errorf("codeview %+v %q", cv, pdb)
	}

	if mdmp.Exception == nil {
		t.Fatal("no exception")
	}
	if mdmp.Exception.Code != ExceptionPS3DataStorage || mdmp.Exception.Address != 0x44 || mdmp.Exception.Context == nil {
		t.Errorf("exception %+v", mdmp.Exception)
	}
	if got := mdmp.Exception.Code.String(); got != "DATA_STORAGE" {
		t.Errorf("exception code %q", got)
	}
}

func TestOpenWrongArch(t *testing.T) {
	path := writeSmallDump(t, CpuArchitectureAMD64)
	if _, err := Open(path, nil); err == nil {
		t.Fatal("amd64 minidump accepted")
	}
}

func TestParseErrors(t *testing.T) {
	valid, err := ioutil.ReadFile(writeSmallDump(t, CpuArchitecturePPC64))
	if err != nil {
		t.Fatal(err)
	}
	badVersion := append([]byte(nil), valid...)
	badVersion[4] = 0
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"elf", []byte("\x7fELF\x02\x02\x01\x00")},
		{"bad version", badVersion},
		{"truncated header", valid[:20]},
		{"truncated streams", valid[:HeaderSize+2*DirectorySize]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.data, nil); err == nil {
				t.Fatal("no error")
			}
		})
	}
	var notMinidump ErrNotAMinidump
	if _, err := Parse([]byte("\x7fELF\x02\x02\x01\x00"), nil); !errors.As(err, &notMinidump) {
		t.Errorf("got %v, want ErrNotAMinidump", err)
	}
}

func TestIsMinidump(t *testing.T) {
	tests := []struct {
		data string
		want bool
	}{
		{"MDMP\x93\xa7", true},
		{"\x7fELF", false},
		{"MD", false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := IsMinidump(bytes.NewReader([]byte(tt.data)))
		if err != nil || got != tt.want {
			t.Errorf("IsMinidump(%q) = %v, %v; want %v", tt.data, got, err, tt.want)
		}
	}
}

func TestMemoryRangeReadMemory(t *testing.T) {
	mdmp := &Minidump{}
	mdmp.addMemory(0x1000, []byte{1, 2, 3, 4})
	mdmp.addMemory(0x2000, []byte{5, 6})
	buf := make([]byte, 2)
	if _, err := mdmp.ReadMemory(buf, 0x1001); err != nil || !bytes.Equal(buf, []byte{2, 3}) {
		t.Errorf("read 0x1001: %v %v", buf, err)
	}
	if _, err := mdmp.ReadMemory(buf, 0x2000); err != nil || !bytes.Equal(buf, []byte{5, 6}) {
		t.Errorf("read 0x2000: %v %v", buf, err)
	}
	if _, err := mdmp.ReadMemory(buf, 0x1003); err == nil {
		t.Error("read across ranges succeeded")
	}
}
