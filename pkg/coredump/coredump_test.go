package coredump_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/youtube/h5vcc-sub002/pkg/coredump"
	"github.com/youtube/h5vcc-sub002/pkg/coredump/coretest"
)

const (
	mainThread   = coredump.ThreadID(0x01000000)
	workerThread = coredump.ThreadID(0x01000001)
	idleThread   = coredump.ThreadID(0x01000002)

	stackBase = 0xd0010000
)

func fullBuilder(order binary.ByteOrder) *coretest.Builder {
	b := coretest.New()
	b.Order = order
	b.Scalar(coredump.SystemInfoNote, coredump.SystemInfo{SysVersion: 0x00036000, ChipRevision: 3, ModelType: 1, MemorySize: 256 << 20})
	proc := coredump.ProcessInfo{ProcessID: 0x1010200, ParentProcessID: 1, NumPPUThreads: 3, NumSPUThrgrps: 2}
	copy(proc.Path[:], "/app_home/EBOOT.BIN")
	b.Scalar(coredump.ProcessInfoNote, proc)
	b.Scalar(coredump.PPUExcepInfoNote, coredump.PPUExcepInfo{ThreadID: mainThread, ExcepType: coredump.PPUDataStorage, DAR: 0x4, SRR0: 0x10250})
	b.Array(coredump.PPURegInfoNote, []coredump.PPURegInfo{
		{ThreadID: mainThread, PC: 0x10250, LR: 0x10100, GPR: [32]uint64{1: stackBase + 0x100}},
	})
	b.Array(coredump.PPUThrInfoNote, []coredump.PPUThrInfo{
		{ThreadID: mainThread, Priority: 1000, BasePriority: 1000, State: coredump.PPUThreadOnProc, StackAddr: stackBase, StackSize: 0x1000},
		{ThreadID: workerThread, Priority: 1500, BasePriority: 1400, State: coredump.PPUThreadSleep, StackAddr: 0xd0020000, StackSize: 0x1000},
		{ThreadID: idleThread, Priority: 3000, BasePriority: 3000, State: coredump.PPUThreadRunnable, StackAddr: 0xd0030000, StackSize: 0x1000},
	})
	b.Array(coredump.SPUThrInfoNote, []coredump.SPUThrInfo{
		{ThrgrpID: 0x04000100, ThreadID: 0x02000100, NPC: 0x200},
		{ThrgrpID: 0x04000200, ThreadID: 0x02000200, NPC: 0x300},
	})
	b.Array(coredump.SPURegInfoNote, []coredump.SPURegInfo{
		{ThreadID: 0x02000100, NPC: 0x200, GPR: [128]coredump.Uint128{1: {High: 0x3fff0, Low: 0}}},
	})
	b.ThreadGroups(
		coredump.SPUThrgrpInfo{ThrgrpID: 0x04000100, State: coredump.SPUThrgrpRunning, Priority: 100, Threads: []uint32{0x02000100, 0x02000101}},
		coredump.SPUThrgrpInfo{ThrgrpID: 0x04000200, State: coredump.SPUThrgrpWaitingSuspended, Priority: 200, Threads: []uint32{0x02000200}},
	)
	libc := coredump.PRXInfo{ID: 0x23000001, Version: 1, Segments: []coredump.PRXSeg{{Base: 0x800000, FileSize: 0x1000, MemSize: 0x2000, Type: 1}}}
	copy(libc.Name[:], "cellLibc_Library")
	sysio := coredump.PRXInfo{ID: 0x23000002, Version: 1}
	copy(sysio.Name[:], "cellSysio")
	b.PRXs(libc, sysio)
	b.Array(coredump.PageAttrInfoNote, []coredump.PageAttrInfo{{Base: 0x10000, Size: 0x10000, Flags: 1, AccessRight: 5}})
	app := coredump.GameAppInfo{}
	copy(app.TitleID[:], "NPUP10028")
	copy(app.AppVersion[:], "01.02")
	b.Scalar(coredump.GameAppInfoNote, app)
	b.CallStacks(
		coredump.CallInfo{PPUCallInfo: coredump.PPUCallInfo{ThreadID: workerThread}, Frames: []uint32{0x10400, 0x10500, 0x10600}},
		coredump.CallInfo{PPUCallInfo: coredump.PPUCallInfo{ThreadID: idleThread}, Frames: []uint32{0x10700}},
	)
	b.DumpCauses(
		coretest.Cause{Type: coredump.PPUExcepCause, Record: coredump.PPUDumpExcep{ThreadID: mainThread, ExcepType: coredump.PPUDataStorage, DAR: 0x4}},
		coretest.Cause{Type: coredump.UserDefinedCause, Record: coredump.UserDefinedExcep{Code: 7, Arg: 0x1234}},
	)
	stack := make([]byte, 0x1000)
	for i := range stack {
		stack[i] = byte(i)
	}
	b.Memory(stackBase, stack)
	return b
}

func TestOpen(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		t.Run(order.String(), func(t *testing.T) {
			d, err := coredump.Open(fullBuilder(order).WriteTemp(t))
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()

			if d.ByteOrder() != order {
				t.Errorf("byte order %v, want %v", d.ByteOrder(), order)
			}
			if d.SystemInfo == nil || d.SystemInfo.SysVersion != 0x00036000 || d.SystemInfo.MemorySize != 256<<20 {
				t.Errorf("system info %+v", d.SystemInfo)
			}
			if d.ProcessInfo == nil || d.ProcessInfo.PathString() != "/app_home/EBOOT.BIN" {
				t.Errorf("process info %+v", d.ProcessInfo)
			}
			if d.PPUExcepInfo == nil || d.PPUExcepInfo.SRR0 != 0x10250 {
				t.Errorf("PPU exception info %+v", d.PPUExcepInfo)
			}
			if len(d.PPUThreads) != 3 || d.PPUThreads[1].ThreadID != workerThread || !d.PPUThreads[1].Suspended() || d.PPUThreads[2].Suspended() {
				t.Errorf("PPU threads %+v", d.PPUThreads)
			}
			if len(d.SPUThreads) != 2 || d.SPUThreads[1].NPC != 0x300 {
				t.Errorf("SPU threads %+v", d.SPUThreads)
			}
			if len(d.ThreadGroups) != 2 || len(d.ThreadGroups[0].Threads) != 2 || d.ThreadGroups[1].Threads[0] != 0x02000200 {
				t.Errorf("thread groups %+v", d.ThreadGroups)
			}
			if len(d.PRXs) != 2 || d.PRXs[0].NameString() != "cellLibc_Library" || len(d.PRXs[0].Segments) != 1 || d.PRXs[1].NameString() != "cellSysio" {
				t.Errorf("PRXs %+v", d.PRXs)
			}
			if len(d.PageAttrs) != 1 || d.PageAttrs[0].AccessRight != 5 {
				t.Errorf("page attributes %+v", d.PageAttrs)
			}
			if d.GameAppInfo == nil || d.GameAppInfo.TitleString() != "NPUP10028" || d.GameAppInfo.VersionString() != "01.02" {
				t.Errorf("game app info %+v", d.GameAppInfo)
			}
			if len(d.DumpCauses) != 2 || len(d.PPUDumpExceps) != 1 || len(d.UserDefinedExceps) != 1 || d.UserDefinedExceps[0].Arg != 0x1234 {
				t.Errorf("dump causes %+v %+v %+v", d.DumpCauses, d.PPUDumpExceps, d.UserDefinedExceps)
			}

			regs := d.PPURegInfo(mainThread)
			if regs == nil || regs.PC != 0x10250 || regs.GPR[1] != stackBase+0x100 {
				t.Errorf("PPU registers %+v", regs)
			}
			if d.PPURegInfo(workerThread) != nil {
				t.Errorf("worker thread has registers")
			}
			if spu := d.SPURegInfo(0x02000100); spu == nil || spu.GPR[1].High != 0x3fff0 {
				t.Errorf("SPU registers %+v", spu)
			}
			if d.SPURegInfo(0x02000200) != nil {
				t.Errorf("SPU thread 0x02000200 has registers")
			}
			if g, ok := d.ThrgrpInfo(0x04000200); !ok || !g.Suspended() {
				t.Errorf("ThrgrpInfo(0x04000200) = %+v, %v", g, ok)
			}
			if _, ok := d.ThrgrpInfo(0x04000300); ok {
				t.Errorf("found missing thread group")
			}
			if cs := d.CallStack(workerThread); len(cs) != 3 || cs[2] != 0x10600 {
				t.Errorf("call stack %#x", cs)
			}
			if d.CrashThread() != mainThread {
				t.Errorf("crash thread %#x, want %#x", d.CrashThread(), mainThread)
			}
		})
	}
}

func TestCrashThreadPriority(t *testing.T) {
	ppu := coretest.Cause{Type: coredump.PPUExcepCause, Record: coredump.PPUDumpExcep{ThreadID: mainThread, ExcepType: coredump.PPUTrapExcep}}
	spu := coretest.Cause{Type: coredump.SPUExcepCause, Record: coredump.SPUDumpExcep{ThrgrpID: 0x04000100, ThreadID: 0x02000100, ExcepType: coredump.SPUHaltInstr}}
	rsx := coretest.Cause{Type: coredump.RSXExcepCause, Record: coredump.RSXDumpExcep{Cause: 1, Address: 0xc0000000}}

	for _, tc := range []struct {
		name   string
		causes []coretest.Cause
		want   coredump.ThreadID
	}{
		{"ppu and spu", []coretest.Cause{spu, ppu}, mainThread},
		{"spu only", []coretest.Cause{spu}, 0x02000100},
		{"rsx only", []coretest.Cause{rsx}, 0},
		{"none", nil, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := coretest.New()
			b.Scalar(coredump.SystemInfoNote, coredump.SystemInfo{SysVersion: 1})
			if tc.causes != nil {
				b.DumpCauses(tc.causes...)
			}
			d, err := coredump.Open(b.WriteTemp(t))
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()
			if got := d.CrashThread(); got != tc.want {
				t.Errorf("CrashThread() = %#x, want %#x", got, tc.want)
			}
		})
	}
}

// Thread ids are compared on all 64 bits.
func TestPPURegInfoFullID(t *testing.T) {
	low := coredump.MakeThreadID(0, 0x01000000)
	high := coredump.MakeThreadID(1, 0x01000000)
	b := coretest.New()
	b.Array(coredump.PPURegInfoNote, []coredump.PPURegInfo{
		{ThreadID: high, PC: 0x2000},
		{ThreadID: low, PC: 0x1000},
	})
	d, err := coredump.Open(b.WriteTemp(t))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if r := d.PPURegInfo(low); r == nil || r.PC != 0x1000 {
		t.Errorf("PPURegInfo(%#x) = %+v", low, r)
	}
	if r := d.PPURegInfo(high); r == nil || r.PC != 0x2000 {
		t.Errorf("PPURegInfo(%#x) = %+v", high, r)
	}
}

func TestSyntheticStack(t *testing.T) {
	frames := []uint32{0x10400, 0x10500, 0x10600, 0x10700}
	b := coretest.New()
	b.CallStacks(coredump.CallInfo{PPUCallInfo: coredump.PPUCallInfo{ThreadID: workerThread}, Frames: frames})
	d, err := coredump.Open(b.WriteTemp(t))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	size := d.MemorySize(workerThread)
	if size != len(frames)*32 {
		t.Fatalf("MemorySize = %d, want %d", size, len(frames)*32)
	}
	if d.MemorySize(mainThread) != 0 {
		t.Errorf("thread without a call stack has synthetic memory")
	}

	const va = 0xd0020000
	mem := d.Allocator().Alloc(size)
	for i := range mem {
		mem[i] = 0xff
	}
	d.Memory(mem, va, workerThread)
	word := func(frame, n int) uint64 {
		return binary.LittleEndian.Uint64(mem[frame*32+n*8:])
	}
	for i, pc := range frames {
		if got, want := word(i, 0), uint64(va+32*(i+1)); got != want {
			t.Errorf("frame %d back chain %#x, want %#x", i, got, want)
		}
		if got, want := word(i, 2), uint64(pc)+8; got != want {
			t.Errorf("frame %d saved pc %#x, want %#x", i, got, want)
		}
		if word(i, 1) != 0 || word(i, 3) != 0 {
			t.Errorf("frame %d unused words are not zero", i)
		}
	}

	if srr0, ok := d.Srr0(workerThread); !ok || srr0 != 0x10400 {
		t.Errorf("Srr0 = %#x, %v", srr0, ok)
	}
	if _, ok := d.Srr0(mainThread); ok {
		t.Errorf("Srr0 of thread without a call stack succeeded")
	}
}

func TestCopyFromProcess(t *testing.T) {
	stack := bytes.Repeat([]byte{0x11, 0x22}, 0x80)
	b := coretest.New()
	b.Scalar(coredump.SystemInfoNote, coredump.SystemInfo{SysVersion: 1})
	b.Memory(0x10000, stack)
	path := b.WriteTemp(t)

	for _, tc := range []struct {
		name string
		opts []coredump.Option
		fill byte
	}{
		{"default fill", nil, 0xab},
		{"custom fill", []coredump.Option{coredump.WithMissingMemoryFill(0xcc)}, 0xcc},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d, err := coredump.Open(path, tc.opts...)
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()

			buf := make([]byte, 0x40)
			d.CopyFromProcess(buf, 0x10010)
			if !bytes.Equal(buf, stack[0x10:0x50]) {
				t.Errorf("present memory = % x", buf)
			}

			for _, va := range []uint64{0x0, 0x20000, 0x100f0} {
				d.CopyFromProcess(buf, va)
				if !bytes.Equal(buf, bytes.Repeat([]byte{tc.fill}, len(buf))) {
					t.Errorf("missing memory at %#x = % x", va, buf)
				}
			}

			if _, err := d.ReadMemory(buf, 0x100f0); err == nil {
				t.Errorf("ReadMemory past the end of the segment succeeded")
			}
		})
	}
}

func TestOpenErrors(t *testing.T) {
	notELF := filepath.Join(t.TempDir(), "not-elf")
	if err := ioutil.WriteFile(notELF, []byte("this is not a core dump"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := coredump.Open(notELF); err == nil {
		t.Errorf("opening a text file succeeded")
	} else {
		var ferr *coredump.FormatError
		if !errors.As(err, &ferr) {
			t.Errorf("opening a text file: %v is not a FormatError", err)
		}
	}

	if _, err := coredump.Open(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Errorf("opening a missing file succeeded")
	}

	noNotes := coretest.New().Memory(0x10000, make([]byte, 16)).WriteTemp(t)
	if _, err := coredump.Open(noNotes); !errors.Is(err, coredump.ErrNoNotes) {
		t.Errorf("core without notes: got %v, want %v", err, coredump.ErrNoNotes)
	}

	for _, tc := range []struct {
		name string
		b    *coretest.Builder
		note coredump.NoteType
	}{
		{
			"truncated registers",
			coretest.New().Raw(coredump.PPURegInfoNote, coredump.DescHdr{UnitNum: 1}, make([]byte, 100)),
			coredump.PPURegInfoNote,
		},
		{
			"short unit size",
			coretest.New().Raw(coredump.PPUThrInfoNote, coredump.DescHdr{UnitSize: 8, UnitNum: 1}, make([]byte, 40)),
			coredump.PPUThrInfoNote,
		},
		{
			"thread count past the end",
			coretest.New().Raw(coredump.SPUThrgrpInfoNote, coredump.DescHdr{UnitNum: 1}, []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9, 0, 0, 0, 1}),
			coredump.SPUThrgrpInfoNote,
		},
		{
			"truncated dump cause",
			coretest.New().Raw(coredump.DumpCauseInfoNote, coredump.DescHdr{UnitSize: 16, UnitNum: 1}, []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}),
			coredump.DumpCauseInfoNote,
		},
		{
			"empty system info",
			coretest.New().Raw(coredump.SystemInfoNote, coredump.DescHdr{}, nil),
			coredump.SystemInfoNote,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := coredump.Open(tc.b.WriteTemp(t))
			var ferr *coredump.FormatError
			if !errors.As(err, &ferr) {
				t.Fatalf("got %v, want a FormatError", err)
			}
			if ferr.Note != tc.note {
				t.Errorf("error about %v note, want %v", ferr.Note, tc.note)
			}
		})
	}
}

func TestOpenOversizedNoteName(t *testing.T) {
	tests := []struct {
		name   string
		namesz uint32
	}{
		{"max", 0xffffffff},
		{"one past the segment", 0x10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := coretest.New().Scalar(coredump.SystemInfoNote, coredump.SystemInfo{SysVersion: 0x00036000}).WriteTemp(t)
			f, err := elf.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			var off int64 = -1
			for _, prog := range f.Progs {
				if prog.Type == elf.PT_NOTE {
					off = int64(prog.Off)
					break
				}
			}
			f.Close()
			if off < 0 {
				t.Fatal("no PT_NOTE segment")
			}

			buf, err := ioutil.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			binary.BigEndian.PutUint32(buf[off:], tt.namesz)
			if err := ioutil.WriteFile(path, buf, 0600); err != nil {
				t.Fatal(err)
			}

			_, err = coredump.Open(path)
			var ferr *coredump.FormatError
			if !errors.As(err, &ferr) {
				t.Fatalf("got %v, want a FormatError", err)
			}
			if ferr.Note != coredump.SystemInfoNote {
				t.Errorf("error about %v note, want %v", ferr.Note, coredump.SystemInfoNote)
			}
		})
	}
}

func TestCloseReleasesAllocator(t *testing.T) {
	d, err := coredump.Open(fullBuilder(binary.BigEndian).WriteTemp(t))
	if err != nil {
		t.Fatal(err)
	}
	alloc := d.Allocator()
	alloc.Alloc(64)
	if alloc.Pages() == 0 {
		t.Fatal("allocation did not obtain a page")
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if alloc.Pages() != 0 || alloc.Allocated() != 0 || alloc.Requested() != 0 {
		t.Errorf("allocator still holds %d pages, %d bytes after Close", alloc.Pages(), alloc.Allocated())
	}
}

func TestDuplicateNoteIgnored(t *testing.T) {
	b := coretest.New()
	b.Scalar(coredump.SystemInfoNote, coredump.SystemInfo{SysVersion: 1})
	b.Scalar(coredump.SystemInfoNote, coredump.SystemInfo{SysVersion: 2})
	d, err := coredump.Open(b.WriteTemp(t))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if d.SystemInfo.SysVersion != 1 {
		t.Errorf("SysVersion = %d, want the first note's", d.SystemInfo.SysVersion)
	}
}
