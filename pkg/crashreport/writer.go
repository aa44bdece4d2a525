// Package crashreport converts console core dumps into Breakpad minidumps.
//
// The minidump contains exactly five streams, written in this order: thread
// list, module list, memory list, exception and system info. Threads whose
// stacks were not captured get a synthetic stack built from the call stacks
// recorded in the core dump, so that a minidump processor can still walk
// them.
package crashreport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/youtube/h5vcc-sub002/pkg/arena"
	"github.com/youtube/h5vcc-sub002/pkg/coredump"
	"github.com/youtube/h5vcc-sub002/pkg/logflags"
	"github.com/youtube/h5vcc-sub002/pkg/minidump"
	"github.com/youtube/h5vcc-sub002/pkg/symbols"
)

var (
	// ErrState is returned when a Writer method is called in the wrong
	// state, for example Dump before Init or Dump twice.
	ErrState = errors.New("minidump writer in wrong state")

	// ErrThreadGroup is returned when a SPU thread belongs to a thread group
	// that is not in the core dump.
	ErrThreadGroup = errors.New("SPU thread group not found")
)

// State is the state of a Writer.
type State uint8

const (
	StateUninitialized State = iota
	StateInitialized
	StateDumping
	StateDone
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDumping:
		return "dumping"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// streamCount is the number of streams of every minidump written.
const streamCount = 5

// Writer writes the minidump for one core dump.
type Writer struct {
	path   string
	dumper *coredump.Dumper
	sym    *symbols.Info
	log    logflags.Logger

	timestamp    uint32
	maxStackSize uint64

	state State
	out   *minidump.FileWriter
	alloc *arena.Allocator

	memoryBlocks     []minidump.MemoryDescriptor
	crashContext     minidump.LocationDescriptor
	haveCrashContext bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithTimestamp sets the time written in the minidump header. Zero, the
// default, means the time Dump is called.
func WithTimestamp(ts uint32) Option {
	return func(w *Writer) { w.timestamp = ts }
}

// WithMaxStackSize limits the number of bytes of the crashing thread's stack
// copied into the minidump. Zero, the default, means no limit.
func WithMaxStackSize(n uint64) Option {
	return func(w *Writer) { w.maxStackSize = n }
}

// WithLogger sets the logger used by the Writer.
func WithLogger(l logflags.Logger) Option {
	return func(w *Writer) { w.log = l }
}

// NewWriter returns a Writer that converts the core dump read by d, using
// the module identity read by sym, into a minidump written to path.
// d and sym must outlive the Writer.
func NewWriter(path string, d *coredump.Dumper, sym *symbols.Info, opts ...Option) *Writer {
	w := &Writer{path: path, dumper: d, sym: sym}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = logflags.MinidumpLogger()
	}
	return w
}

// State returns the current state of w.
func (w *Writer) State() State {
	return w.state
}

// Init reads the core dump and the symbol file and creates the output file.
func (w *Writer) Init() error {
	if w.state != StateUninitialized {
		return fmt.Errorf("%w: Init called while %v", ErrState, w.state)
	}
	if err := w.dumper.Init(); err != nil {
		return err
	}
	if err := w.sym.Init(); err != nil {
		return err
	}
	out, err := minidump.Create(w.path)
	if err != nil {
		return err
	}
	w.out = out
	w.alloc = w.dumper.Allocator()
	w.state = StateInitialized
	return nil
}

// Dump writes the minidump. On failure the output file is left incomplete,
// it is up to the caller to remove it.
func (w *Writer) Dump() error {
	if w.state != StateInitialized {
		return fmt.Errorf("%w: Dump called while %v", ErrState, w.state)
	}
	w.state = StateDumping
	if err := w.dump(); err != nil {
		w.state = StateFailed
		return err
	}
	w.state = StateDone
	return nil
}

// Close closes the output file. The core dump and the symbol file are left
// open.
func (w *Writer) Close() error {
	if w.state == StateClosed {
		return nil
	}
	w.state = StateClosed
	if w.out == nil {
		return nil
	}
	err := w.out.Close()
	w.out = nil
	return err
}

func (w *Writer) dump() error {
	hdr, err := w.out.Allocate(minidump.HeaderSize)
	if err != nil {
		return err
	}
	dir, err := w.out.Allocate(streamCount * minidump.DirectorySize)
	if err != nil {
		return err
	}

	streams := [streamCount]struct {
		typ   minidump.StreamType
		write func() (minidump.LocationDescriptor, error)
	}{
		{minidump.ThreadListStream, w.writeThreadList},
		{minidump.ModuleListStream, w.writeModuleList},
		{minidump.MemoryListStream, w.writeMemoryList},
		{minidump.ExceptionStream, w.writeException},
		{minidump.SystemInfoStream, w.writeSystemInfo},
	}
	for i, s := range streams {
		loc, err := s.write()
		if err != nil {
			return fmt.Errorf("writing %v: %w", s.typ, err)
		}
		w.log.Debugf("%v at %#x size %#x", s.typ, loc.RVA, loc.DataSize)
		entry := minidump.RawDirectory{StreamType: uint32(s.typ), Location: loc}
		if err := w.out.CopyValue(dir.RVA+uint32(i*minidump.DirectorySize), &entry); err != nil {
			return err
		}
	}
	w.log.Debugf("arena: %d pages, %d bytes allocated, %d bytes requested", w.alloc.Pages(), w.alloc.Allocated(), w.alloc.Requested())

	ts := w.timestamp
	if ts == 0 {
		ts = uint32(time.Now().Unix())
	}
	return w.out.CopyValue(hdr.RVA, &minidump.RawHeader{
		Signature:          minidump.HeaderSignature,
		Version:            minidump.HeaderVersion,
		StreamCount:        streamCount,
		StreamDirectoryRVA: dir.RVA,
		TimeDateStamp:      ts,
	})
}

// writeMemory allocates space for data and copies it to the output file.
func (w *Writer) writeMemory(data []byte) (minidump.LocationDescriptor, error) {
	loc, err := w.out.Allocate(len(data))
	if err != nil {
		return loc, err
	}
	return loc, w.out.Copy(loc.RVA, data)
}

func (w *Writer) writeThreadList() (minidump.LocationDescriptor, error) {
	d := w.dumper
	n := len(d.PPUThreads) + len(d.SPUThreads)
	list, err := w.out.Allocate(4 + n*minidump.ThreadSize)
	if err != nil {
		return list, err
	}
	if err := w.out.CopyValue(list.RVA, uint32(n)); err != nil {
		return list, err
	}
	rva := list.RVA + 4

	crash := d.CrashThread()
	for i := range d.PPUThreads {
		th := &d.PPUThreads[i]
		raw, err := w.writePPUThread(th, crash != 0 && th.ThreadID == crash)
		if err != nil {
			return list, fmt.Errorf("thread %#x: %w", uint64(th.ThreadID), err)
		}
		if err := w.out.CopyValue(rva, raw); err != nil {
			return list, err
		}
		rva += minidump.ThreadSize
	}

	for i := range d.SPUThreads {
		th := &d.SPUThreads[i]
		grp, ok := d.ThrgrpInfo(th.ThrgrpID)
		if !ok {
			return list, fmt.Errorf("%w: thread %#x group %#x", ErrThreadGroup, th.ThreadID, th.ThrgrpID)
		}
		raw := &minidump.RawThread{
			ThreadID:      th.ThreadID,
			SuspendCount:  boolToUint32(grp.Suspended()),
			PriorityClass: grp.Priority,
			Priority:      grp.Priority,
		}
		// no stack and no context, the stack descriptor stays all zero
		if err := w.out.CopyValue(rva, raw); err != nil {
			return list, err
		}
		rva += minidump.ThreadSize
	}
	return list, nil
}

func (w *Writer) writePPUThread(th *coredump.PPUThrInfo, isCrash bool) (*minidump.RawThread, error) {
	d := w.dumper
	raw := &minidump.RawThread{
		ThreadID:      th.ThreadID.Low(),
		SuspendCount:  boolToUint32(th.Suspended()),
		PriorityClass: th.BasePriority,
		Priority:      th.Priority,
	}
	raw.Stack.StartOfMemoryRange = th.StackAddr

	var stack minidump.LocationDescriptor
	var err error
	switch {
	case isCrash:
		size := th.StackSize
		if w.maxStackSize > 0 && size > w.maxStackSize {
			w.log.Warnf("stack of crashing thread %#x truncated from %#x to %#x bytes", uint64(th.ThreadID), size, w.maxStackSize)
			size = w.maxStackSize
		}
		if size > uint64(^uint32(0)) {
			return nil, fmt.Errorf("stack size %#x too large", size)
		}
		buf := w.alloc.Alloc(int(size))
		d.CopyFromProcess(buf, th.StackAddr)
		stack, err = w.writeMemory(buf)
	case d.MemorySize(th.ThreadID) > 0:
		buf := w.alloc.Alloc(d.MemorySize(th.ThreadID))
		d.Memory(buf, th.StackAddr, th.ThreadID)
		stack, err = w.writeMemory(buf)
	default:
		stack = minidump.LocationDescriptor{RVA: w.out.Position()}
	}
	if err != nil {
		return nil, err
	}
	raw.Stack.Memory = stack
	if stack.DataSize > 0 {
		w.memoryBlocks = append(w.memoryBlocks, raw.Stack)
	}

	ctxLoc, err := w.out.Allocate(minidump.ContextPPC64Size)
	if err != nil {
		return nil, err
	}
	ctx := &minidump.ContextPPC64{ContextFlags: minidump.ContextPPC64Full}
	if regs := d.PPURegInfo(th.ThreadID); regs != nil {
		fillContext(ctx, regs)
	} else {
		ctx.SRR0, _ = d.Srr0(th.ThreadID)
		ctx.GPR[1] = th.StackAddr
	}
	if err := w.out.CopyValue(ctxLoc.RVA, ctx); err != nil {
		return nil, err
	}
	raw.ThreadContext = ctxLoc
	if isCrash {
		w.crashContext = ctxLoc
		w.haveCrashContext = true
	}
	return raw, nil
}

// fillContext copies the registers of a PPU thread into a minidump context.
func fillContext(ctx *minidump.ContextPPC64, regs *coredump.PPURegInfo) {
	ctx.SRR0 = regs.PC
	ctx.SRR1 = 0
	ctx.GPR = regs.GPR
	ctx.CR = uint64(regs.CR)
	ctx.XER = regs.XER
	ctx.LR = regs.LR
	ctx.CTR = regs.CTR
	ctx.FloatSave.FPRegs = regs.FPR
	ctx.FloatSave.FPSCR = regs.FPSCR
	for i := range regs.VMX {
		ctx.VectorSave.SaveVR[i] = minidump.Uint128(regs.VMX[i])
	}
	ctx.VectorSave.SaveVSCR = minidump.Uint128(regs.VSCR)
}

func (w *Writer) writeModuleList() (minidump.LocationDescriptor, error) {
	list, err := w.out.Allocate(4 + minidump.ModuleSize)
	if err != nil {
		return list, err
	}
	if err := w.out.CopyValue(list.RVA, uint32(1)); err != nil {
		return list, err
	}

	name := w.sym.Name()
	nameLoc, err := w.out.WriteString(name)
	if err != nil {
		return list, err
	}

	cv, err := w.out.Allocate(minidump.CVInfoPDB70MinSize + len(name) + 1)
	if err != nil {
		return list, err
	}
	id := w.sym.ID()
	err = w.out.CopyValue(cv.RVA, &minidump.CVInfoPDB70{
		CVSignature: minidump.CVInfoPDB70Signature,
		Signature:   minidump.GUID(id),
	})
	if err != nil {
		return list, err
	}
	pdb := w.alloc.Alloc(len(name) + 1)
	copy(pdb, name)
	if err := w.out.Copy(cv.RVA+minidump.CVInfoPDB70MinSize, pdb); err != nil {
		return list, err
	}

	mod := &minidump.RawModule{
		BaseOfImage:   0,
		SizeOfImage:   0xffffffff,
		ModuleNameRVA: nameLoc.RVA,
		CVRecord:      cv,
	}
	if app := w.dumper.GameAppInfo; app != nil {
		if major, minor, ok := parseAppVersion(app.VersionString()); ok {
			mod.VersionInfo = minidump.NewVSFixedFileInfo(major, minor)
		}
	}
	return list, w.out.CopyValue(list.RVA+4, mod)
}

// parseAppVersion parses an application version of the form MM.mm.
func parseAppVersion(s string) (major, minor uint16, ok bool) {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0, 0, false
	}
	maj, err := strconv.ParseUint(s[:dot], 10, 16)
	if err != nil {
		return 0, 0, false
	}
	mnr, err := strconv.ParseUint(s[dot+1:], 10, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(maj), uint16(mnr), true
}

func (w *Writer) writeMemoryList() (minidump.LocationDescriptor, error) {
	n := len(w.memoryBlocks)
	list, err := w.out.Allocate(4 + n*minidump.MemoryDescriptorSize)
	if err != nil {
		return list, err
	}
	if n == 0 {
		return list, nil
	}
	if err := w.out.CopyValue(list.RVA, uint32(n)); err != nil {
		return list, err
	}
	return list, w.out.CopyValue(list.RVA+4, w.memoryBlocks)
}

func (w *Writer) writeException() (minidump.LocationDescriptor, error) {
	loc, err := w.out.Allocate(minidump.ExceptionStreamSize)
	if err != nil {
		return loc, err
	}
	d := w.dumper
	var exc minidump.RawExceptionStream
	switch {
	case len(d.PPUDumpExceps) > 0:
		e := &d.PPUDumpExceps[0]
		exc.ThreadID = e.ThreadID.Low()
		exc.ExceptionRecord.ExceptionCode = uint32(PPUExceptionCode(e.ExcepType))
		exc.ExceptionRecord.ExceptionAddress = e.DAR
		if w.haveCrashContext {
			exc.ThreadContext = w.crashContext
		}
	case len(d.SPUDumpExceps) > 0:
		e := &d.SPUDumpExceps[0]
		exc.ThreadID = e.ThreadID
		exc.ExceptionRecord.ExceptionCode = uint32(SPUExceptionCode(e.ExcepType))
	case len(d.RSXDumpExceps) > 0:
		e := &d.RSXDumpExceps[0]
		exc.ExceptionRecord.ExceptionCode = uint32(minidump.ExceptionPS3Graphic)
		exc.ExceptionRecord.ExceptionAddress = e.Address
	default:
		w.log.Warn("core dump has no exception dump cause")
	}
	w.log.Debugf("exception %v in thread %#x", minidump.ExceptionCode(exc.ExceptionRecord.ExceptionCode), exc.ThreadID)
	return loc, w.out.CopyValue(loc.RVA, &exc)
}

func (w *Writer) writeSystemInfo() (minidump.LocationDescriptor, error) {
	loc, err := w.out.Allocate(minidump.SystemInfoSize)
	if err != nil {
		return loc, err
	}
	info := &minidump.RawSystemInfo{
		ProcessorArchitecture: uint16(minidump.CpuArchitecturePPC64),
		ProcessorLevel:        1,
		PlatformID:            minidump.PlatformPS3,
	}
	if si := w.dumper.SystemInfo; si != nil {
		info.MajorVersion = si.SysVersion
	}
	return loc, w.out.CopyValue(loc.RVA, info)
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// WriteMinidump converts the core dump read by d into a minidump written to
// path, using the module identity read by sym.
func WriteMinidump(path string, d *coredump.Dumper, sym *symbols.Info, opts ...Option) error {
	w := NewWriter(path, d, sym, opts...)
	if err := w.Init(); err != nil {
		w.Close()
		return err
	}
	err := w.Dump()
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}
