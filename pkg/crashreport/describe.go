package crashreport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"golang.org/x/arch/ppc64/ppc64asm"

	"github.com/youtube/h5vcc-sub002/pkg/coredump"
	"github.com/youtube/h5vcc-sub002/pkg/minidump"
)

// DescribeOptions configures Describe and DescribeMinidump.
type DescribeOptions struct {
	// Disassemble is the number of instructions printed before and after
	// the crashing PC. Zero disables disassembly.
	Disassemble int

	// Color enables terminal escape sequences.
	Color bool
}

const (
	escBold  = "\x1b[1m"
	escBlue  = "\x1b[34m"
	escReset = "\x1b[0m"
)

type describer struct {
	w    *bufio.Writer
	opts DescribeOptions
}

func (p *describer) section(title string) {
	if p.opts.Color {
		fmt.Fprintf(p.w, "\n%s%s%s\n", escBold, title, escReset)
		return
	}
	fmt.Fprintf(p.w, "\n%s\n", title)
}

func (p *describer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.w, 1, 8, 2, ' ', 0)
}

// Describe prints a human readable summary of the core dump read by d.
func Describe(out io.Writer, d *coredump.Dumper, opts DescribeOptions) error {
	p := &describer{w: bufio.NewWriter(out), opts: opts}

	fmt.Fprintf(p.w, "Core dump: %s\n", d.Path())
	fmt.Fprintf(p.w, "Byte order: %v\n", d.ByteOrder())
	if si := d.SystemInfo; si != nil {
		fmt.Fprintf(p.w, "System: version %#x chip revision %#x model %#x memory %d MiB\n", si.SysVersion, si.ChipRevision, si.ModelType, si.MemorySize>>20)
	}
	if pi := d.ProcessInfo; pi != nil {
		fmt.Fprintf(p.w, "Process: %d (parent %d) %q status %#x\n", pi.ProcessID, pi.ParentProcessID, pi.PathString(), pi.Status)
	}
	if app := d.GameAppInfo; app != nil {
		fmt.Fprintf(p.w, "Application: %s version %s\n", app.TitleString(), app.VersionString())
	}

	p.section("Dump cause")
	describeCauses(p, d)

	p.section("PPU threads")
	crash := d.CrashThread()
	tw := p.table()
	fmt.Fprintln(tw, "\tID\tPRIO\tBASE\tSTATE\tSTACK\tSIZE\tREGS\tFRAMES")
	for i := range d.PPUThreads {
		th := &d.PPUThreads[i]
		mark := ""
		if crash != 0 && th.ThreadID == crash {
			mark = "*"
		}
		regs := "no"
		if d.PPURegInfo(th.ThreadID) != nil {
			regs = "yes"
		}
		fmt.Fprintf(tw, "%s\t%#x\t%d\t%d\t%s\t%#x\t%#x\t%s\t%d\n", mark, uint64(th.ThreadID), th.Priority, th.BasePriority, ppuThreadState(th.State), th.StackAddr, th.StackSize, regs, len(d.CallStack(th.ThreadID)))
	}
	tw.Flush()

	if len(d.ThreadGroups) > 0 || len(d.SPUThreads) > 0 {
		p.section("SPU threads")
		tw = p.table()
		fmt.Fprintln(tw, "ID\tGROUP\tGROUP STATE\tPRIO\tNPC\tSTATUS")
		for i := range d.SPUThreads {
			th := &d.SPUThreads[i]
			state, prio := "?", "?"
			if grp, ok := d.ThrgrpInfo(th.ThrgrpID); ok {
				state, prio = spuThrgrpState(grp.State), fmt.Sprint(grp.Priority)
			}
			npc := th.NPC
			if regs := d.SPURegInfo(coredump.ThreadID(th.ThreadID)); regs != nil {
				npc = regs.NPC
			}
			fmt.Fprintf(tw, "%#x\t%#x\t%s\t%s\t%#x\t%#x\n", th.ThreadID, th.ThrgrpID, state, prio, npc, th.Status)
		}
		tw.Flush()
	}

	if len(d.PRXs) > 0 {
		p.section("PRX modules")
		tw = p.table()
		fmt.Fprintln(tw, "NAME\tID\tVERSION\tSEGMENTS")
		for i := range d.PRXs {
			prx := &d.PRXs[i]
			fmt.Fprintf(tw, "%s\t%#x\t%#x\t", prx.NameString(), prx.ID, prx.Version)
			for j, seg := range prx.Segments {
				if j > 0 {
					fmt.Fprint(tw, " ")
				}
				fmt.Fprintf(tw, "[%#x,%#x)", seg.Base, seg.Base+seg.MemSize)
			}
			fmt.Fprintln(tw)
		}
		tw.Flush()
	}

	if len(d.PageAttrs) > 0 {
		p.section("Pages")
		tw = p.table()
		fmt.Fprintln(tw, "BASE\tSIZE\tFLAGS\tACCESS")
		for _, pa := range d.PageAttrs {
			fmt.Fprintf(tw, "%#x\t%#x\t%#x\t%#x\n", pa.Base, pa.Size, pa.Flags, pa.AccessRight)
		}
		tw.Flush()
	}

	if crash != 0 {
		if cs := d.CallStack(crash); len(cs) > 0 {
			p.section("Recorded call stack")
			for i, pc := range cs {
				fmt.Fprintf(p.w, "%3d  %#08x\n", i, pc)
			}
		}
		if pc, ok := crashPC(d, crash); ok && opts.Disassemble > 0 {
			p.section("Disassembly")
			disassemble(p, d, pc)
		}
	}

	return p.w.Flush()
}

func describeCauses(p *describer, d *coredump.Dumper) {
	if len(d.DumpCauses) == 0 {
		fmt.Fprintln(p.w, "none")
	}
	for _, e := range d.PPUDumpExceps {
		fmt.Fprintf(p.w, "PPU exception %v (%#x) in thread %#x DAR %#x\n", PPUExceptionCode(e.ExcepType), e.ExcepType, uint64(e.ThreadID), e.DAR)
	}
	for _, e := range d.SPUDumpExceps {
		fmt.Fprintf(p.w, "SPU exception %v (%#x) in thread %#x group %#x NPC %#x\n", SPUExceptionCode(e.ExcepType), e.ExcepType, e.ThreadID, e.ThrgrpID, e.NPC)
	}
	for _, e := range d.RSXDumpExceps {
		fmt.Fprintf(p.w, "RSX exception cause %#x address %#x\n", e.Cause, e.Address)
	}
	for _, e := range d.UserDefinedExceps {
		fmt.Fprintf(p.w, "User defined dump code %#x arg %#x\n", e.Code, e.Arg)
	}
	if pe := d.PPUExcepInfo; pe != nil {
		fmt.Fprintf(p.w, "PPU exception info: thread %#x type %#x DAR %#x SRR0 %#x\n", uint64(pe.ThreadID), pe.ExcepType, pe.DAR, pe.SRR0)
	}
}

// crashPC returns the PC of the crashing thread: its captured PC, else the
// innermost recorded call stack address, else the SRR0 of the PPU exception
// info.
func crashPC(d *coredump.Dumper, crash coredump.ThreadID) (uint64, bool) {
	if regs := d.PPURegInfo(crash); regs != nil {
		return regs.PC, true
	}
	if pc, ok := d.Srr0(crash); ok {
		return pc, true
	}
	if pe := d.PPUExcepInfo; pe != nil && pe.ThreadID == crash {
		return pe.SRR0, true
	}
	return 0, false
}

const instSize = 4

func disassemble(p *describer, d *coredump.Dumper, pc uint64) {
	window := uint64(p.opts.Disassemble)
	start := pc - window*instSize
	if start > pc {
		start = pc % instSize
	}
	// count is bounded so that a PC near the top of the address space does
	// not make addr wrap around
	count := (pc-start)/instSize + 1
	if rest := (math.MaxUint64 - pc) / instSize; rest < window {
		count += rest
	} else {
		count += window
	}
	buf := d.Allocator().Alloc(instSize)
	tw := tabwriter.NewWriter(p.w, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	addr := start
	for i := uint64(0); i < count; i, addr = i+1, addr+instSize {
		atpc := ""
		if addr == pc {
			atpc = "=>"
			if p.opts.Color {
				atpc = escBlue + atpc + escReset
			}
		}
		if _, err := d.ReadMemory(buf, addr); err != nil {
			fmt.Fprintf(tw, "%s\t%#x\t??\t(memory not in core dump)\n", atpc, addr)
			continue
		}
		text := "?"
		if inst, err := ppc64asm.Decode(buf, binary.BigEndian); err == nil {
			text = ppc64asm.GNUSyntax(inst, addr)
		}
		fmt.Fprintf(tw, "%s\t%#x\t%x\t%s\n", atpc, addr, buf, text)
	}
}

func ppuThreadState(s uint32) string {
	switch s {
	case coredump.PPUThreadIdle:
		return "idle"
	case coredump.PPUThreadRunnable:
		return "runnable"
	case coredump.PPUThreadOnProc:
		return "onproc"
	case coredump.PPUThreadSleep:
		return "sleep"
	case coredump.PPUThreadStop:
		return "stop"
	case coredump.PPUThreadZombie:
		return "zombie"
	case coredump.PPUThreadDeleted:
		return "deleted"
	}
	return fmt.Sprintf("%#x", s)
}

func spuThrgrpState(s uint32) string {
	switch s {
	case coredump.SPUThrgrpNotConfigured:
		return "not-configured"
	case coredump.SPUThrgrpConfigured:
		return "configured"
	case coredump.SPUThrgrpReady:
		return "ready"
	case coredump.SPUThrgrpWaiting:
		return "waiting"
	case coredump.SPUThrgrpSuspended:
		return "suspended"
	case coredump.SPUThrgrpWaitingSuspended:
		return "waiting-suspended"
	case coredump.SPUThrgrpRunning:
		return "running"
	case coredump.SPUThrgrpStopped:
		return "stopped"
	}
	return fmt.Sprintf("%#x", s)
}

// DescribeMinidump prints a human readable summary of a minidump.
func DescribeMinidump(out io.Writer, mdmp *minidump.Minidump, opts DescribeOptions) error {
	p := &describer{w: bufio.NewWriter(out), opts: opts}

	fmt.Fprintf(p.w, "Minidump timestamp %d, %d streams\n", mdmp.Timestamp, len(mdmp.Streams))
	for i, s := range mdmp.Streams {
		fmt.Fprintf(p.w, "  %d: %v at %#x size %#x\n", i, s.Type, s.Offset, len(s.RawData))
	}
	if si := mdmp.SystemInfo; si != nil {
		fmt.Fprintf(p.w, "System: %v level %d version %#x platform %#x\n", si.Arch, si.Level, si.MajorVersion, si.PlatformID)
	}

	if e := mdmp.Exception; e != nil {
		p.section("Exception")
		fmt.Fprintf(p.w, "%v in thread %#x address %#x\n", e.Code, e.ThreadID, e.Address)
		if e.Context != nil {
			fmt.Fprintf(p.w, "pc %#x lr %#x sp %#x\n", e.Context.SRR0, e.Context.LR, e.Context.GPR[1])
		}
	}

	p.section("Threads")
	tw := p.table()
	fmt.Fprintln(tw, "ID\tSUSPEND\tPRIO\tSTACK\tSIZE\tPC\tSP")
	for i := range mdmp.Threads {
		th := &mdmp.Threads[i]
		pc, sp := "-", "-"
		if th.Context != nil {
			pc, sp = fmt.Sprintf("%#x", th.Context.SRR0), fmt.Sprintf("%#x", th.Context.GPR[1])
		}
		fmt.Fprintf(tw, "%#x\t%d\t%d/%d\t%#x\t%#x\t%s\t%s\n", th.ID, th.SuspendCount, th.Priority, th.PriorityClass, th.Stack.Addr, len(th.Stack.Data), pc, sp)
	}
	tw.Flush()

	p.section("Modules")
	for i := range mdmp.Modules {
		m := &mdmp.Modules[i]
		fmt.Fprintf(p.w, "%s [%#x,%#x)", m.Name, m.BaseOfImage, m.BaseOfImage+uint64(m.SizeOfImage))
		if cv, pdb, err := m.CodeView(); err == nil {
			fmt.Fprintf(p.w, " %s %08X-%04X-%04X-%X", pdb, cv.Signature.Data1, cv.Signature.Data2, cv.Signature.Data3, cv.Signature.Data4)
		}
		fmt.Fprintln(p.w)
	}

	p.section("Memory")
	for _, r := range mdmp.MemoryRanges {
		fmt.Fprintf(p.w, "[%#x,%#x)\n", r.Addr, r.Addr+uint64(len(r.Data)))
	}

	return p.w.Flush()
}
