package coredump

import "encoding/binary"

const (
	// frameSize is the size of a synthetic stack frame: back chain, unused
	// word, saved link register, unused word.
	frameSize = 32

	// callStackPCBias is added to every recorded call stack address. The
	// minidump processor subtracts 8 from return addresses found on PPC64
	// stacks before looking them up.
	callStackPCBias = 8
)

// CallStack returns the recorded call stack of PPU thread id, innermost
// frame first. The result is nil when the thread has none.
func (d *Dumper) CallStack(id ThreadID) []uint32 {
	return d.callStacks[id]
}

// MemorySize returns the number of bytes of synthetic stack memory Memory
// produces for thread id.
func (d *Dumper) MemorySize(id ThreadID) int {
	return len(d.CallStack(id)) * frameSize
}

// Memory fills dest with a synthetic stack for thread id, as if it was
// mapped at va. Each recorded address gets a frame whose back chain points
// at the following frame and whose saved link register is the recorded
// address, so that a stack walker can recover the call stack. Words are
// stored little endian, the byte order of minidump memory on PPC64. dest
// must be at least MemorySize(id) bytes long.
func (d *Dumper) Memory(dest []byte, va uint64, id ThreadID) {
	for i, pc := range d.CallStack(id) {
		frame := dest[i*frameSize : (i+1)*frameSize]
		binary.LittleEndian.PutUint64(frame[0:], va+uint64(frameSize*(i+1)))
		binary.LittleEndian.PutUint64(frame[8:], 0)
		binary.LittleEndian.PutUint64(frame[16:], uint64(pc)+callStackPCBias)
		binary.LittleEndian.PutUint64(frame[24:], 0)
	}
}

// Srr0 returns the innermost recorded address of thread id's call stack.
func (d *Dumper) Srr0(id ThreadID) (uint64, bool) {
	cs := d.CallStack(id)
	if len(cs) == 0 {
		return 0, false
	}
	return uint64(cs[0]), true
}
