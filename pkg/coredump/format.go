package coredump

import (
	"bytes"
	"fmt"
)

// NoteType is the type of a note in the PT_NOTE segment of a console core
// dump.
type NoteType uint32

const (
	SystemInfoNote    NoteType = 1
	ProcessInfoNote   NoteType = 2
	PPUExcepInfoNote  NoteType = 3
	PPURegInfoNote    NoteType = 4
	SPURegInfoNote    NoteType = 5
	PPUThrInfoNote    NoteType = 6
	DumpCauseInfoNote NoteType = 7
	SPUThrgrpInfoNote NoteType = 8
	SPUThrInfoNote    NoteType = 9
	PRXInfoNote       NoteType = 10
	PageAttrInfoNote  NoteType = 11
	GameAppInfoNote   NoteType = 12
	PPUCallInfoNote   NoteType = 13
)

func (t NoteType) String() string {
	switch t {
	case SystemInfoNote:
		return "SYSTEM_INFO"
	case ProcessInfoNote:
		return "PROCESS_INFO"
	case PPUExcepInfoNote:
		return "PPU_EXCEP_INFO"
	case PPURegInfoNote:
		return "PPU_REG_INFO"
	case SPURegInfoNote:
		return "SPU_REG_INFO"
	case PPUThrInfoNote:
		return "PPU_THR_INFO"
	case DumpCauseInfoNote:
		return "DUMP_CAUSE_INFO"
	case SPUThrgrpInfoNote:
		return "SPU_THRGRP_INFO"
	case SPUThrInfoNote:
		return "SPU_THR_INFO"
	case PRXInfoNote:
		return "PRX_INFO"
	case PageAttrInfoNote:
		return "PAGE_ATTR_INFO"
	case GameAppInfoNote:
		return "GAME_APP_INFO"
	case PPUCallInfoNote:
		return "PPU_CALL_INFO"
	}
	return fmt.Sprintf("NoteType(%d)", uint32(t))
}

// ThreadID identifies a thread. PPU thread ids are 64 bits wide in the core
// dump, SPU thread ids are 32 bits wide and are zero extended.
type ThreadID uint64

// Low returns the low 32 bits of the id, which is what minidumps store.
func (id ThreadID) Low() uint32 { return uint32(id) }

// High returns the high 32 bits of the id.
func (id ThreadID) High() uint32 { return uint32(id >> 32) }

// MakeThreadID combines a high/low pair of words into a ThreadID.
func MakeThreadID(high, low uint32) ThreadID {
	return ThreadID(uint64(high)<<32 | uint64(low))
}

// Uint128 is a 128 bit register value.
type Uint128 struct {
	High uint64
	Low  uint64
}

// DescHdr is the header at the start of every note descriptor.
type DescHdr struct {
	UnitSize uint32
	UnitNum  uint32
}

const descHdrSize = 8

// SystemInfo describes the console the dump was taken on.
type SystemInfo struct {
	SysVersion   uint32
	ChipRevision uint32
	ModelType    uint32
	Reserved     uint32
	MemorySize   uint64
}

// ProcessInfo describes the crashed process.
type ProcessInfo struct {
	ProcessID       uint32
	ParentProcessID uint32
	Status          uint32
	NumPPUThreads   uint32
	NumSPUThrgrps   uint32
	Reserved        uint32
	Path            [64]byte
}

// PathString returns the process path up to the first NUL.
func (p *ProcessInfo) PathString() string {
	return cstring(p.Path[:])
}

// PPUExcepInfo is the PPU exception summary note.
type PPUExcepInfo struct {
	ThreadID  ThreadID
	ExcepType uint64
	DAR       uint64
	SRR0      uint64
}

const (
	ppuNGPR = 32
	ppuNFPR = 32
	ppuNVMX = 32
	spuNGPR = 128
)

// PPURegInfo holds the registers of a PPU thread.
type PPURegInfo struct {
	ThreadID ThreadID
	PC       uint64
	CR       uint32
	FPSCR    uint32
	LR       uint64
	CTR      uint64
	XER      uint64
	GPR      [ppuNGPR]uint64
	FPR      [ppuNFPR]uint64
	VSCR     Uint128
	VMX      [ppuNVMX]Uint128
}

// SPURegInfo holds the registers of a SPU thread.
type SPURegInfo struct {
	ThreadID    uint32
	NPC         uint32
	Status      uint32
	Decrementer uint32
	GPR         [spuNGPR]Uint128
}

// PPU thread states.
const (
	PPUThreadIdle     = 0
	PPUThreadRunnable = 1
	PPUThreadOnProc   = 2
	PPUThreadSleep    = 3
	PPUThreadStop     = 4
	PPUThreadZombie   = 5
	PPUThreadDeleted  = 6
)

// PPUThrInfo describes a PPU thread.
type PPUThrInfo struct {
	ThreadID     ThreadID
	Priority     uint32
	BasePriority uint32
	State        uint32
	Reserved     uint32
	StackAddr    uint64
	StackSize    uint64
}

// Suspended reports whether the thread was not running when the dump was
// taken.
func (t *PPUThrInfo) Suspended() bool {
	return t.State >= PPUThreadSleep
}

// Dump cause types.
const (
	PPUExcepCause    = 1
	SPUExcepCause    = 2
	RSXExcepCause    = 3
	UserDefinedCause = 4
)

// DumpCauseInfo is the header of every dump cause unit.
type DumpCauseInfo struct {
	CauseType uint32
	Reserved  uint32
}

const dumpCauseInfoSize = 8

// PPUDumpExcep is a dump caused by a PPU exception.
type PPUDumpExcep struct {
	ThreadID  ThreadID
	ExcepType uint64
	DAR       uint64
}

// SPUDumpExcep is a dump caused by a SPU exception.
type SPUDumpExcep struct {
	ThrgrpID  uint32
	ThreadID  uint32
	ExcepType uint32
	NPC       uint32
}

// RSXDumpExcep is a dump caused by the graphics processor.
type RSXDumpExcep struct {
	Cause    uint32
	Reserved uint32
	Address  uint64
}

// UserDefinedExcep is a dump requested by the application.
type UserDefinedExcep struct {
	Code     uint32
	Reserved uint32
	Arg      uint64
}

// PPU exception types, as found in PPUDumpExcep.ExcepType.
const (
	PPUTrapExcep    = 0x01
	PPUPrivInstr    = 0x02
	PPUIllegalInstr = 0x04
	PPUInstrStorage = 0x08
	PPUInstrSegment = 0x10
	PPUDataStorage  = 0x20
	PPUDataSegment  = 0x40
	PPUFloatPoint   = 0x80
	PPUDABRMatch    = 0x100
	PPUAlignExcep   = 0x200
	PPUMemoryAccess = 0x400
)

// SPU exception types, as found in SPUDumpExcep.ExcepType.
const (
	SPUDMAAlign         = 0x01
	SPUInvalidDMACom    = 0x02
	SPUError            = 0x04
	SPUMFCFIR           = 0x08
	SPUDataSegment      = 0x10
	SPUDataStorage      = 0x20
	SPUStopInstr        = 0x40
	SPUHaltInstr        = 0x80
	SPUHaltInstrUnknown = 0x100
	SPUMemoryAccess     = 0x200
)

// SPU thread group states.
const (
	SPUThrgrpNotConfigured    = 0
	SPUThrgrpConfigured       = 1
	SPUThrgrpReady            = 2
	SPUThrgrpWaiting          = 3
	SPUThrgrpSuspended        = 4
	SPUThrgrpWaitingSuspended = 5
	SPUThrgrpRunning          = 6
	SPUThrgrpStopped          = 7
)

// SPUThrgrpInfo describes a SPU thread group and the ids of its threads.
type SPUThrgrpInfo struct {
	ThrgrpID  uint32
	State     uint32
	Priority  uint32
	NumSPUThr uint32
	Threads   []uint32
}

// Suspended reports whether threads of the group were not running when the
// dump was taken.
func (g *SPUThrgrpInfo) Suspended() bool {
	switch g.State {
	case SPUThrgrpSuspended, SPUThrgrpWaitingSuspended, SPUThrgrpStopped:
		return true
	}
	return false
}

// SPUThrInfo describes a SPU thread.
type SPUThrInfo struct {
	ThrgrpID uint32
	ThreadID uint32
	NPC      uint32
	Status   uint32
}

// PRXSeg is a segment of a loaded PRX module.
type PRXSeg struct {
	Base     uint64
	FileSize uint64
	MemSize  uint64
	Index    uint32
	Type     uint32
}

// PRXInfo describes a loaded PRX module.
type PRXInfo struct {
	ID               uint32
	Version          uint32
	NumberOfSegments uint32
	Reserved         uint32
	Name             [32]byte
	Segments         []PRXSeg
}

// NameString returns the module name up to the first NUL.
func (p *PRXInfo) NameString() string {
	return cstring(p.Name[:])
}

// PageAttrInfo describes a range of pages of the process.
type PageAttrInfo struct {
	Base        uint64
	Size        uint64
	Flags       uint32
	AccessRight uint32
}

// GameAppInfo identifies the application.
type GameAppInfo struct {
	TitleID    [16]byte
	AppVersion [8]byte
}

// TitleString returns the title id up to the first NUL.
func (g *GameAppInfo) TitleString() string {
	return cstring(g.TitleID[:])
}

// VersionString returns the application version up to the first NUL.
func (g *GameAppInfo) VersionString() string {
	return cstring(g.AppVersion[:])
}

// PPUCallInfo is the header of a recorded PPU call stack.
type PPUCallInfo struct {
	ThreadID  ThreadID
	NumFrames uint32
}

const ppuCallInfoSize = 12

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
