package minidump

import "fmt"

const (
	// HeaderSignature is the signature of a minidump file, 'MDMP'.
	HeaderSignature = 0x504d444d
	// HeaderVersion is the version written in the low 16 bits of
	// RawHeader.Version.
	HeaderVersion = 0xa793

	// CVInfoPDB70Signature is the signature of a CodeView PDB 7.0 record,
	// 'RSDS'.
	CVInfoPDB70Signature = 0x53445352

	// VSFixedFileInfoSignature is the signature of a VSFixedFileInfo.
	VSFixedFileInfoSignature = 0xfeef04bd
	vsFixedFileInfoVersion   = 0x10000
)

// StreamType is the type of the StreamType field of MINIDUMP_DIRECTORY
type StreamType uint32

const (
	UnusedStream              StreamType = 0
	ReservedStream0           StreamType = 1
	ReservedStream1           StreamType = 2
	ThreadListStream          StreamType = 3
	ModuleListStream          StreamType = 4
	MemoryListStream          StreamType = 5
	ExceptionStream           StreamType = 6
	SystemInfoStream          StreamType = 7
	ThreadExListStream        StreamType = 8
	Memory64ListStream        StreamType = 9
	CommentStreamA            StreamType = 10
	CommentStreamW            StreamType = 11
	HandleDataStream          StreamType = 12
	FunctionTableStream       StreamType = 13
	UnloadedModuleStream      StreamType = 14
	MiscInfoStream            StreamType = 15
	MemoryInfoListStream      StreamType = 16
	ThreadInfoListStream      StreamType = 17
	HandleOperationListStream StreamType = 18
)

var streamTypeNames = map[StreamType]string{
	UnusedStream:              "UnusedStream",
	ReservedStream0:           "ReservedStream0",
	ReservedStream1:           "ReservedStream1",
	ThreadListStream:          "ThreadListStream",
	ModuleListStream:          "ModuleListStream",
	MemoryListStream:          "MemoryListStream",
	ExceptionStream:           "ExceptionStream",
	SystemInfoStream:          "SystemInfoStream",
	ThreadExListStream:        "ThreadExListStream",
	Memory64ListStream:        "Memory64ListStream",
	CommentStreamA:            "CommentStreamA",
	CommentStreamW:            "CommentStreamW",
	HandleDataStream:          "HandleDataStream",
	FunctionTableStream:       "FunctionTableStream",
	UnloadedModuleStream:      "UnloadedModuleStream",
	MiscInfoStream:            "MiscInfoStream",
	MemoryInfoListStream:      "MemoryInfoListStream",
	ThreadInfoListStream:      "ThreadInfoListStream",
	HandleOperationListStream: "HandleOperationListStream",
}

func (t StreamType) String() string {
	if s, ok := streamTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("StreamType(%#x)", uint32(t))
}

// Arch is the type of the ProcessorArchitecture field of MINIDUMP_SYSTEM_INFO.
type Arch uint16

const (
	CpuArchitectureX86     Arch = 0
	CpuArchitecturePPC     Arch = 3
	CpuArchitectureARM     Arch = 5
	CpuArchitectureAMD64   Arch = 9
	CpuArchitectureARM64   Arch = 12
	CpuArchitecturePPC64   Arch = 0x8002 // Breakpad extension
	CpuArchitectureUnknown Arch = 0xffff
)

func (a Arch) String() string {
	switch a {
	case CpuArchitectureX86:
		return "x86"
	case CpuArchitecturePPC:
		return "ppc"
	case CpuArchitectureARM:
		return "arm"
	case CpuArchitectureAMD64:
		return "amd64"
	case CpuArchitectureARM64:
		return "arm64"
	case CpuArchitecturePPC64:
		return "ppc64"
	case CpuArchitectureUnknown:
		return "unknown"
	}
	return fmt.Sprintf("Arch(%#x)", uint16(a))
}

// PlatformPS3 is the PlatformID of console minidumps (Breakpad extension).
const PlatformPS3 = 0x8204

// Context flags of ContextPPC64.
const (
	ContextPPC64Flag          = 0x01000000
	ContextPPC64Base          = ContextPPC64Flag | 0x00000001
	ContextPPC64FloatingPoint = ContextPPC64Flag | 0x00000008
	ContextPPC64Vector        = ContextPPC64Flag | 0x00000020
	ContextPPC64Full          = ContextPPC64Base
)

// ExceptionCode is the exception code of console minidumps.
type ExceptionCode uint32

const (
	ExceptionPS3Unknown ExceptionCode = iota
	ExceptionPS3TrapExcep
	ExceptionPS3PrivInstr
	ExceptionPS3IllegalInstr
	ExceptionPS3InstrStorage
	ExceptionPS3InstrSegment
	ExceptionPS3DataStorage
	ExceptionPS3DataSegment
	ExceptionPS3FloatPoint
	ExceptionPS3DABRMatch
	ExceptionPS3AlignExcep
	ExceptionPS3MemoryAccess
	ExceptionPS3CoproAlign
	ExceptionPS3CoproInvalidCom
	ExceptionPS3CoproErr
	ExceptionPS3CoproFIR
	ExceptionPS3CoproDataSegment
	ExceptionPS3CoproDataStorage
	ExceptionPS3CoproStopInstr
	ExceptionPS3CoproHaltInstr
	ExceptionPS3CoproHaltInstUnknown
	ExceptionPS3CoproMemoryAccess
	ExceptionPS3Graphic
)

var exceptionCodeNames = [...]string{
	"UNKNOWN",
	"TRAP_EXCEP",
	"PRIV_INSTR",
	"ILLEGAL_INSTR",
	"INSTR_STORAGE",
	"INSTR_SEGMENT",
	"DATA_STORAGE",
	"DATA_SEGMENT",
	"FLOAT_POINT",
	"DABR_MATCH",
	"ALIGN_EXCEP",
	"MEMORY_ACCESS",
	"COPRO_ALIGN",
	"COPRO_INVALID_COM",
	"COPRO_ERR",
	"COPRO_FIR",
	"COPRO_DATA_SEGMENT",
	"COPRO_DATA_STORAGE",
	"COPRO_STOP_INSTR",
	"COPRO_HALT_INSTR",
	"COPRO_HALTINST_UNKNOWN",
	"COPRO_MEMORY_ACCESS",
	"GRAPHIC",
}

func (c ExceptionCode) String() string {
	if int(c) < len(exceptionCodeNames) {
		return exceptionCodeNames[c]
	}
	return fmt.Sprintf("ExceptionCode(%d)", uint32(c))
}

// The structures below are written with encoding/binary in little endian
// byte order, which packs them exactly like the C structures of
// minidump_format.h.

// LocationDescriptor describes a region of the minidump file.
type LocationDescriptor struct {
	DataSize uint32
	RVA      uint32
}

// MemoryDescriptor describes a region of process memory stored in the
// minidump file.
type MemoryDescriptor struct {
	StartOfMemoryRange uint64
	Memory             LocationDescriptor
}

// RawHeader is MINIDUMP_HEADER.
type RawHeader struct {
	Signature          uint32
	Version            uint32
	StreamCount        uint32
	StreamDirectoryRVA uint32
	Checksum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

// RawDirectory is MINIDUMP_DIRECTORY.
type RawDirectory struct {
	StreamType uint32
	Location   LocationDescriptor
}

// RawThread is MINIDUMP_THREAD.
type RawThread struct {
	ThreadID      uint32
	SuspendCount  uint32
	PriorityClass uint32
	Priority      uint32
	TEB           uint64
	Stack         MemoryDescriptor
	ThreadContext LocationDescriptor
}

// VSFixedFileInfo: Visual Studio Fixed File Info.
// See: https://docs.microsoft.com/en-us/windows/desktop/api/verrsrc/ns-verrsrc-tagvs_fixedfileinfo
type VSFixedFileInfo struct {
	Signature        uint32
	StructVersion    uint32
	FileVersionHi    uint32
	FileVersionLo    uint32
	ProductVersionHi uint32
	ProductVersionLo uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateHi       uint32
	FileDateLo       uint32
}

// NewVSFixedFileInfo returns a VSFixedFileInfo for file and product version
// major.minor.
func NewVSFixedFileInfo(major, minor uint16) VSFixedFileInfo {
	v := uint32(major)<<16 | uint32(minor)
	return VSFixedFileInfo{
		Signature:        VSFixedFileInfoSignature,
		StructVersion:    vsFixedFileInfoVersion,
		FileVersionHi:    v,
		ProductVersionHi: v,
	}
}

// RawModule is MINIDUMP_MODULE.
type RawModule struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	Checksum      uint32
	TimeDateStamp uint32
	ModuleNameRVA uint32
	VersionInfo   VSFixedFileInfo
	CVRecord      LocationDescriptor
	MiscRecord    LocationDescriptor
	Reserved0     uint64
	Reserved1     uint64
}

// GUID is the identifier stored in CodeView records.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// CVInfoPDB70 is the fixed part of a CodeView PDB 7.0 record, it is followed
// by the NUL terminated name of the PDB file.
type CVInfoPDB70 struct {
	CVSignature uint32
	Signature   GUID
	Age         uint32
}

// RawException is MINIDUMP_EXCEPTION.
type RawException struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      uint64
	ExceptionAddress     uint64
	NumberParameters     uint32
	UnusedAlignment      uint32
	ExceptionInformation [15]uint64
}

// RawExceptionStream is MINIDUMP_EXCEPTION_STREAM.
type RawExceptionStream struct {
	ThreadID        uint32
	Alignment       uint32
	ExceptionRecord RawException
	ThreadContext   LocationDescriptor
}

// RawSystemInfo is MINIDUMP_SYSTEM_INFO.
type RawSystemInfo struct {
	ProcessorArchitecture uint16
	ProcessorLevel        uint16
	ProcessorRevision     uint16
	NumberOfProcessors    uint8
	ProductType           uint8
	MajorVersion          uint32
	MinorVersion          uint32
	BuildNumber           uint32
	PlatformID            uint32
	CSDVersionRVA         uint32
	SuiteMask             uint16
	Reserved2             uint16
	CPU                   [24]byte
}

// Uint128 is a 128 bit register, stored high half first.
type Uint128 struct {
	High uint64
	Low  uint64
}

// FloatingSaveAreaPPC is the floating point state of a PowerPC thread.
type FloatingSaveAreaPPC struct {
	FPRegs   [32]uint64
	FPSCRPad uint32
	FPSCR    uint32
}

// VectorSaveAreaPPC is the AltiVec state of a PowerPC thread.
type VectorSaveAreaPPC struct {
	SaveVR      [32]Uint128
	SaveVSCR    Uint128
	SavePad5    [4]uint32
	SaveVRValid uint32
	SavePad6    [7]uint32
}

// ContextPPC64 is the register state of a 64 bit PowerPC thread, as
// Breakpad's MDRawContextPPC64.
type ContextPPC64 struct {
	ContextFlags uint64
	SRR0         uint64
	SRR1         uint64
	GPR          [32]uint64
	CR           uint64
	XER          uint64
	LR           uint64
	CTR          uint64
	VRSave       uint64
	FloatSave    FloatingSaveAreaPPC
	VectorSave   VectorSaveAreaPPC
}

// Sizes of the structures above, as stored in the file.
const (
	HeaderSize           = 32
	DirectorySize        = 12
	ThreadSize           = 48
	ModuleSize           = 108
	MemoryDescriptorSize = 16
	ExceptionStreamSize  = 168
	SystemInfoSize       = 56
	ContextPPC64Size     = 1160
	CVInfoPDB70MinSize   = 24
)
