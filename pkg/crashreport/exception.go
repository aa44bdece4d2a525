package crashreport

import (
	"github.com/youtube/h5vcc-sub002/pkg/coredump"
	"github.com/youtube/h5vcc-sub002/pkg/minidump"
)

var ppuExceptionCodes = map[uint64]minidump.ExceptionCode{
	coredump.PPUTrapExcep:    minidump.ExceptionPS3TrapExcep,
	coredump.PPUPrivInstr:    minidump.ExceptionPS3PrivInstr,
	coredump.PPUIllegalInstr: minidump.ExceptionPS3IllegalInstr,
	coredump.PPUInstrStorage: minidump.ExceptionPS3InstrStorage,
	coredump.PPUInstrSegment: minidump.ExceptionPS3InstrSegment,
	coredump.PPUDataStorage:  minidump.ExceptionPS3DataStorage,
	coredump.PPUDataSegment:  minidump.ExceptionPS3DataSegment,
	coredump.PPUFloatPoint:   minidump.ExceptionPS3FloatPoint,
	coredump.PPUDABRMatch:    minidump.ExceptionPS3DABRMatch,
	coredump.PPUAlignExcep:   minidump.ExceptionPS3AlignExcep,
	coredump.PPUMemoryAccess: minidump.ExceptionPS3MemoryAccess,
}

var spuExceptionCodes = map[uint32]minidump.ExceptionCode{
	coredump.SPUDMAAlign:         minidump.ExceptionPS3CoproAlign,
	coredump.SPUInvalidDMACom:    minidump.ExceptionPS3CoproInvalidCom,
	coredump.SPUError:            minidump.ExceptionPS3CoproErr,
	coredump.SPUMFCFIR:           minidump.ExceptionPS3CoproFIR,
	coredump.SPUDataSegment:      minidump.ExceptionPS3CoproDataSegment,
	coredump.SPUDataStorage:      minidump.ExceptionPS3CoproDataStorage,
	coredump.SPUStopInstr:        minidump.ExceptionPS3CoproStopInstr,
	coredump.SPUHaltInstr:        minidump.ExceptionPS3CoproHaltInstr,
	coredump.SPUHaltInstrUnknown: minidump.ExceptionPS3CoproHaltInstUnknown,
	coredump.SPUMemoryAccess:     minidump.ExceptionPS3CoproMemoryAccess,
}

// PPUExceptionCode maps a PPU exception type to a minidump exception code.
// Types that are not exactly one known flag map to ExceptionPS3Unknown.
func PPUExceptionCode(excepType uint64) minidump.ExceptionCode {
	if code, ok := ppuExceptionCodes[excepType]; ok {
		return code
	}
	return minidump.ExceptionPS3Unknown
}

// SPUExceptionCode maps a SPU exception type to a minidump exception code.
// Types that are not exactly one known flag map to ExceptionPS3Unknown.
func SPUExceptionCode(excepType uint32) minidump.ExceptionCode {
	if code, ok := spuExceptionCodes[excepType]; ok {
		return code
	}
	return minidump.ExceptionPS3Unknown
}
