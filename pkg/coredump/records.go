package coredump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var errTruncated = errors.New("record truncated")

// Sizes of the fixed size records, as stored in the core dump.
var (
	systemInfoSize   = binary.Size(SystemInfo{})
	processInfoSize  = binary.Size(ProcessInfo{})
	ppuExcepInfoSize = binary.Size(PPUExcepInfo{})
	ppuRegInfoSize   = binary.Size(PPURegInfo{})
	spuRegInfoSize   = binary.Size(SPURegInfo{})
	ppuThrInfoSize   = binary.Size(PPUThrInfo{})
	spuThrInfoSize   = binary.Size(SPUThrInfo{})
	pageAttrInfoSize = binary.Size(PageAttrInfo{})
	gameAppInfoSize  = binary.Size(GameAppInfo{})

	ppuDumpExcepSize     = binary.Size(PPUDumpExcep{})
	spuDumpExcepSize     = binary.Size(SPUDumpExcep{})
	rsxDumpExcepSize     = binary.Size(RSXDumpExcep{})
	userDefinedExcepSize = binary.Size(UserDefinedExcep{})
)

const (
	spuThrgrpInfoHdrSize = 16
	prxInfoHdrSize       = 48
	prxSegSize           = 32
)

// decodeFixed decodes the fixed size record v from the start of b.
func decodeFixed(b []byte, order binary.ByteOrder, v interface{}) error {
	if len(b) < binary.Size(v) {
		return errTruncated
	}
	return binary.Read(bytes.NewReader(b), order, v)
}

// varRecord is a record whose size is only known after its header has been
// decoded. decode returns the number of bytes of b the record used.
type varRecord interface {
	decode(b []byte, order binary.ByteOrder) (int, error)
}

// readRecords decodes n consecutive variable size records from data. next
// must return the record the following bytes are decoded into.
func readRecords(data []byte, n uint32, order binary.ByteOrder, next func() varRecord) error {
	off := 0
	for i := uint32(0); i < n; i++ {
		consumed, err := next().decode(data[off:], order)
		if err != nil {
			return fmt.Errorf("unit %d at offset %#x: %w", i, off, err)
		}
		off += consumed
	}
	return nil
}

// readArray decodes hdr.UnitNum fixed size records of size sz from data.
// Records are hdr.UnitSize bytes apart, a zero UnitSize means they are
// packed.
func readArray(data []byte, hdr DescHdr, sz int, decode func(b []byte) error) error {
	stride := int(hdr.UnitSize)
	switch {
	case stride == 0:
		stride = sz
	case stride < sz:
		return fmt.Errorf("unit size %d smaller than record size %d", hdr.UnitSize, sz)
	}
	for i := 0; i < int(hdr.UnitNum); i++ {
		off := i * stride
		if off+sz > len(data) {
			return fmt.Errorf("unit %d: %w", i, errTruncated)
		}
		if err := decode(data[off : off+sz]); err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
	}
	return nil
}

func (g *SPUThrgrpInfo) decode(b []byte, order binary.ByteOrder) (int, error) {
	if len(b) < spuThrgrpInfoHdrSize {
		return 0, errTruncated
	}
	g.ThrgrpID = order.Uint32(b[0:])
	g.State = order.Uint32(b[4:])
	g.Priority = order.Uint32(b[8:])
	g.NumSPUThr = order.Uint32(b[12:])
	b = b[spuThrgrpInfoHdrSize:]
	if uint64(g.NumSPUThr)*4 > uint64(len(b)) {
		return 0, errTruncated
	}
	g.Threads = make([]uint32, g.NumSPUThr)
	for i := range g.Threads {
		g.Threads[i] = order.Uint32(b[4*i:])
	}
	return spuThrgrpInfoHdrSize + 4*len(g.Threads), nil
}

// AppendTo appends the on-disk encoding of g to b.
func (g *SPUThrgrpInfo) AppendTo(b []byte, order binary.ByteOrder) []byte {
	b = appendUint32(b, order, g.ThrgrpID)
	b = appendUint32(b, order, g.State)
	b = appendUint32(b, order, g.Priority)
	b = appendUint32(b, order, uint32(len(g.Threads)))
	for _, id := range g.Threads {
		b = appendUint32(b, order, id)
	}
	return b
}

func (p *PRXInfo) decode(b []byte, order binary.ByteOrder) (int, error) {
	if len(b) < prxInfoHdrSize {
		return 0, errTruncated
	}
	p.ID = order.Uint32(b[0:])
	p.Version = order.Uint32(b[4:])
	p.NumberOfSegments = order.Uint32(b[8:])
	p.Reserved = order.Uint32(b[12:])
	copy(p.Name[:], b[16:48])
	b = b[prxInfoHdrSize:]
	if uint64(p.NumberOfSegments)*prxSegSize > uint64(len(b)) {
		return 0, errTruncated
	}
	p.Segments = make([]PRXSeg, p.NumberOfSegments)
	for i := range p.Segments {
		s := b[i*prxSegSize:]
		p.Segments[i] = PRXSeg{
			Base:     order.Uint64(s[0:]),
			FileSize: order.Uint64(s[8:]),
			MemSize:  order.Uint64(s[16:]),
			Index:    order.Uint32(s[24:]),
			Type:     order.Uint32(s[28:]),
		}
	}
	return prxInfoHdrSize + prxSegSize*len(p.Segments), nil
}

// AppendTo appends the on-disk encoding of p to b.
func (p *PRXInfo) AppendTo(b []byte, order binary.ByteOrder) []byte {
	b = appendUint32(b, order, p.ID)
	b = appendUint32(b, order, p.Version)
	b = appendUint32(b, order, uint32(len(p.Segments)))
	b = appendUint32(b, order, p.Reserved)
	b = append(b, p.Name[:]...)
	for _, s := range p.Segments {
		b = appendUint64(b, order, s.Base)
		b = appendUint64(b, order, s.FileSize)
		b = appendUint64(b, order, s.MemSize)
		b = appendUint32(b, order, s.Index)
		b = appendUint32(b, order, s.Type)
	}
	return b
}

// CallInfo is a recorded PPU call stack.
type CallInfo struct {
	PPUCallInfo
	Frames []uint32
}

func (c *CallInfo) decode(b []byte, order binary.ByteOrder) (int, error) {
	if len(b) < ppuCallInfoSize {
		return 0, errTruncated
	}
	c.ThreadID = ThreadID(order.Uint64(b[0:]))
	c.NumFrames = order.Uint32(b[8:])
	b = b[ppuCallInfoSize:]
	if uint64(c.NumFrames)*4 > uint64(len(b)) {
		return 0, errTruncated
	}
	c.Frames = make([]uint32, c.NumFrames)
	for i := range c.Frames {
		c.Frames[i] = order.Uint32(b[4*i:])
	}
	return ppuCallInfoSize + 4*len(c.Frames), nil
}

// AppendTo appends the on-disk encoding of c to b.
func (c *CallInfo) AppendTo(b []byte, order binary.ByteOrder) []byte {
	b = appendUint64(b, order, uint64(c.ThreadID))
	b = appendUint32(b, order, uint32(len(c.Frames)))
	for _, pc := range c.Frames {
		b = appendUint32(b, order, pc)
	}
	return b
}

func appendUint32(b []byte, order binary.ByteOrder, v uint32) []byte {
	var buf [4]byte
	order.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendUint64(b []byte, order binary.ByteOrder, v uint64) []byte {
	var buf [8]byte
	order.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}
