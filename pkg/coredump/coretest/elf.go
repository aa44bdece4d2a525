package coretest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	ehsize    = 64
	phentsize = 56
)

// note is a single entry of a PT_NOTE segment.
type note struct {
	typ  elf.NType
	name string
	data []byte
}

// coreImage lays out an ELF64 core file in memory: the file header, the
// program headers right after it, one PT_NOTE segment, then one PT_LOAD
// segment per memory range.
type coreImage struct {
	order binary.ByteOrder
	body  bytes.Buffer // everything after the program headers
	progs []elf.ProgHeader
}

func (c *coreImage) pad(align int) {
	if n := c.body.Len() % align; n != 0 {
		c.body.Write(make([]byte, align-n))
	}
}

// addNotes appends notes as a PT_NOTE segment. Offsets are relative to the
// body until bytes resolves them.
func (c *coreImage) addNotes(notes []note) {
	if len(notes) == 0 {
		return
	}
	c.pad(4)
	off := c.body.Len()
	var hdr [12]byte
	for _, n := range notes {
		c.order.PutUint32(hdr[0:], uint32(len(n.name)))
		c.order.PutUint32(hdr[4:], uint32(len(n.data)))
		c.order.PutUint32(hdr[8:], uint32(n.typ))
		c.body.Write(hdr[:])
		c.body.WriteString(n.name)
		c.pad(4)
		c.body.Write(n.data)
		c.pad(4)
	}
	c.progs = append(c.progs, elf.ProgHeader{
		Type:   elf.PT_NOTE,
		Off:    uint64(off),
		Filesz: uint64(c.body.Len() - off),
		Align:  4,
	})
}

func (c *coreImage) addLoad(vaddr uint64, data []byte) {
	c.pad(8)
	c.progs = append(c.progs, elf.ProgHeader{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R | elf.PF_W,
		Off:    uint64(c.body.Len()),
		Vaddr:  vaddr,
		Filesz: uint64(len(data)),
		Memsz:  uint64(len(data)),
		Align:  8,
	})
	c.body.Write(data)
}

// bytes returns the complete file.
func (c *coreImage) bytes() ([]byte, error) {
	if len(c.progs) > 0xffff {
		return nil, fmt.Errorf("too many program headers: %d", len(c.progs))
	}
	data := elf.ELFDATA2MSB
	if c.order == binary.LittleEndian {
		data = elf.ELFDATA2LSB
	}
	bodyOff := uint64(ehsize + phentsize*len(c.progs))
	bodyOff = (bodyOff + 7) &^ 7

	out := make([]byte, bodyOff, bodyOff+uint64(c.body.Len()))
	copy(out, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(data), byte(elf.EV_CURRENT)})
	h := out[16:]
	c.order.PutUint16(h[0:], uint16(elf.ET_CORE))
	c.order.PutUint16(h[2:], uint16(elf.EM_PPC64))
	c.order.PutUint32(h[4:], uint32(elf.EV_CURRENT))
	c.order.PutUint64(h[16:], ehsize) // e_phoff
	c.order.PutUint16(h[36:], ehsize)
	c.order.PutUint16(h[38:], phentsize)
	c.order.PutUint16(h[40:], uint16(len(c.progs)))

	for i, p := range c.progs {
		ph := out[ehsize+i*phentsize:]
		c.order.PutUint32(ph[0:], uint32(p.Type))
		c.order.PutUint32(ph[4:], uint32(p.Flags))
		c.order.PutUint64(ph[8:], p.Off+bodyOff)
		c.order.PutUint64(ph[16:], p.Vaddr)
		c.order.PutUint64(ph[24:], p.Paddr)
		c.order.PutUint64(ph[32:], p.Filesz)
		c.order.PutUint64(ph[40:], p.Memsz)
		c.order.PutUint64(ph[48:], p.Align)
	}
	return append(out, c.body.Bytes()...), nil
}
