// Package coretest builds synthetic console core dumps for tests.
package coretest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/youtube/h5vcc-sub002/pkg/coredump"
)

// DumpCauseUnitSize is the unit size used for DUMP_CAUSE_INFO notes, large
// enough for every cause.
const DumpCauseUnitSize = 32

// Builder accumulates notes and memory segments and writes them out as an
// ELF core file.
type Builder struct {
	Order    binary.ByteOrder
	notes    []note
	segments []segment
}

type segment struct {
	vaddr uint64
	data  []byte
}

// Cause is one unit of a DUMP_CAUSE_INFO note. Record must be one of
// coredump.PPUDumpExcep, SPUDumpExcep, RSXDumpExcep or UserDefinedExcep.
type Cause struct {
	Type   uint32
	Record interface{}
}

// New returns a Builder producing big endian core dumps, like the console
// does.
func New() *Builder {
	return &Builder{Order: binary.BigEndian}
}

// Raw adds a note with the given descriptor header and data.
func (b *Builder) Raw(typ coredump.NoteType, hdr coredump.DescHdr, data []byte) *Builder {
	var desc bytes.Buffer
	b.write(&desc, hdr)
	desc.Write(data)
	b.notes = append(b.notes, note{
		typ:  elf.NType(typ),
		name: typ.String() + "\x00",
		data: desc.Bytes(),
	})
	return b
}

// Scalar adds a note holding the single fixed size record v.
func (b *Builder) Scalar(typ coredump.NoteType, v interface{}) *Builder {
	var data bytes.Buffer
	b.write(&data, v)
	return b.Raw(typ, coredump.DescHdr{UnitSize: uint32(binary.Size(v)), UnitNum: 1}, data.Bytes())
}

// Array adds a note holding records, which must be a slice of fixed size
// records.
func (b *Builder) Array(typ coredump.NoteType, records interface{}) *Builder {
	rv := reflect.ValueOf(records)
	var data bytes.Buffer
	b.write(&data, records)
	hdr := coredump.DescHdr{UnitNum: uint32(rv.Len())}
	if rv.Len() > 0 {
		hdr.UnitSize = uint32(binary.Size(rv.Index(0).Interface()))
	}
	return b.Raw(typ, hdr, data.Bytes())
}

// DumpCauses adds a DUMP_CAUSE_INFO note.
func (b *Builder) DumpCauses(causes ...Cause) *Builder {
	var data bytes.Buffer
	for _, c := range causes {
		var unit bytes.Buffer
		b.write(&unit, coredump.DumpCauseInfo{CauseType: c.Type})
		if c.Record != nil {
			b.write(&unit, c.Record)
		}
		unit.Write(make([]byte, DumpCauseUnitSize-unit.Len()))
		data.Write(unit.Bytes())
	}
	return b.Raw(coredump.DumpCauseInfoNote, coredump.DescHdr{UnitSize: DumpCauseUnitSize, UnitNum: uint32(len(causes))}, data.Bytes())
}

// ThreadGroups adds a SPU_THRGRP_INFO note.
func (b *Builder) ThreadGroups(groups ...coredump.SPUThrgrpInfo) *Builder {
	var data []byte
	for i := range groups {
		data = groups[i].AppendTo(data, b.Order)
	}
	return b.Raw(coredump.SPUThrgrpInfoNote, coredump.DescHdr{UnitNum: uint32(len(groups))}, data)
}

// PRXs adds a PRX_INFO note.
func (b *Builder) PRXs(prxs ...coredump.PRXInfo) *Builder {
	var data []byte
	for i := range prxs {
		data = prxs[i].AppendTo(data, b.Order)
	}
	return b.Raw(coredump.PRXInfoNote, coredump.DescHdr{UnitNum: uint32(len(prxs))}, data)
}

// CallStacks adds a PPU_CALL_INFO note.
func (b *Builder) CallStacks(stacks ...coredump.CallInfo) *Builder {
	var data []byte
	for i := range stacks {
		data = stacks[i].AppendTo(data, b.Order)
	}
	return b.Raw(coredump.PPUCallInfoNote, coredump.DescHdr{UnitNum: uint32(len(stacks))}, data)
}

// Memory adds a PT_LOAD segment holding data at vaddr.
func (b *Builder) Memory(vaddr uint64, data []byte) *Builder {
	b.segments = append(b.segments, segment{vaddr, data})
	return b
}

func (b *Builder) write(buf *bytes.Buffer, v interface{}) {
	if err := binary.Write(buf, b.Order, v); err != nil {
		panic(err)
	}
}

// Bytes returns the core dump file contents.
func (b *Builder) Bytes() ([]byte, error) {
	img := coreImage{order: b.Order}
	img.addNotes(b.notes)
	for _, seg := range b.segments {
		img.addLoad(seg.vaddr, seg.data)
	}
	return img.bytes()
}

// Write writes the core dump to path.
func (b *Builder) Write(path string) error {
	buf, err := b.Bytes()
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, buf, 0600)
}

// WriteTemp writes the core dump to a file in a temporary directory and
// returns its path.
func (b *Builder) WriteTemp(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core")
	if err := b.Write(path); err != nil {
		t.Fatalf("writing core dump: %v", err)
	}
	return path
}
