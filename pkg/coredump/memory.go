package coredump

import (
	"errors"
	"fmt"
	"io"
	"sort"

	lru "github.com/hashicorp/golang-lru"
)

// MemoryReader reads the memory of the dumped process.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ErrShortRead is returned when only part of the requested memory is present
// in the core dump.
var ErrShortRead = errors.New("short read")

const (
	pageShift     = 12
	pageCacheSize = 256
	noRegion      = -1
)

// A splicedMemory represents a memory space formed from multiple regions,
// each of which may override previous regions. Every PT_LOAD segment of the
// core dump is added in file order, so that a later segment covering the
// same addresses wins.
type splicedMemory struct {
	readers []readerEntry

	// pages caches the index in readers of the region containing a page.
	pages *lru.Cache
}

type readerEntry struct {
	offset uint64
	length uint64
	reader MemoryReader
}

func newSplicedMemory() *splicedMemory {
	pages, err := lru.New(pageCacheSize)
	if err != nil {
		panic(err)
	}
	return &splicedMemory{pages: pages}
}

// Add adds a new region to the splicedMemory, which may override existing regions.
func (r *splicedMemory) Add(reader MemoryReader, off, length uint64) {
	if length == 0 {
		return
	}
	r.pages.Purge()
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers))
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	// Walk through the list of regions, fixing up any that overlap and inserting the new one.
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New reader overwrites the beginning of the entry.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// New region punches a hole in the entry. Split it in two and put the new region in the middle.
			add(readerEntry{entry.offset, off - entry.offset, entry.reader})
			add(readerEntry{off, length, reader})
			add(readerEntry{end + 1, entryEnd - end, entry.reader})
			inserted = true
		default:
			panic(fmt.Sprintf("Unhandled case: existing entry is %#x len %#x, new is %#x len %#x", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, reader})
	}
	r.readers = newReaders
}

// find returns the index of the region containing addr, or noRegion.
func (r *splicedMemory) find(addr uint64) int {
	page := addr >> pageShift
	if v, ok := r.pages.Get(page); ok {
		i := v.(int)
		if e := r.readers[i]; addr >= e.offset && addr-e.offset < e.length {
			return i
		}
	}
	i := sort.Search(len(r.readers), func(i int) bool {
		e := r.readers[i]
		return e.offset+e.length-1 >= addr
	})
	if i >= len(r.readers) || addr < r.readers[i].offset {
		return noRegion
	}
	r.pages.Add(page, i)
	return i
}

// ReadMemory implements MemoryReader.ReadMemory. Reads spanning adjacent
// regions are stitched together, a gap stops the read.
func (r *splicedMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	i := r.find(addr)
	if i == noRegion {
		return 0, fmt.Errorf("address %#x did not match any regions", addr)
	}
	for ; i < len(r.readers) && len(buf) > 0; i++ {
		entry := r.readers[i]
		if addr < entry.offset {
			return n, fmt.Errorf("hit unmapped area at %#x after %d bytes", addr, n)
		}
		// Don't go past the region.
		pb := buf
		if avail := entry.offset + entry.length - addr; uint64(len(pb)) > avail {
			pb = pb[:avail]
		}
		pn, err := entry.reader.ReadMemory(pb, addr)
		n += pn
		if err != nil {
			return n, fmt.Errorf("error while reading spliced memory at %#x: %v", addr, err)
		}
		if pn != len(pb) {
			return n, nil
		}
		buf = buf[pn:]
		addr += uint64(pn)
	}
	return n, nil
}

// offsetReaderAt wraps a ReaderAt into a MemoryReader, subtracting a fixed
// offset from the address. A PT_LOAD segment mapped at vaddr is represented
// by an offsetReaderAt with offset vaddr around the segment's file bytes.
type offsetReaderAt struct {
	reader io.ReaderAt
	offset uint64
}

// ReadMemory will read the memory at addr-offset.
func (r *offsetReaderAt) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	return r.reader.ReadAt(buf, int64(addr-r.offset))
}

// ReadMemory reads len(dest) bytes of process memory starting at va. It
// fails unless all of them are present in the core dump.
func (d *Dumper) ReadMemory(dest []byte, va uint64) (int, error) {
	if d.mem == nil {
		return 0, ErrNotInitialized
	}
	n, err := d.mem.ReadMemory(dest, va)
	if err != nil {
		return n, err
	}
	if n != len(dest) {
		return n, ErrShortRead
	}
	return n, nil
}

// CopyFromProcess copies len(dest) bytes of process memory starting at va
// into dest. When any of the range is missing from the core dump the whole
// of dest is filled with the missing memory fill byte instead.
func (d *Dumper) CopyFromProcess(dest []byte, va uint64) {
	if _, err := d.ReadMemory(dest, va); err != nil {
		d.log.Debugf("memory %#x-%#x not in core dump: %v", va, va+uint64(len(dest)), err)
		for i := range dest {
			dest[i] = d.fill
		}
	}
}
