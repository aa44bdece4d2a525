// Package arena implements an append-only page allocator.
//
// Allocations are carved out of large pages and are never freed
// individually: everything handed out by an Allocator shares the lifetime of
// the Allocator itself. The core dump reader and the minidump writer use one
// Allocator for all their scratch buffers (stack copies, synthetic stack
// frames, CodeView records), which keeps a conversion to a handful of large
// allocations regardless of how many threads the dump contains.
package arena

const (
	// DefaultPageSize is the size of the pages requested by New.
	DefaultPageSize = 64 * 1024

	// allocations are rounded up to this many bytes.
	alignment = 8
)

// Allocator hands out zeroed byte slices carved from a list of pages.
// The zero value is ready to use and allocates DefaultPageSize pages.
type Allocator struct {
	pageSize int
	pages    [][]byte
	cur      []byte // unused tail of the last page

	allocated int
	requested int
}

// New returns an Allocator that requests pages of pageSize bytes.
// A pageSize of zero or less selects DefaultPageSize.
func New(pageSize int) *Allocator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Allocator{pageSize: pageSize}
}

// Alloc returns a zeroed slice of n bytes. The capacity of the returned
// slice is exactly n so that appending to it never scribbles over a
// neighbouring allocation.
func (a *Allocator) Alloc(n int) []byte {
	if n < 0 {
		panic("arena: negative allocation size")
	}
	if n == 0 {
		return []byte{}
	}
	if a.pageSize <= 0 {
		a.pageSize = DefaultPageSize
	}
	a.requested += n

	rounded := (n + alignment - 1) &^ (alignment - 1)

	// Oversized allocations get a page of their own, the current page keeps
	// serving small requests.
	if rounded > a.pageSize/2 {
		page := make([]byte, n)
		a.pages = append(a.pages, page)
		a.allocated += n
		return page[:n:n]
	}

	if len(a.cur) < rounded {
		page := make([]byte, a.pageSize)
		a.pages = append(a.pages, page)
		a.allocated += a.pageSize
		a.cur = page
	}
	r := a.cur[:n:n]
	a.cur = a.cur[rounded:]
	return r
}

// Pages returns the number of pages obtained so far.
func (a *Allocator) Pages() int {
	return len(a.pages)
}

// Allocated returns the total number of bytes backing the allocator.
func (a *Allocator) Allocated() int {
	return a.allocated
}

// Requested returns the sum of the sizes passed to Alloc.
func (a *Allocator) Requested() int {
	return a.requested
}

// Reset drops every page. Slices returned by earlier calls to Alloc stay
// valid for as long as the caller references them, but the allocator no
// longer accounts for them.
func (a *Allocator) Reset() {
	a.pages = nil
	a.cur = nil
	a.allocated = 0
	a.requested = 0
}
