package tgui

import "fmt"

// DefaultPageSize is used when a page size is not positive.
const DefaultPageSize = 20

// Page is one window over a list.
type Page[T any] struct {
	Items []T
	// Index is 0-based and clamped to the last page.
	Index int
	Size  int
	Total int
}

// Paginate returns the page of items at index. Out of range indexes are
// clamped, so the result is never empty unless items is.
func Paginate[T any](items []T, index, size int) Page[T] {
	if size <= 0 {
		size = DefaultPageSize
	}
	p := Page[T]{Size: size, Total: len(items)}
	last := max(p.Pages()-1, 0)
	p.Index = min(max(index, 0), last)
	from := min(p.Index*size, len(items))
	to := min(from+size, len(items))
	p.Items = items[from:to]
	return p
}

// Pages returns the number of pages, at least 1.
func (p Page[T]) Pages() int {
	if p.Size <= 0 || p.Total <= 0 {
		return 1
	}
	return (p.Total + p.Size - 1) / p.Size
}

func (p Page[T]) HasNext() bool { return p.Index+1 < p.Pages() }

// Label returns e.g. "page 2/5 · 21-40 of 93".
func (p Page[T]) Label() string {
	if p.Total == 0 {
		return "page 1/1"
	}
	from := p.Index*p.Size + 1
	return fmt.Sprintf("page %d/%d · %d-%d of %d", p.Index+1, p.Pages(), from, from+len(p.Items)-1, p.Total)
}
