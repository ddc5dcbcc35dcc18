// Package archive expands compressed inputs under hard limits so that
// archive bombs are rejected before they inflate. Limits are checked
// incrementally while walking the entry table, never after full expansion,
// and nested archives are re-limited at every level against the same
// running budget.
package archive

import (
	"errors"
	"fmt"
	"io"
)

// Default expansion limits.
const (
	DefaultMaxEntries   = 1000
	DefaultMaxEntrySize = 50 * 1024 * 1024
	DefaultMaxTotalSize = 200 * 1024 * 1024
	DefaultMaxDepth     = 3
)

// ErrLimitExceeded is the sentinel all LimitError values unwrap to.
var ErrLimitExceeded = errors.New("archive limit exceeded")

// ErrUnsupportedFormat is returned when the input matches no known
// archive format.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// LimitError reports which expansion limit an archive crossed.
type LimitError struct {
	// Limit is one of "entries", "entry_size", "total_size", "depth".
	Limit string
	// Entry names the offending entry, when one exists.
	Entry string
	Value int64
	Max   int64
}

func (e *LimitError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("archive limit %s exceeded at %q: %d > %d", e.Limit, e.Entry, e.Value, e.Max)
	}
	return fmt.Sprintf("archive limit %s exceeded: %d > %d", e.Limit, e.Value, e.Max)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// Limits bounds archive expansion. Entry count and total size are global
// budgets shared across nesting levels.
type Limits struct {
	MaxEntries   int
	MaxEntrySize int64
	MaxTotalSize int64
	MaxDepth     int
}

// DefaultLimits returns the default expansion limits.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:   DefaultMaxEntries,
		MaxEntrySize: DefaultMaxEntrySize,
		MaxTotalSize: DefaultMaxTotalSize,
		MaxDepth:     DefaultMaxDepth,
	}
}

// Validate applies defaults to zero values.
func (l *Limits) Validate() {
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultMaxEntries
	}
	if l.MaxEntrySize <= 0 {
		l.MaxEntrySize = DefaultMaxEntrySize
	}
	if l.MaxTotalSize <= 0 {
		l.MaxTotalSize = DefaultMaxTotalSize
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
}

// WithMaxEntries returns a copy with the entry count budget replaced.
func (l Limits) WithMaxEntries(n int) Limits {
	l.MaxEntries = n
	return l
}

// WithMaxEntrySize returns a copy with the per-entry size limit replaced.
func (l Limits) WithMaxEntrySize(n int64) Limits {
	l.MaxEntrySize = n
	return l
}

// WithMaxTotalSize returns a copy with the total size budget replaced.
func (l Limits) WithMaxTotalSize(n int64) Limits {
	l.MaxTotalSize = n
	return l
}

// File is one fully-extracted archive member. Names of nested members are
// prefixed with the path of the enclosing archive entry.
type File struct {
	Name string
	Data []byte
}

// Extract expands an archive under lim. It aborts the instant any limit is
// crossed and returns a *LimitError; partial results are discarded.
func Extract(data []byte, lim Limits) ([]File, error) {
	lim.Validate()

	r := detect(data)
	if r == nil {
		return nil, ErrUnsupportedFormat
	}

	x := &extractor{lim: lim}
	if err := x.expand(r, data, "", 1); err != nil {
		return nil, err
	}
	return x.files, nil
}

// IsArchive reports whether data matches a supported archive format.
func IsArchive(data []byte) bool {
	return detect(data) != nil
}

// extractor carries the running budget across nesting levels.
type extractor struct {
	lim     Limits
	entries int
	total   int64
	files   []File
}

func (x *extractor) expand(r reader, data []byte, prefix string, depth int) error {
	return r.walk(data, func(e entry) error {
		return x.consume(e, prefix, depth)
	})
}

// consume admits one entry against the budget, reads it, and either recurses
// into it (nested archive) or records it.
func (x *extractor) consume(e entry, prefix string, depth int) error {
	name := e.name
	if prefix != "" {
		name = prefix + "/" + e.name
	}

	x.entries++
	if x.entries > x.lim.MaxEntries {
		return &LimitError{Limit: "entries", Entry: name, Value: int64(x.entries), Max: int64(x.lim.MaxEntries)}
	}

	// Declared sizes are checked before any bytes are read; streams with no
	// declared size (and lying headers) are caught by the capped read below.
	remaining := x.lim.MaxTotalSize - x.total
	if e.size >= 0 {
		if e.size > x.lim.MaxEntrySize {
			return &LimitError{Limit: "entry_size", Entry: name, Value: e.size, Max: x.lim.MaxEntrySize}
		}
		if e.size > remaining {
			return &LimitError{Limit: "total_size", Entry: name, Value: x.total + e.size, Max: x.lim.MaxTotalSize}
		}
	}

	ceiling := x.lim.MaxEntrySize
	if remaining < ceiling {
		ceiling = remaining
	}

	rc, err := e.open()
	if err != nil {
		return fmt.Errorf("open entry %q: %w", name, err)
	}
	defer rc.Close()

	buf, err := io.ReadAll(io.LimitReader(rc, ceiling+1))
	if err != nil {
		return fmt.Errorf("read entry %q: %w", name, err)
	}
	if int64(len(buf)) > ceiling {
		limit := "entry_size"
		max := x.lim.MaxEntrySize
		if ceiling < x.lim.MaxEntrySize {
			limit = "total_size"
			max = x.lim.MaxTotalSize
		}
		return &LimitError{Limit: limit, Entry: name, Value: x.total + int64(len(buf)), Max: max}
	}
	x.total += int64(len(buf))

	if nested := detect(buf); nested != nil {
		if depth+1 > x.lim.MaxDepth {
			return &LimitError{Limit: "depth", Entry: name, Value: int64(depth + 1), Max: int64(x.lim.MaxDepth)}
		}
		return x.expand(nested, buf, name, depth+1)
	}

	x.files = append(x.files, File{Name: name, Data: buf})
	return nil
}
