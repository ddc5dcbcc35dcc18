package processor

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrProcessorExists is returned when registering a kind that is already
// registered.
type ErrProcessorExists struct {
	Kind string
}

func (e ErrProcessorExists) Error() string {
	return fmt.Sprintf("processor %q already exists", e.Kind)
}

// Match is the predicate binding artifacts to a Processor. Any non-empty
// criterion that matches selects the processor. Declared MIME type is
// checked first, then extension, then content signatures, so zip-based
// document formats dispatch as documents rather than generic archives.
type Match struct {
	// Extensions are lowercase, without the leading dot.
	Extensions []string

	// MIMETypes are exact types, or prefixes ending in "/" such as "image/".
	MIMETypes []string

	// Magic entries match as prefixes of the artifact head, except entries
	// with a non-zero offset.
	Magic []Magic
}

// Magic is one content signature.
type Magic struct {
	Offset int
	Bytes  []byte
}

type binding struct {
	match Match
	proc  Processor
}

// Registry maps match predicates to processors. Adding an artifact type
// means one Register call, never a new dispatch branch.
type Registry struct {
	mu       sync.RWMutex
	bindings []binding
	byKind   map[string]Processor
	fallback Processor
}

// NewRegistry creates an empty registry whose fallback is the generic
// binary-forensics processor.
func NewRegistry() *Registry {
	return &Registry{
		byKind:   make(map[string]Processor),
		fallback: NewAnalyzer("binary", "binary"),
	}
}

// Register binds a match predicate to a processor.
// Returns ErrProcessorExists when the kind is already registered.
func (r *Registry) Register(m Match, p Processor) error {
	if p == nil {
		return fmt.Errorf("cannot register nil processor")
	}
	kind := p.Kind()
	if kind == "" {
		return fmt.Errorf("cannot register processor with empty kind")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKind[kind]; exists {
		return ErrProcessorExists{Kind: kind}
	}

	r.byKind[kind] = p
	r.bindings = append(r.bindings, binding{match: m, proc: p})
	return nil
}

// MustRegister binds a processor, panicking on error. Used for builtin
// registration during initialization.
func (r *Registry) MustRegister(m Match, p Processor) {
	if err := r.Register(m, p); err != nil {
		panic(err)
	}
}

// Resolve picks the processor for an artifact. head is a bounded prefix of
// the artifact used only for signature matching, never parsed. Resolve never
// returns nil: unmatched artifacts get the binary-forensics fallback.
func (r *Registry) Resolve(ext, mimeType string, head []byte) Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	mimeType = strings.ToLower(mimeType)

	if mimeType != "" {
		for _, b := range r.bindings {
			if matchMIME(b.match.MIMETypes, mimeType) {
				return b.proc
			}
		}
	}
	if ext != "" {
		for _, b := range r.bindings {
			if matchExt(b.match.Extensions, ext) {
				return b.proc
			}
		}
	}
	for _, b := range r.bindings {
		if matchMagic(b.match.Magic, head) {
			return b.proc
		}
	}
	return r.fallback
}

// Get retrieves a processor by kind, or nil.
func (r *Registry) Get(kind string) Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKind[kind]
}

// Fallback returns the generic binary-forensics processor.
func (r *Registry) Fallback() Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Kinds returns a sorted list of registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Count returns the number of registered processors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKind)
}

func matchMagic(sigs []Magic, head []byte) bool {
	for _, s := range sigs {
		if len(head) >= s.Offset+len(s.Bytes) &&
			bytes.Equal(head[s.Offset:s.Offset+len(s.Bytes)], s.Bytes) {
			return true
		}
	}
	return false
}

func matchMIME(types []string, mimeType string) bool {
	for _, t := range types {
		if strings.HasSuffix(t, "/") {
			if strings.HasPrefix(mimeType, t) {
				return true
			}
		} else if t == mimeType {
			return true
		}
	}
	return false
}

func matchExt(exts []string, ext string) bool {
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}
