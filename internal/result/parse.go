package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrParseFailure is the sentinel all ParseError values unwrap to.
var ErrParseFailure = errors.New("no result payload in output")

// ParseError reports that no valid payload could be recovered from a
// container's output stream.
type ParseError struct {
	// Snippet is a bounded sample of the output for diagnostics.
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Snippet == "" {
		return "no result payload in output"
	}
	return fmt.Sprintf("no result payload in output: %q", e.Snippet)
}

func (e *ParseError) Unwrap() error { return ErrParseFailure }

const snippetLen = 200

// flatObject is the regex sweep fallback for streams where brace balancing
// recovers nothing; it only finds unnested objects.
var flatObject = regexp.MustCompile(`\{[^{}]*\}`)

// Parse recovers the processor payload from raw stdout. The stream may carry
// arbitrary diagnostic text before and after the JSON object; candidates are
// found by brace-depth scanning that honors JSON strings and escapes, so
// braces inside string values do not break extraction.
func Parse(raw []byte) (Payload, error) {
	for start := 0; start < len(raw); start++ {
		if raw[start] != '{' {
			continue
		}
		end, ok := balancedEnd(raw, start)
		if !ok {
			continue
		}
		if p, ok := decodePayload(raw[start : end+1]); ok {
			return p, nil
		}
	}

	for _, span := range flatObject.FindAll(raw, -1) {
		if p, ok := decodePayload(span); ok {
			return p, nil
		}
	}

	snippet := string(raw)
	if len(snippet) > snippetLen {
		snippet = snippet[:snippetLen]
	}
	return Payload{}, &ParseError{Snippet: snippet}
}

// decodePayload accepts a candidate span only when it is a JSON object that
// carries the mandatory success field; stray objects embedded in diagnostic
// text almost never do.
func decodePayload(span []byte) (Payload, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(span, &probe); err != nil {
		return Payload{}, false
	}
	if _, ok := probe["success"]; !ok {
		return Payload{}, false
	}

	var p Payload
	if err := json.Unmarshal(span, &p); err != nil {
		return Payload{}, false
	}
	return p, true
}

// balancedEnd returns the index of the brace closing the object opened at
// start, tracking string and escape state.
func balancedEnd(raw []byte, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(raw); i++ {
		c := raw[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
