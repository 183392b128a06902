// Package streamjson incrementally extracts completed JSON objects from a
// token stream.
//
// A model streaming `{"risks": [ {...}, {...} ]}` arrives as arbitrary
// chunk boundaries; the parser maintains a character state machine (string
// state, escape state, brace depth) and emits each element of the target
// array as soon as its closing brace arrives. Re-parsing the whole buffer
// on every chunk would be quadratic; the full-document parse happens once,
// at Finalize, to reconcile against anything the incremental pass missed.
package streamjson

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStreamTooLarge reports a stream that exceeded the configured byte cap.
var ErrStreamTooLarge = errors.New("stream exceeds byte cap")

const defaultMaxBytes = 4 << 20

type state int

const (
	stateSeek state = iota
	stateExpectColon
	stateExpectBracket
	stateInArray
	stateDone
)

// ReconcileFunc is invoked by Finalize when the full-document parse
// disagrees with the incremental emissions. incremental and full are the
// respective object counts; the full result has already won.
type ReconcileFunc func(incremental, full int)

// Parser extracts elements of one named JSON array from a chunked stream.
type Parser struct {
	target      string
	maxBytes    int
	onReconcile ReconcileFunc

	buf     []byte // full stream, kept for Finalize
	emitted []json.RawMessage

	st         state
	inString   bool
	escape     bool
	keyBuf     []byte
	depth      int // brace depth inside the target array
	arrayDepth int // nested array depth at brace depth 0
	objBuf     []byte
}

type Option func(*Parser)

// WithMaxBytes bounds the total stream size. Exceeding it fails Feed with
// ErrStreamTooLarge.
func WithMaxBytes(n int) Option {
	return func(p *Parser) {
		p.maxBytes = n
	}
}

// WithReconcileFunc installs a callback observed when Finalize replaces the
// incremental result with the full parse.
func WithReconcileFunc(fn ReconcileFunc) Option {
	return func(p *Parser) {
		p.onReconcile = fn
	}
}

// New creates a parser targeting the array under the given key, e.g.
// "risks" for `{"risks": [...]}`.
func New(targetKey string, opts ...Option) *Parser {
	p := &Parser{
		target:   targetKey,
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed consumes one chunk and returns the objects newly completed by it,
// in stream order. Each object is emitted at most once. Malformed
// fragments inside the array are skipped, not fatal.
func (p *Parser) Feed(chunk string) ([]json.RawMessage, error) {
	if len(p.buf)+len(chunk) > p.maxBytes {
		return nil, fmt.Errorf("%w (cap %d bytes)", ErrStreamTooLarge, p.maxBytes)
	}
	p.buf = append(p.buf, chunk...)

	var out []json.RawMessage
	for i := 0; i < len(chunk); i++ {
		if obj := p.step(chunk[i]); obj != nil {
			out = append(out, obj)
			p.emitted = append(p.emitted, obj)
		}
	}
	return out, nil
}

// step advances the state machine one character and returns a completed
// object, if any.
func (p *Parser) step(c byte) json.RawMessage {
	switch p.st {
	case stateDone:
		return nil

	case stateSeek:
		p.seekKey(c)
		return nil

	case stateExpectColon:
		switch {
		case isSpace(c):
		case c == ':':
			p.st = stateExpectBracket
		default:
			p.st = stateSeek
			p.seekKey(c)
		}
		return nil

	case stateExpectBracket:
		switch {
		case isSpace(c):
		case c == '[':
			p.st = stateInArray
			p.depth = 0
			p.arrayDepth = 0
		default:
			p.st = stateSeek
			p.seekKey(c)
		}
		return nil

	case stateInArray:
		return p.scanArray(c)
	}
	return nil
}

// seekKey tracks strings outside the target array, watching for the target
// key.
func (p *Parser) seekKey(c byte) {
	if p.inString {
		if p.escape {
			p.escape = false
			p.keyBuf = append(p.keyBuf, c)
			return
		}
		switch c {
		case '\\':
			p.escape = true
		case '"':
			p.inString = false
			if string(p.keyBuf) == p.target {
				p.st = stateExpectColon
			}
		default:
			p.keyBuf = append(p.keyBuf, c)
		}
		return
	}
	if c == '"' {
		p.inString = true
		p.keyBuf = p.keyBuf[:0]
	}
}

// scanArray consumes characters inside the target array, accumulating
// object text between balanced braces.
func (p *Parser) scanArray(c byte) json.RawMessage {
	if p.depth > 0 {
		p.objBuf = append(p.objBuf, c)

		if p.inString {
			if p.escape {
				p.escape = false
				return nil
			}
			switch c {
			case '\\':
				p.escape = true
			case '"':
				p.inString = false
			}
			return nil
		}

		switch c {
		case '"':
			p.inString = true
		case '{':
			p.depth++
		case '}':
			p.depth--
			if p.depth == 0 {
				return p.completeObject()
			}
		}
		return nil
	}

	// Between elements (brace depth zero).
	if p.inString {
		// String element or string inside a nested non-object array.
		if p.escape {
			p.escape = false
			return nil
		}
		switch c {
		case '\\':
			p.escape = true
		case '"':
			p.inString = false
		}
		return nil
	}

	switch c {
	case '"':
		p.inString = true
	case '{':
		if p.arrayDepth == 0 {
			p.depth = 1
			p.objBuf = append(p.objBuf[:0], c)
		}
	case '[':
		p.arrayDepth++
	case ']':
		if p.arrayDepth == 0 {
			p.st = stateDone
			return nil
		}
		p.arrayDepth--
	}
	return nil
}

// completeObject validates the accumulated text as standalone JSON.
// Malformed fragments are dropped; Finalize reconciles any loss.
func (p *Parser) completeObject() json.RawMessage {
	text := make([]byte, len(p.objBuf))
	copy(text, p.objBuf)
	p.objBuf = p.objBuf[:0]

	if !json.Valid(text) {
		return nil
	}
	return json.RawMessage(text)
}

// Emitted returns everything emitted incrementally so far.
func (p *Parser) Emitted() []json.RawMessage {
	return p.emitted
}

// Finalize parses the complete buffered stream as a whole document and
// reconciles: when the full parse finds more objects than were emitted
// incrementally, the full result replaces the incremental one (full parse
// wins) and the reconcile callback is notified. When the buffer is not a
// parseable document the incremental result stands.
func (p *Parser) Finalize() []json.RawMessage {
	full, ok := p.fullParse()
	if !ok {
		return p.emitted
	}
	if len(full) > len(p.emitted) {
		if p.onReconcile != nil {
			p.onReconcile(len(p.emitted), len(full))
		}
		p.emitted = full
	}
	return p.emitted
}

func (p *Parser) fullParse() ([]json.RawMessage, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(p.buf, &doc); err != nil {
		return nil, false
	}
	raw, ok := findKey(doc, p.target)
	if !ok {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	// Keep only object elements, matching the incremental pass.
	out := items[:0]
	for _, item := range items {
		if len(item) > 0 && item[0] == '{' {
			out = append(out, item)
		}
	}
	return out, true
}

// findKey locates the target key, searching nested objects breadth-first
// when it is not at the top level.
func findKey(doc map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	if raw, ok := doc[key]; ok {
		return raw, true
	}
	for _, v := range doc {
		if len(v) == 0 || v[0] != '{' {
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(v, &nested); err != nil {
			continue
		}
		if raw, ok := findKey(nested, key); ok {
			return raw, true
		}
	}
	return nil, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
