// Package diff computes word-level differences between two versions of a
// factory's source using the sergi/go-diff library.
package diff

import (
	"strings"
	"sync"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op is the kind of a diff segment.
type Op int

const (
	OpEqual  Op = iota // Present in both
	OpInsert           // Only in the new text
	OpDelete           // Only in the old text
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return "equal"
	}
}

// Segment is a run of text with a single operation.
type Segment struct {
	Op   Op
	Text string
}

// DefaultCacheSize is how many input pairs an engine remembers.
const DefaultCacheSize = 256

// Engine provides diff computation with caching
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch

	mu       sync.Mutex
	cache    map[cacheKey][]Segment // Cache for identical input pairs
	maxCache int
}

type cacheKey struct {
	oldText string
	newText string
}

// NewEngine creates a new diff engine
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // Disable timeout for accuracy
	return &Engine{
		dmp:      dmp,
		cache:    make(map[cacheKey][]Segment),
		maxCache: DefaultCacheSize,
	}
}

// DefaultEngine is a singleton engine for general use
var DefaultEngine = NewEngine()

// Words diffs old and new token by token. Tokens are identifier runs,
// whitespace runs, brackets and quotes individually, and other punctuation runs.
func (e *Engine) Words(oldText, newText string) []Segment {
	key := cacheKey{oldText, newText}
	e.mu.Lock()
	cached, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return cached
	}

	oldToks, newToks := Tokenize(oldText), Tokenize(newText)
	enc := newEncoder()
	a, b := enc.encode(oldToks), enc.encode(newToks)

	var segs []Segment
	if enc.overflow {
		segs = fromDiffs(e.dmp.DiffCleanupSemantic(e.dmp.DiffMain(oldText, newText, false)), nil)
	} else {
		diffs := e.dmp.DiffMainRunes(a, b, false)
		diffs = e.dmp.DiffCleanupSemantic(diffs)
		segs = fromDiffs(diffs, enc)
	}

	e.mu.Lock()
	if len(e.cache) >= e.maxCache {
		// Drop everything rather than track recency
		e.cache = make(map[cacheKey][]Segment)
	}
	e.cache[key] = segs
	e.mu.Unlock()
	return segs
}

// Words is a convenience function using the default engine
func Words(oldText, newText string) []Segment {
	return DefaultEngine.Words(oldText, newText)
}

// ClearCache clears the diff cache
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[cacheKey][]Segment)
	e.mu.Unlock()
}

func fromDiffs(diffs []diffmatchpatch.Diff, enc *encoder) []Segment {
	segs := make([]Segment, 0, len(diffs))
	for _, d := range diffs {
		text := d.Text
		if enc != nil {
			text = enc.decode(d.Text)
		}
		if text == "" {
			continue
		}
		var op Op
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = OpInsert
		case diffmatchpatch.DiffDelete:
			op = OpDelete
		default:
			op = OpEqual
		}
		// Merge adjacent segments of the same kind
		if n := len(segs); n > 0 && segs[n-1].Op == op {
			segs[n-1].Text += text
			continue
		}
		segs = append(segs, Segment{Op: op, Text: text})
	}
	return segs
}

// Changed reports whether any segment inserts or deletes text.
func Changed(segs []Segment) bool {
	for _, s := range segs {
		if s.Op != OpEqual {
			return true
		}
	}
	return false
}

// Format renders segments with [-deleted-] and {+inserted+} markers.
func Format(segs []Segment) string {
	var sb strings.Builder
	for _, s := range segs {
		switch s.Op {
		case OpDelete:
			sb.WriteString("[-")
			sb.WriteString(s.Text)
			sb.WriteString("-]")
		case OpInsert:
			sb.WriteString("{+")
			sb.WriteString(s.Text)
			sb.WriteString("+}")
		default:
			sb.WriteString(s.Text)
		}
	}
	return sb.String()
}

// =============================================================================
// TOKENIZATION
// =============================================================================

func isWordRune(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isSoloRune(r rune) bool {
	switch r {
	case '(', ')', '[', ']', '{', '}', '\'', '"', '`':
		return true
	}
	return false
}

type tokenClass int

const (
	classWord tokenClass = iota
	classSpace
	classPunct
	classSolo
)

func classify(r rune) tokenClass {
	switch {
	case isWordRune(r):
		return classWord
	case unicode.IsSpace(r):
		return classSpace
	case isSoloRune(r):
		return classSolo
	default:
		return classPunct
	}
}

// Tokenize splits s into diff tokens. Concatenating the result yields s.
func Tokenize(s string) []string {
	var toks []string
	start := 0
	prev := tokenClass(-1)
	for i, r := range s {
		c := classify(r)
		if i > start && (c != prev || c == classSolo) {
			toks = append(toks, s[start:i])
			start = i
		}
		prev = c
	}
	if start < len(s) {
		toks = append(toks, s[start:])
	}
	return toks
}

// encoder maps tokens to private-use runes so diffmatchpatch can diff token
// sequences as if they were characters.
type encoder struct {
	index    map[string]rune
	table    []string
	overflow bool
}

const (
	bmpPrivateStart  = 0xE000
	bmpPrivateSize   = 0x1900
	suppPrivateStart = 0xF0000
	suppPrivateSize  = 0x1FFFE
)

func newEncoder() *encoder {
	return &encoder{index: make(map[string]rune)}
}

func tokenRune(i int) (rune, bool) {
	if i < bmpPrivateSize {
		return rune(bmpPrivateStart + i), true
	}
	i -= bmpPrivateSize
	if i < suppPrivateSize {
		return rune(suppPrivateStart + i), true
	}
	return 0, false
}

func runeToken(r rune) int {
	if r >= suppPrivateStart {
		return int(r-suppPrivateStart) + bmpPrivateSize
	}
	return int(r - bmpPrivateStart)
}

func (e *encoder) encode(toks []string) []rune {
	out := make([]rune, 0, len(toks))
	for _, t := range toks {
		r, ok := e.index[t]
		if !ok {
			r, ok = tokenRune(len(e.table))
			if !ok {
				e.overflow = true
				return nil
			}
			e.index[t] = r
			e.table = append(e.table, t)
		}
		out = append(out, r)
	}
	return out
}

func (e *encoder) decode(s string) string {
	var sb strings.Builder
	for _, r := range s {
		idx := runeToken(r)
		if idx >= 0 && idx < len(e.table) {
			sb.WriteString(e.table[idx])
		}
	}
	return sb.String()
}
