package patcher

import (
	"go/scanner"
	"go/token"
	"strings"
	"unicode"
	"unicode/utf8"
)

var newlineStripper = strings.NewReplacer("\r\n", "", "\r", "", "\n", "")

type scanned struct {
	off  int
	tok  token.Token
	lit  string
	auto bool
}

// Canonicalize folds factory source onto a single line. Newlines where Go
// would insert a semicolon become ";", line comments and multi-line block
// comments are dropped, and every other newline outside a raw string literal
// is removed. Source that does not scan falls back to plain newline removal.
func Canonicalize(src string) string {
	if !strings.ContainsAny(src, "\r\n") && !strings.Contains(src, "//") {
		return src
	}

	fset := token.NewFileSet()
	file := fset.AddFile("factory", fset.Base(), len(src))

	failed := false
	var s scanner.Scanner
	s.Init(file, []byte(src), func(token.Position, string) { failed = true }, scanner.ScanComments)

	var toks []scanned
	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}
		toks = append(toks, scanned{
			off:  file.Offset(pos),
			tok:  tok,
			lit:  lit,
			auto: tok == token.SEMICOLON && lit == "\n",
		})
	}
	if failed {
		return newlineStripper.Replace(src)
	}

	// The scanner reports the semicolon for a multi-line block comment at the
	// comment's first newline. Move it past the comment so the comment stays
	// whole and is dropped.
	for i := 0; i+1 < len(toks); i++ {
		t := toks[i]
		if t.tok != token.COMMENT || !strings.HasPrefix(t.lit, "/*") || !toks[i+1].auto {
			continue
		}
		closing := strings.Index(src[t.off+2:], "*/")
		if closing < 0 {
			continue
		}
		if end := t.off + 2 + closing + 2; toks[i+1].off < end {
			toks[i+1].off = end
		}
	}

	var sb strings.Builder
	sb.Grow(len(src))

	// Semicolons and whitespace are held back until the next visible token so
	// nothing trails the last one.
	pendingSemis := 0
	pendingGap := ""
	pendingSpace := false
	emit := func(text string) {
		for ; pendingSemis > 0; pendingSemis-- {
			sb.WriteByte(';')
			pendingSpace = false
		}
		if pendingGap != "" {
			if sb.Len() > 0 {
				sb.WriteString(pendingGap)
			}
			pendingGap = ""
			pendingSpace = false
		}
		if pendingSpace {
			last, _ := utf8.DecodeLastRuneInString(sb.String())
			first, _ := utf8.DecodeRuneInString(text)
			if isIdentRune(last) && isIdentRune(first) {
				sb.WriteByte(' ')
			}
			pendingSpace = false
		}
		sb.WriteString(text)
	}

	for i, t := range toks {
		end := len(src)
		if i+1 < len(toks) {
			end = toks[i+1].off
		}
		seg := src[t.off:end]

		var text, gap string
		if t.auto {
			gap = seg
		} else {
			text = strings.TrimRightFunc(seg, unicode.IsSpace)
			gap = seg[len(text):]
		}

		switch {
		case t.auto:
			pendingSemis++
		case t.tok == token.COMMENT && (strings.HasPrefix(text, "//") || strings.ContainsAny(text, "\r\n")):
			// Dropped. A newline it stood for was already turned into a semicolon.
			pendingSpace = true
		default:
			emit(text)
		}

		if gap == "" {
			continue
		}
		if stripped := newlineStripper.Replace(gap); stripped != "" {
			pendingGap += stripped
		} else {
			pendingSpace = true
		}
	}
	return sb.String()
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
