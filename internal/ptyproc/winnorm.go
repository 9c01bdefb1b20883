package ptyproc

import (
	"bytes"
	"regexp"
	"unicode/utf8"
)

// csiPattern matches a CSI escape sequence: ESC [ params... final-letter.
// Windows ConPTY output carries these because the child assumes a
// VT-capable terminal; the remote REPL protocol would otherwise misparse
// them (§4.1 rationale). Kept build-tag-free so it is covered by the same
// test suite on every platform.
var csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode
// replacement character, the Go analogue of Python's surrogate-escape
// decoding for otherwise-undecodable child output.
func sanitizeUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	var out bytes.Buffer
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			out.WriteRune(utf8.RuneError)
			b = b[1:]
			continue
		}
		out.Write(b[:size])
		b = b[size:]
	}
	return out.Bytes()
}

// normalize replaces every "\r\r\n" with "\r\n".
func normalize(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\r\r\n"), []byte("\r\n"))
}

// filterCSI deletes every substring matching ESC [ [0-9;?]* letter.
func filterCSI(b []byte) []byte {
	return csiPattern.ReplaceAll(b, nil)
}
