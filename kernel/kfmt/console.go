package kfmt

import (
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// NewCP437Writer returns a writer that transcodes the UTF-8 console output to
// code page 437, the character set of VGA text-mode consoles. Runes without
// a CP437 glyph are replaced rather than aborting the write.
func NewCP437Writer(w io.Writer) io.Writer {
	return encoding.ReplaceUnsupported(charmap.CodePage437.NewEncoder()).Writer(w)
}
