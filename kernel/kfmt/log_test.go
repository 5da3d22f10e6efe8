package kfmt

import (
	"bytes"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	defer func(origLevel hclog.Level) {
		SetLogLevel(origLevel)
		SetOutputSink(nil)
	}(LogLevel())

	var buf bytes.Buffer
	SetOutputSink(&buf)
	SetLogLevel(hclog.Debug)

	log := Logger("pmm")
	log.Debug("frame allocator ready", "free", 42)
	log.Trace("suppressed")

	out := buf.String()
	require.Contains(t, out, "[DEBUG]")
	require.Contains(t, out, "pmm: frame allocator ready")
	require.Contains(t, out, "free=42")
	require.NotContains(t, out, "suppressed")
}

func TestCP437Writer(t *testing.T) {
	var buf bytes.Buffer
	w := NewCP437Writer(&buf)

	_, err := w.Write([]byte("café ok"))
	require.NoError(t, err)

	// U+00E9 is glyph 0x82 in code page 437
	require.Equal(t, []byte{'c', 'a', 'f', 0x82, ' ', 'o', 'k'}, buf.Bytes())
}
