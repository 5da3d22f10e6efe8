// Package kfmt implements the kernel console: formatted output, the early
// ring buffer that captures output before a console is attached, component
// loggers and the kernel panic path.
package kfmt

import (
	"io"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	// printer formats Printf output. Integers formatted with %d are grouped
	// with thousands separators which keeps frame and byte counts readable.
	printer = message.NewPrinter(language.English)

	// sinkMu serializes writes from all logical cores.
	sinkMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before the
	// console is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is an io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the writer that receives the kernel console output.
// The returned writer is always safe to use even if no sink has been attached.
func GetOutputSink() io.Writer {
	return consoleWriter{}
}

// Printf formats according to a format specifier and writes to the active
// console sink. It supports the fmt verbs; %d output is locale-grouped.
func Printf(format string, args ...interface{}) {
	Fprintf(consoleWriter{}, format, args...)
}

// Fprintf behaves like Printf but writes its output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = printer.Fprintf(w, format, args...)
}

// Sprintf behaves like Printf but returns the formatted string.
func Sprintf(format string, args ...interface{}) string {
	return printer.Sprintf(format, args...)
}

// consoleWriter forwards writes to the output sink or, if no sink is
// attached yet, to the early ring buffer.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}
