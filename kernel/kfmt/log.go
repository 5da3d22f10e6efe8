package kfmt

import (
	"os"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
)

var logLevel atomic.Int32

func init() {
	logLevel.Store(int32(hclog.Info))
	if str := os.Getenv("TRACE"); str != "" {
		logLevel.Store(int32(hclog.Trace))
	}
}

// SetLogLevel changes the level of loggers created after the call.
func SetLogLevel(level hclog.Level) {
	logLevel.Store(int32(level))
}

// LogLevel returns the level used for new loggers.
func LogLevel() hclog.Level {
	return hclog.Level(logLevel.Load())
}

// Logger returns a structured logger for the named kernel module. Its output
// is routed through the kernel console so that messages logged before a sink
// is attached end up in the early ring buffer.
func Logger(module string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:        module,
		Level:       LogLevel(),
		Output:      consoleWriter{},
		DisableTime: true,
	})
}
