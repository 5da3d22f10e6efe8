package kfmt

import (
	"wasmos/kernel"
)

var (
	// haltFn is invoked once the panic banner has been printed. It never
	// returns; tests replace it to observe the halted error.
	haltFn = func(err *kernel.Error) { panic(err) }
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// calling logical core. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: "rt", Message: t}
	case error:
		err = &kernel.Error{Module: "rt", Message: t.Error()}
	default:
		err = &kernel.Error{Module: "rt", Message: "unknown cause"}
	}

	Printf("\n-----------------------------------\n")
	Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn(err)
}
