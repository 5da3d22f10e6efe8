package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"wasmos/kernel"

	"github.com/stretchr/testify/require"
)

func TestPanic(t *testing.T) {
	defer func(origHaltFn func(*kernel.Error)) {
		haltFn = origHaltFn
		SetOutputSink(nil)
	}(haltFn)

	var haltedWith *kernel.Error
	haltFn = func(err *kernel.Error) {
		haltedWith = err
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		input     interface{}
		expModule string
		expMsg    string
	}{
		{&kernel.Error{Module: "test", Message: "panic test"}, "test", "panic test"},
		{errors.New("go error"), "rt", "go error"},
		{"string error", "rt", "string error"},
		{42, "rt", "unknown cause"},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		haltedWith = nil

		Panic(spec.input)

		exp := "\n-----------------------------------\n[" + spec.expModule + "] unrecoverable error: " + spec.expMsg + "\n*** kernel panic: system halted ***\n-----------------------------------\n"
		require.Equal(t, exp, buf.String(), "spec %d", specIndex)
		require.NotNil(t, haltedWith, "spec %d", specIndex)
		require.Equal(t, spec.expMsg, haltedWith.Message)
	}
}

func TestPanicHaltsByDefault(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(&bytes.Buffer{})

	err := &kernel.Error{Module: "test", Message: "halt"}
	require.PanicsWithValue(t, err, func() { Panic(err) })
}
