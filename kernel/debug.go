//go:build !release

package kernel

// DebugChecks enables the invariant assertions of the allocators and the
// scheduler. Building with the release tag compiles them out; callers must not
// rely on them being checked in that configuration.
const DebugChecks = true
