//go:build release

package kernel

// DebugChecks is disabled for release builds.
const DebugChecks = false
