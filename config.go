// config.go - Runtime configuration for the deoptimization handler
package deopt

import "github.com/xyproto/env/v2"

// HandlerConfig generalizes a compiled-in runtime-checks toggle set
// (the kind of structure that gates null-pointer and stack-alignment
// guards in a codegen backend) into the handler's own set of debugging
// and strictness toggles.
type HandlerConfig struct {
	// StrictLocationChecks decides what placement does with a
	// destination Location of unknown kind: strict mode fails with a
	// fatal error, otherwise that destination is skipped. ParseSideTable
	// rejects unknown kinds whatever this setting is, so only a table
	// not produced by the parser can reach that case.
	StrictLocationChecks bool

	// ValidateFramePairing asserts, before placement, that every
	// frame's optimized and twin location arrays have equal length —
	// making the round-trip property a runtime check instead of just
	// something exercised by tests.
	ValidateFramePairing bool

	// TraceFrames enables verbose frame-by-frame logging during stack
	// assembly (CallStackState.dumpTrace, frameValidator, scratchBuffer
	// commit/release messages).
	TraceFrames bool
}

// DefaultHandlerConfig holds conservative, low-overhead defaults
// suitable for production use, with diagnostics opt-in.
var DefaultHandlerConfig = HandlerConfig{
	StrictLocationChecks: true,
	ValidateFramePairing: true,
	TraceFrames:          false,
}

// currentConfig is read by the handler on each invocation. Swapping it
// is not goroutine-safe, matching the single-threaded execution model
// the handler runs under.
var currentConfig = loadConfigFromEnv()

// loadConfigFromEnv reads DEOPT_STRICT / DEOPT_VALIDATE_PAIRING /
// DEOPT_TRACE_FRAMES via github.com/xyproto/env/v2.
func loadConfigFromEnv() HandlerConfig {
	cfg := DefaultHandlerConfig
	if env.Has("DEOPT_STRICT") {
		cfg.StrictLocationChecks = env.Bool("DEOPT_STRICT")
	}
	if env.Has("DEOPT_VALIDATE_PAIRING") {
		cfg.ValidateFramePairing = env.Bool("DEOPT_VALIDATE_PAIRING")
	}
	if env.Has("DEOPT_TRACE_FRAMES") {
		cfg.TraceFrames = env.Bool("DEOPT_TRACE_FRAMES")
	}
	return cfg
}

func traceFramesEnabled() bool   { return currentConfig.TraceFrames }
func strictLocationChecks() bool { return currentConfig.StrictLocationChecks }
