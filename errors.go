package deopt

import "fmt"

// ErrorLevel indicates the severity of a deopt diagnostic. The running
// guard-failure handler only ever raises LevelFatal, since there is no
// local recovery once stack assembly has begun; the lower levels exist
// for the build-time instrumentation passes, which degrade to a no-op
// transform on error instead of aborting.
type ErrorLevel int

const (
	LevelWarning ErrorLevel = iota
	LevelError
	LevelFatal
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies a DeoptError by which component raised it,
// generalizing a syntax/semantic/codegen/internal split to the error
// kinds a deoptimization runtime actually raises.
type ErrorCategory int

const (
	CategorySideTable ErrorCategory = iota // side-table parse/decode, missing record
	CategoryLocation                       // unknown location kind, invalid register number, indirect un-implemented, location-size mismatch
	CategoryStackWalk                      // call-stack walker / twin_lookup failure
	CategoryInline                         // inlined-frame detection/synthesis
	CategoryAssembly                       // stack assembly / jump trampoline
)

func (c ErrorCategory) String() string {
	switch c {
	case CategorySideTable:
		return "side-table"
	case CategoryLocation:
		return "location"
	case CategoryStackWalk:
		return "stack-walk"
	case CategoryInline:
		return "inline"
	case CategoryAssembly:
		return "assembly"
	default:
		return "unknown"
	}
}

// DeoptError is a diagnostic raised anywhere in the deopt package. At
// LevelFatal it is always the last thing the handler does before it
// aborts: a partially-restored stack cannot be reverted, so there is no
// recovery path once one of these is constructed for the running
// handler.
type DeoptError struct {
	Level        ErrorLevel
	Category     ErrorCategory
	Message      string
	PatchpointID int64 // -1 if not applicable
	FunctionName string
}

func (e *DeoptError) Error() string {
	if e.FunctionName != "" {
		return fmt.Sprintf("%s (%s) in %s: %s", e.Level, e.Category, e.FunctionName, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Level, e.Category, e.Message)
}

// newFatal constructs a fatal DeoptError. Every unrecoverable guard-
// failure condition is constructed this way.
func newFatal(cat ErrorCategory, message string) *DeoptError {
	return &DeoptError{Level: LevelFatal, Category: cat, Message: message, PatchpointID: -1}
}

func newFatalf(cat ErrorCategory, format string, args ...interface{}) *DeoptError {
	return newFatal(cat, fmt.Sprintf(format, args...))
}

// withPatchpoint annotates a DeoptError with the patchpoint identifier
// that was being resolved when it fired, so every fatal path can report
// the failing id.
func (e *DeoptError) withPatchpoint(id int64) *DeoptError {
	e.PatchpointID = id
	return e
}

func (e *DeoptError) withFunction(name string) *DeoptError {
	e.FunctionName = name
	return e
}
