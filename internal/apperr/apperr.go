package apperr

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Kind classifies how the pipeline reacts to a failure.
type Kind string

const (
	// KindUnit: one strip or page failed; substitute empty output and continue.
	KindUnit Kind = "UNIT"
	// KindFallback: the primary path failed and a secondary path is attempted.
	KindFallback Kind = "FALLBACK"
	// KindDegraded: input was unusable and a safe default was substituted.
	KindDegraded Kind = "DEGRADED"
	// KindFatal: the request cannot continue.
	KindFatal Kind = "FATAL"
)

// Stage names the pipeline step an error originated in.
type Stage string

const (
	StageSave      Stage = "save"
	StageInspect   Stage = "inspect"
	StageSelect    Stage = "select"
	StageRasterize Stage = "rasterize"
	StageTile      Stage = "tile"
	StageRecognize Stage = "recognize"
	StageMerge     Stage = "merge"
	StageFinalize  Stage = "finalize"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind  Kind
	Stage Stage
	Page  int // 0 when not page scoped
	Strip int // 0 when not strip scoped
	Cause error
	Stack []byte // goroutine stack where a fatal error was raised
}

func (e *Error) Error() string {
	scope := string(e.Stage)
	if e.Page > 0 {
		scope += fmt.Sprintf(" page %d", e.Page)
	}
	if e.Strip > 0 {
		scope += fmt.Sprintf(" strip %d", e.Strip)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, scope, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, scope)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Unit wraps a per-page or per-strip failure.
func Unit(stage Stage, page, strip int, cause error) *Error {
	return &Error{Kind: KindUnit, Stage: stage, Page: page, Strip: strip, Cause: cause}
}

// Fallback marks a primary-path failure that triggered a secondary path.
func Fallback(stage Stage, page int, cause error) *Error {
	return &Error{Kind: KindFallback, Stage: stage, Page: page, Cause: cause}
}

// Degraded marks an input that was replaced by a default.
func Degraded(stage Stage, cause error) *Error {
	return &Error{Kind: KindDegraded, Stage: stage, Cause: cause}
}

// Fatal marks a failure that terminates the request and records the
// calling goroutine's stack.
func Fatal(stage Stage, cause error) *Error {
	return &Error{Kind: KindFatal, Stage: stage, Cause: cause, Stack: debug.Stack()}
}

// StackOf returns the stack recorded by the outermost fatal error in err's
// chain, or nil.
func StackOf(err error) []byte {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return nil
		}
		if e.Kind == KindFatal && len(e.Stack) > 0 {
			return e.Stack
		}
		err = e.Cause
	}
	return nil
}

// KindOf returns the classification of err. Unclassified errors are fatal:
// anything that escaped every per-unit guard ends the request.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}
