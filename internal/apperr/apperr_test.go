package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfClassifiedErrors(t *testing.T) {
	cause := errors.New("pdftoppm exited 1")

	cases := []struct {
		err  error
		want Kind
	}{
		{Unit(StageRasterize, 3, 0, cause), KindUnit},
		{Fallback(StageRasterize, 3, cause), KindFallback},
		{Degraded(StageSelect, cause), KindDegraded},
		{Fatal(StageSave, cause), KindFatal},
		{fmt.Errorf("wrapped: %w", Unit(StageRecognize, 1, 2, cause)), KindUnit},
		{cause, KindFatal},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Fatalf("KindOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
	if KindOf(nil) != "" {
		t.Fatalf("expected empty kind for nil error")
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(nil) {
		t.Fatalf("nil error must not be fatal")
	}
	if IsFatal(Unit(StageRecognize, 1, 1, context.DeadlineExceeded)) {
		t.Fatalf("unit error must not be fatal")
	}
	if !IsFatal(Fatal(StageSave, errors.New("disk full"))) {
		t.Fatalf("expected fatal error")
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	err := Unit(StageRecognize, 2, 5, context.DeadlineExceeded)
	msg := err.Error()
	if !strings.Contains(msg, "recognize page 2 strip 5") {
		t.Fatalf("unexpected message: %q", msg)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to unwrap")
	}
}

func TestFatalRecordsStack(t *testing.T) {
	err := fmt.Errorf("stage failed: %w", Fatal(StageSave, errors.New("disk full")))
	stack := string(StackOf(err))
	if !strings.Contains(stack, "goroutine") || !strings.Contains(stack, "TestFatalRecordsStack") {
		t.Fatalf("stack missing caller: %q", stack)
	}
	if StackOf(Unit(StageTile, 1, 0, errors.New("x"))) != nil {
		t.Fatalf("unit errors carry no stack")
	}
	if StackOf(errors.New("plain")) != nil {
		t.Fatalf("plain errors carry no stack")
	}
}
