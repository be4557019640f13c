package service

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const maxStackFrames = 8

// PanicError is a job panic recovered by the controller.
type PanicError struct {
	Value any
	// Stack is a redacted excerpt: function and file base name per frame.
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}

// redactedStack returns at most limit frames of the calling goroutine,
// skipping runtime frames. Directories and package paths are stripped.
func redactedStack(skip, limit int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	lines := make([]string, 0, limit)
	for len(lines) < limit {
		f, more := frames.Next()
		if f.Function != "" && !strings.HasPrefix(f.Function, "runtime.") {
			lines = append(lines, fmt.Sprintf("%s (%s:%d)", shortFunc(f.Function), filepath.Base(f.File), f.Line))
		}
		if !more {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func shortFunc(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
