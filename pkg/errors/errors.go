// Package errors annotates errors with the place they were wrapped at.
//
//	wrapped := xe.Wrap(err)
//
// The message of a wrapped error reads like
//
//	@ pkg.Func "file.go" l42 <- cause
//
// so a chain of wraps prints the path the error travelled.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Traced is an error remembering where it was wrapped.
type Traced struct {
	file     string
	line     int
	funcname string
	note     string
	err      error
}

func (e *Traced) File() string { return e.file }

func (e *Traced) Line() int { return e.line }

func (e *Traced) Error() string {
	where := fmt.Sprintf(`@ %s "%s" l%d`, e.funcname, filepath.Base(e.file), e.line)
	if e.note != "" {
		where += " (" + e.note + ")"
	}
	return where + " <- " + e.err.Error()
}

func (e *Traced) Unwrap() error {
	return e.err
}

// New creates an error with text, traced at the caller.
func New(text string) error {
	return trace("", errors.New(text), 1)
}

// Errorf is fmt.Errorf traced at the caller.
func Errorf(format string, args ...any) error {
	return trace("", fmt.Errorf(format, args...), 1)
}

// Wrap traces err at the caller. Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return trace("", err, 1)
}

// WrapAsOuter traces err at the caller of the caller, depth frames above.
func WrapAsOuter(err error, depth int) error {
	if err == nil {
		return nil
	}
	return trace("", err, depth+1)
}

func WrapWithNote(note string, err error) error {
	if err == nil {
		return nil
	}
	return trace(note, err, 1)
}

func trace(note string, err error, depth int) error {
	t := &Traced{funcname: "(unknown func)", file: "?", line: -1, note: note, err: err}
	pc, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return t
	}
	t.file, t.line = file, line
	if fn := runtime.FuncForPC(pc); fn != nil {
		t.funcname = fn.Name()
	}
	return t
}
