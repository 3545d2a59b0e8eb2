package core

import (
	"errors"
	"fmt"
)

// Error codes
const (
	ErrCodeConfig             = "CONFIG_ERROR"
	ErrCodeRender             = "RENDER_ERROR"
	ErrCodeDuplicateTask      = "DUPLICATE_TASK"
	ErrCodeDanglingDependency = "DANGLING_DEPENDENCY"
	ErrCodeCyclicDependency   = "CYCLIC_DEPENDENCY"
	ErrCodeTaskExecution      = "TASK_EXECUTION_ERROR"
	ErrCodeIndexIO            = "INDEX_IO_ERROR"
)

// Error is a coded failure. Source names the file, template, task or run at fault.
type Error struct {
	Code    string
	Source  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Source != "" {
		return fmt.Sprintf("%s: %s", e.Source, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ErrorCode() string {
	return e.Code
}

func NewError(code, source string, err error) *Error {
	return &Error{Code: code, Source: source, Err: err}
}

func NewErrorf(code, source, format string, args ...any) *Error {
	return &Error{Code: code, Source: source, Message: fmt.Sprintf(format, args...)}
}

// Common error constructors
func NewConfigError(source string, err error) *Error {
	return NewError(ErrCodeConfig, source, err)
}

func NewRenderError(source string, err error) *Error {
	return NewError(ErrCodeRender, source, err)
}

func NewIndexError(source string, err error) *Error {
	return NewError(ErrCodeIndexIO, source, err)
}

type coded interface {
	ErrorCode() string
}

// CodeOf returns the code of the first coded error in err's chain.
func CodeOf(err error) string {
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
