package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flowline/flowline/engine/core"
)

var (
	ErrDuplicateTask      = errors.New("duplicate task")
	ErrDanglingDependency = errors.New("dangling dependency")
	ErrCyclicDependency   = errors.New("cyclic dependency")
)

// GraphError is a build failure. It unwraps to one of the sentinels above.
type GraphError struct {
	Kind  error
	Task  string
	Ref   string
	Field string
	Cycle []string
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case ErrDuplicateTask:
		return fmt.Sprintf("%s: %q is declared more than once", e.Kind, e.Task)
	case ErrDanglingDependency:
		return fmt.Sprintf("%s: task %q %s %q matches no task name, tag or output", e.Kind, e.Task, e.Field, e.Ref)
	case ErrCyclicDependency:
		return fmt.Sprintf("%s: %s", e.Kind, strings.Join(e.Cycle, " -> "))
	default:
		return fmt.Sprintf("graph error: task %q", e.Task)
	}
}

func (e *GraphError) Unwrap() error {
	return e.Kind
}

func (e *GraphError) ErrorCode() string {
	switch e.Kind {
	case ErrDuplicateTask:
		return core.ErrCodeDuplicateTask
	case ErrDanglingDependency:
		return core.ErrCodeDanglingDependency
	case ErrCyclicDependency:
		return core.ErrCodeCyclicDependency
	default:
		return ""
	}
}
