package core

import (
	"os"
	"path/filepath"
)

const StoreDirName = ".flowline"

func GetVersion() string {
	if version := os.Getenv("FLOWLINE_VERSION"); version != "" {
		return version
	}
	return "v0"
}

func GetStoreDir(cwd string) string {
	if cwd == "" {
		return StoreDirName
	}
	return filepath.Join(cwd, StoreDirName)
}

// -----------------------------------------------------------------------------
// Task Status
// -----------------------------------------------------------------------------

type StatusType string

const (
	StatusPending  StatusType = "pending"
	StatusReady    StatusType = "ready"
	StatusRunning  StatusType = "running"
	StatusComplete StatusType = "complete"
	StatusFailed   StatusType = "failed"
	StatusSkipped  StatusType = "skipped"
	StatusCanceled StatusType = "canceled"
)

func (s StatusType) String() string {
	return string(s)
}

func (s StatusType) IsValid() bool {
	switch s {
	case StatusPending, StatusReady, StatusRunning, StatusComplete,
		StatusFailed, StatusSkipped, StatusCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusSkipped, StatusCanceled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Run Status
// -----------------------------------------------------------------------------

type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
)

func (s RunStatus) String() string {
	return string(s)
}

func (s RunStatus) IsTerminal() bool {
	return s == RunComplete || s == RunFailed || s == RunCanceled
}

// -----------------------------------------------------------------------------
// Run Origin
// -----------------------------------------------------------------------------

type RunOrigin string

const (
	OriginStart  RunOrigin = "start"
	OriginRetry  RunOrigin = "retry"
	OriginResume RunOrigin = "resume"
)

func (o RunOrigin) String() string {
	return string(o)
}
