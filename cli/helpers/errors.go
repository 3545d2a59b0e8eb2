package helpers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/flowline/flowline/engine/core"
)

// CliError represents a CLI-specific error with enhanced context
type CliError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   string         `json:"details,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	cause     error
}

func (e *CliError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CliError) Unwrap() error {
	return e.cause
}

// NewCliError creates a new CLI error with context
func NewCliError(code, message string, details ...string) *CliError {
	err := &CliError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// WithContext adds context to the error
func (e *CliError) WithContext(key string, value any) *CliError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CategorizeError converts engine errors into CLI errors keyed by their code.
func CategorizeError(err error) *CliError {
	if err == nil {
		return nil
	}
	var cliErr *CliError
	if errors.As(err, &cliErr) {
		return cliErr
	}
	var out *CliError
	switch {
	case errors.Is(err, context.Canceled):
		out = NewCliError("OPERATION_CANCELED", "Operation was canceled by user")
	case errors.Is(err, core.ErrNotProject):
		out = NewCliError("NOT_A_PROJECT", "No flowline project found", "run 'flowline init' first")
	default:
		code := core.CodeOf(err)
		if code == "" {
			code = "UNEXPECTED_ERROR"
		}
		out = NewCliError(code, err.Error())
	}
	out.cause = err
	return out
}

// FormatError formats errors based on output mode
func FormatError(err error, mode Mode) string {
	if err == nil {
		return ""
	}
	cliErr := CategorizeError(err)
	if mode == ModeJSON {
		data, jerr := json.MarshalIndent(map[string]any{
			"error":   cliErr.Message,
			"code":    cliErr.Code,
			"details": cliErr.Details,
		}, "", "  ")
		if jerr != nil {
			return `{"error": "JSON marshaling failed", "details": ""}`
		}
		return string(data)
	}
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	out := fmt.Sprintf("✗ %s", style.Render(cliErr.Message))
	if cliErr.Details != "" {
		detail := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
		out += "\n" + detail.Render("Details: "+cliErr.Details)
	}
	return out
}

// OutputError writes err to w in the format of mode.
func OutputError(w io.Writer, err error, mode Mode) {
	if err == nil {
		return
	}
	fmt.Fprintln(w, FormatError(err, mode))
}
