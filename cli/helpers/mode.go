package helpers

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Mode is how a command presents its results.
type Mode string

const (
	// ModeTUI renders styled tables and summaries for a terminal.
	ModeTUI Mode = "tui"
	// ModeJSON writes machine readable JSON to stdout.
	ModeJSON Mode = "json"
)

// isRunningInCI checks if we're running in a CI/CD environment
func isRunningInCI() bool {
	if os.Getenv("CI") != "" {
		return true
	}
	ciVars := []string{
		"JENKINS_HOME",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"CIRCLECI",
		"BUILDKITE",
		"DRONE",
		"TF_BUILD",
		"SLURM_JOB_ID", // batch jobs have no terminal either
		"CONTINUOUS_INTEGRATION",
	}
	for _, v := range ciVars {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// explicitMode reads the --format flag. "auto" and unknown values defer to detection.
func explicitMode(cmd *cobra.Command) (Mode, bool) {
	format, err := cmd.Flags().GetString(FormatFlag)
	if err != nil {
		return ModeTUI, false
	}
	switch OutputFormat(format) {
	case OutputFormatJSON:
		return ModeJSON, true
	case OutputFormatTUI, OutputFormatTable:
		return ModeTUI, true
	default:
		return ModeTUI, false
	}
}

// DetectMode picks the output mode from --format, falling back to JSON when
// stdout is not an interactive terminal.
func DetectMode(cmd *cobra.Command) Mode {
	if mode, ok := explicitMode(cmd); ok {
		return mode
	}
	if isRunningInCI() || !isTerminal(os.Stdout.Fd()) {
		return ModeJSON
	}
	if term := os.Getenv("TERM"); term == "dumb" {
		return ModeJSON
	}
	return ModeTUI
}

// ShouldUseColor determines if colored output should be used
func ShouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if !isTerminal(os.Stdout.Fd()) || isRunningInCI() {
		return false
	}
	term := os.Getenv("TERM")
	return term != "dumb" && term != ""
}
