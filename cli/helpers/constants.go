package helpers

// OutputFormat represents different output formats
type OutputFormat string

const (
	OutputFormatAuto  OutputFormat = "auto"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
	OutputFormatTUI   OutputFormat = "tui"
)

// Persistent flag names shared by every command.
const (
	CWDFlag       = "cwd"
	ConfigFlag    = "config"
	FormatFlag    = "format"
	LogLevelFlag  = "log-level"
	LogJSONFlag   = "log-json"
	LogSourceFlag = "log-source"
)

const (
	dateTimeFormat = "2006-01-02 15:04:05"
	// defaultTerminalWidth applies when stdout is not a terminal.
	defaultTerminalWidth = 120
)
