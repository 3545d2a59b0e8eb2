package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xhit/go-str2duration/v2"
)

// Command is either a shell line or an argument vector.
type Command struct {
	Line string
	Args []string
}

func (c Command) IsZero() bool {
	return c.Line == "" && len(c.Args) == 0
}

func (c Command) String() string {
	if c.Line != "" {
		return c.Line
	}
	return strings.Join(c.Args, " ")
}

func (c Command) MarshalJSON() ([]byte, error) {
	if c.Line != "" || len(c.Args) == 0 {
		return json.Marshal(c.Line)
	}
	return json.Marshal(c.Args)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		*c = Command{Line: line}
		return nil
	}
	var args []string
	if err := json.Unmarshal(data, &args); err != nil {
		return fmt.Errorf("cmd must be a string or a list of strings")
	}
	*c = Command{Args: args}
	return nil
}

func (c Command) MarshalYAML() (any, error) {
	if c.Line != "" || len(c.Args) == 0 {
		return c.Line, nil
	}
	return c.Args, nil
}

// Spec is the immutable description of one unit of work.
type Spec struct {
	Name     string            `json:"name"               yaml:"name"               mapstructure:"name"     validate:"required" jsonschema:"required"`
	Cmd      Command           `json:"cmd"                yaml:"cmd,omitempty"      mapstructure:"cmd"`
	Stdin    string            `json:"stdin,omitempty"    yaml:"stdin,omitempty"    mapstructure:"stdin"`
	After    []string          `json:"after,omitempty"    yaml:"after,omitempty"    mapstructure:"after"    validate:"dive,required"`
	Before   []string          `json:"before,omitempty"   yaml:"before,omitempty"   mapstructure:"before"   validate:"dive,required"`
	Inputs   []string          `json:"inputs,omitempty"   yaml:"inputs,omitempty"   mapstructure:"inputs"   validate:"dive,required"`
	Outputs  []string          `json:"outputs,omitempty"  yaml:"outputs,omitempty"  mapstructure:"outputs"  validate:"dive,required"`
	Tags     []string          `json:"tags,omitempty"     yaml:"tags,omitempty"     mapstructure:"tags"     validate:"dive,required"`
	Slots    int               `json:"slots,omitempty"    yaml:"slots,omitempty"    mapstructure:"slots"    validate:"min=0"`
	Timeout  string            `json:"timeout,omitempty"  yaml:"timeout,omitempty"  mapstructure:"timeout"`
	Retries  int               `json:"retries,omitempty"  yaml:"retries,omitempty"  mapstructure:"retries"  validate:"min=0,max=100"`
	Env      map[string]string `json:"env,omitempty"      yaml:"env,omitempty"      mapstructure:"env"`
	CPUs     int               `json:"cpus,omitempty"     yaml:"cpus,omitempty"     mapstructure:"cpus"     validate:"min=0"`
	Mem      string            `json:"mem,omitempty"      yaml:"mem,omitempty"      mapstructure:"mem"`
	Walltime string            `json:"walltime,omitempty" yaml:"walltime,omitempty" mapstructure:"walltime"`
}

var validate = validator.New()

// Validate checks struct rules plus fields that need parsing.
func (s *Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("task %q: %w", s.Name, err)
	}
	if strings.TrimSpace(s.Name) != s.Name {
		return fmt.Errorf("task %q: name has surrounding whitespace", s.Name)
	}
	if s.Cmd.IsZero() {
		return fmt.Errorf("task %q: cmd is required", s.Name)
	}
	if _, err := s.TimeoutDuration(); err != nil {
		return fmt.Errorf("task %q: %w", s.Name, err)
	}
	return nil
}

// TimeoutDuration parses Timeout. Zero means no deadline. Day and week units are accepted.
func (s *Spec) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
	}
	if d < 0 {
		return 0, errors.New("timeout must not be negative")
	}
	return d, nil
}

// SlotsOrDefault returns the slots consumed, at least one.
func (s *Spec) SlotsOrDefault() int {
	if s.Slots < 1 {
		return 1
	}
	return s.Slots
}

// Clone returns a copy sharing no slices or maps with s.
func (s *Spec) Clone() *Spec {
	out := *s
	out.Cmd.Args = slices.Clone(s.Cmd.Args)
	out.After = slices.Clone(s.After)
	out.Before = slices.Clone(s.Before)
	out.Inputs = slices.Clone(s.Inputs)
	out.Outputs = slices.Clone(s.Outputs)
	out.Tags = slices.Clone(s.Tags)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	return &out
}
