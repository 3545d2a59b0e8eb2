package project

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/record"
)

// VarType selects how the text of a template variable is converted.
type VarType string

const (
	VarString VarType = "str"
	VarInt    VarType = "int"
	VarFloat  VarType = "float"
	VarBool   VarType = "bool"
	VarJSON   VarType = "json"
	VarYAML   VarType = "yaml"
	// VarFile loads a data file in any record format; the variable holds its records.
	VarFile VarType = "file"
)

// DefaultTypeSeparator separates the type from the key in "int:count=3".
const DefaultTypeSeparator = ":"

// VarParser reads template variables written as [type<sep>]key=value.
type VarParser struct {
	sep      string
	fs       afero.Fs
	registry *record.Registry
}

// NewVarParser returns a parser using sep between type and key. Files are
// read from the OS filesystem with the default record formats.
func NewVarParser(sep string) *VarParser {
	if sep == "" {
		sep = DefaultTypeSeparator
	}
	return &VarParser{sep: sep, fs: afero.NewOsFs(), registry: record.DefaultRegistry()}
}

// WithFs replaces the filesystem file variables are read from.
func (vp *VarParser) WithFs(fsys afero.Fs) *VarParser {
	vp.fs = fsys
	return vp
}

// Parse converts pairs in order. Later pairs override earlier ones.
func (vp *VarParser) Parse(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		typ := VarString
		if t, k, typed := strings.Cut(key, vp.sep); typed {
			typ, key = VarType(strings.TrimSpace(t)), k
		}
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, core.NewErrorf(core.ErrCodeConfig, pair, "expected [type%s]key=value", vp.sep)
		}
		value, err := vp.convert(typ, raw)
		if err != nil {
			return nil, core.NewConfigError(pair, err)
		}
		vars[key] = value
	}
	return vars, nil
}

func (vp *VarParser) convert(typ VarType, raw string) (any, error) {
	switch typ {
	case VarString:
		return raw, nil
	case VarInt:
		return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	case VarFloat:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case VarBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case VarJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return v, nil
	case VarYAML:
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		return v, nil
	case VarFile:
		records, err := vp.registry.ParseFile(vp.fs, raw)
		if err != nil {
			return nil, err
		}
		return record.Rows(records), nil
	default:
		return nil, fmt.Errorf("unknown variable type %q", typ)
	}
}

// LoadVarFile reads a YAML or JSON mapping of template variables.
func LoadVarFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewConfigError(path, err)
	}
	vars := map[string]any{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, core.NewConfigError(path, fmt.Errorf("variables must be a mapping: %w", err))
	}
	return vars, nil
}

// MergeVars layers variable sets. Keys of later sets win.
func MergeVars(sets ...map[string]any) (map[string]any, error) {
	out := map[string]any{}
	for _, set := range sets {
		if err := mergo.Merge(&out, set, mergo.WithOverride); err != nil {
			return nil, core.NewConfigError("vars", err)
		}
	}
	return out, nil
}
