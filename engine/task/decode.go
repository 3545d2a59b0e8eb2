package task

import (
	"fmt"
	"reflect"

	"dario.cat/mergo"
	"github.com/go-viper/mapstructure/v2"
)

// Document is the shape of a rendered template: either a bare task list or
// a mapping with shared defaults.
type Document struct {
	Defaults map[string]any `mapstructure:"defaults"`
	Tasks    []any          `mapstructure:"tasks"`
}

// commandHook decodes a string or a list into a Command.
func commandHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Command{}) {
		return data, nil
	}
	switch v := data.(type) {
	case Command:
		return v, nil
	case string:
		return Command{Line: v}, nil
	case []string:
		return Command{Args: v}, nil
	case []any:
		args := make([]string, len(v))
		for i, a := range v {
			args[i] = fmt.Sprint(a)
		}
		return Command{Args: args}, nil
	case nil:
		return Command{}, nil
	default:
		return nil, fmt.Errorf("cmd must be a string or a list, got %T", data)
	}
}

// FromMap decodes one rendered task mapping. Unknown keys are rejected.
func FromMap(m map[string]any) (*Spec, error) {
	spec := &Spec{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           spec,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(commandHook, mapstructure.StringToSliceHookFunc(",")),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		name, _ := m["name"].(string)
		return nil, fmt.Errorf("task %q: %w", name, err)
	}
	return spec, nil
}

// ApplyDefaults fills zero fields of spec from defaults. Names are never defaulted.
func ApplyDefaults(spec, defaults *Spec) error {
	if defaults == nil {
		return nil
	}
	d := defaults.Clone()
	d.Name = ""
	if !spec.Cmd.IsZero() {
		d.Cmd = Command{}
	}
	if err := mergo.Merge(spec, *d); err != nil {
		return fmt.Errorf("task %q: failed to apply defaults: %w", spec.Name, err)
	}
	return nil
}

// DecodeDocument turns a parsed template document into validated specs in declared order.
func DecodeDocument(doc any) ([]*Spec, error) {
	var (
		items    []any
		defaults *Spec
	)
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	case map[string]any:
		var d Document
		if err := mapstructure.Decode(v, &d); err != nil {
			return nil, fmt.Errorf("invalid task document: %w", err)
		}
		if d.Defaults != nil {
			var err error
			if defaults, err = FromMap(d.Defaults); err != nil {
				return nil, fmt.Errorf("invalid defaults: %w", err)
			}
		}
		items = d.Tasks
	default:
		return nil, fmt.Errorf("task document must be a list or a mapping, got %T", doc)
	}
	specs := make([]*Spec, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("task %d: expected a mapping, got %T", i, item)
		}
		spec, err := FromMap(m)
		if err != nil {
			return nil, err
		}
		if err := ApplyDefaults(spec, defaults); err != nil {
			return nil, err
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
