package task

import (
	"github.com/invopop/jsonschema"
)

const schemaVersion = "http://json-schema.org/draft-07/schema#"

// fileDocument mirrors Document for schema generation.
type fileDocument struct {
	Defaults map[string]any `json:"defaults,omitempty" jsonschema:"description=Task fields applied to every task that leaves them unset"`
	Tasks    []*Spec        `json:"tasks"              jsonschema:"required"`
}

// JSONSchema describes the two accepted forms of cmd.
func (Command) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Description: "Shell line run through sh -c, or an argument vector run directly",
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
}

func newReflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		Anonymous:                  true,
	}
}

// Schema returns the JSON Schema of a rendered template document: a bare
// task list or a mapping with defaults and tasks.
func Schema() *jsonschema.Schema {
	r := newReflector()
	spec := r.Reflect(&Spec{})
	spec.Version = ""
	doc := r.Reflect(&fileDocument{})
	doc.Version = ""
	return &jsonschema.Schema{
		Version:     schemaVersion,
		Title:       "flowline task document",
		Description: "A rendered template: a list of tasks or a mapping with defaults and tasks",
		OneOf: []*jsonschema.Schema{
			{Type: "array", Items: spec},
			doc,
		},
	}
}
