package record

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Parser turns one structured input into an ordered record sequence.
type Parser interface {
	Formats() []string
	Parse(r io.Reader) ([]Record, error)
}

// Registry resolves parsers by format (lowercase file extension without the dot).
type Registry struct {
	parsers map[string]Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry knows csv, tsv, json, yaml and yml.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&delimitedParser{format: "csv", comma: ','},
		&delimitedParser{format: "tsv", comma: '\t'},
		&jsonParser{},
		&yamlParser{},
	)
}

// Register adds p under each of its formats, replacing earlier registrations.
func (r *Registry) Register(p Parser) {
	for _, f := range p.Formats() {
		r.parsers[strings.ToLower(f)] = p
	}
}

func (r *Registry) Lookup(format string) (Parser, bool) {
	p, ok := r.parsers[strings.ToLower(format)]
	return p, ok
}

// ParseFile parses the file at name with the parser registered for its extension.
func (r *Registry) ParseFile(fsys afero.Fs, name string) ([]Record, error) {
	format := FormatOf(name)
	parser, ok := r.Lookup(format)
	if !ok {
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := parser.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", format, err)
	}
	return records, nil
}

// Rows converts records to the plain maps templates receive.
func Rows(records []Record) []map[string]any {
	rows := make([]map[string]any, len(records))
	for i, r := range records {
		rows[i] = map[string]any(r)
	}
	return rows
}

func (r *Registry) Formats() []string {
	formats := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		formats = append(formats, f)
	}
	slices.Sort(formats)
	return formats
}

// FormatOf returns the format key of a path.
func FormatOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// -----------------------------------------------------------------------------
// Delimited (csv, tsv)
// -----------------------------------------------------------------------------

type delimitedParser struct {
	format string
	comma  rune
}

func (p *delimitedParser) Formats() []string {
	return []string{p.format}
}

// Parse uses the first row as field names. Values stay strings.
func (p *delimitedParser) Parse(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.Comma = p.comma
	reader.Comment = '#'
	if p.comma == '\t' {
		reader.LazyQuotes = true
	}
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if header[i] == "" {
			return nil, fmt.Errorf("header column %d is empty", i+1)
		}
	}
	records := []Record{}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := make(Record, len(header))
		for i, name := range header {
			rec[name] = row[i]
		}
		records = append(records, rec)
	}
	return records, nil
}

// -----------------------------------------------------------------------------
// JSON
// -----------------------------------------------------------------------------

type jsonParser struct{}

func (p *jsonParser) Formats() []string {
	return []string{"json"}
}

func (p *jsonParser) Parse(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []Record{}, nil
		}
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("unexpected data after top-level value")
	}
	return toRecords(normalize(doc))
}

// -----------------------------------------------------------------------------
// YAML
// -----------------------------------------------------------------------------

type yamlParser struct{}

func (p *yamlParser) Formats() []string {
	return []string{"yaml", "yml"}
}

func (p *yamlParser) Parse(r io.Reader) ([]Record, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []Record{}, nil
		}
		return nil, err
	}
	return toRecords(normalize(doc))
}

// toRecords accepts a sequence of mappings or a single mapping.
func toRecords(doc any) ([]Record, error) {
	switch v := doc.(type) {
	case nil:
		return []Record{}, nil
	case map[string]any:
		return []Record{Record(v)}, nil
	case []any:
		records := make([]Record, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("item %d: expected a mapping, got %T", i, item)
			}
			records = append(records, Record(m))
		}
		return records, nil
	default:
		return nil, fmt.Errorf("expected a list of mappings or a mapping, got %T", doc)
	}
}

// normalize converts decoder specific types into plain Go values:
// string keyed maps, []any, int64 or float64 numbers.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return int64(t)
	default:
		return v
	}
}
