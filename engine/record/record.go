package record

import (
	"slices"

	"github.com/mohae/deepcopy"
)

// Record is one normalized row or entity of a structured input.
type Record map[string]any

// Collection is the ordered record sequence of one source.
type Collection struct {
	Name    string
	Source  string
	Records []Record
}

// Context maps collection names to collections. It is the rendering context
// and is rebuilt from disk on every load.
type Context struct {
	collections map[string]*Collection
}

func NewContext() *Context {
	return &Context{collections: make(map[string]*Collection)}
}

func (c *Context) Get(name string) (*Collection, bool) {
	col, ok := c.collections[name]
	return col, ok
}

func (c *Context) Len() int {
	return len(c.collections)
}

// Names returns collection names in sorted order.
func (c *Context) Names() []string {
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Clone returns a deep copy so renderers cannot mutate shared records.
func (c *Context) Clone() *Context {
	out := NewContext()
	for name, col := range c.collections {
		records := make([]Record, len(col.Records))
		for i, r := range col.Records {
			records[i] = deepcopy.Copy(r).(Record)
		}
		out.collections[name] = &Collection{Name: col.Name, Source: col.Source, Records: records}
	}
	return out
}

// Data exposes collections as template data: name -> []map[string]any.
func (c *Context) Data() map[string]any {
	data := make(map[string]any, len(c.collections))
	for name, col := range c.Clone().collections {
		data[name] = Rows(col.Records)
	}
	return data
}
