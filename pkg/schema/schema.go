// Package schema provides the curated schema catalog and the allow-list
// registry. Both are loaded once at startup and are read-only afterwards,
// so they are safe for unsynchronized concurrent reads.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/txn2/mcp-nlsql/pkg/config"
)

// ObjectKind distinguishes tables from views.
type ObjectKind string

const (
	// KindTable is a base table.
	KindTable ObjectKind = "table"

	// KindView is a view.
	KindView ObjectKind = "view"
)

// Column describes a column of an allow-listed object.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Object describes one allow-listed table or view.
type Object struct {
	// Name is the schema-qualified object name, e.g. "Sales.SalesOrderHeader".
	Name        string     `json:"name"`
	Kind        ObjectKind `json:"kind"`
	Description string     `json:"description,omitempty"`
	PrimaryKey  []string   `json:"primary_key,omitempty"`
	Columns     []Column   `json:"columns"`
}

// HasColumn reports whether the object declares the named column.
func (o *Object) HasColumn(name string) bool {
	for _, c := range o.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// Catalog is the schema context provider and allow-list registry.
type Catalog struct {
	defaultSchema string
	objects       []*Object
	byName        map[string]*Object // upper-cased qualified name
}

// systemSchemaPrefixes are object prefixes that are never allow-listed,
// regardless of configuration.
var systemSchemaPrefixes = []string{
	"sys.", "information_schema.", "master.", "msdb.", "model.", "tempdb.",
}

// NewCatalog builds a catalog from configuration.
func NewCatalog(cfg config.SchemaConfig) (*Catalog, error) {
	c := &Catalog{
		defaultSchema: cfg.DefaultSchema,
		byName:        make(map[string]*Object, len(cfg.Objects)),
	}
	if c.defaultSchema == "" {
		c.defaultSchema = "dbo"
	}

	for _, oc := range cfg.Objects {
		obj, err := objectFromConfig(oc)
		if err != nil {
			return nil, err
		}
		key := strings.ToUpper(obj.Name)
		if _, dup := c.byName[key]; dup {
			return nil, fmt.Errorf("duplicate allow-list object %q", obj.Name)
		}
		for _, prefix := range systemSchemaPrefixes {
			if strings.HasPrefix(strings.ToLower(obj.Name), prefix) {
				return nil, fmt.Errorf("system object %q cannot be allow-listed", obj.Name)
			}
		}
		c.objects = append(c.objects, obj)
		c.byName[key] = obj
	}

	return c, nil
}

func objectFromConfig(oc config.ObjectConfig) (*Object, error) {
	if oc.Name == "" {
		return nil, fmt.Errorf("allow-list object without a name")
	}
	kind := ObjectKind(oc.Kind)
	if kind == "" {
		kind = KindTable
	}
	if kind != KindTable && kind != KindView {
		return nil, fmt.Errorf("object %q: unknown kind %q", oc.Name, oc.Kind)
	}

	obj := &Object{
		Name:        oc.Name,
		Kind:        kind,
		Description: oc.Description,
		PrimaryKey:  oc.PrimaryKey,
	}
	for _, cc := range oc.Columns {
		obj.Columns = append(obj.Columns, Column{
			Name:        cc.Name,
			Type:        cc.Type,
			Description: cc.Description,
		})
	}
	for _, pk := range obj.PrimaryKey {
		if !obj.HasColumn(pk) {
			return nil, fmt.Errorf("object %q: primary key column %q is not declared", obj.Name, pk)
		}
	}
	return obj, nil
}

// DefaultSchema returns the schema used to qualify bare object names.
func (c *Catalog) DefaultSchema() string {
	return c.defaultSchema
}

// Objects returns all allow-listed objects in declaration order.
func (c *Catalog) Objects() []*Object {
	return c.objects
}

// Names returns all allow-listed qualified names in declaration order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.objects))
	for _, o := range c.objects {
		names = append(names, o.Name)
	}
	return names
}

// Lookup resolves a referenced object name against the allow-list.
// Matching is case-insensitive; unqualified names are resolved against
// the default schema. The second return is false when the object is not
// allow-listed.
func (c *Catalog) Lookup(name string) (*Object, bool) {
	key := strings.ToUpper(name)
	if obj, ok := c.byName[key]; ok {
		return obj, true
	}
	if !strings.Contains(name, ".") {
		if obj, ok := c.byName[strings.ToUpper(c.defaultSchema+"."+name)]; ok {
			return obj, true
		}
	}
	return nil, false
}

// IsSystemObject reports whether the name references a reserved system
// schema or database, which is rejected before any allow-list lookup.
func IsSystemObject(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range systemSchemaPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// UniqueOrderingColumns returns the columns of the object that are provably
// unique per the declared schema, i.e. the primary key columns. An ORDER BY
// that includes any of these yields deterministic pagination.
func (c *Catalog) UniqueOrderingColumns(obj *Object) []string {
	return obj.PrimaryKey
}

// ContextFor renders a bounded textual description of the allowed objects
// for prompt embedding, narrowed by keyword hints extracted from the
// question. When no hint matches any object, the full catalog is rendered.
func (c *Catalog) ContextFor(hints []string) string {
	selected := c.matchHints(hints)
	if len(selected) == 0 {
		selected = c.objects
	}

	var b strings.Builder
	for _, obj := range selected {
		b.WriteString(obj.Name)
		b.WriteString(" (")
		b.WriteString(string(obj.Kind))
		b.WriteString(")")
		if obj.Description != "" {
			b.WriteString(": ")
			b.WriteString(obj.Description)
		}
		b.WriteString("\n  Columns: ")
		cols := make([]string, 0, len(obj.Columns))
		for _, col := range obj.Columns {
			cols = append(cols, col.Name+" "+col.Type)
		}
		b.WriteString(strings.Join(cols, ", "))
		if len(obj.PrimaryKey) > 0 {
			b.WriteString("\n  Primary key: ")
			b.WriteString(strings.Join(obj.PrimaryKey, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// matchHints selects objects whose name, description or columns mention any
// of the hint keywords. Hints shorter than three characters are ignored to
// keep stop words from matching everything.
func (c *Catalog) matchHints(hints []string) []*Object {
	if len(hints) == 0 {
		return nil
	}

	matched := make(map[string]*Object)
	for _, hint := range hints {
		hint = strings.ToLower(strings.TrimSpace(hint))
		if len(hint) < 3 {
			continue
		}
		for _, obj := range c.objects {
			if objectMatches(obj, hint) {
				matched[obj.Name] = obj
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}

	// Preserve declaration order for stable prompts.
	selected := make([]*Object, 0, len(matched))
	for _, obj := range c.objects {
		if _, ok := matched[obj.Name]; ok {
			selected = append(selected, obj)
		}
	}
	return selected
}

func objectMatches(obj *Object, hint string) bool {
	if strings.Contains(strings.ToLower(obj.Name), hint) {
		return true
	}
	if strings.Contains(strings.ToLower(obj.Description), hint) {
		return true
	}
	for _, col := range obj.Columns {
		if strings.Contains(strings.ToLower(col.Name), hint) {
			return true
		}
	}
	return false
}

// ExtractHints splits a natural-language question into candidate hint
// keywords for ContextFor.
func ExtractHints(question string) []string {
	fields := strings.FieldsFunc(question, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	hints := make([]string, 0, len(fields))
	for _, f := range fields {
		key := strings.ToLower(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		hints = append(hints, f)
	}
	sort.SliceStable(hints, func(i, j int) bool { return len(hints[i]) > len(hints[j]) })
	return hints
}
