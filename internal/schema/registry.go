package schema

import (
	"fmt"
	"sort"
)

// Registry holds the typed model definitions. It is built once at process
// start, validated, and read-only afterwards - safe to share freely.
type Registry struct {
	collections map[string]*collection
	names       []string // sorted collection names
}

type collection struct {
	name      string
	fields    map[string]*Field
	ordered   []*Field // sorted by name
	templates []*Field // KindTemplate fields, for prefix resolution
}

func newRegistry() *Registry {
	return &Registry{collections: make(map[string]*collection)}
}

func (r *Registry) addCollection(name string, fields []*Field) error {
	if _, exists := r.collections[name]; exists {
		return fmt.Errorf("duplicate collection %q", name)
	}
	col := &collection{name: name, fields: make(map[string]*Field, len(fields))}
	for _, f := range fields {
		if _, exists := col.fields[f.Name]; exists {
			return fmt.Errorf("collection %q: duplicate field %q", name, f.Name)
		}
		col.fields[f.Name] = f
		col.ordered = append(col.ordered, f)
		if f.Kind == KindTemplate {
			col.templates = append(col.templates, f)
		}
	}
	sort.Slice(col.ordered, func(i, j int) bool { return col.ordered[i].Name < col.ordered[j].Name })
	r.collections[name] = col
	r.names = append(r.names, name)
	sort.Strings(r.names)
	return nil
}

// Collections returns all collection names in sorted order.
func (r *Registry) Collections() []string {
	return r.names
}

// HasCollection reports whether the collection is declared.
func (r *Registry) HasCollection(name string) bool {
	_, ok := r.collections[name]
	return ok
}

// Fields returns the declared fields of a collection sorted by name.
// Structured template variants are not enumerated; resolve them via Field.
func (r *Registry) Fields(collectionName string) []*Field {
	col, ok := r.collections[collectionName]
	if !ok {
		return nil
	}
	return col.ordered
}

// Relations returns the relation-carrying fields of a collection (including
// templates whose structured variant is a relation) sorted by name.
func (r *Registry) Relations(collectionName string) []*Field {
	var out []*Field
	for _, f := range r.Fields(collectionName) {
		if f.IsRelation() {
			out = append(out, f)
		}
	}
	return out
}

// Field resolves a field by name. Structured template names such as
// "group_$5_ids" resolve to a synthesized variant of the "group_$_ids"
// template carrying the concrete name.
func (r *Registry) Field(collectionName, name string) (*Field, error) {
	col, ok := r.collections[collectionName]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collectionName)
	}
	if f, ok := col.fields[name]; ok {
		return f, nil
	}
	if tmpl, replacement, ok := r.TemplateFor(collectionName, name); ok {
		return r.structuredVariant(tmpl, replacement), nil
	}
	return nil, fmt.Errorf("unknown field %q.%q", collectionName, name)
}

// TemplateFor resolves a structured field name against the collection's
// template fields, returning the template and the replacement.
func (r *Registry) TemplateFor(collectionName, name string) (*Field, string, bool) {
	col, ok := r.collections[collectionName]
	if !ok {
		return nil, "", false
	}
	for _, tmpl := range col.templates {
		if replacement, ok := ReplacementOf(tmpl.Name, name); ok {
			return tmpl, replacement, true
		}
	}
	return nil, "", false
}

// TemplatePrefix resolves a template field by its prefix (the part of the
// name up to and including the '$'), e.g. "group_$".
func (r *Registry) TemplatePrefix(collectionName, prefix string) (*Field, bool) {
	col, ok := r.collections[collectionName]
	if !ok {
		return nil, false
	}
	for _, tmpl := range col.templates {
		p, _, ok := TemplateParts(tmpl.Name)
		if ok && p == prefix {
			return tmpl, true
		}
	}
	return nil, false
}

// structuredVariant synthesizes the per-replacement variant of a template.
func (r *Registry) structuredVariant(tmpl *Field, replacement string) *Field {
	variant := *tmpl.Structured
	variant.Collection = tmpl.Collection
	variant.Name = StructuredName(tmpl.Name, replacement)
	return &variant
}

// StructuredField returns the concrete variant of a template field for one
// replacement, e.g. ("group_$_ids", "5") -> "group_$5_ids".
func (r *Registry) StructuredField(tmpl *Field, replacement string) *Field {
	return r.structuredVariant(tmpl, replacement)
}

// Reverse resolves the paired field on the target side of a relation. For a
// template reverse, targetID selects the replacement via the source
// instance's ReplacementFrom value, supplied by the caller as replacement.
func (r *Registry) Reverse(f *Field, targetCollection, replacement string) (*Field, error) {
	if f.ReverseField == "" {
		return nil, fmt.Errorf("field %q.%q has no reverse", f.Collection, f.Name)
	}
	col, ok := r.collections[targetCollection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", targetCollection)
	}
	rev, ok := col.fields[f.ReverseField]
	if !ok {
		return nil, fmt.Errorf("collection %q has no field %q", targetCollection, f.ReverseField)
	}
	if rev.Kind == KindTemplate {
		if replacement == "" {
			return nil, fmt.Errorf("reverse of %q.%q is a template and needs a replacement", f.Collection, f.Name)
		}
		return r.structuredVariant(rev, replacement), nil
	}
	return rev, nil
}

// validate checks the registry invariants after load:
//   - every relation names a target collection that exists
//   - every relation's reverse points back at the source
//   - generic relations list only existing collections
//   - template replacement collections exist
//   - calculated fields carry no relation attributes
func (r *Registry) validate() error {
	for _, name := range r.names {
		col := r.collections[name]
		for _, f := range col.ordered {
			if err := r.validateField(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) validateField(f *Field) error {
	where := fmt.Sprintf("%s.%s", f.Collection, f.Name)

	if f.IsCalculated() {
		if len(f.To) > 0 || f.ReverseField != "" {
			return fmt.Errorf("%s: calculated fields cannot carry relation attributes", where)
		}
		return nil
	}

	switch f.Kind {
	case KindTemplate:
		if _, _, ok := TemplateParts(f.Name); !ok {
			return fmt.Errorf("%s: template name needs exactly one '$'", where)
		}
		if f.Structured == nil {
			return fmt.Errorf("%s: template needs a structured variant", where)
		}
		if f.ReplacementCollection != "" && !r.HasCollection(f.ReplacementCollection) {
			return fmt.Errorf("%s: unknown replacement collection %q", where, f.ReplacementCollection)
		}
		return r.validateRelationTarget(f.Structured, where)

	case KindRelation, KindRelationList, KindGenericRelation, KindGenericRelationList:
		return r.validateRelationTarget(f, where)
	}
	return nil
}

func (r *Registry) validateRelationTarget(f *Field, where string) error {
	if !f.IsRelation() {
		return nil
	}
	if len(f.To) == 0 {
		return fmt.Errorf("%s: relation needs a target", where)
	}
	if !f.IsGeneric() && len(f.To) > 1 {
		return fmt.Errorf("%s: only generic relations may target multiple collections", where)
	}
	for _, target := range f.To {
		targetCol, ok := r.collections[target]
		if !ok {
			return fmt.Errorf("%s: unknown target collection %q", where, target)
		}
		if f.ReverseField == "" {
			return fmt.Errorf("%s: relation needs a reverse field", where)
		}
		rev, ok := targetCol.fields[f.ReverseField]
		if !ok {
			return fmt.Errorf("%s: reverse field %q.%q does not exist", where, target, f.ReverseField)
		}
		paired := rev
		if rev.Kind == KindTemplate {
			paired = rev.Structured
			if paired == nil {
				return fmt.Errorf("%s: reverse template %q.%q has no structured variant", where, target, rev.Name)
			}
			if f.ReplacementFrom == "" {
				return fmt.Errorf("%s: reverse is a template but replacement_from is unset", where)
			}
		}
		if !paired.TargetsCollection(f.Collection) {
			return fmt.Errorf("%s: reverse field %q.%q does not point back at %q",
				where, target, f.ReverseField, f.Collection)
		}
	}
	return nil
}
