package schema

import (
	"fmt"
	"strings"
)

// Kind enumerates the closed set of field kinds.
type Kind int

const (
	// Scalar kinds.
	KindInteger Kind = iota + 1
	KindBoolean
	KindString
	KindHTMLStrict
	KindHTMLPermissive
	KindDecimal
	KindTimestamp
	KindColor
	KindJSON

	// Scalar-list kinds.
	KindIntegerList
	KindStringList

	// Relation kinds.
	KindRelation
	KindRelationList
	KindGenericRelation
	KindGenericRelationList

	// KindTemplate is the bare template field holding the list of currently
	// present replacements. Its per-replacement variants are described by
	// Field.Structured.
	KindTemplate
)

var kindNames = map[string]Kind{
	"integer":               KindInteger,
	"boolean":               KindBoolean,
	"string":                KindString,
	"html_strict":           KindHTMLStrict,
	"html_permissive":       KindHTMLPermissive,
	"decimal":               KindDecimal,
	"timestamp":             KindTimestamp,
	"color":                 KindColor,
	"json":                  KindJSON,
	"integer_list":          KindIntegerList,
	"string_list":           KindStringList,
	"relation":              KindRelation,
	"relation_list":         KindRelationList,
	"generic_relation":      KindGenericRelation,
	"generic_relation_list": KindGenericRelationList,
	"template":              KindTemplate,
}

// KindFromName resolves a declared kind name.
func KindFromName(name string) (Kind, error) {
	k, ok := kindNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown field kind %q", name)
	}
	return k, nil
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// OnDelete governs the effect of deleting the target endpoint of a relation.
type OnDelete int

const (
	// OnDeleteSetNull removes the reference on all holders, failing the
	// batch if a required field would be left unset. This is the default.
	OnDeleteSetNull OnDelete = iota
	// OnDeleteProtect rejects deleting the target while any holder exists.
	OnDeleteProtect
	// OnDeleteCascade recursively deletes all holders.
	OnDeleteCascade
)

var onDeleteNames = map[string]OnDelete{
	"SET_NULL": OnDeleteSetNull,
	"PROTECT":  OnDeleteProtect,
	"CASCADE":  OnDeleteCascade,
}

// OnDeleteFromName resolves a declared on-delete policy name.
func OnDeleteFromName(name string) (OnDelete, error) {
	od, ok := onDeleteNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown on_delete policy %q", name)
	}
	return od, nil
}

func (od OnDelete) String() string {
	switch od {
	case OnDeleteProtect:
		return "PROTECT"
	case OnDeleteCascade:
		return "CASCADE"
	default:
		return "SET_NULL"
	}
}

// Field describes one field of a collection. The Kind discriminates which
// attribute groups apply: relation attributes for relation kinds, template
// attributes for KindTemplate, CalculatedBy for derived fields.
type Field struct {
	Collection string
	Name       string
	Kind       Kind

	Required bool
	Constant bool

	// CalculatedBy names the handler owning this field's value. Calculated
	// fields are never written by clients and carry no reverse bookkeeping.
	CalculatedBy string

	// Relation attributes.
	To           []string // target collection(s); more than one only for generic kinds
	ReverseField string   // field on the target side mirroring this reference
	OnDelete     OnDelete
	EqualFields  []string

	// ReplacementFrom names the field on THIS side whose value selects the
	// replacement when the reverse field is a template (e.g. group.user_ids
	// points at user.group_$_ids with the replacement taken from
	// group.meeting_id).
	ReplacementFrom string

	// Template attributes (KindTemplate only).
	ReplacementCollection string
	Structured            *Field // shape of the per-replacement variant
}

// IsRelation reports whether the field carries relation semantics,
// including templates whose structured variant is a relation.
func (f *Field) IsRelation() bool {
	switch f.Kind {
	case KindRelation, KindRelationList, KindGenericRelation, KindGenericRelationList:
		return true
	case KindTemplate:
		return f.Structured != nil && f.Structured.IsRelation()
	default:
		return false
	}
}

// IsList reports whether the field holds many references.
func (f *Field) IsList() bool {
	switch f.Kind {
	case KindRelationList, KindGenericRelationList, KindIntegerList, KindStringList:
		return true
	default:
		return false
	}
}

// IsGeneric reports whether references are stored as fingerprints.
func (f *Field) IsGeneric() bool {
	return f.Kind == KindGenericRelation || f.Kind == KindGenericRelationList
}

// IsCalculated reports whether the field is owned by a calculated-field
// handler.
func (f *Field) IsCalculated() bool {
	return f.CalculatedBy != ""
}

// TargetsCollection reports whether collection is an allowed relation target.
func (f *Field) TargetsCollection(collection string) bool {
	for _, to := range f.To {
		if to == collection {
			return true
		}
	}
	return false
}

// Template name handling. A template field name carries exactly one '$'
// placeholder, e.g. "group_$_ids"; the structured variant substitutes a
// replacement for the '$': "group_$5_ids".

// TemplateParts splits a template field name at its placeholder.
func TemplateParts(name string) (prefix, suffix string, ok bool) {
	idx := strings.IndexByte(name, '$')
	if idx < 0 || strings.IndexByte(name[idx+1:], '$') >= 0 {
		return "", "", false
	}
	return name[:idx+1], name[idx+1:], true
}

// StructuredName substitutes a replacement into a template field name.
func StructuredName(templateName, replacement string) string {
	prefix, suffix, ok := TemplateParts(templateName)
	if !ok {
		return templateName
	}
	return prefix + replacement + suffix
}

// ReplacementOf extracts the replacement from a structured field name given
// its template. Returns false when name does not match the template pattern
// or the replacement slot is empty.
func ReplacementOf(templateName, name string) (string, bool) {
	prefix, suffix, ok := TemplateParts(templateName)
	if !ok {
		return "", false
	}
	if len(name) <= len(prefix)+len(suffix) {
		return "", false
	}
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return "", false
	}
	return name[len(prefix) : len(name)-len(suffix)], true
}
