package schema

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed models.cue
var modelsCUE string

// CompileError represents a model compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load compiles the embedded model declaration into a validated Registry.
// Called once at process start; the resulting registry is read-only and
// safe to share.
func Load() (*Registry, error) {
	return LoadDeclaration(modelsCUE)
}

// LoadDeclaration compiles a CUE model declaration into a validated
// Registry. Uses the CUE SDK's Go API directly (not a CLI subprocess).
func LoadDeclaration(src string) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	collectionsVal := v.LookupPath(cue.ParsePath("collections"))
	if !collectionsVal.Exists() {
		return nil, &CompileError{
			Field:   "collections",
			Message: "collections declaration is required",
			Pos:     v.Pos(),
		}
	}

	reg := newRegistry()

	iter, err := collectionsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		collection := iter.Label()
		fields, err := parseCollection(collection, iter.Value())
		if err != nil {
			return nil, err
		}
		if err := reg.addCollection(collection, fields); err != nil {
			return nil, err
		}
	}

	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// parseCollection extracts the field declarations of one collection.
func parseCollection(collection string, v cue.Value) ([]*Field, error) {
	var fields []*Field

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		field, err := parseField(collection, name, iter.Value())
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	return fields, nil
}

// parseField extracts one field declaration, recursing into the structured
// variant of template fields.
func parseField(collection, name string, v cue.Value) (*Field, error) {
	field := &Field{Collection: collection, Name: name}

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return nil, &CompileError{
			Field:   collection + "." + name,
			Message: "type is required",
			Pos:     v.Pos(),
		}
	}
	typeName, err := typeVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	field.Kind, err = KindFromName(typeName)
	if err != nil {
		return nil, &CompileError{
			Field:   collection + "." + name,
			Message: err.Error(),
			Pos:     typeVal.Pos(),
		}
	}

	field.Required, err = parseBool(v, "required")
	if err != nil {
		return nil, err
	}
	field.Constant, err = parseBool(v, "constant")
	if err != nil {
		return nil, err
	}

	field.To, err = parseStringOrList(v, "to")
	if err != nil {
		return nil, err
	}
	field.ReverseField, err = parseString(v, "reverse")
	if err != nil {
		return nil, err
	}
	field.EqualFields, err = parseStringList(v, "equal")
	if err != nil {
		return nil, err
	}
	field.CalculatedBy, err = parseString(v, "calculated")
	if err != nil {
		return nil, err
	}
	field.ReplacementFrom, err = parseString(v, "replacement_from")
	if err != nil {
		return nil, err
	}
	field.ReplacementCollection, err = parseString(v, "replacement_collection")
	if err != nil {
		return nil, err
	}

	onDeleteVal := v.LookupPath(cue.ParsePath("on_delete"))
	if onDeleteVal.Exists() {
		odName, err := onDeleteVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		field.OnDelete, err = OnDeleteFromName(odName)
		if err != nil {
			return nil, &CompileError{
				Field:   collection + "." + name,
				Message: err.Error(),
				Pos:     onDeleteVal.Pos(),
			}
		}
	}

	structuredVal := v.LookupPath(cue.ParsePath("structured"))
	if structuredVal.Exists() {
		structured, err := parseField(collection, name, structuredVal)
		if err != nil {
			return nil, err
		}
		field.Structured = structured
	}

	return field, nil
}

func parseBool(v cue.Value, path string) (bool, error) {
	val := v.LookupPath(cue.ParsePath(path))
	if !val.Exists() {
		return false, nil
	}
	b, err := val.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func parseString(v cue.Value, path string) (string, error) {
	val := v.LookupPath(cue.ParsePath(path))
	if !val.Exists() {
		return "", nil
	}
	s, err := val.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func parseStringList(v cue.Value, path string) ([]string, error) {
	val := v.LookupPath(cue.ParsePath(path))
	if !val.Exists() {
		return nil, nil
	}
	iter, err := val.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// parseStringOrList accepts either a single string or a list of strings,
// so "to" reads naturally for both plain and generic relations.
func parseStringOrList(v cue.Value, path string) ([]string, error) {
	val := v.LookupPath(cue.ParsePath(path))
	if !val.Exists() {
		return nil, nil
	}
	if s, err := val.String(); err == nil {
		return []string{s}, nil
	}
	iter, err := val.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	firstErr := errs[0]
	positions := cueerrors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
