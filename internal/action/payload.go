package action

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"cuelang.org/go/cue"

	"github.com/plenumd/plenum/internal/model"
	"github.com/plenumd/plenum/internal/schema"
)

// Payload schemas are CUE values generated from the model declaration: one
// closed struct per (collection, operation). Validation of a payload element
// is a unify + validate against that value, which rejects unknown fields,
// wrong shapes, and constant fields on update in one step.

// payloadOp selects which schema variant applies.
type payloadOp int

const (
	opCreate payloadOp = iota + 1
	opUpdate
	opDelete
)

// compilePayloadSchema builds and compiles the CUE payload schema for one
// collection and operation.
func compilePayloadSchema(cuectx *cue.Context, reg *schema.Registry, collectionName string, op payloadOp) (cue.Value, error) {
	src := payloadSchemaSource(reg, collectionName, op)
	val := cuectx.CompileString(src, cue.Filename(collectionName+".payload.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("payload schema for %s: %w", collectionName, err)
	}
	return val, nil
}

func payloadSchemaSource(reg *schema.Registry, collectionName string, op payloadOp) string {
	var b strings.Builder
	// close() turns on strict field checking: unknown payload keys fail.
	b.WriteString("close({\n")
	if op != opCreate {
		b.WriteString("\tid: int & >0\n")
	}
	if op == opDelete {
		b.WriteString("})\n")
		return b.String()
	}
	for _, f := range reg.Fields(collectionName) {
		if f.Name == "id" || f.IsCalculated() {
			continue
		}
		if f.Constant && op == opUpdate {
			continue // absent from the closed struct, so presence fails
		}
		if f.Kind == schema.KindTemplate {
			// The bare list is bookkeeping; clients write the structured
			// variants, matched by a pattern constraint.
			if f.Structured == nil || f.Structured.IsCalculated() {
				continue
			}
			fmt.Fprintf(&b, "\t[=~%q]: %s | null\n",
				structuredNamePattern(f.Name), cueType(f.Structured))
			continue
		}
		fmt.Fprintf(&b, "\t%q?: %s | null\n", f.Name, cueType(f))
	}
	b.WriteString("})\n")
	return b.String()
}

// structuredNamePattern builds the regex matching the structured variants of
// a template field name ("group_$_ids" -> "^group_\$[0-9]+_ids$").
func structuredNamePattern(templateName string) string {
	prefix, suffix, ok := schema.TemplateParts(templateName)
	if !ok {
		return "^$"
	}
	// prefix ends with the '$' placeholder itself
	return "^" + regexp.QuoteMeta(prefix[:len(prefix)-1]) + `\$[0-9]+` + regexp.QuoteMeta(suffix) + "$"
}

// fqidPattern matches a fingerprint string on the wire.
const fqidPattern = `^[a-z][a-z0-9_]*/[1-9][0-9]*$`

func cueType(f *schema.Field) string {
	switch f.Kind {
	case schema.KindInteger, schema.KindTimestamp:
		return "int"
	case schema.KindBoolean:
		return "bool"
	case schema.KindString, schema.KindHTMLStrict, schema.KindHTMLPermissive:
		return "string"
	case schema.KindColor:
		return `string & =~"^#[0-9a-fA-F]{6}$"`
	case schema.KindDecimal:
		return `string & =~"^-?[0-9]+\\.[0-9]{6}$"`
	case schema.KindJSON:
		return "_"
	case schema.KindIntegerList:
		return "[...int]"
	case schema.KindStringList:
		return "[...string]"
	case schema.KindRelation:
		return "int & >0"
	case schema.KindRelationList:
		return "[...int & >0]"
	case schema.KindGenericRelation:
		return fmt.Sprintf("string & =~%q", fqidPattern)
	case schema.KindGenericRelationList:
		return fmt.Sprintf("[...string & =~%q]", fqidPattern)
	default:
		return "_"
	}
}

// validatePayload checks one payload element against the compiled schema.
func validatePayload(cuectx *cue.Context, schemaVal cue.Value, payload model.Object) error {
	data := cuectx.Encode(model.ToGo(payload))
	if err := data.Err(); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	unified := schemaVal.Unify(data)
	if err := unified.Err(); err != nil {
		return err
	}
	return unified.Validate(cue.Concrete(true))
}

// sortedFieldNames returns the payload's field names in deterministic order.
func sortedFieldNames(payload model.Object) []string {
	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
