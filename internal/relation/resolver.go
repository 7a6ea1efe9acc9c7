// Package relation keeps both endpoints of every declared relation in sync.
// Whenever a relation field changes, the resolver stages the matching update
// on the paired field of each affected target and maintains the bare
// template list for structured fields. All staging goes through the overlay;
// nothing here touches the datastore directly.
package relation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/plenumd/plenum/internal/datastore"
	"github.com/plenumd/plenum/internal/model"
	"github.com/plenumd/plenum/internal/overlay"
	"github.com/plenumd/plenum/internal/schema"
)

// Ref identifies one endpoint of a relation edge.
type Ref struct {
	Collection string
	ID         int
}

// FQID returns the fingerprint of the endpoint.
func (r Ref) FQID() string {
	return model.FQID(r.Collection, r.ID)
}

// Resolver stages reverse-field updates for staged relation changes.
type Resolver struct {
	reg *schema.Registry
	ov  *overlay.Overlay
}

// New builds a resolver over one request's overlay.
func New(reg *schema.Registry, ov *overlay.Overlay) *Resolver {
	return &Resolver{reg: reg, ov: ov}
}

// RefsOf decodes a staged relation value into its target endpoints. Nil and
// Null values decode to no endpoints.
func RefsOf(f *schema.Field, v model.Value) ([]Ref, error) {
	if v == nil || model.IsNull(v) {
		return nil, nil
	}
	fieldName := f.Collection + "." + f.Name

	switch f.Kind {
	case schema.KindRelation:
		id, ok := v.(model.Int)
		if !ok {
			return nil, newError(ErrCodeInvalidValue, fieldName, "", "want an id, got %T", v)
		}
		return []Ref{{Collection: f.To[0], ID: int(id)}}, nil

	case schema.KindRelationList:
		ids, ok := model.Ints(v)
		if !ok {
			return nil, newError(ErrCodeInvalidValue, fieldName, "", "want a list of ids")
		}
		out := make([]Ref, len(ids))
		for i, id := range ids {
			out[i] = Ref{Collection: f.To[0], ID: id}
		}
		return out, nil

	case schema.KindGenericRelation:
		fqid, ok := v.(model.String)
		if !ok {
			return nil, newError(ErrCodeInvalidValue, fieldName, "", "want a fingerprint, got %T", v)
		}
		ref, err := genericRef(f, string(fqid))
		if err != nil {
			return nil, err
		}
		return []Ref{ref}, nil

	case schema.KindGenericRelationList:
		fqids, ok := model.Strings(v)
		if !ok {
			return nil, newError(ErrCodeInvalidValue, fieldName, "", "want a list of fingerprints")
		}
		out := make([]Ref, len(fqids))
		for i, fqid := range fqids {
			ref, err := genericRef(f, fqid)
			if err != nil {
				return nil, err
			}
			out[i] = ref
		}
		return out, nil
	}
	return nil, nil
}

// genericRef parses a fingerprint and checks it against the whitelist.
func genericRef(f *schema.Field, fqid string) (Ref, error) {
	collection, id, err := model.SplitFQID(fqid)
	if err != nil {
		return Ref{}, newError(ErrCodeInvalidValue, f.Collection+"."+f.Name, fqid, "malformed fingerprint")
	}
	if !f.TargetsCollection(collection) {
		return Ref{}, newError(ErrCodeUnknownTarget, f.Collection+"."+f.Name, fqid,
			"collection %q is not an allowed target", collection)
	}
	return Ref{Collection: collection, ID: id}, nil
}

// FieldValue pairs a resolved field definition with the instance's value.
type FieldValue struct {
	Field *schema.Field
	Value model.Value
}

// RelationFieldsOf lists the populated relation fields of an instance in the
// merged view, resolving structured names against their templates. Bare
// template lists are skipped; their structured variants carry the edges.
func (r *Resolver) RelationFieldsOf(ctx context.Context, fqid string) ([]FieldValue, error) {
	collection := model.CollectionOf(fqid)
	obj, err := r.ov.Get(ctx, fqid, nil)
	if err != nil {
		return nil, err
	}
	var out []FieldValue
	for _, name := range obj.SortedKeys() {
		f, err := r.reg.Field(collection, name)
		if err != nil {
			continue // stored field no longer declared
		}
		if f.Kind == schema.KindTemplate || !f.IsRelation() || f.IsCalculated() {
			continue
		}
		if model.IsEmpty(obj[name]) {
			continue
		}
		out = append(out, FieldValue{Field: f, Value: obj[name]})
	}
	return out, nil
}

// Paired resolves the field mirroring f on the given target. For template
// reverses the replacement is read from f's replacement_from field on the
// source instance; a source mid-cascade still serves its last-known value.
func (r *Resolver) Paired(ctx context.Context, f *schema.Field, sourceFQID, targetCollection string) (*schema.Field, error) {
	replacement := ""
	if f.ReplacementFrom != "" {
		val, err := r.ov.FieldValueAny(ctx, sourceFQID, f.ReplacementFrom)
		if err != nil {
			return nil, err
		}
		id, ok := val.(model.Int)
		if !ok {
			return nil, newError(ErrCodeInvalidValue, f.Collection+"."+f.Name, sourceFQID,
				"replacement source %q is unset", f.ReplacementFrom)
		}
		replacement = strconv.Itoa(int(id))
	}
	return r.reg.Reverse(f, targetCollection, replacement)
}

// Resolve stages the reverse-side updates implied by one staged change on a
// relation field. The returned changes describe what was staged on the
// targets; callers feed them to calculated-field handlers but must not
// resolve them again. Non-relation, calculated, and bare template fields
// resolve to nothing.
func (r *Resolver) Resolve(ctx context.Context, ch overlay.Change) ([]overlay.Change, error) {
	collection := model.CollectionOf(ch.FQID)
	f, err := r.reg.Field(collection, ch.Field)
	if err != nil {
		return nil, newError(ErrCodeInvalidValue, collection+"."+ch.Field, ch.FQID, "unknown field")
	}
	if f.IsCalculated() || !f.IsRelation() || f.Kind == schema.KindTemplate {
		return nil, nil
	}

	oldRefs, err := RefsOf(f, ch.Old)
	if err != nil {
		return nil, err
	}
	var newRefs []Ref
	if !ch.Deleted {
		newRefs, err = RefsOf(f, ch.New)
		if err != nil {
			return nil, err
		}
	}

	added, removed := diffRefs(oldRefs, newRefs)
	var staged []overlay.Change

	for _, target := range added {
		changes, err := r.addBackRef(ctx, f, ch.FQID, target)
		if err != nil {
			return nil, err
		}
		staged = append(staged, changes...)
	}
	for _, target := range removed {
		changes, err := r.dropBackRef(ctx, f, ch.FQID, target)
		if err != nil {
			return nil, err
		}
		staged = append(staged, changes...)
	}

	// A change on a structured field also maintains the source's own bare
	// template list.
	if tmpl, replacement, ok := r.reg.TemplateFor(collection, ch.Field); ok && !ch.Deleted {
		mirror, err := r.mirrorTemplate(ctx, ch.FQID, tmpl, replacement)
		if err != nil {
			return nil, err
		}
		staged = append(staged, mirror...)
	}
	return staged, nil
}

// diffRefs splits the transition old -> new into additions (in new order)
// and removals (in old order).
func diffRefs(oldRefs, newRefs []Ref) (added, removed []Ref) {
	oldSet := make(map[Ref]bool, len(oldRefs))
	for _, ref := range oldRefs {
		oldSet[ref] = true
	}
	newSet := make(map[Ref]bool, len(newRefs))
	for _, ref := range newRefs {
		newSet[ref] = true
		if !oldSet[ref] {
			added = append(added, ref)
		}
	}
	for _, ref := range oldRefs {
		if !newSet[ref] {
			removed = append(removed, ref)
		}
	}
	return added, removed
}

// backRefValue is the value written into the paired field: the source id for
// plain reverses, the source fingerprint for generic ones.
func backRefValue(paired *schema.Field, sourceFQID string) model.Value {
	if paired.IsGeneric() {
		return model.String(sourceFQID)
	}
	_, id, _ := model.SplitFQID(sourceFQID)
	return model.Int(id)
}

// addBackRef stages the reference back at source on a newly added target.
func (r *Resolver) addBackRef(ctx context.Context, f *schema.Field, sourceFQID string, target Ref) ([]overlay.Change, error) {
	fieldName := f.Collection + "." + f.Name
	targetFQID := target.FQID()

	exists, err := r.ov.Exists(ctx, targetFQID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, newError(ErrCodeUnknownTarget, fieldName, targetFQID, "referenced instance does not exist")
	}
	if err := r.checkEqualFields(ctx, f, sourceFQID, targetFQID); err != nil {
		return nil, err
	}

	paired, err := r.Paired(ctx, f, sourceFQID, target.Collection)
	if err != nil {
		return nil, err
	}
	back := backRefValue(paired, sourceFQID)

	var staged []overlay.Change
	if paired.IsList() {
		old, updated, err := r.ov.StageListAdd(ctx, targetFQID, paired.Name, model.List{back})
		if err != nil {
			return nil, err
		}
		if !model.Equal(old, updated) {
			staged = append(staged, overlay.Change{FQID: targetFQID, Field: paired.Name, Old: old, New: updated})
		}
	} else {
		cur, err := r.ov.FieldValue(ctx, targetFQID, paired.Name)
		if err != nil {
			return nil, err
		}
		switch {
		case model.Equal(cur, back):
			// already in sync
		case cur == nil || model.IsNull(cur):
			if err := r.ov.StageUpdate(targetFQID, model.Object{paired.Name: back}); err != nil {
				return nil, err
			}
			staged = append(staged, overlay.Change{FQID: targetFQID, Field: paired.Name, Old: cur, New: back})
		default:
			return nil, newError(ErrCodeConflict, fieldName, targetFQID,
				"%s.%s already references %v", target.Collection, paired.Name, model.ToGo(cur))
		}
	}

	mirror, err := r.mirrorIfStructured(ctx, targetFQID, target.Collection, paired.Name)
	if err != nil {
		return nil, err
	}
	return append(staged, mirror...), nil
}

// dropBackRef removes the reference back at source from a removed target.
// Targets that are gone, or going away in this request, are skipped.
func (r *Resolver) dropBackRef(ctx context.Context, f *schema.Field, sourceFQID string, target Ref) ([]overlay.Change, error) {
	targetFQID := target.FQID()
	if r.ov.IsDeleted(targetFQID) {
		return nil, nil
	}
	exists, err := r.ov.Exists(ctx, targetFQID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	paired, err := r.Paired(ctx, f, sourceFQID, target.Collection)
	if err != nil {
		return nil, err
	}
	back := backRefValue(paired, sourceFQID)

	var staged []overlay.Change
	if paired.IsList() {
		old, updated, err := r.ov.StageListRemove(ctx, targetFQID, paired.Name, model.List{back})
		if err != nil {
			return nil, err
		}
		if !model.Equal(old, updated) {
			staged = append(staged, overlay.Change{FQID: targetFQID, Field: paired.Name, Old: old, New: updated})
		}
	} else {
		cur, err := r.ov.FieldValue(ctx, targetFQID, paired.Name)
		if err != nil {
			return nil, err
		}
		if model.Equal(cur, back) {
			if err := r.ov.StageUpdate(targetFQID, model.Object{paired.Name: model.Null{}}); err != nil {
				return nil, err
			}
			staged = append(staged, overlay.Change{FQID: targetFQID, Field: paired.Name, Old: cur, New: model.Null{}})
		}
	}

	mirror, err := r.mirrorIfStructured(ctx, targetFQID, target.Collection, paired.Name)
	if err != nil {
		return nil, err
	}
	return append(staged, mirror...), nil
}

// checkEqualFields verifies the declared equal_fields constraint between the
// two endpoints of a new edge.
func (r *Resolver) checkEqualFields(ctx context.Context, f *schema.Field, sourceFQID, targetFQID string) error {
	for _, name := range f.EqualFields {
		srcVal, err := r.ov.FieldValue(ctx, sourceFQID, name)
		if err != nil {
			return err
		}
		dstVal, err := r.ov.FieldValue(ctx, targetFQID, name)
		if err != nil && !datastore.IsNotFound(err) {
			return err
		}
		if !model.Equal(srcVal, dstVal) {
			return newError(ErrCodeEqualFields, f.Collection+"."+f.Name, targetFQID,
				"%q differs between %s and %s", name, sourceFQID, targetFQID)
		}
	}
	return nil
}

// mirrorIfStructured maintains the bare template list when the staged field
// is a structured variant.
func (r *Resolver) mirrorIfStructured(ctx context.Context, fqid, collection, fieldName string) ([]overlay.Change, error) {
	tmpl, replacement, ok := r.reg.TemplateFor(collection, fieldName)
	if !ok {
		return nil, nil
	}
	return r.mirrorTemplate(ctx, fqid, tmpl, replacement)
}

// mirrorTemplate syncs the bare template list with the presence of one
// structured variant: the replacement is listed exactly while the variant is
// populated. An emptied list variant is dropped from the instance.
func (r *Resolver) mirrorTemplate(ctx context.Context, fqid string, tmpl *schema.Field, replacement string) ([]overlay.Change, error) {
	structuredName := schema.StructuredName(tmpl.Name, replacement)
	val, err := r.ov.FieldValue(ctx, fqid, structuredName)
	if err != nil {
		return nil, err
	}

	var staged []overlay.Change
	if list, ok := val.(model.List); ok && len(list) == 0 {
		if err := r.ov.StageUpdate(fqid, model.Object{structuredName: model.Null{}}); err != nil {
			return nil, err
		}
		val = nil
	}

	rep := model.String(replacement)
	if model.IsEmpty(val) {
		old, updated, err := r.ov.StageListRemove(ctx, fqid, tmpl.Name, model.List{rep})
		if err != nil {
			return nil, err
		}
		if !model.Equal(old, updated) {
			staged = append(staged, overlay.Change{FQID: fqid, Field: tmpl.Name, Old: old, New: updated})
		}
		return staged, nil
	}
	old, updated, err := r.ov.StageListAdd(ctx, fqid, tmpl.Name, model.List{rep})
	if err != nil {
		return nil, err
	}
	if !model.Equal(old, updated) {
		staged = append(staged, overlay.Change{FQID: fqid, Field: tmpl.Name, Old: old, New: updated})
	}
	return staged, nil
}

// OnDeletePolicy returns the paired holder-side field and its on-delete
// policy for one populated relation field of an instance being deleted. The
// policy always lives on the field pointing at the doomed instance.
func (r *Resolver) OnDeletePolicy(ctx context.Context, fv FieldValue, fqid string, target Ref) (*schema.Field, schema.OnDelete, error) {
	paired, err := r.Paired(ctx, fv.Field, fqid, target.Collection)
	if err != nil {
		return nil, 0, fmt.Errorf("paired field of %s.%s: %w", fv.Field.Collection, fv.Field.Name, err)
	}
	return paired, paired.OnDelete, nil
}
