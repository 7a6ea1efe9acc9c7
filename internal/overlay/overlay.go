// Package overlay implements the request-scoped "changed models" buffer.
// Reads prefer staged values over the datastore snapshot; every staged
// write stays here until the event compiler flushes the request. The
// overlay is task-local and needs no locking.
package overlay

import (
	"context"
	"fmt"
	"sort"

	"github.com/plenumd/plenum/internal/datastore"
	"github.com/plenumd/plenum/internal/model"
)

// Change describes one staged field mutation. Changes are the currency of
// the fixpoint loop: relation resolution and calculated-field handlers are
// both driven by them.
type Change struct {
	FQID  string
	Field string
	Old   model.Value // nil when the field was absent before
	New   model.Value // Null means set-to-null; nil only on instance deletion
	// Deleted marks that the instance holding the field is being deleted.
	Deleted bool
}

// entry tracks the staged state of one instance. assigned marks fields
// given a whole value (payload writes, singleton reverses); diffed marks
// fields only touched element-wise. The event compiler emits full updates
// for the former and add/remove list updates for the latter.
type entry struct {
	fields   model.Object // effective staged values; Null = set-to-null
	assigned map[string]bool
	diffed   map[string]bool
	created  bool
	deleted  bool
	touched  bool // emit a no-op update so the instance appears in history
}

// Overlay is the copy-on-write cache keyed by fingerprint.
type Overlay struct {
	ds datastore.Datastore

	entries     map[string]*entry
	base        map[string]model.Object // datastore snapshot per fetched fqid
	missing     map[string]bool         // fetched and not found
	locked      map[string]bool         // every fingerprint read from the datastore
	createOrder []string
	deleteOrder []string

	position    int64
	positionSet bool
}

// New builds an empty overlay over a datastore snapshot.
func New(ds datastore.Datastore) *Overlay {
	return &Overlay{
		ds:      ds,
		entries: make(map[string]*entry),
		base:    make(map[string]model.Object),
		missing: make(map[string]bool),
		locked:  make(map[string]bool),
	}
}

// Position returns the snapshot position all reads are locked against.
// Fetched lazily on first use so requests without datastore reads stay
// cheap.
func (o *Overlay) Position(ctx context.Context) (int64, error) {
	if !o.positionSet {
		pos, err := o.ds.CurrentPosition(ctx)
		if err != nil {
			return 0, fmt.Errorf("snapshot position: %w", err)
		}
		o.position = pos
		o.positionSet = true
	}
	return o.position, nil
}

// fetch loads the full instance from the datastore once and caches it.
func (o *Overlay) fetch(ctx context.Context, fqid string) (model.Object, error) {
	if obj, ok := o.base[fqid]; ok {
		return obj, nil
	}
	if o.missing[fqid] {
		return nil, datastore.NewNotFound(fqid)
	}
	if _, err := o.Position(ctx); err != nil {
		return nil, err
	}
	obj, err := o.ds.Get(ctx, fqid, nil)
	o.locked[fqid] = true
	if err != nil {
		if datastore.IsNotFound(err) || datastore.IsDeleted(err) {
			o.missing[fqid] = true
		}
		return nil, err
	}
	o.base[fqid] = obj
	return obj, nil
}

// Get returns the merged view of an instance: staged values layered over
// the datastore snapshot. Deleted instances yield a DELETED error; unknown
// fingerprints a NOT_FOUND error. A nil fields slice returns everything.
func (o *Overlay) Get(ctx context.Context, fqid string, fields []string) (model.Object, error) {
	if ent := o.entries[fqid]; ent != nil && ent.deleted {
		return nil, datastore.NewDeleted(fqid)
	}
	return o.merged(ctx, fqid, fields)
}

// merged builds the overlay-over-snapshot view without the delete sentinel.
func (o *Overlay) merged(ctx context.Context, fqid string, fields []string) (model.Object, error) {
	ent := o.entries[fqid]

	var baseObj model.Object
	if ent == nil || !ent.created {
		var err error
		baseObj, err = o.fetch(ctx, fqid)
		if err != nil {
			return nil, err
		}
	}

	merged := make(model.Object, len(baseObj))
	for k, v := range baseObj {
		merged[k] = v
	}
	if ent != nil {
		for k, v := range ent.fields {
			if model.IsNull(v) {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
	}
	if fields == nil {
		return merged, nil
	}
	out := make(model.Object, len(fields))
	for _, f := range fields {
		if v, ok := merged[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// FieldValue returns the merged value of one field; nil when absent.
func (o *Overlay) FieldValue(ctx context.Context, fqid, field string) (model.Value, error) {
	obj, err := o.Get(ctx, fqid, []string{field})
	if err != nil {
		return nil, err
	}
	return obj[field], nil
}

// FieldValueAny is FieldValue without the delete sentinel: an instance
// staged for deletion still serves its last-known merged state. Cascade
// processing and calculated handlers read doomed instances through this.
func (o *Overlay) FieldValueAny(ctx context.Context, fqid, field string) (model.Value, error) {
	obj, err := o.merged(ctx, fqid, []string{field})
	if err != nil {
		return nil, err
	}
	return obj[field], nil
}

// Exists reports whether the fingerprint resolves to a live instance in the
// merged view.
func (o *Overlay) Exists(ctx context.Context, fqid string) (bool, error) {
	ent := o.entries[fqid]
	if ent != nil {
		return !ent.deleted, nil
	}
	_, err := o.fetch(ctx, fqid)
	if err != nil {
		if datastore.IsNotFound(err) || datastore.IsDeleted(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *Overlay) ensure(fqid string) *entry {
	ent, ok := o.entries[fqid]
	if !ok {
		ent = &entry{fields: make(model.Object)}
		o.entries[fqid] = ent
	}
	return ent
}

// StageCreate stages a new instance. The caller guarantees the id was
// reserved and the fingerprint is unused.
func (o *Overlay) StageCreate(fqid string, fields model.Object) error {
	ent := o.ensure(fqid)
	if ent.created {
		return fmt.Errorf("fingerprint %s already created in this request", fqid)
	}
	ent.created = true
	ent.deleted = false
	for k, v := range fields {
		ent.fields[k] = v
	}
	o.createOrder = append(o.createOrder, fqid)
	return nil
}

// StageUpdate stages field values on an instance. Null values mean
// set-to-null; absent fields stay untouched.
func (o *Overlay) StageUpdate(fqid string, fields model.Object) error {
	ent := o.ensure(fqid)
	if ent.deleted {
		return fmt.Errorf("update of deleted fingerprint %s", fqid)
	}
	for k, v := range fields {
		ent.fields[k] = v
		if ent.assigned == nil {
			ent.assigned = make(map[string]bool)
		}
		ent.assigned[k] = true
	}
	return nil
}

// StageListAdd appends missing elements to a list field and returns the old
// and new merged values.
func (o *Overlay) StageListAdd(ctx context.Context, fqid, field string, elems model.List) (old, updated model.Value, err error) {
	return o.stageListDiff(ctx, fqid, field, elems, nil)
}

// StageListRemove filters elements out of a list field and returns the old
// and new merged values.
func (o *Overlay) StageListRemove(ctx context.Context, fqid, field string, elems model.List) (old, updated model.Value, err error) {
	return o.stageListDiff(ctx, fqid, field, nil, elems)
}

func (o *Overlay) stageListDiff(ctx context.Context, fqid, field string, add, remove model.List) (model.Value, model.Value, error) {
	ent := o.entries[fqid]
	if ent != nil && ent.deleted {
		return nil, nil, datastore.NewDeleted(fqid)
	}
	oldVal, err := o.FieldValue(ctx, fqid, field)
	if err != nil {
		return nil, nil, err
	}
	current, _ := oldVal.(model.List)

	out := make(model.List, 0, len(current)+len(add))
	for _, elem := range current {
		removed := false
		for _, rem := range remove {
			if model.Equal(elem, rem) {
				removed = true
				break
			}
		}
		if !removed {
			out = append(out, elem)
		}
	}
	for _, elem := range add {
		present := false
		for _, existing := range out {
			if model.Equal(existing, elem) {
				present = true
				break
			}
		}
		if !present {
			out = append(out, elem)
		}
	}

	ent = o.ensure(fqid)
	ent.fields[field] = out
	if !ent.assigned[field] {
		if ent.diffed == nil {
			ent.diffed = make(map[string]bool)
		}
		ent.diffed[field] = true
	}
	return oldVal, out, nil
}

// MarkDeleted flags an instance as deleted. Subsequent reads yield DELETED.
// The delete-event position is recorded separately via RecordDeleteOrder so
// cascades can order children before parents.
func (o *Overlay) MarkDeleted(fqid string) {
	ent := o.ensure(fqid)
	ent.deleted = true
}

// RecordDeleteOrder appends the fingerprint to the delete-event order.
func (o *Overlay) RecordDeleteOrder(fqid string) {
	o.deleteOrder = append(o.deleteOrder, fqid)
}

// Touch marks an instance for a no-op update event so the request appears
// in the instance's history timeline.
func (o *Overlay) Touch(fqid string) {
	o.ensure(fqid).touched = true
}

// IsDeleted reports whether the fingerprint is staged for deletion.
func (o *Overlay) IsDeleted(fqid string) bool {
	ent := o.entries[fqid]
	return ent != nil && ent.deleted
}

// IsCreated reports whether the fingerprint is created in this request.
func (o *Overlay) IsCreated(fqid string) bool {
	ent := o.entries[fqid]
	return ent != nil && ent.created
}

// LockedFQIDs returns every fingerprint read from the datastore, sorted.
// The final write must verify these against the snapshot position.
func (o *Overlay) LockedFQIDs() []string {
	out := make([]string, 0, len(o.locked))
	for fqid := range o.locked {
		out = append(out, fqid)
	}
	sort.Strings(out)
	return out
}

// ChangedFQIDs returns every staged fingerprint, sorted.
func (o *Overlay) ChangedFQIDs() []string {
	out := make([]string, 0, len(o.entries))
	for fqid := range o.entries {
		out = append(out, fqid)
	}
	sort.Strings(out)
	return out
}

// CreateOrder returns created fingerprints in insertion order.
func (o *Overlay) CreateOrder() []string {
	return o.createOrder
}

// DeleteOrder returns deleted fingerprints in recorded order (children
// before parents for cascades).
func (o *Overlay) DeleteOrder() []string {
	return o.deleteOrder
}

// StagedFields returns the staged values of an instance (Null = set-to-null).
func (o *Overlay) StagedFields(fqid string) model.Object {
	ent := o.entries[fqid]
	if ent == nil {
		return nil
	}
	return ent.fields
}

// IsTouched reports whether a no-op update was requested.
func (o *Overlay) IsTouched(fqid string) bool {
	ent := o.entries[fqid]
	return ent != nil && ent.touched
}

// FieldAssigned reports whether the field was staged with a whole value.
// Fields only touched element-wise compile to list updates instead of
// full updates.
func (o *Overlay) FieldAssigned(fqid, field string) bool {
	ent := o.entries[fqid]
	return ent != nil && ent.assigned[field]
}

// BaseValue returns the datastore snapshot value of a field, when the
// instance was fetched during this request. Used by the event compiler to
// diff staged lists against their stored state.
func (o *Overlay) BaseValue(fqid, field string) model.Value {
	baseObj, ok := o.base[fqid]
	if !ok {
		return nil
	}
	return baseObj[field]
}
