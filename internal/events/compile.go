// Package events compiles a request's staged overlay into the ordered,
// deduplicated event batch handed to the datastore writer.
//
// Batch order is deterministic: creates first (topologically sorted so a
// created instance precedes created instances referencing it, insertion
// order breaking ties), then per-fingerprint updates in fingerprint order
// (the field update, then list updates sorted by field name), then deletes
// in the recorded cascade order (children before parents).
package events

import (
	"sort"

	"github.com/plenumd/plenum/internal/datastore"
	"github.com/plenumd/plenum/internal/model"
	"github.com/plenumd/plenum/internal/overlay"
	"github.com/plenumd/plenum/internal/schema"
)

// Compile renders the staged overlay state as an event batch. Instances
// created and deleted within the same request produce no events at all.
func Compile(ov *overlay.Overlay, reg *schema.Registry) ([]datastore.Event, error) {
	var out []datastore.Event

	creates, err := compileCreates(ov, reg)
	if err != nil {
		return nil, err
	}
	out = append(out, creates...)

	updates, err := compileUpdates(ov, reg)
	if err != nil {
		return nil, err
	}
	out = append(out, updates...)

	for _, fqid := range ov.DeleteOrder() {
		if ov.IsCreated(fqid) {
			continue // never persisted, nothing to delete
		}
		out = append(out, datastore.Event{Type: datastore.EventDelete, FQID: fqid})
	}
	return out, nil
}

func compileCreates(ov *overlay.Overlay, reg *schema.Registry) ([]datastore.Event, error) {
	order := ov.CreateOrder()
	var live []string
	for _, fqid := range order {
		if !ov.IsDeleted(fqid) {
			live = append(live, fqid)
		}
	}
	sorted, err := topoSort(ov, reg, live)
	if err != nil {
		return nil, err
	}

	out := make([]datastore.Event, 0, len(sorted))
	for _, fqid := range sorted {
		fields := make(model.Object)
		for name, val := range ov.StagedFields(fqid) {
			if model.IsNull(val) {
				continue // set-to-null on a fresh instance means absent
			}
			fields[name] = val
		}
		out = append(out, datastore.Event{Type: datastore.EventCreate, FQID: fqid, Fields: fields})
	}
	return out, nil
}

// topoSort orders created fingerprints so referenced instances precede
// their holders. Ties and cycles (mutual references are legal once both
// sides exist) fall back to insertion order.
func topoSort(ov *overlay.Overlay, reg *schema.Registry, fqids []string) ([]string, error) {
	index := make(map[string]int, len(fqids))
	for i, fqid := range fqids {
		index[fqid] = i
	}
	deps := make([][]int, len(fqids)) // deps[i] = created fqids i references
	for i, fqid := range fqids {
		refs, err := createdRefs(ov, reg, fqid, index)
		if err != nil {
			return nil, err
		}
		deps[i] = refs
	}

	emitted := make([]bool, len(fqids))
	out := make([]string, 0, len(fqids))
	for len(out) < len(fqids) {
		progress := false
		for i := range fqids {
			if emitted[i] {
				continue
			}
			ready := true
			for _, dep := range deps[i] {
				if !emitted[dep] {
					ready = false
					break
				}
			}
			if ready {
				emitted[i] = true
				out = append(out, fqids[i])
				progress = true
			}
		}
		if !progress {
			// Cycle: mutual references are legal once both sides exist.
			// Break it in insertion order.
			for i := range fqids {
				if !emitted[i] {
					emitted[i] = true
					out = append(out, fqids[i])
					break
				}
			}
		}
	}
	return out, nil
}

// createdRefs lists the indices of created instances referenced by the
// staged relation fields of fqid.
func createdRefs(ov *overlay.Overlay, reg *schema.Registry, fqid string, index map[string]int) ([]int, error) {
	collection := model.CollectionOf(fqid)
	staged := ov.StagedFields(fqid)
	names := make([]string, 0, len(staged))
	for name := range staged {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []int
	for _, name := range names {
		f, err := reg.Field(collection, name)
		if err != nil || !f.IsRelation() || f.Kind == schema.KindTemplate {
			continue
		}
		refs, err := refFQIDs(f, staged[name])
		if err != nil {
			continue // resolver already validated; be lenient here
		}
		for _, ref := range refs {
			if i, ok := index[ref]; ok && ref != fqid {
				out = append(out, i)
			}
		}
	}
	return out, nil
}

// refFQIDs extracts referenced fingerprints from a relation value.
func refFQIDs(f *schema.Field, v model.Value) ([]string, error) {
	if v == nil || model.IsNull(v) {
		return nil, nil
	}
	switch f.Kind {
	case schema.KindRelation:
		if id, ok := v.(model.Int); ok {
			return []string{model.FQID(f.To[0], int(id))}, nil
		}
	case schema.KindRelationList:
		if ids, ok := model.Ints(v); ok {
			out := make([]string, len(ids))
			for i, id := range ids {
				out[i] = model.FQID(f.To[0], id)
			}
			return out, nil
		}
	case schema.KindGenericRelation:
		if fqid, ok := v.(model.String); ok {
			return []string{string(fqid)}, nil
		}
	case schema.KindGenericRelationList:
		if fqids, ok := model.Strings(v); ok {
			return fqids, nil
		}
	}
	return nil, nil
}

func compileUpdates(ov *overlay.Overlay, reg *schema.Registry) ([]datastore.Event, error) {
	var out []datastore.Event
	for _, fqid := range ov.ChangedFQIDs() {
		if ov.IsCreated(fqid) || ov.IsDeleted(fqid) {
			continue
		}
		collection := model.CollectionOf(fqid)
		staged := ov.StagedFields(fqid)

		names := make([]string, 0, len(staged))
		for name := range staged {
			names = append(names, name)
		}
		sort.Strings(names)

		fields := make(model.Object)
		var listUpdates []datastore.Event
		for _, name := range names {
			val := staged[name]
			base := ov.BaseValue(fqid, name)
			if model.Equal(base, val) {
				continue
			}
			if model.IsNull(val) {
				if base == nil {
					continue // clearing an absent field is a no-op
				}
				fields[name] = model.Null{}
				continue
			}

			f, err := reg.Field(collection, name)
			isList := err == nil && (f.IsList() || f.Kind == schema.KindTemplate)
			newList, listOK := val.(model.List)
			if isList && listOK && !ov.FieldAssigned(fqid, name) {
				baseList, _ := base.(model.List)
				add, remove := diffLists(baseList, newList)
				if len(add) == 0 && len(remove) == 0 {
					continue
				}
				listUpdates = append(listUpdates, datastore.Event{
					Type:   datastore.EventListUpdate,
					FQID:   fqid,
					Field:  name,
					Add:    add,
					Remove: remove,
				})
				continue
			}
			fields[name] = val
		}

		if len(fields) > 0 || (len(listUpdates) == 0 && ov.IsTouched(fqid)) {
			out = append(out, datastore.Event{Type: datastore.EventUpdate, FQID: fqid, Fields: fields})
		}
		out = append(out, listUpdates...)
	}
	return out, nil
}

// diffLists computes the set difference in element order. Add and Remove are
// non-nil so the wire shape stays stable.
func diffLists(base, next model.List) (add, remove model.List) {
	add = model.List{}
	remove = model.List{}
	for _, elem := range next {
		if !containsValue(base, elem) {
			add = append(add, elem)
		}
	}
	for _, elem := range base {
		if !containsValue(next, elem) {
			remove = append(remove, elem)
		}
	}
	return add, remove
}

func containsValue(list model.List, v model.Value) bool {
	for _, elem := range list {
		if model.Equal(elem, v) {
			return true
		}
	}
	return false
}
