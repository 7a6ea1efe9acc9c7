// Package action implements the batch pipeline: payload validation,
// permission checks, staging, relation and calculated-field fixpoint,
// on-delete policies, nested dependencies, and the final compile + locked
// write with bounded retry on lock contention.
package action

import (
	"context"
	"fmt"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/plenumd/plenum/internal/model"
	"github.com/plenumd/plenum/internal/schema"
)

// Kind is the primary operation of an action.
type Kind int

const (
	KindCreate Kind = iota + 1
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Dependency schedules a nested action once per executed payload element,
// sharing the outer overlay and fixpoint queue.
type Dependency struct {
	// Action names the nested action, e.g. "agenda_item.create".
	Action string
	// Payload derives the nested payload from the instance the outer
	// element produced. A nil return skips the dependency.
	Payload func(fqid string, instance model.Object) model.Object
}

// Definition describes one registered action. Prepare may rewrite the
// payload before staging; After runs once the element and its fixpoint have
// been staged.
type Definition struct {
	Name       string
	Collection string
	Kind       Kind
	Permission string

	Prepare func(ctx context.Context, ex *Execution, payload model.Object) (model.Object, error)
	After   func(ctx context.Context, ex *Execution, fqid string, payload model.Object) error

	Dependencies []Dependency

	payloadSchema cue.Value
}

// PermissionRequest is what a Permissions implementation evaluates.
type PermissionRequest struct {
	Action     string
	Permission string
	Collection string
	Payload    model.Object
}

// Permissions is the evaluation contract for permission descriptors. The
// pipeline calls it once per payload element before any staging.
type Permissions interface {
	Allowed(ctx context.Context, req PermissionRequest) error
}

// AllowAll grants everything; the harness and tests run with it.
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, PermissionRequest) error { return nil }

// Registry maps action names to definitions. Built at startup and read-only
// afterwards.
type Registry struct {
	reg     *schema.Registry
	cuectx  *cue.Context
	actions map[string]*Definition
}

// NewRegistry builds an action registry with the generic create/update/
// delete for every collection plus the specialized built-ins.
func NewRegistry(reg *schema.Registry) (*Registry, error) {
	r := &Registry{
		reg:     reg,
		cuectx:  cuecontext.New(),
		actions: make(map[string]*Definition),
	}
	for _, collectionName := range reg.Collections() {
		for _, kind := range []Kind{KindCreate, KindUpdate, KindDelete} {
			def := &Definition{
				Name:       collectionName + "." + kind.String(),
				Collection: collectionName,
				Kind:       kind,
				Permission: collectionName + ".can_manage",
			}
			if err := r.Register(def); err != nil {
				return nil, err
			}
		}
	}
	if err := registerBuiltins(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds or replaces a definition, compiling its payload schema.
func (r *Registry) Register(def *Definition) error {
	if !r.reg.HasCollection(def.Collection) {
		return fmt.Errorf("action %s: unknown collection %q", def.Name, def.Collection)
	}
	op := opCreate
	switch def.Kind {
	case KindUpdate:
		op = opUpdate
	case KindDelete:
		op = opDelete
	}
	schemaVal, err := compilePayloadSchema(r.cuectx, r.reg, def.Collection, op)
	if err != nil {
		return fmt.Errorf("action %s: %w", def.Name, err)
	}
	def.payloadSchema = schemaVal
	r.actions[def.Name] = def
	return nil
}

// Get resolves an action by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	def, ok := r.actions[name]
	return def, ok
}

// Names returns the registered action names sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// registerBuiltins layers the specialized actions over the generics.
func registerBuiltins(r *Registry) error {
	for _, def := range []*Definition{
		topicCreate(),
		agendaItemCreate(),
		motionUpdate(),
	} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// topicCreate also creates the topic's agenda item in the same batch.
func topicCreate() *Definition {
	return &Definition{
		Name:       "topic.create",
		Collection: "topic",
		Kind:       KindCreate,
		Permission: "agenda.can_manage",
		Dependencies: []Dependency{{
			Action: "agenda_item.create",
			Payload: func(fqid string, instance model.Object) model.Object {
				payload := model.Object{"content_object_id": model.String(fqid)}
				if mid, ok := instance["meeting_id"]; ok {
					payload["meeting_id"] = mid
				}
				return payload
			},
		}},
	}
}

// agendaItemCreate infers the parent item: when the content object already
// carries an agenda item, the new item is created beneath it and the content
// object keeps its existing one.
func agendaItemCreate() *Definition {
	return &Definition{
		Name:       "agenda_item.create",
		Collection: "agenda_item",
		Kind:       KindCreate,
		Permission: "agenda.can_manage",
		Prepare: func(ctx context.Context, ex *Execution, payload model.Object) (model.Object, error) {
			contentVal, ok := payload["content_object_id"].(model.String)
			if !ok {
				return payload, nil
			}
			existing, err := ex.FieldValue(ctx, string(contentVal), "agenda_item_id")
			if err != nil {
				return nil, err
			}
			parentID, ok := existing.(model.Int)
			if !ok {
				return payload, nil
			}
			out := payload.Clone()
			out["parent_id"] = parentID
			// agenda_item_id is a singleton reverse: the content object
			// keeps its existing item, the new one only hangs beneath it.
			delete(out, "content_object_id")
			return out, nil
		},
	}
}

// motionUpdate extends the meeting's history: the meeting receives a no-op
// update event so the change shows up in its timeline.
func motionUpdate() *Definition {
	return &Definition{
		Name:       "motion.update",
		Collection: "motion",
		Kind:       KindUpdate,
		Permission: "motion.can_manage",
		After: func(ctx context.Context, ex *Execution, fqid string, _ model.Object) error {
			meetingVal, err := ex.FieldValue(ctx, fqid, "meeting_id")
			if err != nil {
				return err
			}
			if id, ok := meetingVal.(model.Int); ok {
				ex.Touch(model.FQID("meeting", int(id)))
			}
			return nil
		},
	}
}
