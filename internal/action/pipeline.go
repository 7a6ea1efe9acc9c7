package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/plenumd/plenum/internal/calculated"
	"github.com/plenumd/plenum/internal/datastore"
	"github.com/plenumd/plenum/internal/events"
	"github.com/plenumd/plenum/internal/model"
	"github.com/plenumd/plenum/internal/overlay"
	"github.com/plenumd/plenum/internal/relation"
	"github.com/plenumd/plenum/internal/schema"
)

// DefaultRetryLimit bounds transparent whole-batch retries on Stale.
const DefaultRetryLimit = 3

// DefaultMaxSteps bounds the fixpoint loop. A converging batch touches each
// (instance, field) pair a small constant number of times; hitting the bound
// means a handler cycle.
const DefaultMaxSteps = 10000

// ActionRequest is one entry of the ingress document.
type ActionRequest struct {
	Action string         `json:"action"`
	Data   []model.Object `json:"data"`
}

// Request is the parsed ingress document.
type Request []ActionRequest

// PayloadResult reports what one payload element produced.
type PayloadResult struct {
	ID   int    `json:"id,omitempty"`
	FQID string `json:"fqid,omitempty"`
}

// ActionResult groups the per-payload results of one action entry.
type ActionResult struct {
	Results []PayloadResult `json:"results"`
}

// Response mirrors the request shape.
type Response []ActionResult

// ParseRequest decodes the wire document, keeping numbers exact.
func ParseRequest(raw []byte) (Request, error) {
	var wire []struct {
		Action string            `json:"action"`
		Data   []json.RawMessage `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, newError(ErrCodePayload, "", "malformed request: %v", err)
	}
	req := make(Request, len(wire))
	for i, entry := range wire {
		if entry.Action == "" {
			return nil, newError(ErrCodePayload, "", "entry %d: missing action", i)
		}
		req[i].Action = entry.Action
		req[i].Data = make([]model.Object, len(entry.Data))
		for j, rawElem := range entry.Data {
			obj, err := model.DecodeObject(rawElem)
			if err != nil {
				return nil, newError(ErrCodePayload, entry.Action, "payload %d: %v", j, err)
			}
			req[i].Data[j] = obj
		}
	}
	return req, nil
}

// Pipeline executes batches. Safe for concurrent use: all mutable state
// lives in the per-request Execution.
type Pipeline struct {
	reg     *schema.Registry
	actions *Registry
	calc    *calculated.Registry
	ds      datastore.Datastore
	perms   Permissions
	logger  *slog.Logger

	retryLimit int
	maxSteps   int
}

// Options tune a pipeline; zero values pick defaults.
type Options struct {
	Permissions Permissions
	Logger      *slog.Logger
	RetryLimit  int
	MaxSteps    int
}

// NewPipeline wires a pipeline over its constructed dependencies.
func NewPipeline(reg *schema.Registry, actions *Registry, calc *calculated.Registry, ds datastore.Datastore, opts Options) *Pipeline {
	p := &Pipeline{
		reg:        reg,
		actions:    actions,
		calc:       calc,
		ds:         ds,
		perms:      opts.Permissions,
		logger:     opts.Logger,
		retryLimit: opts.RetryLimit,
		maxSteps:   opts.MaxSteps,
	}
	if p.perms == nil {
		p.perms = AllowAll{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.retryLimit <= 0 {
		p.retryLimit = DefaultRetryLimit
	}
	if p.maxSteps <= 0 {
		p.maxSteps = DefaultMaxSteps
	}
	return p
}

// Execution is the request-scoped state shared by all actions of one batch
// attempt, including nested dependencies.
type Execution struct {
	ov    *overlay.Overlay
	res   *relation.Resolver
	queue []overlay.Change
	steps int
}

// FieldValue reads one field from the merged view; hooks use it.
func (ex *Execution) FieldValue(ctx context.Context, fqid, field string) (model.Value, error) {
	return ex.ov.FieldValue(ctx, fqid, field)
}

// Touch schedules a no-op update event on the instance.
func (ex *Execution) Touch(fqid string) {
	ex.ov.Touch(fqid)
}

// enqueue adds a change to the fixpoint queue, suppressing no-ops.
func (ex *Execution) enqueue(ch overlay.Change) {
	if !ch.Deleted && model.Equal(ch.Old, ch.New) {
		return
	}
	ex.queue = append(ex.queue, ch)
}

// Execute runs the batch with transparent retry on lock contention. The
// returned error is always a *Error for user-visible failures.
func (p *Pipeline) Execute(ctx context.Context, req Request) (Response, error) {
	token := uuid.Must(uuid.NewV7()).String()
	logger := p.logger.With("request", token)

	var lastErr error
	for attempt := 1; attempt <= p.retryLimit; attempt++ {
		resp, err := p.executeOnce(ctx, logger, req)
		if err == nil {
			return resp, nil
		}
		if !datastore.IsStale(err) {
			return nil, err
		}
		lastErr = err
		logger.Warn("snapshot went stale, retrying batch", "attempt", attempt)
	}
	return nil, &Error{Code: ErrCodeDatastore,
		Message: fmt.Sprintf("batch kept losing its snapshot after %d attempts", p.retryLimit),
		wrapped: lastErr}
}

func (p *Pipeline) executeOnce(ctx context.Context, logger *slog.Logger, req Request) (Response, error) {
	ex := &Execution{ov: overlay.New(p.ds)}
	ex.res = relation.New(p.reg, ex.ov)

	resp := make(Response, 0, len(req))
	for _, entry := range req {
		def, ok := p.actions.Get(entry.Action)
		if !ok {
			return nil, newError(ErrCodePayload, entry.Action, "unknown action")
		}
		results, err := p.runAction(ctx, ex, def, entry.Data)
		if err != nil {
			return nil, wrapError(entry.Action, err)
		}
		resp = append(resp, ActionResult{Results: results})
	}

	if err := p.validateBatch(ctx, ex); err != nil {
		return nil, err
	}

	batch, err := events.Compile(ex.ov, p.reg)
	if err != nil {
		return nil, wrapError("", err)
	}
	if len(batch) == 0 {
		logger.Info("batch produced no events")
		return resp, nil
	}

	position, err := ex.ov.Position(ctx)
	if err != nil {
		return nil, wrapError("", err)
	}
	writeReq := datastore.WriteRequest{
		Events:      batch,
		LockedFQIDs: ex.ov.LockedFQIDs(),
		Position:    position,
	}
	if err := p.ds.Write(ctx, writeReq); err != nil {
		if datastore.IsStale(err) {
			return nil, err
		}
		return nil, wrapError("", err)
	}
	logger.Info("batch committed", "events", len(batch), "position", position)
	return resp, nil
}

func (p *Pipeline) runAction(ctx context.Context, ex *Execution, def *Definition, data []model.Object) ([]PayloadResult, error) {
	var ids []int
	if def.Kind == KindCreate && len(data) > 0 {
		var err error
		ids, err = p.ds.ReserveIDs(ctx, def.Collection, len(data))
		if err != nil {
			return nil, err
		}
	}

	results := make([]PayloadResult, 0, len(data))
	for i, payload := range data {
		newID := 0
		if def.Kind == KindCreate {
			newID = ids[i]
		}
		result, err := p.runPayload(ctx, ex, def, payload, newID)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// runPayload executes one payload element end to end: validate, permission,
// stage, fixpoint, hooks, dependencies.
func (p *Pipeline) runPayload(ctx context.Context, ex *Execution, def *Definition, payload model.Object, newID int) (PayloadResult, error) {
	if err := validatePayload(p.actions.cuectx, def.payloadSchema, payload); err != nil {
		return PayloadResult{}, newError(ErrCodePayload, def.Name, "invalid payload: %v", err)
	}
	permReq := PermissionRequest{
		Action:     def.Name,
		Permission: def.Permission,
		Collection: def.Collection,
		Payload:    payload,
	}
	if err := p.perms.Allowed(ctx, permReq); err != nil {
		return PayloadResult{}, &Error{Code: ErrCodePermission, Action: def.Name, Message: err.Error(), wrapped: err}
	}
	if def.Prepare != nil {
		var err error
		payload, err = def.Prepare(ctx, ex, payload)
		if err != nil {
			return PayloadResult{}, err
		}
	}

	var fqid string
	switch def.Kind {
	case KindCreate:
		fqid = model.FQID(def.Collection, newID)
		fields := payload.Clone()
		fields["id"] = model.Int(newID)
		if err := ex.ov.StageCreate(fqid, fields); err != nil {
			return PayloadResult{}, err
		}
		for _, name := range sortedFieldNames(fields) {
			if name == "id" {
				continue
			}
			ex.enqueue(overlay.Change{FQID: fqid, Field: name, New: fields[name]})
		}

	case KindUpdate:
		id, ok := payload["id"].(model.Int)
		if !ok {
			return PayloadResult{}, newError(ErrCodePayload, def.Name, "missing id")
		}
		fqid = model.FQID(def.Collection, int(id))
		fields := payload.Clone()
		delete(fields, "id")
		// Read the old values before staging so the fixpoint sees the
		// transition, not just the result.
		for _, name := range sortedFieldNames(fields) {
			old, err := ex.ov.FieldValue(ctx, fqid, name)
			if err != nil {
				return PayloadResult{}, err
			}
			ex.enqueue(overlay.Change{FQID: fqid, Field: name, Old: old, New: fields[name]})
		}
		if err := ex.ov.StageUpdate(fqid, fields); err != nil {
			return PayloadResult{}, err
		}

	case KindDelete:
		id, ok := payload["id"].(model.Int)
		if !ok {
			return PayloadResult{}, newError(ErrCodePayload, def.Name, "missing id")
		}
		fqid = model.FQID(def.Collection, int(id))
		if err := p.deleteInstance(ctx, ex, fqid); err != nil {
			return PayloadResult{}, err
		}
	}

	if err := p.drain(ctx, ex); err != nil {
		return PayloadResult{}, err
	}
	if def.After != nil {
		if err := def.After(ctx, ex, fqid, payload); err != nil {
			return PayloadResult{}, err
		}
	}
	if err := p.runDependencies(ctx, ex, def, fqid); err != nil {
		return PayloadResult{}, err
	}

	result := PayloadResult{FQID: fqid}
	if def.Kind == KindCreate {
		result.ID = newID
	}
	return result, nil
}

// runDependencies executes the nested actions of one element, sharing the
// overlay and fixpoint queue so both sides land in the same batch.
func (p *Pipeline) runDependencies(ctx context.Context, ex *Execution, def *Definition, fqid string) error {
	if len(def.Dependencies) == 0 || ex.ov.IsDeleted(fqid) {
		return nil
	}
	instance, err := ex.ov.Get(ctx, fqid, nil)
	if err != nil {
		return err
	}
	for _, dep := range def.Dependencies {
		depDef, ok := p.actions.Get(dep.Action)
		if !ok {
			return newError(ErrCodePayload, def.Name, "unknown dependency action %q", dep.Action)
		}
		payload := dep.Payload(fqid, instance)
		if payload == nil {
			continue
		}
		newID := 0
		if depDef.Kind == KindCreate {
			ids, err := p.ds.ReserveIDs(ctx, depDef.Collection, 1)
			if err != nil {
				return err
			}
			newID = ids[0]
		}
		if _, err := p.runPayload(ctx, ex, depDef, payload, newID); err != nil {
			return wrapError(dep.Action, err)
		}
	}
	return nil
}

// deleteInstance applies the on-delete policies rooted at fqid: holders with
// CASCADE are deleted depth-first (so children precede their parents in the
// event order), PROTECT holders abort the batch, everything else loses its
// reference through normal relation resolution.
func (p *Pipeline) deleteInstance(ctx context.Context, ex *Execution, fqid string) error {
	if ex.ov.IsDeleted(fqid) {
		return nil // duplicate delete within the batch
	}
	relFields, err := ex.res.RelationFieldsOf(ctx, fqid)
	if err != nil {
		return err
	}
	ex.ov.MarkDeleted(fqid)

	for _, fv := range relFields {
		refs, err := relation.RefsOf(fv.Field, fv.Value)
		if err != nil {
			return err
		}
		for _, target := range refs {
			targetFQID := target.FQID()
			if ex.ov.IsDeleted(targetFQID) {
				continue
			}
			exists, err := ex.ov.Exists(ctx, targetFQID)
			if err != nil || !exists {
				if err != nil && !datastore.IsNotFound(err) {
					return err
				}
				continue
			}
			paired, policy, err := ex.res.OnDeletePolicy(ctx, fv, fqid, target)
			if err != nil {
				return err
			}
			switch policy {
			case schema.OnDeleteCascade:
				if err := p.deleteInstance(ctx, ex, targetFQID); err != nil {
					return err
				}
			case schema.OnDeleteProtect:
				return &Error{Code: ErrCodeProtected, FQID: fqid,
					Field: paired.Collection + "." + paired.Name,
					Message: fmt.Sprintf("%s still references %s", targetFQID, fqid)}
			}
		}
		ex.enqueue(overlay.Change{FQID: fqid, Field: fv.Field.Name, Old: fv.Value, Deleted: true})
	}

	ex.ov.RecordDeleteOrder(fqid)
	return nil
}

// drain runs the fixpoint loop: every queued change is resolved against the
// relation tables and offered to the calculated-field handlers; whatever
// they stage is queued in turn. No-op suppression in enqueue plus disjoint
// handler read/write sets make this converge; maxSteps guards regressions.
func (p *Pipeline) drain(ctx context.Context, ex *Execution) error {
	for len(ex.queue) > 0 {
		ex.steps++
		if ex.steps > p.maxSteps {
			return newError(ErrCodeRelation, "", "fixpoint did not converge after %d steps", p.maxSteps)
		}
		ch := ex.queue[0]
		ex.queue = ex.queue[1:]

		staged, err := ex.res.Resolve(ctx, ch)
		if err != nil {
			return err
		}
		for _, c := range staged {
			ex.enqueue(c)
		}
		for _, h := range p.calc.HandlersFor(p.reg, ch) {
			staged, err := h.Apply(ctx, calculated.Env{Registry: p.reg, Overlay: ex.ov}, ch)
			if err != nil {
				return err
			}
			for _, c := range staged {
				ex.enqueue(c)
			}
		}
	}
	return nil
}

// validateBatch enforces the commit-time invariants over every touched
// instance: required fields populated, equal_fields constraints holding.
func (p *Pipeline) validateBatch(ctx context.Context, ex *Execution) error {
	for _, fqid := range ex.ov.ChangedFQIDs() {
		if ex.ov.IsDeleted(fqid) {
			continue
		}
		collection := model.CollectionOf(fqid)
		for _, f := range p.reg.Fields(collection) {
			if f.Required {
				val, err := ex.ov.FieldValue(ctx, fqid, f.Name)
				if err != nil {
					return wrapError("", err)
				}
				if model.IsEmpty(val) {
					return &Error{Code: ErrCodeRequiredField, FQID: fqid, Field: f.Name,
						Message: fmt.Sprintf("required field %q is unset", f.Name)}
				}
			}
			if f.IsRelation() && len(f.EqualFields) > 0 && f.Kind != schema.KindTemplate {
				if err := p.checkEqualFields(ctx, ex, fqid, f); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Pipeline) checkEqualFields(ctx context.Context, ex *Execution, fqid string, f *schema.Field) error {
	val, err := ex.ov.FieldValue(ctx, fqid, f.Name)
	if err != nil {
		return wrapError("", err)
	}
	refs, err := relation.RefsOf(f, val)
	if err != nil {
		return wrapError("", err)
	}
	for _, target := range refs {
		targetFQID := target.FQID()
		if ex.ov.IsDeleted(targetFQID) {
			continue
		}
		for _, name := range f.EqualFields {
			srcVal, err := ex.ov.FieldValue(ctx, fqid, name)
			if err != nil {
				return wrapError("", err)
			}
			dstVal, err := ex.ov.FieldValue(ctx, targetFQID, name)
			if err != nil {
				return wrapError("", err)
			}
			if !model.Equal(srcVal, dstVal) {
				return &Error{Code: ErrCodeEqualFields, FQID: fqid, Field: f.Collection + "." + f.Name,
					Message: fmt.Sprintf("%q differs between %s and %s", name, fqid, targetFQID)}
			}
		}
	}
	return nil
}
