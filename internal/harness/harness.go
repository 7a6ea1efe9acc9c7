// Package harness executes conformance scenarios against a fresh in-memory
// datastore and captures the committed event streams for golden comparison.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/plenumd/plenum/internal/action"
	"github.com/plenumd/plenum/internal/calculated"
	"github.com/plenumd/plenum/internal/datastore"
	"github.com/plenumd/plenum/internal/model"
	"github.com/plenumd/plenum/internal/schema"
)

// Result is the outcome of one scenario execution.
type Result struct {
	// Batches holds the committed event stream of every successful batch,
	// in execution order. A batch that produced no events contributes an
	// empty slice.
	Batches [][]datastore.Event

	// Responses holds the pipeline responses of successful batches.
	Responses []action.Response

	// ErrorCode is set when the last batch failed with a structured error.
	ErrorCode string
}

// recordingStore captures every committed write batch.
type recordingStore struct {
	datastore.Datastore
	writes []datastore.WriteRequest
}

func (r *recordingStore) Write(ctx context.Context, req datastore.WriteRequest) error {
	if err := r.Datastore.Write(ctx, req); err != nil {
		return err
	}
	r.writes = append(r.writes, req)
	return nil
}

// Run executes a scenario in a fresh in-memory datastore.
func Run(scenario *Scenario) (*Result, error) {
	store, err := datastore.OpenSQLite(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory datastore: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := seed(ctx, store, scenario.Seed); err != nil {
		return nil, err
	}

	rec := &recordingStore{Datastore: store}
	pipeline, err := buildPipeline(rec)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for i, batch := range scenario.Batches {
		req, err := buildRequest(batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		marker := len(rec.writes)
		resp, err := pipeline.Execute(ctx, req)
		if err != nil {
			var actErr *action.Error
			if errors.As(err, &actErr) && scenario.ExpectError != "" && i == len(scenario.Batches)-1 {
				result.ErrorCode = string(actErr.Code)
				return result, nil
			}
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		result.Responses = append(result.Responses, resp)
		events := []datastore.Event{}
		for _, write := range rec.writes[marker:] {
			events = append(events, write.Events...)
		}
		result.Batches = append(result.Batches, events)
	}
	if scenario.ExpectError != "" {
		return nil, fmt.Errorf("expected error %s, all batches succeeded", scenario.ExpectError)
	}
	return result, nil
}

func buildPipeline(ds datastore.Datastore) (*action.Pipeline, error) {
	reg, err := schema.Load()
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	actions, err := action.NewRegistry(reg)
	if err != nil {
		return nil, fmt.Errorf("build action registry: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return action.NewPipeline(reg, actions, calculated.NewRegistry(), ds, action.Options{
		Permissions: action.AllowAll{},
		Logger:      logger,
	}), nil
}

// seed writes the initial instances directly, without pipeline involvement.
func seed(ctx context.Context, store datastore.Datastore, instances []SeedInstance) error {
	if len(instances) == 0 {
		return nil
	}
	var events []datastore.Event
	for _, inst := range instances {
		_, id, err := model.SplitFQID(inst.FQID)
		if err != nil {
			return fmt.Errorf("seed %q: %w", inst.FQID, err)
		}
		val, err := model.FromGo(inst.Fields)
		if err != nil {
			return fmt.Errorf("seed %q: %w", inst.FQID, err)
		}
		fields, ok := val.(model.Object)
		if !ok {
			return fmt.Errorf("seed %q: fields must be a mapping", inst.FQID)
		}
		fields["id"] = model.Int(id)
		events = append(events, datastore.Event{Type: datastore.EventCreate, FQID: inst.FQID, Fields: fields})
	}
	if err := store.Write(ctx, datastore.WriteRequest{Events: events}); err != nil {
		return fmt.Errorf("seed write: %w", err)
	}
	return nil
}

func buildRequest(batch Batch) (action.Request, error) {
	req := make(action.Request, len(batch))
	for i, step := range batch {
		req[i].Action = step.Action
		req[i].Data = make([]model.Object, len(step.Data))
		for j, payload := range step.Data {
			val, err := model.FromGo(payload)
			if err != nil {
				return nil, fmt.Errorf("%s payload %d: %w", step.Action, j, err)
			}
			obj, ok := val.(model.Object)
			if !ok {
				return nil, fmt.Errorf("%s payload %d: not a mapping", step.Action, j)
			}
			req[i].Data[j] = obj
		}
	}
	return req, nil
}
