package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/plenumd/plenum/internal/model"
)

// snapshot renders a result as a canonical JSON document so golden files are
// byte-identical across runs: the committed event stream of every batch, or
// the structured error code.
func snapshot(result *Result) ([]byte, error) {
	doc := model.Object{}
	if result.ErrorCode != "" {
		doc["error"] = model.String(result.ErrorCode)
	}
	batches := make(model.List, len(result.Batches))
	for i, events := range result.Batches {
		list := make(model.List, len(events))
		for j, e := range events {
			list[j] = e.Object()
		}
		batches[i] = list
	}
	doc["batches"] = batches

	encoded, err := model.MarshalCanonical(doc)
	if err != nil {
		return nil, err
	}
	return append(encoded, '\n'), nil
}

// RunWithGolden executes a scenario and compares the committed event streams
// against testdata/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	encoded, err := snapshot(result)
	if err != nil {
		t.Fatalf("scenario %s: snapshot: %v", scenario.Name, err)
	}
	g := goldie.New(t)
	g.Assert(t, scenario.Name, encoded)
}
