package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines one end-to-end conformance scenario: seeded datastore
// state, a sequence of batches, and the expected outcome. The committed
// event streams are compared against golden files.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// Seed lists instances written to the datastore before execution.
	// Seeding bypasses the pipeline; reverse fields must be given on both
	// sides where the scenario depends on them.
	Seed []SeedInstance `yaml:"seed,omitempty"`

	// Batches are executed in order, each as one atomic request.
	Batches []Batch `yaml:"batches"`

	// ExpectError names the error code the LAST batch must fail with.
	// When set, earlier batches must succeed and the last commits nothing.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// SeedInstance is one pre-existing instance.
type SeedInstance struct {
	FQID   string         `yaml:"fqid"`
	Fields map[string]any `yaml:"fields"`
}

// Batch is one ingress document: a list of action entries.
type Batch []RequestStep

// RequestStep is one action entry of a batch.
type RequestStep struct {
	Action string           `yaml:"action"`
	Data   []map[string]any `yaml:"data"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var scenario Scenario
	if err := dec.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if scenario.Name == "" {
		return nil, fmt.Errorf("scenario %s: missing name", path)
	}
	if len(scenario.Batches) == 0 {
		return nil, fmt.Errorf("scenario %s: no batches", path)
	}
	return &scenario, nil
}
