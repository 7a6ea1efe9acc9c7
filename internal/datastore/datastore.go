// Package datastore defines the contract to the external event-store and
// provides two implementations: an HTTP client speaking to the reader and
// writer endpoints, and an in-process SQLite-backed store used by tests and
// single-binary deployments.
package datastore

import (
	"context"

	"github.com/plenumd/plenum/internal/model"
)

// GetManyRequest asks for a set of instances of one collection.
type GetManyRequest struct {
	Collection string   `json:"collection"`
	IDs        []int    `json:"ids"`
	Fields     []string `json:"mapped_fields,omitempty"`
}

// WriteRequest is an ordered event batch guarded by optimistic locks: if any
// locked fingerprint changed after Position, the write fails with a stale
// error and the whole request is retried.
type WriteRequest struct {
	Events      []Event  `json:"events"`
	LockedFQIDs []string `json:"locked_fqids,omitempty"`
	Position    int64    `json:"position"`
}

// Datastore is the contract over the external event-store. All methods honor
// context cancellation; every call carries the request deadline.
type Datastore interface {
	// Get returns a partial instance. Fails with a NOT_FOUND error when the
	// fingerprint never existed and DELETED when it was deleted. A nil
	// fields slice returns the full instance.
	Get(ctx context.Context, fqid string, fields []string) (model.Object, error)

	// GetMany returns the found instances grouped by collection and id.
	// Missing ids are silently absent from the result.
	GetMany(ctx context.Context, reqs []GetManyRequest) (map[string]map[int]model.Object, error)

	// Filter returns the instances of a collection matching the predicate.
	Filter(ctx context.Context, collection string, filter Filter, fields []string) (map[int]model.Object, error)

	// ReserveIDs reserves count dense monotonically-assigned ids.
	ReserveIDs(ctx context.Context, collection string, count int) ([]int, error)

	// CurrentPosition returns the position of the latest committed write.
	// Reads taken afterwards are locked against this position.
	CurrentPosition(ctx context.Context) (int64, error)

	// Write commits an event batch atomically. Returns a STALE error when a
	// locked fingerprint changed since req.Position.
	Write(ctx context.Context, req WriteRequest) error
}
