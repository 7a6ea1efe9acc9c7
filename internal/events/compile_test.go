package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plenumd/plenum/internal/datastore"
	"github.com/plenumd/plenum/internal/model"
	"github.com/plenumd/plenum/internal/overlay"
	"github.com/plenumd/plenum/internal/schema"
)

func newCompileEnv(t *testing.T, seed map[string]model.Object) (*overlay.Overlay, *schema.Registry) {
	t.Helper()
	reg, err := schema.Load()
	require.NoError(t, err)

	store, err := datastore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var events []datastore.Event
	for fqid, fields := range seed {
		_, id, err := model.SplitFQID(fqid)
		require.NoError(t, err)
		obj := fields.Clone()
		obj["id"] = model.Int(id)
		events = append(events, datastore.Event{Type: datastore.EventCreate, FQID: fqid, Fields: obj})
	}
	if len(events) > 0 {
		require.NoError(t, store.Write(context.Background(), datastore.WriteRequest{Events: events}))
	}
	return overlay.New(store), reg
}

func eventKeys(batch []datastore.Event) []string {
	out := make([]string, len(batch))
	for i, e := range batch {
		out[i] = string(e.Type) + " " + e.FQID
	}
	return out
}

func TestCompileOrdersCreatesByReference(t *testing.T) {
	ov, reg := newCompileEnv(t, nil)

	// tag/1 references tag/2 via nothing; motion references its state.
	require.NoError(t, ov.StageCreate("motion/1", model.Object{
		"id": model.Int(1), "title": model.String("M"), "meeting_id": model.Int(9), "state_id": model.Int(1),
	}))
	require.NoError(t, ov.StageCreate("motion_state/1", model.Object{
		"id": model.Int(1), "name": model.String("draft"), "meeting_id": model.Int(9),
	}))

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"create motion_state/1", "create motion/1"}, eventKeys(batch),
		"referenced instance precedes its holder")
}

func TestCompileBreaksReferenceCyclesInInsertionOrder(t *testing.T) {
	ov, reg := newCompileEnv(t, nil)

	require.NoError(t, ov.StageCreate("topic/1", model.Object{
		"id": model.Int(1), "title": model.String("T"), "meeting_id": model.Int(9), "agenda_item_id": model.Int(1),
	}))
	require.NoError(t, ov.StageCreate("agenda_item/1", model.Object{
		"id": model.Int(1), "meeting_id": model.Int(9), "content_object_id": model.String("topic/1"),
	}))

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"create topic/1", "create agenda_item/1"}, eventKeys(batch))
}

func TestCompileCreatedAndDeletedProducesNothing(t *testing.T) {
	ov, reg := newCompileEnv(t, nil)

	require.NoError(t, ov.StageCreate("tag/1", model.Object{"id": model.Int(1), "name": model.String("t")}))
	ov.MarkDeleted("tag/1")
	ov.RecordDeleteOrder("tag/1")

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestCompileDropsNullsOnFreshInstances(t *testing.T) {
	ov, reg := newCompileEnv(t, nil)

	require.NoError(t, ov.StageCreate("tag/1", model.Object{
		"id": model.Int(1), "name": model.String("t"), "tagged_ids": model.Null{},
	}))

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.NotContains(t, batch[0].Fields, "tagged_ids")
}

func TestCompileAssignedFieldBecomesUpdate(t *testing.T) {
	ov, reg := newCompileEnv(t, map[string]model.Object{
		"motion/1": {"title": model.String("a"), "tag_ids": model.IntList(7)},
	})

	require.NoError(t, ov.StageUpdate("motion/1", model.Object{"tag_ids": model.IntList(7, 8)}))

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, datastore.EventUpdate, batch[0].Type)
	assert.Equal(t, model.Value(model.IntList(7, 8)), batch[0].Fields["tag_ids"])
}

func TestCompileDiffedFieldBecomesListUpdate(t *testing.T) {
	ov, reg := newCompileEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A"), "tag_ids": model.IntList(7, 8)},
	})
	ctx := context.Background()

	_, _, err := ov.StageListAdd(ctx, "meeting/1", "tag_ids", model.IntList(9))
	require.NoError(t, err)
	_, _, err = ov.StageListRemove(ctx, "meeting/1", "tag_ids", model.IntList(7))
	require.NoError(t, err)

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, datastore.EventListUpdate, batch[0].Type)
	assert.Equal(t, "tag_ids", batch[0].Field)
	assert.Equal(t, model.IntList(9), batch[0].Add)
	assert.Equal(t, model.IntList(7), batch[0].Remove)
}

func TestCompileCoalescesToNoop(t *testing.T) {
	ov, reg := newCompileEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A"), "tag_ids": model.IntList(7)},
	})
	ctx := context.Background()

	// Add then remove the same element: back at the snapshot value.
	_, _, err := ov.StageListAdd(ctx, "meeting/1", "tag_ids", model.IntList(9))
	require.NoError(t, err)
	_, _, err = ov.StageListRemove(ctx, "meeting/1", "tag_ids", model.IntList(9))
	require.NoError(t, err)

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestCompileNullClearsStoredField(t *testing.T) {
	ov, reg := newCompileEnv(t, map[string]model.Object{
		"motion/1": {"title": model.String("a"), "number": model.String("X-1")},
	})
	ctx := context.Background()

	// Fetch first so the compiler can diff against the snapshot.
	_, err := ov.Get(ctx, "motion/1", nil)
	require.NoError(t, err)
	require.NoError(t, ov.StageUpdate("motion/1", model.Object{
		"number":  model.Null{},
		"created": model.Null{}, // was never set: clearing is a no-op
	}))

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, model.Value(model.Null{}), batch[0].Fields["number"])
	assert.NotContains(t, batch[0].Fields, "created")
}

func TestCompileTouchEmitsEmptyUpdate(t *testing.T) {
	ov, reg := newCompileEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A")},
	})
	ov.Touch("meeting/1")

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, datastore.EventUpdate, batch[0].Type)
	assert.Empty(t, batch[0].Fields)
}

func TestCompileDeletesInRecordedOrder(t *testing.T) {
	ov, reg := newCompileEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A")},
		"tag/7":     {"name": model.String("t"), "meeting_id": model.Int(1)},
	})

	ov.MarkDeleted("tag/7")
	ov.RecordDeleteOrder("tag/7")
	ov.MarkDeleted("meeting/1")
	ov.RecordDeleteOrder("meeting/1")

	batch, err := Compile(ov, reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete tag/7", "delete meeting/1"}, eventKeys(batch))
}
