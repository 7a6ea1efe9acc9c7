package relation

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

type testEnv struct {
	reg *schema.Registry
	ov  *overlay.Overlay
	res *Resolver
}

func newTestEnv(t *testing.T, seed map[string]model.Object) *testEnv {
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

	ov := overlay.New(store)
	return &testEnv{reg: reg, ov: ov, res: New(reg, ov)}
}

func (e *testEnv) fieldValue(t *testing.T, fqid, field string) model.Value {
	t.Helper()
	val, err := e.ov.FieldValue(context.Background(), fqid, field)
	require.NoError(t, err)
	return val
}

func TestResolveAddsGenericBackRef(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A"), "motion_ids": model.IntList(10), "tag_ids": model.IntList(7)},
		"motion/10": {"title": model.String("M"), "meeting_id": model.Int(1), "state_id": model.Int(3)},
		"tag/7":     {"name": model.String("urgent"), "meeting_id": model.Int(1)},
	})

	staged, err := env.res.Resolve(context.Background(), overlay.Change{
		FQID: "motion/10", Field: "tag_ids", New: model.IntList(7),
	})
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, "tag/7", staged[0].FQID)
	assert.Equal(t, "tagged_ids", staged[0].Field)
	assert.Equal(t, model.Value(model.StringList("motion/10")), env.fieldValue(t, "tag/7", "tagged_ids"))
}

func TestResolveRemovesBackRef(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A")},
		"motion/10": {"title": model.String("M"), "meeting_id": model.Int(1), "tag_ids": model.IntList(7)},
		"tag/7":     {"name": model.String("urgent"), "meeting_id": model.Int(1), "tagged_ids": model.StringList("motion/10")},
	})

	staged, err := env.res.Resolve(context.Background(), overlay.Change{
		FQID: "motion/10", Field: "tag_ids", Old: model.IntList(7), New: model.List{},
	})
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, model.Value(model.List{}), env.fieldValue(t, "tag/7", "tagged_ids"))
}

func TestResolveSkipsDeletedTargetOnRemoval(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A")},
		"motion/10": {"title": model.String("M"), "meeting_id": model.Int(1), "tag_ids": model.IntList(7)},
		"tag/7":     {"name": model.String("urgent"), "meeting_id": model.Int(1), "tagged_ids": model.StringList("motion/10")},
	})
	env.ov.MarkDeleted("tag/7")

	staged, err := env.res.Resolve(context.Background(), overlay.Change{
		FQID: "motion/10", Field: "tag_ids", Old: model.IntList(7), Deleted: true,
	})
	require.NoError(t, err)
	assert.Empty(t, staged, "no staging onto a doomed instance")
}

func TestResolveUnknownTarget(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A")},
		"motion/10": {"title": model.String("M"), "meeting_id": model.Int(1)},
	})

	_, err := env.res.Resolve(context.Background(), overlay.Change{
		FQID: "motion/10", Field: "tag_ids", New: model.IntList(99),
	})
	var relErr *Error
	require.ErrorAs(t, err, &relErr)
	assert.Equal(t, ErrCodeUnknownTarget, relErr.Code)
}

func TestResolveEqualFieldsViolation(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A")},
		"meeting/2": {"name": model.String("B")},
		"motion/10": {"title": model.String("M"), "meeting_id": model.Int(1)},
		"tag/7":     {"name": model.String("urgent"), "meeting_id": model.Int(2)},
	})

	_, err := env.res.Resolve(context.Background(), overlay.Change{
		FQID: "motion/10", Field: "tag_ids", New: model.IntList(7),
	})
	var relErr *Error
	require.ErrorAs(t, err, &relErr)
	assert.Equal(t, ErrCodeEqualFields, relErr.Code)
}

func TestResolveSingletonConflict(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/1":     {"name": model.String("A")},
		"topic/1":       {"title": model.String("T"), "meeting_id": model.Int(1)},
		"topic/9":       {"title": model.String("Other"), "meeting_id": model.Int(1)},
		"agenda_item/2": {"meeting_id": model.Int(1), "content_object_id": model.String("topic/9")},
	})

	_, err := env.res.Resolve(context.Background(), overlay.Change{
		FQID: "topic/1", Field: "agenda_item_id", New: model.Int(2),
	})
	var relErr *Error
	require.ErrorAs(t, err, &relErr)
	assert.Equal(t, ErrCodeConflict, relErr.Code)
}

func TestResolveStructuredFieldMirrorsBareList(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/2": {"name": model.String("B"), "group_ids": model.IntList(9)},
		"group/9":   {"name": model.String("G"), "meeting_id": model.Int(2)},
		"user/5":    {"username": model.String("u")},
	})
	ctx := context.Background()

	staged, err := env.res.Resolve(ctx, overlay.Change{
		FQID: "group/9", Field: "user_ids", New: model.IntList(5),
	})
	require.NoError(t, err)
	require.Len(t, staged, 2)

	assert.Equal(t, model.Value(model.IntList(9)), env.fieldValue(t, "user/5", "group_$2_ids"))
	assert.Equal(t, model.Value(model.StringList("2")), env.fieldValue(t, "user/5", "group_$_ids"))
}

func TestResolveEmptiedStructuredVariantIsDropped(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/2": {"name": model.String("B"), "group_ids": model.IntList(9)},
		"group/9":   {"name": model.String("G"), "meeting_id": model.Int(2), "user_ids": model.IntList(5)},
		"user/5": {"username": model.String("u"),
			"group_$2_ids": model.IntList(9), "group_$_ids": model.StringList("2")},
	})
	ctx := context.Background()

	_, err := env.res.Resolve(ctx, overlay.Change{
		FQID: "group/9", Field: "user_ids", Old: model.IntList(5), New: model.List{},
	})
	require.NoError(t, err)

	assert.Nil(t, env.fieldValue(t, "user/5", "group_$2_ids"), "emptied variant is removed")
	assert.Equal(t, model.Value(model.List{}), env.fieldValue(t, "user/5", "group_$_ids"))
}

func TestRefsOfKinds(t *testing.T) {
	env := newTestEnv(t, nil)

	f, err := env.reg.Field("motion", "state_id")
	require.NoError(t, err)
	refs, err := RefsOf(f, model.Int(3))
	require.NoError(t, err)
	assert.Equal(t, []Ref{{Collection: "motion_state", ID: 3}}, refs)

	f, err = env.reg.Field("tag", "tagged_ids")
	require.NoError(t, err)
	refs, err = RefsOf(f, model.StringList("motion/10", "topic/4"))
	require.NoError(t, err)
	assert.Equal(t, []Ref{{Collection: "motion", ID: 10}, {Collection: "topic", ID: 4}}, refs)

	_, err = RefsOf(f, model.StringList("committee/1"))
	var relErr *Error
	require.ErrorAs(t, err, &relErr)
	assert.Equal(t, ErrCodeUnknownTarget, relErr.Code)

	refs, err = RefsOf(f, nil)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestRelationFieldsOfSkipsTemplatesAndCalculated(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"user/5": {"username": model.String("u"),
			"group_$2_ids": model.IntList(9), "group_$_ids": model.StringList("2"),
			"meeting_ids": model.IntList(2), "committee_management_ids": model.IntList(4)},
		"committee/4": {"name": model.String("C")},
	})

	fields, err := env.res.RelationFieldsOf(context.Background(), "user/5")
	require.NoError(t, err)

	names := make([]string, len(fields))
	for i, fv := range fields {
		names[i] = fv.Field.Name
	}
	assert.Equal(t, []string{"committee_management_ids", "group_$2_ids"}, names)
}

func TestOnDeletePolicy(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A"), "tag_ids": model.IntList(7)},
		"tag/7":     {"name": model.String("t"), "meeting_id": model.Int(1)},
	})

	f, err := env.reg.Field("meeting", "tag_ids")
	require.NoError(t, err)
	fv := FieldValue{Field: f, Value: model.IntList(7)}
	paired, policy, err := env.res.OnDeletePolicy(context.Background(), fv, "meeting/1", Ref{Collection: "tag", ID: 7})
	require.NoError(t, err)
	assert.Equal(t, "meeting_id", paired.Name)
	assert.Equal(t, schema.OnDeleteCascade, policy)
}

func TestResolveDeletedSourceStillResolvesTemplateReverse(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/2": {"name": model.String("B"), "group_ids": model.IntList(9)},
		"group/9":   {"name": model.String("G"), "meeting_id": model.Int(2), "user_ids": model.IntList(5)},
		"user/5": {"username": model.String("u"),
			"group_$2_ids": model.IntList(9), "group_$_ids": model.StringList("2")},
	})
	ctx := context.Background()

	// Read the instance first, as cascade processing does, then doom it.
	_, err := env.ov.Get(ctx, "group/9", nil)
	require.NoError(t, err)
	env.ov.MarkDeleted("group/9")

	staged, err := env.res.Resolve(ctx, overlay.Change{
		FQID: "group/9", Field: "user_ids", Old: model.IntList(5), Deleted: true,
	})
	require.NoError(t, err, "the replacement source reads through the delete mark")
	require.NotEmpty(t, staged)

	assert.Nil(t, env.fieldValue(t, "user/5", "group_$2_ids"), "emptied variant is removed")
	assert.Equal(t, model.Value(model.List{}), env.fieldValue(t, "user/5", "group_$_ids"))
}
