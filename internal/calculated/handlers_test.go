package calculated

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

func newTestEnv(t *testing.T, seed map[string]model.Object) Env {
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
	return Env{Registry: reg, Overlay: overlay.New(store)}
}

func fieldValue(t *testing.T, env Env, fqid, field string) model.Value {
	t.Helper()
	val, err := env.Overlay.FieldValue(context.Background(), fqid, field)
	require.NoError(t, err)
	return val
}

func TestMeetingUsersUnionsGroupMembers(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A"), "group_ids": model.IntList(1, 2)},
		"group/1":   {"name": model.String("G1"), "meeting_id": model.Int(1), "user_ids": model.IntList(5, 6)},
		"group/2":   {"name": model.String("G2"), "meeting_id": model.Int(1), "user_ids": model.IntList(6, 7)},
	})

	staged, err := meetingUsers{}.Apply(context.Background(), env, overlay.Change{
		FQID: "group/1", Field: "user_ids", New: model.IntList(5, 6),
	})
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, model.Value(model.IntList(5, 6, 7)), fieldValue(t, env, "meeting/1", "user_ids"))
}

func TestMeetingUsersSkipsDeletedGroups(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/1": {"name": model.String("A"), "group_ids": model.IntList(1, 2), "user_ids": model.IntList(5, 7)},
		"group/1":   {"name": model.String("G1"), "meeting_id": model.Int(1), "user_ids": model.IntList(5)},
		"group/2":   {"name": model.String("G2"), "meeting_id": model.Int(1), "user_ids": model.IntList(7)},
	})
	env.Overlay.MarkDeleted("group/2")

	_, err := meetingUsers{}.Apply(context.Background(), env, overlay.Change{
		FQID: "group/1", Field: "user_ids", New: model.IntList(5),
	})
	require.NoError(t, err)
	assert.Equal(t, model.Value(model.IntList(5)), fieldValue(t, env, "meeting/1", "user_ids"))
}

func TestMeetingUsersTriggeredByStructuredField(t *testing.T) {
	reg, err := schema.Load()
	require.NoError(t, err)

	h := meetingUsers{}
	assert.True(t, h.Relevant(reg, overlay.Change{FQID: "user/5", Field: "group_$3_ids"}))
	assert.True(t, h.Relevant(reg, overlay.Change{FQID: "group/1", Field: "user_ids"}))
	assert.False(t, h.Relevant(reg, overlay.Change{FQID: "user/5", Field: "group_$_ids"}),
		"the bare list carries no membership edges")
	assert.False(t, h.Relevant(reg, overlay.Change{FQID: "meeting/1", Field: "user_ids"}))
}

func TestUserMeetingsFollowsBareTemplateList(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"user/5": {"username": model.String("u"),
			"group_$2_ids": model.IntList(9), "group_$3_ids": model.IntList(4),
			"group_$_ids": model.StringList("2", "3"), "meeting_ids": model.IntList(2)},
	})

	staged, err := userMeetings{}.Apply(context.Background(), env, overlay.Change{
		FQID: "user/5", Field: "group_$_ids", New: model.StringList("2", "3"),
	})
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, model.Value(model.IntList(2, 3)), fieldValue(t, env, "user/5", "meeting_ids"))
}

func TestUserMeetingsNoChangeIsSilent(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"user/5": {"username": model.String("u"),
			"group_$_ids": model.StringList("2"), "meeting_ids": model.IntList(2)},
	})

	staged, err := userMeetings{}.Apply(context.Background(), env, overlay.Change{
		FQID: "user/5", Field: "group_$_ids", New: model.StringList("2"),
	})
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestUserCommitteesDerivesFromMeetingsAndManagement(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"committee/4": {"name": model.String("C4")},
		"committee/8": {"name": model.String("C8")},
		"meeting/2":   {"name": model.String("B"), "committee_id": model.Int(4)},
		"user/5": {"username": model.String("u"),
			"meeting_ids": model.IntList(2), "committee_management_ids": model.IntList(8)},
	})

	staged, err := userCommittees{}.Apply(context.Background(), env, overlay.Change{
		FQID: "user/5", Field: "meeting_ids", New: model.IntList(2),
	})
	require.NoError(t, err)
	require.NotEmpty(t, staged)

	assert.Equal(t, model.Value(model.IntList(4, 8)), fieldValue(t, env, "user/5", "committee_ids"))
	assert.Equal(t, model.Value(model.IntList(5)), fieldValue(t, env, "committee/4", "user_ids"))
	assert.Equal(t, model.Value(model.IntList(5)), fieldValue(t, env, "committee/8", "user_ids"))
}

func TestUserCommitteesRemovesStaleMirror(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"committee/4": {"name": model.String("C4"), "user_ids": model.IntList(5)},
		"user/5": {"username": model.String("u"),
			"meeting_ids": model.List{}, "committee_ids": model.IntList(4)},
	})

	_, err := userCommittees{}.Apply(context.Background(), env, overlay.Change{
		FQID: "user/5", Field: "meeting_ids", New: model.List{},
	})
	require.NoError(t, err)

	assert.Equal(t, model.Value(model.List{}), fieldValue(t, env, "user/5", "committee_ids"))
	assert.Equal(t, model.Value(model.List{}), fieldValue(t, env, "committee/4", "user_ids"))
}

func TestUserCommitteesRecomputesAllMeetingUsersOnCommitteeMove(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"committee/4": {"name": model.String("C4")},
		"meeting/2":   {"name": model.String("B"), "committee_id": model.Int(4), "user_ids": model.IntList(5)},
		"user/5":      {"username": model.String("u"), "meeting_ids": model.IntList(2)},
	})

	_, err := userCommittees{}.Apply(context.Background(), env, overlay.Change{
		FQID: "meeting/2", Field: "committee_id", New: model.Int(4),
	})
	require.NoError(t, err)
	assert.Equal(t, model.Value(model.IntList(4)), fieldValue(t, env, "user/5", "committee_ids"))
	assert.Equal(t, model.Value(model.IntList(5)), fieldValue(t, env, "committee/4", "user_ids"))
}

func TestHandlersForDispatch(t *testing.T) {
	reg, err := schema.Load()
	require.NoError(t, err)
	calc := NewRegistry()

	handlers := calc.HandlersFor(reg, overlay.Change{FQID: "user/5", Field: "group_$2_ids"})
	require.Len(t, handlers, 1)
	assert.Equal(t, "meeting_users", handlers[0].Name())

	handlers = calc.HandlersFor(reg, overlay.Change{FQID: "user/5", Field: "meeting_ids"})
	require.Len(t, handlers, 1)
	assert.Equal(t, "user_committees", handlers[0].Name())

	handlers = calc.HandlersFor(reg, overlay.Change{FQID: "motion/1", Field: "title"})
	assert.Empty(t, handlers)
}

func TestMeetingUsersRecomputesAfterGroupDelete(t *testing.T) {
	env := newTestEnv(t, map[string]model.Object{
		"meeting/2": {"name": model.String("B"), "group_ids": model.IntList(9, 10), "user_ids": model.IntList(5, 6)},
		"group/9":   {"name": model.String("G9"), "meeting_id": model.Int(2), "user_ids": model.IntList(5)},
		"group/10":  {"name": model.String("G10"), "meeting_id": model.Int(2), "user_ids": model.IntList(6)},
	})
	env.Overlay.MarkDeleted("group/9")

	staged, err := meetingUsers{}.Apply(context.Background(), env, overlay.Change{
		FQID: "group/9", Field: "user_ids", Old: model.IntList(5), Deleted: true,
	})
	require.NoError(t, err, "the doomed group's meeting reads through the delete mark")
	require.Len(t, staged, 1)
	assert.Equal(t, model.Value(model.IntList(6)), fieldValue(t, env, "meeting/2", "user_ids"))
}
