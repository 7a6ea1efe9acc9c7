package calculated

import (
	"context"
	"sort"
	"strconv"

	"github.com/plenumd/plenum/internal/model"
	"github.com/plenumd/plenum/internal/overlay"
	"github.com/plenumd/plenum/internal/schema"
)

// userGroupTemplate is the structured membership field on user; its
// replacements are meeting ids.
const userGroupTemplate = "group_$_ids"

// stageIntList reconciles a derived id list element-wise so the result
// compiles to a list update. Returns one change when anything moved.
func stageIntList(ctx context.Context, env Env, fqid, field string, ids []int) ([]overlay.Change, error) {
	sort.Ints(ids)
	cur, err := env.Overlay.FieldValue(ctx, fqid, field)
	if err != nil {
		return nil, err
	}
	curIDs, _ := model.Ints(cur)

	desired := make(map[int]bool, len(ids))
	for _, id := range ids {
		desired[id] = true
	}
	current := make(map[int]bool, len(curIDs))
	for _, id := range curIDs {
		current[id] = true
	}
	var add, remove model.List
	for _, id := range ids {
		if !current[id] {
			add = append(add, model.Int(id))
		}
	}
	for _, id := range curIDs {
		if !desired[id] {
			remove = append(remove, model.Int(id))
		}
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil, nil
	}

	updated := cur
	if len(add) > 0 {
		if _, updated, err = env.Overlay.StageListAdd(ctx, fqid, field, add); err != nil {
			return nil, err
		}
	}
	if len(remove) > 0 {
		if _, updated, err = env.Overlay.StageListRemove(ctx, fqid, field, remove); err != nil {
			return nil, err
		}
	}
	return []overlay.Change{{FQID: fqid, Field: field, Old: cur, New: updated}}, nil
}

// meetingReplacement extracts the meeting id from a structured membership
// change on a user ("group_$7_ids" -> 7).
func meetingReplacement(reg *schema.Registry, ch overlay.Change) (int, bool) {
	if model.CollectionOf(ch.FQID) != "user" {
		return 0, false
	}
	tmpl, replacement, ok := reg.TemplateFor("user", ch.Field)
	if !ok || tmpl.Name != userGroupTemplate {
		return 0, false
	}
	id, err := strconv.Atoi(replacement)
	if err != nil {
		return 0, false
	}
	return id, true
}

// meetingUsers maintains meeting.user_ids: every user holding a group of
// the meeting.
type meetingUsers struct{}

func (meetingUsers) Name() string { return "meeting_users" }

func (meetingUsers) Relevant(reg *schema.Registry, ch overlay.Change) bool {
	if _, ok := meetingReplacement(reg, ch); ok {
		return true
	}
	// Deleting a user never touches its own structured fields, but the
	// resolver strips the user from group.user_ids, so watch that too.
	return model.CollectionOf(ch.FQID) == "group" && ch.Field == "user_ids"
}

func (h meetingUsers) Apply(ctx context.Context, env Env, ch overlay.Change) ([]overlay.Change, error) {
	meetingID, ok := meetingReplacement(env.Registry, ch)
	if !ok {
		// The group may be mid-deletion; its meeting still needs the
		// recompute that strips the group's members.
		val, err := env.Overlay.FieldValueAny(ctx, ch.FQID, "meeting_id")
		if err != nil {
			return nil, err
		}
		id, isInt := val.(model.Int)
		if !isInt {
			return nil, nil
		}
		meetingID = int(id)
	}
	meetingFQID := model.FQID("meeting", meetingID)
	if env.Overlay.IsDeleted(meetingFQID) {
		return nil, nil
	}

	groupsVal, err := env.Overlay.FieldValue(ctx, meetingFQID, "group_ids")
	if err != nil {
		return nil, err
	}
	groupIDs, _ := model.Ints(groupsVal)

	seen := map[int]bool{}
	var userIDs []int
	for _, gid := range groupIDs {
		groupFQID := model.FQID("group", gid)
		if env.Overlay.IsDeleted(groupFQID) {
			continue
		}
		val, err := env.Overlay.FieldValue(ctx, groupFQID, "user_ids")
		if err != nil {
			return nil, err
		}
		ids, _ := model.Ints(val)
		for _, uid := range ids {
			if !seen[uid] {
				seen[uid] = true
				userIDs = append(userIDs, uid)
			}
		}
	}
	return stageIntList(ctx, env, meetingFQID, "user_ids", userIDs)
}

// userMeetings maintains user.meeting_ids from the replacements present in
// the user's bare membership template list.
type userMeetings struct{}

func (userMeetings) Name() string { return "user_meetings" }

func (userMeetings) Relevant(_ *schema.Registry, ch overlay.Change) bool {
	return model.CollectionOf(ch.FQID) == "user" && ch.Field == userGroupTemplate
}

func (h userMeetings) Apply(ctx context.Context, env Env, ch overlay.Change) ([]overlay.Change, error) {
	if env.Overlay.IsDeleted(ch.FQID) {
		return nil, nil
	}
	val, err := env.Overlay.FieldValue(ctx, ch.FQID, userGroupTemplate)
	if err != nil {
		return nil, err
	}
	replacements, _ := model.Strings(val)
	var meetingIDs []int
	for _, rep := range replacements {
		id, err := strconv.Atoi(rep)
		if err != nil {
			continue
		}
		meetingIDs = append(meetingIDs, id)
	}
	return stageIntList(ctx, env, ch.FQID, "meeting_ids", meetingIDs)
}

// userCommittees maintains user.committee_ids and its mirror
// committee.user_ids. A user belongs to a committee when any of the user's
// meetings is in the committee, or the user manages the committee.
type userCommittees struct{}

func (userCommittees) Name() string { return "user_committees" }

func (userCommittees) Relevant(_ *schema.Registry, ch overlay.Change) bool {
	switch model.CollectionOf(ch.FQID) {
	case "user":
		return ch.Field == "meeting_ids" || ch.Field == "committee_management_ids"
	case "meeting":
		return ch.Field == "committee_id"
	default:
		return false
	}
}

func (h userCommittees) Apply(ctx context.Context, env Env, ch overlay.Change) ([]overlay.Change, error) {
	var userIDs []int
	if model.CollectionOf(ch.FQID) == "user" {
		_, id, err := model.SplitFQID(ch.FQID)
		if err != nil {
			return nil, err
		}
		userIDs = []int{id}
	} else {
		// A meeting moved between committees; recompute all its users.
		val, err := env.Overlay.FieldValue(ctx, ch.FQID, "user_ids")
		if err != nil {
			return nil, err
		}
		userIDs, _ = model.Ints(val)
	}

	var staged []overlay.Change
	for _, uid := range userIDs {
		changes, err := h.applyUser(ctx, env, uid)
		if err != nil {
			return nil, err
		}
		staged = append(staged, changes...)
	}
	return staged, nil
}

func (h userCommittees) applyUser(ctx context.Context, env Env, userID int) ([]overlay.Change, error) {
	userFQID := model.FQID("user", userID)
	if env.Overlay.IsDeleted(userFQID) {
		return nil, nil
	}

	meetingsVal, err := env.Overlay.FieldValue(ctx, userFQID, "meeting_ids")
	if err != nil {
		return nil, err
	}
	meetingIDs, _ := model.Ints(meetingsVal)

	seen := map[int]bool{}
	var committeeIDs []int
	for _, mid := range meetingIDs {
		meetingFQID := model.FQID("meeting", mid)
		if env.Overlay.IsDeleted(meetingFQID) {
			continue
		}
		val, err := env.Overlay.FieldValue(ctx, meetingFQID, "committee_id")
		if err != nil {
			return nil, err
		}
		cid, isInt := val.(model.Int)
		if !isInt || seen[int(cid)] {
			continue
		}
		seen[int(cid)] = true
		committeeIDs = append(committeeIDs, int(cid))
	}

	// Managing a committee joins it even without any meeting membership.
	managedVal, err := env.Overlay.FieldValue(ctx, userFQID, "committee_management_ids")
	if err != nil {
		return nil, err
	}
	managedIDs, _ := model.Ints(managedVal)
	for _, cid := range managedIDs {
		if !seen[cid] {
			seen[cid] = true
			committeeIDs = append(committeeIDs, cid)
		}
	}

	oldVal, err := env.Overlay.FieldValue(ctx, userFQID, "committee_ids")
	if err != nil {
		return nil, err
	}
	oldIDs, _ := model.Ints(oldVal)

	staged, err := stageIntList(ctx, env, userFQID, "committee_ids", committeeIDs)
	if err != nil {
		return nil, err
	}

	// Mirror membership onto each committee that gained or lost the user.
	oldSet := map[int]bool{}
	for _, cid := range oldIDs {
		oldSet[cid] = true
	}
	for _, cid := range committeeIDs {
		if oldSet[cid] {
			delete(oldSet, cid)
			continue
		}
		changes, err := h.mirror(ctx, env, cid, userID, true)
		if err != nil {
			return nil, err
		}
		staged = append(staged, changes...)
	}
	removed := make([]int, 0, len(oldSet))
	for cid := range oldSet {
		removed = append(removed, cid)
	}
	sort.Ints(removed)
	for _, cid := range removed {
		changes, err := h.mirror(ctx, env, cid, userID, false)
		if err != nil {
			return nil, err
		}
		staged = append(staged, changes...)
	}
	return staged, nil
}

func (userCommittees) mirror(ctx context.Context, env Env, committeeID, userID int, add bool) ([]overlay.Change, error) {
	committeeFQID := model.FQID("committee", committeeID)
	if env.Overlay.IsDeleted(committeeFQID) {
		return nil, nil
	}
	exists, err := env.Overlay.Exists(ctx, committeeFQID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	elem := model.List{model.Int(userID)}
	var old, updated model.Value
	if add {
		old, updated, err = env.Overlay.StageListAdd(ctx, committeeFQID, "user_ids", elem)
	} else {
		old, updated, err = env.Overlay.StageListRemove(ctx, committeeFQID, "user_ids", elem)
	}
	if err != nil {
		return nil, err
	}
	if model.Equal(old, updated) {
		return nil, nil
	}
	return []overlay.Change{{FQID: committeeFQID, Field: "user_ids", Old: old, New: updated}}, nil
}
