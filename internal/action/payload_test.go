package action

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plenumd/plenum/internal/model"
	"github.com/plenumd/plenum/internal/schema"
)

func compileTestSchema(t *testing.T, collection string, op payloadOp) (*cue.Context, cue.Value) {
	t.Helper()
	reg, err := schema.Load()
	require.NoError(t, err)
	cuectx := cuecontext.New()
	val, err := compilePayloadSchema(cuectx, reg, collection, op)
	require.NoError(t, err)
	return cuectx, val
}

func TestPayloadCreateAcceptsDeclaredFields(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "motion", opCreate)
	err := validatePayload(cuectx, schemaVal, model.Object{
		"title":      model.String("Budget"),
		"meeting_id": model.Int(1),
		"state_id":   model.Int(3),
		"tag_ids":    model.IntList(7),
	})
	assert.NoError(t, err)
}

func TestPayloadRejectsUnknownField(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "motion", opCreate)
	err := validatePayload(cuectx, schemaVal, model.Object{
		"title":  model.String("Budget"),
		"rogues": model.Int(1),
	})
	assert.Error(t, err)
}

func TestPayloadRejectsWrongType(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "motion", opCreate)
	err := validatePayload(cuectx, schemaVal, model.Object{
		"title": model.Int(7),
	})
	assert.Error(t, err)
}

func TestPayloadRejectsCalculatedField(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "meeting", opCreate)
	err := validatePayload(cuectx, schemaVal, model.Object{
		"name":     model.String("A"),
		"user_ids": model.IntList(5),
	})
	assert.Error(t, err, "calculated fields are never writable")
}

func TestPayloadUpdateRequiresID(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "motion", opUpdate)
	err := validatePayload(cuectx, schemaVal, model.Object{
		"title": model.String("Budget"),
	})
	assert.Error(t, err)

	err = validatePayload(cuectx, schemaVal, model.Object{
		"id": model.Int(10), "title": model.String("Budget"),
	})
	assert.NoError(t, err)
}

func TestPayloadUpdateRejectsConstantField(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "motion", opUpdate)
	err := validatePayload(cuectx, schemaVal, model.Object{
		"id": model.Int(10), "meeting_id": model.Int(2),
	})
	assert.Error(t, err, "constant fields cannot change after create")
}

func TestPayloadDeleteAcceptsOnlyID(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "motion", opDelete)
	assert.NoError(t, validatePayload(cuectx, schemaVal, model.Object{"id": model.Int(10)}))
	assert.Error(t, validatePayload(cuectx, schemaVal, model.Object{
		"id": model.Int(10), "title": model.String("x"),
	}))
}

func TestPayloadStructuredVariantPattern(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "user", opUpdate)

	err := validatePayload(cuectx, schemaVal, model.Object{
		"id": model.Int(5), "group_$2_ids": model.IntList(9),
	})
	assert.NoError(t, err)

	err = validatePayload(cuectx, schemaVal, model.Object{
		"id": model.Int(5), "group_$x_ids": model.IntList(9),
	})
	assert.Error(t, err, "replacement must be numeric")

	err = validatePayload(cuectx, schemaVal, model.Object{
		"id": model.Int(5), "group_$_ids": model.StringList("2"),
	})
	assert.Error(t, err, "the bare list is bookkeeping, not writable")
}

func TestPayloadNullUnsetsOptionalField(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "motion", opUpdate)
	err := validatePayload(cuectx, schemaVal, model.Object{
		"id": model.Int(10), "number": model.Null{},
	})
	assert.NoError(t, err)
}

func TestPayloadGenericRelationWantsFingerprint(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "agenda_item", opCreate)

	err := validatePayload(cuectx, schemaVal, model.Object{
		"meeting_id": model.Int(1), "content_object_id": model.String("topic/1"),
	})
	assert.NoError(t, err)

	err = validatePayload(cuectx, schemaVal, model.Object{
		"meeting_id": model.Int(1), "content_object_id": model.String("topic"),
	})
	assert.Error(t, err)
}

func TestPayloadFormatKinds(t *testing.T) {
	cuectx, schemaVal := compileTestSchema(t, "motion", opCreate)

	err := validatePayload(cuectx, schemaVal, model.Object{
		"title": model.String("B"), "line_length": model.String("12.500000"),
	})
	assert.NoError(t, err)
	err = validatePayload(cuectx, schemaVal, model.Object{
		"title": model.String("B"), "line_length": model.String("12.5"),
	})
	assert.Error(t, err, "decimals carry six fractional digits")

	cuectx, schemaVal = compileTestSchema(t, "meeting", opCreate)
	err = validatePayload(cuectx, schemaVal, model.Object{
		"name": model.String("A"), "font_color": model.String("#a1B2c3"),
	})
	assert.NoError(t, err)
	err = validatePayload(cuectx, schemaVal, model.Object{
		"name": model.String("A"), "font_color": model.String("red"),
	})
	assert.Error(t, err)
}
