package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFQID(t *testing.T) {
	collection, id, err := SplitFQID("motion_state/42")
	require.NoError(t, err)
	assert.Equal(t, "motion_state", collection)
	assert.Equal(t, 42, id)
}

func TestSplitFQIDRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "motion", "motion/", "/1", "motion/0", "motion/-1", "Motion/1", "motion/1/2", "motion/01"} {
		_, _, err := SplitFQID(bad)
		assert.Error(t, err, "fqid %q", bad)
	}
}

func TestFQIDRoundTrip(t *testing.T) {
	fqid := FQID("tag", 7)
	assert.Equal(t, "tag/7", fqid)
	assert.Equal(t, "tag", CollectionOf(fqid))
	assert.True(t, ValidFQID(fqid))
	assert.False(t, ValidFQID("tag/x"))
}
