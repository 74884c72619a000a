package refresh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlag_Coalesces(t *testing.T) {
	var f Flag

	assert.True(t, f.Trigger(), "idle->refreshing must start a refresh")
	assert.Equal(t, Refreshing, f.State())

	assert.False(t, f.Trigger())
	assert.False(t, f.Trigger(), "further triggers collapse into one retrigger")
	assert.Equal(t, Retrigger, f.State())

	assert.True(t, f.Done(), "retrigger must schedule exactly one more refresh")
	assert.Equal(t, Refreshing, f.State())

	assert.False(t, f.Done())
	assert.Equal(t, Idle, f.State())
	assert.False(t, f.Busy())
}

func TestSet_DropsIdleEntries(t *testing.T) {
	var s Set[uint32]

	assert.True(t, s.Trigger(1))
	assert.True(t, s.Trigger(2))
	assert.False(t, s.Trigger(1))
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Done(1))
	assert.False(t, s.Done(1))
	assert.False(t, s.Busy(1))
	assert.True(t, s.Busy(2))
	assert.Equal(t, 1, s.Len())

	assert.False(t, s.Done(42), "unknown keys are idle")
}
