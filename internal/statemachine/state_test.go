package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegalTransitionsPass(t *testing.T) {
	cases := []struct {
		from  State
		event Event
		to    State
	}{
		{Initialized, EventStart, Waiting},
		{Initialized, EventStart, Running},
		{Waiting, EventDispatch, Running},
		{Running, EventProgress, Running},
		{Running, EventPause, Paused},
		{Running, EventFailRetry, Retrying},
		{Retrying, EventBackoffDone, Running},
		{Retrying, EventGiveUp, Failed},
		{Paused, EventResume, Waiting},
		{Paused, EventResume, Running},
		{Running, EventDone, Completed},
		{Running, EventFatal, Failed},
		{Waiting, EventStop, Stopped},
		{Completed, EventRemove, Removed},
	}
	for _, c := range cases {
		assert.NoError(t, Validate(c.from, c.event, c.to), "%s --%s--> %s", c.from, c.event, c.to)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	err := Validate(Completed, EventStart, Running)
	require.Error(t, err)
	var ite *ErrIllegalTransition
	require.ErrorAs(t, err, &ite)

	assert.Error(t, Validate(Waiting, EventDone, Completed))
	assert.Error(t, Validate(Removed, EventStart, Waiting))
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, Completed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.True(t, Stopped.Terminal())
	assert.True(t, Removed.Terminal())
	assert.False(t, Running.Terminal())
	assert.False(t, Waiting.Terminal())
}
