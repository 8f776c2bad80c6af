package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresDueCallbacks(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "early") })
	require.Equal(t, 2, c.Pending())

	c.Advance(500 * time.Millisecond)
	assert.Empty(t, fired)

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, start.Add(2500*time.Millisecond), c.Now())
	assert.Zero(t, c.Pending())
}

func TestFakeStopCancelsCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	called := false
	stop := c.AfterFunc(time.Second, func() { called = true })

	assert.True(t, stop())
	assert.False(t, stop())

	c.Advance(time.Minute)
	assert.False(t, called)
}

func TestFakeNonPositiveDelayRunsImmediately(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	called := false
	c.AfterFunc(0, func() { called = true })
	assert.True(t, called)
}
