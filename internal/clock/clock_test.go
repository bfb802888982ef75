// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package clock_test

import (
	"testing"
	"time"

	"github.com/keyrelay-dev/keyrelay/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualAfterFuncFiresOnAdvance(t *testing.T) {
	c := clock.NewManual(epoch)
	fired := 0
	c.AfterFunc(5*time.Minute, func() { fired++ })

	c.Advance(4 * time.Minute)
	assert.Equal(t, 0, fired)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Minute)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, c.Pending())

	c.Advance(time.Hour)
	assert.Equal(t, 1, fired, "timers fire once")
}

func TestManualStopPreventsFiring(t *testing.T) {
	c := clock.NewManual(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestManualFiresInDeadlineOrder(t *testing.T) {
	c := clock.NewManual(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(10 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, epoch.Add(10*time.Second), c.Now())
}

func TestManualAfterDeliversTime(t *testing.T) {
	c := clock.NewManual(epoch)
	ch := c.After(time.Second)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(time.Second), got)
	default:
		t.Fatal("expected channel to fire")
	}
}

func TestManualZeroDurationFiresImmediately(t *testing.T) {
	c := clock.NewManual(epoch)
	ch := c.After(0)
	require.Len(t, ch, 1)
}

func TestRealClock(t *testing.T) {
	c := clock.Real()
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}
