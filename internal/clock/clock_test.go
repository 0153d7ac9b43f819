package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	var fired atomic.Int32

	c.AfterFunc(time.Second, func() { fired.Add(1) })
	assert.Equal(t, 1, c.Pending())

	c.Advance(500 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	c.Advance(500 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, c.Pending())

	c.Advance(time.Hour)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, epoch.Add(time.Hour+time.Second), c.Now())
}

func TestFakeClock_Stop(t *testing.T) {
	c := Fake(epoch)
	var fired atomic.Int32

	timer := c.AfterFunc(time.Second, func() { fired.Add(1) })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClock_DeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int

	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(5 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestFakeClock_CallbackCanReschedule(t *testing.T) {
	c := Fake(epoch)
	var fired atomic.Int32

	var schedule func()
	schedule = func() {
		c.AfterFunc(time.Second, func() {
			fired.Add(1)
			schedule()
		})
	}
	schedule()

	c.Advance(time.Second)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 1, c.Pending())
}

func TestRealClock_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
