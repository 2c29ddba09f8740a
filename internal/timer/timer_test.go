package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFastRunsEveryTick(t *testing.T) {
	d := New(nil)
	var fastCount atomic.Int32
	d.Fast = func(time.Time) { fastCount.Add(1) }
	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool {
		return fastCount.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestSlowRunsLessOftenThanFast(t *testing.T) {
	d := New(nil)
	var fastCount, slowCount atomic.Int32
	d.Fast = func(time.Time) { fastCount.Add(1) }
	d.Slow = func(time.Time) { slowCount.Add(1) }
	d.Start()

	require.Eventually(t, func() bool {
		return slowCount.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	d.Stop()

	require.Greater(t, fastCount.Load(), slowCount.Load())
}

func TestStopHaltsTicking(t *testing.T) {
	d := New(nil)
	var count atomic.Int32
	d.Fast = func(time.Time) { count.Add(1) }
	d.Start()
	time.Sleep(20 * time.Millisecond)
	d.Stop()

	after := count.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, count.Load())
}
