package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vidtap/internal/config"
)

// fakeMemory returns whatever value was last stored.
type fakeMemory struct {
	rss atomic.Uint64
	err error
}

func (f *fakeMemory) ResidentMemory() (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.rss.Load(), nil
}

func newTestController(t *testing.T, slots int, mem MemoryReader) *Controller {
	t.Helper()
	return New(Policy{
		MaxConcurrent: slots,
		MemoryCeiling: 1 << 40,
		PollInterval:  5 * time.Millisecond,
		WaitTimeout:   5 * time.Second,
	}, mem)
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.AdmissionConfig{
		MaxConcurrent: 3,
		MemoryCeiling: 2 << 30,
		PollInterval:  time.Second,
		WaitTimeout:   time.Minute,
	})

	assert.Equal(t, 3, p.MaxConcurrent)
	assert.Equal(t, uint64(2<<30), p.MemoryCeiling)
	assert.Equal(t, time.Second, p.PollInterval)
	assert.Equal(t, time.Minute, p.WaitTimeout)
}

func TestController_HasCapacity(t *testing.T) {
	c := newTestController(t, 1, &fakeMemory{})
	assert.True(t, c.HasCapacity())

	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, c.HasCapacity())
	assert.Equal(t, 1, c.Held())

	c.Release(slot)
	assert.True(t, c.HasCapacity())
}

func TestController_AcquireReleaseIsNeutral(t *testing.T) {
	c := newTestController(t, 3, &fakeMemory{})

	first, err := c.Acquire(context.Background())
	require.NoError(t, err)
	before := c.Held()

	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, slot.AcquiredAt().IsZero())
	c.Release(slot)

	assert.Equal(t, before, c.Held())
	c.Release(first)
	assert.Equal(t, 0, c.Held())
}

func TestController_DoubleReleaseIsNoop(t *testing.T) {
	c := newTestController(t, 2, &fakeMemory{})

	a, err := c.Acquire(context.Background())
	require.NoError(t, err)
	b, err := c.Acquire(context.Background())
	require.NoError(t, err)

	c.Release(a)
	c.Release(a)
	assert.Equal(t, 1, c.Held(), "second release of the same slot must not free another")

	c.Release(b)
	c.Release(b)
	c.Release(nil)
	assert.Equal(t, 0, c.Held())
}

func TestController_TimeoutUnderMemoryPressure(t *testing.T) {
	mem := &fakeMemory{}
	mem.rss.Store(2048)

	c := New(Policy{
		MaxConcurrent: 4,
		MemoryCeiling: 1024,
		PollInterval:  5 * time.Millisecond,
		WaitTimeout:   60 * time.Millisecond,
	}, mem)

	start := time.Now()
	slot, err := c.Acquire(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, slot)
	assert.ErrorIs(t, err, ErrAdmissionTimeout)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 60*time.Millisecond, timeoutErr.Timeout)
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, 60*time.Millisecond)
	assert.Equal(t, uint64(2048), timeoutErr.MemoryBytes)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)

	assert.Equal(t, 0, c.Held(), "no slot may be held after a timeout")
}

func TestController_AdmitsOnceMemoryDrops(t *testing.T) {
	mem := &fakeMemory{}
	mem.rss.Store(2048)

	c := New(Policy{
		MaxConcurrent: 1,
		MemoryCeiling: 1024,
		PollInterval:  5 * time.Millisecond,
		WaitTimeout:   5 * time.Second,
	}, mem)

	time.AfterFunc(30*time.Millisecond, func() { mem.rss.Store(512) })

	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.Held())
	c.Release(slot)
}

func TestController_TimeoutWhenSlotsFull(t *testing.T) {
	c := New(Policy{
		MaxConcurrent: 1,
		MemoryCeiling: 1 << 40,
		PollInterval:  5 * time.Millisecond,
		WaitTimeout:   40 * time.Millisecond,
	}, &fakeMemory{})

	held, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer c.Release(held)

	_, err = c.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAdmissionTimeout)
	assert.Equal(t, 1, c.Held())
}

func TestController_ContextCancelled(t *testing.T) {
	c := newTestController(t, 1, &fakeMemory{})

	held, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer c.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrAdmissionTimeout)
	assert.Equal(t, 1, c.Held())
}

func TestController_MemorySamplerFailureAdmits(t *testing.T) {
	c := newTestController(t, 1, &fakeMemory{err: errors.New("procfs unavailable")})

	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.MemoryUsage())
	c.Release(slot)
}

func TestController_TwoOfFiveConcurrent(t *testing.T) {
	c := newTestController(t, 2, &fakeMemory{})

	var (
		granted  = make(chan *Slot, 5)
		maxHeld  atomic.Int64
		wg       sync.WaitGroup
		failures atomic.Int64
	)

	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := c.Acquire(context.Background())
			if err != nil {
				failures.Add(1)
				return
			}
			if h := int64(c.Held()); h > maxHeld.Load() {
				maxHeld.Store(h)
			}
			granted <- slot
		}()
	}

	// Exactly two are granted straight away, the rest keep polling.
	first := <-granted
	second := <-granted
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, granted, 0, "only two slots may be granted while both are held")
	assert.Equal(t, 2, c.Held())

	// Each release lets one more waiter in.
	c.Release(first)
	third := <-granted
	c.Release(second)
	fourth := <-granted
	c.Release(third)
	fifth := <-granted

	wg.Wait()
	assert.Zero(t, failures.Load())
	assert.LessOrEqual(t, maxHeld.Load(), int64(2))

	c.Release(fourth)
	c.Release(fifth)
	assert.Equal(t, 0, c.Held())
}

func TestController_ConcurrentChurnStaysInBounds(t *testing.T) {
	const maxSlots = 3
	c := New(Policy{
		MaxConcurrent: maxSlots,
		MemoryCeiling: 1 << 40,
		PollInterval:  time.Millisecond,
		WaitTimeout:   10 * time.Second,
	}, &fakeMemory{})

	var (
		wg        sync.WaitGroup
		violation atomic.Bool
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := c.Acquire(context.Background())
			if err != nil {
				violation.Store(true)
				return
			}
			if h := c.Held(); h > maxSlots || h < 1 {
				violation.Store(true)
			}
			time.Sleep(time.Millisecond)
			c.Release(slot)
			c.Release(slot)
		}()
	}
	wg.Wait()

	assert.False(t, violation.Load())
	assert.Equal(t, 0, c.Held())
}

func TestController_Stats(t *testing.T) {
	mem := &fakeMemory{}
	mem.rss.Store(4096)
	c := New(Policy{MaxConcurrent: 2, MemoryCeiling: 8192, PollInterval: time.Millisecond}, mem)

	slot, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer c.Release(slot)

	stats := c.Stats()
	assert.Equal(t, Stats{Held: 1, MaxConcurrent: 2, MemoryBytes: 4096, MemoryCeiling: 8192}, stats)
}

func TestProcessMemory_ResidentMemory(t *testing.T) {
	for _, children := range []bool{false, true} {
		pm, err := NewProcessMemory(children)
		require.NoError(t, err)

		rss, err := pm.ResidentMemory()
		require.NoError(t, err, "include children: %v", children)
		assert.Greater(t, rss, uint64(0))
	}
}

func TestProcessMemory_ChildListingFailureKeepsOwnRSS(t *testing.T) {
	pm, err := NewProcessMemory(true)
	require.NoError(t, err)
	pm.children = func() ([]*process.Process, error) {
		return nil, errors.New("exit status 1")
	}

	rss, err := pm.ResidentMemory()
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))
}

func TestAcquire_OwnRSSAboveCeilingWithoutChildren(t *testing.T) {
	pm, err := NewProcessMemory(true)
	require.NoError(t, err)

	c := New(Policy{
		MaxConcurrent: 2,
		MemoryCeiling: 1024,
		PollInterval:  5 * time.Millisecond,
		WaitTimeout:   50 * time.Millisecond,
	}, pm)
	assert.Greater(t, c.MemoryUsage(), uint64(1024))

	slot, err := c.Acquire(context.Background())
	assert.Nil(t, slot)
	require.ErrorIs(t, err, ErrAdmissionTimeout)
	assert.Zero(t, c.Held())
}

func TestTimeoutError_Message(t *testing.T) {
	err := &TimeoutError{Elapsed: 1500 * time.Millisecond, Timeout: time.Second, Held: 2, MaxConcurrent: 2}
	assert.Contains(t, err.Error(), "admission timeout after 1.5s")
	assert.True(t, errors.Is(err, ErrAdmissionTimeout))
}
