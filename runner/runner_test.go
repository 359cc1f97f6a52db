package runner

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialOrder(t *testing.T) {
	s := NewSerial()
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		s.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	s.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialOneAtATime(t *testing.T) {
	s := NewSerial()
	var active, max int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Submit(func() {
					n := atomic.AddInt32(&active, 1)
					if n > atomic.LoadInt32(&max) {
						atomic.StoreInt32(&max, n)
					}
					time.Sleep(time.Microsecond)
					atomic.AddInt32(&active, -1)
				})
			}
		}()
	}
	wg.Wait()
	s.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&max))
}

func TestSerialSubmitAfterCloseDropped(t *testing.T) {
	s := NewSerial()
	s.Close()
	ran := false
	s.Submit(func() { ran = true })
	assert.False(t, ran)
}

func TestPoolDiskSerialization(t *testing.T) {
	p := New(4, nil)
	var active, max int32
	for i := 0; i < 50; i++ {
		p.Disk(func() {
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&max) {
				atomic.StoreInt32(&max, n)
			}
			time.Sleep(time.Microsecond)
			atomic.AddInt32(&active, -1)
		})
	}
	p.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&max))
}

func TestPoolDownloadBounding(t *testing.T) {
	const limit = 3
	p := New(limit, nil)
	var active, max int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Download(func() {
			defer wg.Done()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&max)
				if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		})
	}
	wg.Wait()
	p.Close()

	assert.LessOrEqual(t, atomic.LoadInt32(&max), int32(limit))
	assert.Greater(t, atomic.LoadInt32(&max), int32(0))
}

// gatedPool builds a single worker Pool whose first download blocks until
// release is called, so later submissions pile up in the queue.
func gatedPool(t *testing.T) (p *Pool, started <-chan struct{}, release func()) {
	t.Helper()
	p = New(1, nil)
	startedCh := make(chan struct{})
	gate := make(chan struct{})
	p.Download(func() {
		close(startedCh)
		<-gate
	})
	return p, startedCh, func() { close(gate) }
}

func TestPoolDownloadFIFO(t *testing.T) {
	p, started, release := gatedPool(t)
	<-started

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		p.Download(func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	release()
	p.Close()

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestPoolDeferDownloads(t *testing.T) {
	p, started, release := gatedPool(t)
	<-started

	var mu sync.Mutex
	var order []string
	submit := func(name string) {
		p.Download(func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	submit("x")
	submit("y")
	p.DeferDownloads()
	submit("z")
	release()
	p.Close()

	// the pending cohort runs after the one submitted later, FIFO inside
	// each cohort
	assert.Equal(t, []string{"z", "x", "y"}, order)
}

func TestPoolDeferDownloadsIdempotentOnEmptyQueue(t *testing.T) {
	p := New(1, nil)
	p.DeferDownloads()
	p.DeferDownloads()

	var ran int32
	var wg sync.WaitGroup
	wg.Add(1)
	p.Download(func() {
		atomic.AddInt32(&ran, 1)
		wg.Done()
	})
	wg.Wait()
	p.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestPoolRepeatedDefer(t *testing.T) {
	p, started, release := gatedPool(t)
	<-started

	var mu sync.Mutex
	var order []string
	submit := func(name string) {
		p.Download(func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	submit("a")
	p.DeferDownloads()
	submit("b")
	p.DeferDownloads()
	submit("c")
	release()
	p.Close()

	// each defer pushes the pending cohort behind everything newer
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestPoolFastIsSynchronous(t *testing.T) {
	p := New(1, nil)
	defer p.Close()
	ran := false
	p.Fast(func() { ran = true })
	assert.True(t, ran)
}

func TestPoolDeliverUsesSuppliedLane(t *testing.T) {
	var mu sync.Mutex
	var got []int
	deliver := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}
	p := New(1, deliver)
	for i := 0; i < 5; i++ {
		i := i
		p.Deliver(func() { got = append(got, i) })
	}
	p.Close()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestPoolCloseDrains(t *testing.T) {
	p := New(2, nil)
	var disk, downloads int32
	for i := 0; i < 10; i++ {
		p.Disk(func() { atomic.AddInt32(&disk, 1) })
		p.Download(func() { atomic.AddInt32(&downloads, 1) })
	}
	p.Close()

	assert.Equal(t, int32(10), atomic.LoadInt32(&disk))
	assert.Equal(t, int32(10), atomic.LoadInt32(&downloads))
}

func TestStepRunnerLanes(t *testing.T) {
	s := NewStep()

	ran := false
	s.Fast(func() { ran = true })
	assert.True(t, ran, "fast lane is synchronous")

	var order []string
	s.Disk(func() { order = append(order, "disk") })
	s.Download(func() { order = append(order, "download") })
	s.Deliver(func() { order = append(order, "deliver") })
	assert.Empty(t, order, "queued work must not run before stepping")
	assert.Equal(t, 1, s.PendingDisk())
	assert.Equal(t, 1, s.PendingDownloads())
	assert.Equal(t, 1, s.PendingDeliveries())

	// Step drains disk first, then download, then delivery
	require.True(t, s.Step())
	require.True(t, s.Step())
	require.True(t, s.Step())
	assert.False(t, s.Step())
	assert.Equal(t, []string{"disk", "download", "deliver"}, order)
}

func TestStepRunnerDeferCohorts(t *testing.T) {
	s := NewStep()
	var order []string
	submit := func(name string) {
		s.Download(func() { order = append(order, name) })
	}
	submit("a")
	submit("b")
	s.DeferDownloads()
	submit("c")

	for s.StepDownload() {
	}
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestStepRunnerResubmitDuringStep(t *testing.T) {
	s := NewStep()
	var order []string
	s.Disk(func() {
		order = append(order, "probe")
		s.Download(func() { order = append(order, "download") })
	})
	s.RunAll()
	assert.Equal(t, []string{"probe", "download"}, order)
}
