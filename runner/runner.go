// Package runner schedules the work of the image pipeline across four lanes:
// a synchronous fast lane, a serial disk lane, a bounded download lane and a
// single threaded delivery lane supplied by the embedder.
//
// The download lane orders pending work by arrival cohort. DeferDownloads
// seals the current cohort, everything submitted afterwards is dispatched
// before it. Within a cohort dispatch is FIFO.
package runner

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DeliverFunc posts fn to be executed in the embedder's single threaded
// delivery context. Implementations must preserve submission order.
type DeliverFunc func(fn func())

// Runner is the submission interface used by the image manager. It is kept
// as a strategy so a deterministic step-driven implementation can be
// substituted in tests.
type Runner interface {
	// Fast runs fn synchronously on the calling goroutine
	Fast(fn func())
	// Disk enqueues fn on the serial disk lane
	Disk(fn func())
	// Download enqueues fn on the bounded download lane
	Download(fn func())
	// Deliver posts fn to the delivery lane
	Deliver(fn func())
	// DeferDownloads seals the pending download cohort
	DeferDownloads()
	// Close drains all lanes and stops the background goroutines
	Close()
}

// Serial executes submitted closures one at a time on a background
// goroutine, in submission order.
type Serial struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerial starts a new serial executor
func NewSerial() *Serial {
	s := &Serial{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Submit enqueues fn and reports whether it was accepted. Submissions
// after Close are dropped.
func (s *Serial) Submit(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
	return true
}

func (s *Serial) run() {
	defer close(s.done)
	s.mu.Lock()
	for {
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			break
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
	s.mu.Unlock()
}

// Close drains the queue and stops the executor
func (s *Serial) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

// Pool is the production Runner. The disk and delivery lanes are serial
// executors, the download lane is a cohort ordered queue drained by a
// dispatcher which holds a weighted semaphore while work is in flight.
type Pool struct {
	disk       *Serial
	deliver    DeliverFunc
	ownDeliver *Serial

	sem            *semaphore.Weighted
	dlMu           sync.Mutex
	dlCond         *sync.Cond
	cohorts        [][]func()
	closed         bool
	dispatcherDone chan struct{}
	downloadsWg    sync.WaitGroup

	// outstanding counts queued or running disk and download operations.
	// The lanes feed each other, so Close first waits for this to reach
	// zero and only then stops them.
	qMu         sync.Mutex
	qCond       *sync.Cond
	outstanding int
}

// New builds a Pool dispatching at most maxDownloads downloads in parallel.
// A nil deliver runs the delivery lane on an internal serial executor.
func New(maxDownloads int, deliver DeliverFunc) *Pool {
	if maxDownloads < 1 {
		maxDownloads = 1
	}
	p := &Pool{
		disk:           NewSerial(),
		deliver:        deliver,
		sem:            semaphore.NewWeighted(int64(maxDownloads)),
		cohorts:        [][]func(){nil},
		dispatcherDone: make(chan struct{}),
	}
	if p.deliver == nil {
		p.ownDeliver = NewSerial()
		p.deliver = func(fn func()) { p.ownDeliver.Submit(fn) }
	}
	p.dlCond = sync.NewCond(&p.dlMu)
	p.qCond = sync.NewCond(&p.qMu)
	go p.dispatch()
	return p
}

func (p *Pool) track() {
	p.qMu.Lock()
	p.outstanding++
	p.qMu.Unlock()
}

func (p *Pool) trackDone() {
	p.qMu.Lock()
	p.outstanding--
	if p.outstanding == 0 {
		p.qCond.Broadcast()
	}
	p.qMu.Unlock()
}

// Fast implements Runner
func (p *Pool) Fast(fn func()) {
	fn()
}

// Disk implements Runner
func (p *Pool) Disk(fn func()) {
	p.track()
	ok := p.disk.Submit(func() {
		defer p.trackDone()
		fn()
	})
	if !ok {
		p.trackDone()
	}
}

// Deliver implements Runner
func (p *Pool) Deliver(fn func()) {
	p.deliver(fn)
}

// Download implements Runner
func (p *Pool) Download(fn func()) {
	p.dlMu.Lock()
	defer p.dlMu.Unlock()
	if p.closed {
		return
	}
	p.track()
	wrapped := func() {
		defer p.trackDone()
		fn()
	}
	p.cohorts[len(p.cohorts)-1] = append(p.cohorts[len(p.cohorts)-1], wrapped)
	p.dlCond.Signal()
}

// DeferDownloads implements Runner. Everything pending at the call point is
// dispatched only after later submissions, FIFO within each cohort.
func (p *Pool) DeferDownloads() {
	p.dlMu.Lock()
	defer p.dlMu.Unlock()
	if len(p.cohorts[len(p.cohorts)-1]) > 0 {
		p.cohorts = append(p.cohorts, nil)
	}
}

// pending returns the number of queued downloads, caller holds dlMu
func (p *Pool) pending() int {
	n := 0
	for _, cohort := range p.cohorts {
		n += len(cohort)
	}
	return n
}

// pop removes the next download: front of the newest non-empty cohort.
// Caller holds dlMu.
func (p *Pool) pop() func() {
	for i := len(p.cohorts) - 1; i >= 0; i-- {
		if len(p.cohorts[i]) > 0 {
			fn := p.cohorts[i][0]
			p.cohorts[i] = p.cohorts[i][1:]
			return fn
		}
	}
	return nil
}

func (p *Pool) dispatch() {
	defer close(p.dispatcherDone)
	ctx := context.Background()
	for {
		p.dlMu.Lock()
		for p.pending() == 0 && !p.closed {
			p.dlCond.Wait()
		}
		if p.pending() == 0 {
			p.dlMu.Unlock()
			return
		}
		p.dlMu.Unlock()

		// the semaphore bounds how many downloads run at once, the queue
		// is re-read after acquiring so a cohort flip taken while waiting
		// is honoured
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		p.dlMu.Lock()
		fn := p.pop()
		p.dlMu.Unlock()
		if fn == nil {
			p.sem.Release(1)
			continue
		}
		p.downloadsWg.Add(1)
		go func() {
			defer p.downloadsWg.Done()
			defer p.sem.Release(1)
			fn()
		}()
	}
}

// Close drains every lane and waits for in-flight work to finish. The
// disk and download lanes feed each other, so the lanes only stop once no
// disk or download operation is queued or running.
func (p *Pool) Close() {
	p.qMu.Lock()
	for p.outstanding > 0 {
		p.qCond.Wait()
	}
	p.qMu.Unlock()

	p.dlMu.Lock()
	p.closed = true
	p.dlCond.Signal()
	p.dlMu.Unlock()
	<-p.dispatcherDone
	p.downloadsWg.Wait()
	p.disk.Close()
	if p.ownDeliver != nil {
		p.ownDeliver.Close()
	}
}

// Check the interfaces are satisfied
var _ Runner = (*Pool)(nil)
