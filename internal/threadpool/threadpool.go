// Package threadpool implements the bounded worker pool that runs Session
// tasks to completion.
//
// Grounded on hev-thread-pool.c: auto-sized worker count
// (clamp(2*cpu_count, 2, 64)), a FIFO task queue capped at 10000, a
// shutdown that broadcasts and joins every worker, draining any remainder
// without executing it.
package threadpool

import (
	"errors"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/robin/gotun2socks/internal/queue"
)

const (
	minWorkers  = 2
	maxWorkers  = 64
	maxQueueLen = 10000
)

// ErrShutdown is returned by Submit once the pool has been told to shut
// down.
var ErrShutdown = errors.New("threadpool: shut down")

// Task is a unit of work: "run this session (or other job) to completion."
// hev-thread-pool.c's task is a (function pointer, opaque argument) pair
// whose argument ownership passes to the executing worker; a Go closure
// captures the same thing without an explicit free.
type Task func()

// Pool is a fixed set of goroutines draining a shared, bounded task queue.
type Pool struct {
	log *logrus.Entry

	tasks *queue.Bounded[Task]

	mu       sync.Mutex
	active   int
	doneCond *sync.Cond

	shutdown chan struct{}
	wg       sync.WaitGroup

	numWorkers int
}

// New creates a pool of n worker goroutines. If n <= 0, the pool sizes
// itself to clamp(2*NumCPU, minWorkers, maxWorkers), matching
// hev-thread-pool.c's get_cpu_count()-driven default.
func New(n int, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if n <= 0 {
		n = runtime.NumCPU() * 2
		if n < minWorkers {
			n = minWorkers
		}
		if n > maxWorkers {
			n = maxWorkers
		}
	}

	p := &Pool{
		log:        log.WithField("component", "threadpool"),
		tasks:      queue.New[Task](maxQueueLen),
		shutdown:   make(chan struct{}),
		numWorkers: n,
	}
	p.doneCond = sync.NewCond(&p.mu)

	p.log.WithField("workers", n).Info("creating thread pool")
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		task, ok := p.tasks.Pop()
		if !ok {
			return
		}

		p.mu.Lock()
		p.active++
		p.mu.Unlock()

		func() {
			defer func() {
				p.mu.Lock()
				p.active--
				if p.active == 0 && p.tasks.Len() == 0 {
					p.doneCond.Broadcast()
				}
				p.mu.Unlock()
			}()
			task()
		}()
	}
}

// Submit enqueues a task for execution by the next available worker. It
// returns ErrShutdown if the pool has been destroyed, or queue.ErrFull if
// the task queue is at capacity; the caller owns task/its captured argument
// in both failure cases.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.shutdown:
		return ErrShutdown
	default:
	}
	if err := p.tasks.TryPush(task); err != nil {
		p.log.Warn("thread pool queue full")
		return err
	}
	return nil
}

// WaitAll blocks until the task queue is empty and no worker is active.
func (p *Pool) WaitAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.active > 0 || p.tasks.Len() > 0 {
		p.doneCond.Wait()
	}
}

// Destroy signals shutdown, joins every worker, and drains (without
// running) any task left in the queue.
func (p *Pool) Destroy() {
	select {
	case <-p.shutdown:
		return
	default:
		close(p.shutdown)
	}
	p.tasks.Close()
	p.wg.Wait()
	dropped := p.tasks.Drain()
	if len(dropped) > 0 {
		p.log.WithField("dropped", len(dropped)).Debug("dropped queued tasks on shutdown")
	}
	p.log.Info("thread pool destroyed")
}

// NumWorkers reports the number of worker goroutines.
func (p *Pool) NumWorkers() int { return p.numWorkers }
