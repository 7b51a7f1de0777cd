// Package parallel runs CPU-bound pixel work on a fixed set of goroutines.
//
// Pixels are handed out as contiguous chunks of an index range. Each worker
// owns a queue and steals from the others when its own queue runs dry:
// pixels inside the set run to the iteration limit while their neighbours
// escape early, so chunk costs vary by orders of magnitude. A shared stop
// flag cancels chunks that have not started yet.
//
// Thread safety: WorkerPool is safe for concurrent use.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool is a pool of goroutines with per-worker queues.
type WorkerPool struct {
	workers int

	// queues holds one buffered queue per worker.
	queues []chan func()

	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWorkerPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	own := p.queues[id]
	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case work := <-own:
			run(work)
		default:
			if stolen := p.steal(id); stolen != nil {
				run(stolen)
				continue
			}
			select {
			case <-p.done:
				p.drain(own)
				return
			case work := <-own:
				run(work)
			}
		}
	}
}

func run(work func()) {
	if work != nil {
		work()
	}
}

func (p *WorkerPool) drain(queue chan func()) {
	for {
		select {
		case work := <-queue:
			run(work)
		default:
			return
		}
	}
}

// steal takes one item from another worker's queue, or returns nil.
func (p *WorkerPool) steal(id int) func() {
	for i := range p.workers {
		if i == id {
			continue
		}
		select {
		case work := <-p.queues[i]:
			return work
		default:
		}
	}
	return nil
}

// ExecuteAll distributes work round-robin and waits for all of it. Nil
// items are skipped. On a closed pool it is a no-op.
func (p *WorkerPool) ExecuteAll(work []func()) {
	if len(work) == 0 || !p.running.Load() {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(work))

	next := 0
	for _, fn := range work {
		if fn == nil {
			wg.Done()
			continue
		}
		wrapped := func() {
			defer wg.Done()
			fn()
		}
		select {
		case p.queues[next%p.workers] <- wrapped:
			next++
		case <-p.done:
			wg.Done()
		}
	}

	wg.Wait()
}

// ForEachChunk calls fn for consecutive [lo, hi) ranges of at most size
// elements covering [0, n), in parallel, and waits for all of them.
//
// Once stop is set, chunks that have not started are skipped; a chunk
// already running is expected to poll stop itself. ForEachChunk returns
// the number of chunks that ran. A nil stop never cancels.
func (p *WorkerPool) ForEachChunk(n, size int, stop *atomic.Bool, fn func(lo, hi int)) int {
	if n <= 0 {
		return 0
	}
	if size <= 0 {
		size = n
	}

	var ran atomic.Int64
	work := make([]func(), 0, (n+size-1)/size)
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		work = append(work, func() {
			if stop != nil && stop.Load() {
				return
			}
			fn(lo, hi)
			ran.Add(1)
		})
	}
	p.ExecuteAll(work)
	return int(ran.Load())
}

// Close stops the pool after queued work completes. Safe to call twice.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning reports whether the pool accepts work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}
