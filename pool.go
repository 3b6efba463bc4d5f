package cpra

import (
	"sort"
	"sync"
)

// stream is one entry of the work pool. Generation 0 marks an original
// source, which is never deleted; higher generations are merge outputs.
type stream struct {
	Path       string
	Sources    []string
	Generation int
	Records    int64
}

func (s stream) intermediate() bool { return s.Generation > 0 }

// workPool is the only state shared between merge workers. claim is its
// sole read-and-remove operation; everything else a worker does happens
// without the lock.
type workPool struct {
	mu       sync.Mutex
	pending  []stream
	live     int
	inFlight int
	failed   bool
	errs     []error
	tasks    int
}

func newWorkPool(pending []stream, workers int) *workPool {
	return &workPool{
		pending: pending,
		live:    workers,
	}
}

// claim returns the next batch for a worker, or ok false if the worker should
// exit. A worker that exits is no longer counted as live.
//
// Workers exit when the pool failed, when there is nothing left to merge, or
// when fewer than minBatch streams are pending while another worker is still
// live and can pick them up later. The last live worker merges whatever is
// left, including a lone original source so that the final stream is always
// a merge output.
func (p *workPool) claim(fanIn, minBatch int) (batch []stream, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.pending)
	switch {
	case p.failed, n == 0:
		return p.leave()
	case n == 1 && (p.live > 1 || p.pending[0].intermediate()):
		return p.leave()
	case n < minBatch && p.live > 1:
		return p.leave()
	}

	// Prefer the lowest generations so that the merge tree stays balanced.
	sort.SliceStable(p.pending, func(i, j int) bool {
		return p.pending[i].Generation < p.pending[j].Generation
	})
	k := fanIn
	if k > n {
		k = n
	}
	batch = append([]stream(nil), p.pending[:k]...)
	p.pending = append(p.pending[:0:0], p.pending[k:]...)
	p.inFlight++
	return batch, true
}

func (p *workPool) leave() ([]stream, bool) {
	p.live--
	return nil, false
}

// complete returns a task's output to the pool.
func (p *workPool) complete(out stream) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, out)
	p.inFlight--
	p.tasks++
}

// fail records a task failure. No further batches are handed out, but tasks
// already in flight run to completion.
func (p *workPool) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failed = true
	p.inFlight--
	p.errs = append(p.errs, err)
}

// abort stops handing out batches without a task failure, e.g. when the run's
// context is cancelled.
func (p *workPool) abort(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.failed {
		p.errs = append(p.errs, err)
	}
	p.failed = true
}

func (p *workPool) remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
