package batch

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/latticeai/gateway/internal/catalog"
)

const defaultMaxConcurrent = 5

// Dispatch executes one child request. Failures come back as *catalog.Error
// and are stored in the child's result slot — they never abort the batch.
type Dispatch func(ctx context.Context, owner string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error)

// Options tunes the Processor.
type Options struct {
	// MaxConcurrent bounds child dispatches in flight across the whole
	// process, not per batch. Default: 5.
	MaxConcurrent int

	// Validate checks one child request at intake time. When nil every
	// child is accepted.
	Validate func(*catalog.ModelRequest) *catalog.Error

	// OnCompleted fires once when a batch with a callback URL reaches the
	// completed state. Wired to the webhook dispatcher by the caller so
	// this package does not depend on it.
	OnCompleted func(owner string, s Summary)

	// QueueDepth reports the queue size per priority after every
	// enqueue/dequeue, for metrics export. Optional.
	QueueDepth func(priority Priority, depth int)

	Logger *slog.Logger
}

// CreateOptions are the per-batch knobs accepted at intake.
type CreateOptions struct {
	Priority    Priority
	CallbackURL string
	Metadata    map[string]string
}

// Processor owns the batch store, the priority queue, and the single
// logical scheduler that drains it.
type Processor struct {
	dispatch    Dispatch
	validate    func(*catalog.ModelRequest) *catalog.Error
	onCompleted func(owner string, s Summary)
	queueDepth  func(Priority, int)
	log         *slog.Logger

	maxConcurrent int
	sem           *semaphore.Weighted

	mu     sync.Mutex
	byID   map[string]*Batch
	queue  priorityQueue
	queued map[string]*queuedItem
	seq    uint64

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewProcessor builds a Processor and starts its scheduler goroutine. The
// scheduler stops when ctx is cancelled or Close is called.
func NewProcessor(ctx context.Context, dispatch Dispatch, opts Options) *Processor {
	if dispatch == nil {
		panic("batch: dispatch must not be nil")
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Processor{
		dispatch:      dispatch,
		validate:      opts.Validate,
		onCompleted:   opts.OnCompleted,
		queueDepth:    opts.QueueDepth,
		log:           log,
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		byID:          make(map[string]*Batch),
		queued:        make(map[string]*queuedItem),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	p.wg.Add(1)
	go p.run(ctx)

	return p
}

// Close stops the scheduler. In-flight child dispatches finish; queued
// batches stay pending.
func (p *Processor) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()
}

// Create validates every child independently and enqueues the batch. The
// whole batch is rejected only when every child is invalid; otherwise the
// valid children are accepted and the invalid ones are reported back.
func (p *Processor) Create(owner string, requests []catalog.ModelRequest, opts CreateOptions) (*Batch, []InvalidChild, *catalog.Error) {
	if len(requests) == 0 {
		return nil, nil, &catalog.Error{Kind: catalog.KindInvalidRequest, Message: "batch has no requests"}
	}

	var valid []catalog.ModelRequest
	var invalid []InvalidChild
	for i, req := range requests {
		if p.validate != nil {
			if verr := p.validate(&req); verr != nil {
				invalid = append(invalid, InvalidChild{Index: i, Error: verr.Message})
				continue
			}
		}
		valid = append(valid, req)
	}
	if len(valid) == 0 {
		return nil, invalid, &catalog.Error{Kind: catalog.KindInvalidRequest, Message: "every request in the batch is invalid"}
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	b := &Batch{
		ID:           uuid.NewString(),
		Owner:        owner,
		Requests:     valid,
		State:        StatePending,
		Priority:     priority,
		RequestCount: len(valid),
		Results:      make([]*ChildResult, len(valid)),
		CallbackURL:  opts.CallbackURL,
		Metadata:     opts.Metadata,
		CreatedAt:    time.Now(),
	}

	p.mu.Lock()
	p.byID[b.ID] = b
	p.seq++
	item := &queuedItem{batch: b, seq: p.seq}
	heap.Push(&p.queue, item)
	p.queued[b.ID] = item
	p.reportDepthLocked()
	snapshot := snapshotOf(b)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	return snapshot, invalid, nil
}

// Get returns the batch iff it exists and belongs to owner.
func (p *Processor) Get(id, owner string) (*Batch, *catalog.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.byID[id]
	if !ok || b.Owner != owner {
		return nil, &catalog.Error{Kind: catalog.KindNotFound, Message: "batch not found"}
	}
	return snapshotOf(b), nil
}

// List returns every batch owned by owner, newest first.
func (p *Processor) List(owner string) []*Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Batch
	for _, b := range p.byID {
		if b.Owner == owner {
			out = append(out, snapshotOf(b))
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Cancel fails a still-pending batch and removes it from the queue. A batch
// that has entered processing cannot be cancelled through this interface.
func (p *Processor) Cancel(id, owner string) *catalog.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.byID[id]
	if !ok || b.Owner != owner {
		return &catalog.Error{Kind: catalog.KindNotFound, Message: "batch not found"}
	}
	if b.State != StatePending {
		return &catalog.Error{
			Kind:    catalog.KindInvalidRequest,
			Message: fmt.Sprintf("batch is %s and can no longer be cancelled", b.State),
		}
	}

	if item, queued := p.queued[id]; queued {
		heap.Remove(&p.queue, item.index)
		delete(p.queued, id)
		p.reportDepthLocked()
	}
	now := time.Now()
	b.State = StateFailed
	b.Error = "cancelled"
	b.CompletedAt = &now
	return nil
}

// run is the single logical scheduler: it pops the highest-priority batch
// and processes it to a terminal state before taking the next one. The
// concurrency bound applies to child dispatches, not to batches.
func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		b := p.next()
		if b == nil {
			select {
			case <-p.wake:
				continue
			case <-ctx.Done():
				return
			case <-p.done:
				return
			}
		}
		p.process(ctx, b)
	}
}

// next pops the head of the queue and transitions it to processing, or
// returns nil when the queue is empty.
func (p *Processor) next() *Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.queue.Len() == 0 {
		return nil
	}
	item := heap.Pop(&p.queue).(*queuedItem)
	delete(p.queued, item.batch.ID)
	p.reportDepthLocked()

	item.batch.State = StateProcessing
	return item.batch
}

// process dispatches b's children in chunks of maxConcurrent, persisting
// counter progress after each chunk, then finalizes the batch.
func (p *Processor) process(ctx context.Context, b *Batch) {
	p.mu.Lock()
	owner := b.Owner
	requests := b.Requests
	p.mu.Unlock()

	results := make([]*ChildResult, len(requests))

	for start := 0; start < len(requests); start += p.maxConcurrent {
		end := start + p.maxConcurrent
		if end > len(requests) {
			end = len(requests)
		}

		var chunk sync.WaitGroup
		for i := start; i < end; i++ {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				results[i] = &ChildResult{Error: "cancelled"}
				continue
			}
			chunk.Add(1)
			go func(i int) {
				defer chunk.Done()
				defer p.sem.Release(1)
				req := requests[i]
				resp, derr := p.dispatch(ctx, owner, &req)
				if derr != nil {
					results[i] = &ChildResult{Error: derr.Message}
					return
				}
				results[i] = &ChildResult{Response: resp}
			}(i)
		}
		chunk.Wait()

		p.persistProgress(b, results, start, end)

		select {
		case <-ctx.Done():
			p.fail(b, "scheduler stopped")
			return
		case <-p.done:
			p.fail(b, "scheduler stopped")
			return
		default:
		}
	}

	p.complete(b)
}

// persistProgress stores the chunk's results and bumps the counters.
// Counters only ever increase while the batch is non-terminal.
func (p *Processor) persistProgress(b *Batch, results []*ChildResult, start, end int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := start; i < end; i++ {
		b.Results[i] = results[i]
		if results[i] == nil {
			continue
		}
		if results[i].Error != "" {
			b.FailedCount++
		} else {
			b.CompletedCount++
		}
	}
}

func (p *Processor) complete(b *Batch) {
	p.mu.Lock()
	now := time.Now()
	b.State = StateCompleted
	b.CompletedAt = &now
	s := summary(b)
	callback := b.CallbackURL
	p.mu.Unlock()

	p.log.Info("batch completed",
		slog.String("batch_id", s.ID),
		slog.Int("completed", s.CompletedCount),
		slog.Int("failed", s.FailedCount),
	)

	if callback != "" && p.onCompleted != nil {
		p.onCompleted(s.Owner, s)
	}
}

func (p *Processor) fail(b *Batch, reason string) {
	p.mu.Lock()
	now := time.Now()
	b.State = StateFailed
	b.Error = reason
	b.CompletedAt = &now
	p.mu.Unlock()

	p.log.Warn("batch failed", slog.String("batch_id", b.ID), slog.String("error", reason))
}

// reportDepthLocked pushes per-priority queue depths to the metrics hook.
// Caller must hold p.mu.
func (p *Processor) reportDepthLocked() {
	if p.queueDepth == nil {
		return
	}
	depths := map[Priority]int{PriorityHigh: 0, PriorityNormal: 0, PriorityLow: 0}
	for _, item := range p.queue {
		depths[item.batch.Priority]++
	}
	for prio, n := range depths {
		p.queueDepth(prio, n)
	}
}

// snapshotOf deep-copies the reader-visible fields of b so callers never
// observe a batch mid-mutation. Caller must hold p.mu.
func snapshotOf(b *Batch) *Batch {
	out := *b
	out.Requests = append([]catalog.ModelRequest{}, b.Requests...)
	out.Results = make([]*ChildResult, len(b.Results))
	for i, r := range b.Results {
		if r != nil {
			cp := *r
			out.Results[i] = &cp
		}
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
