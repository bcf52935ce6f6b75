// internal/scheduler/dispatcher.go
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/libranexus/circulation/internal/circulation"
)

type promotionTask struct {
	ctx context.Context
	req circulation.PromotionRequest
}

// Dispatcher is a bounded worker pool running promotions off the request
// path. After Close, Dispatch runs promotions inline so none is dropped.
type Dispatcher struct {
	tasks    chan promotionTask
	workers  int
	logger   *slog.Logger
	promoter circulation.Promoter

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ circulation.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(workers, buffer int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		tasks:   make(chan promotionTask, buffer),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the workers. It must be called once, before Dispatch.
func (d *Dispatcher) Start(promoter circulation.Promoter) {
	d.promoter = promoter
	for range d.workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for task := range d.tasks {
				d.promote(task)
			}
		}()
	}
}

// Dispatch queues req, blocking while the buffer is full.
func (d *Dispatcher) Dispatch(ctx context.Context, req circulation.PromotionRequest) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task := promotionTask{ctx: ctx, req: req}
	if d.closed {
		d.promote(task)
		return
	}
	d.tasks <- task
}

// Close stops accepting work and waits for queued promotions to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) promote(task promotionTask) {
	result, err := d.promoter.Promote(task.ctx, task.req.TitleID, task.req.TriggerID)
	if err != nil {
		d.logger.ErrorContext(task.ctx, "promotion failed",
			"title_id", task.req.TitleID, "trigger_id", task.req.TriggerID, "err", err)
		return
	}
	d.logger.DebugContext(task.ctx, "promotion dispatched",
		"title_id", task.req.TitleID, "outcome", result.Outcome)
}
