package jobmgr

import (
	"context"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/nodestep/stepd/internal/sessionmgr"
)

// TaskExitBatch is one group of tasks that exited with an identical wait
// status, delivered upstream together as a batched task-exit message.
type TaskExitBatch struct {
	WaitStatus int32
	TaskIndex  []int32
}

// ExitAggregator groups ExitRecords arriving from the control pipe by
// identical wait status before handing them to an upstream callback,
// using microbatch.Batcher the same way the rest of this module's
// ancestry uses it for round-trip reduction.
type ExitAggregator struct {
	batcher *microbatch.Batcher[sessionmgr.ExitRecord]
}

// NewExitAggregator builds an aggregator that calls deliver once per
// distinct wait status in each flushed batch. window bounds how long an
// incomplete batch waits before flushing; a short window keeps per-task
// exits that land in the same scheduling tick together without materially
// delaying single-task steps.
func NewExitAggregator(window time.Duration, deliver func(TaskExitBatch)) *ExitAggregator {
	processor := func(_ context.Context, jobs []sessionmgr.ExitRecord) error {
		groups := make(map[int32][]int32)
		order := make([]int32, 0, len(jobs))
		for _, j := range jobs {
			if _, ok := groups[j.WaitStatus]; !ok {
				order = append(order, j.WaitStatus)
			}
			groups[j.WaitStatus] = append(groups[j.WaitStatus], j.TaskIndex)
		}
		for _, status := range order {
			deliver(TaskExitBatch{WaitStatus: status, TaskIndex: groups[status]})
		}
		return nil
	}

	return &ExitAggregator{
		batcher: microbatch.NewBatcher(&microbatch.BatcherConfig{
			MaxSize:       256,
			FlushInterval: window,
		}, processor),
	}
}

// Submit enqueues one exit record for aggregation.
func (a *ExitAggregator) Submit(ctx context.Context, rec sessionmgr.ExitRecord) error {
	_, err := a.batcher.Submit(ctx, rec)
	return err
}

// Close flushes any pending batch and stops the aggregator.
func (a *ExitAggregator) Close() error {
	return a.batcher.Close()
}
