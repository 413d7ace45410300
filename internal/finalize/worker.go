package finalize

import (
	"context"
	"log/slog"
	"time"
)

// Worker drains the broker and runs each task through the Pipeline,
// bounding each task by the soft/hard time limits of §4.8 (default
// 300s/330s): a task exceeding the hard limit is abandoned without an ack,
// so the broker's consumer-group pending-entries list redelivers it once
// its idle time passes claimMinIdle.
type Worker struct {
	broker   *RedisBroker
	pipeline *Pipeline
	log      *slog.Logger

	softTimeLimit time.Duration
	hardTimeLimit time.Duration
}

// NewWorker builds a Worker.
func NewWorker(broker *RedisBroker, pipeline *Pipeline, softTimeLimit, hardTimeLimit time.Duration, log *slog.Logger) *Worker {
	if softTimeLimit <= 0 {
		softTimeLimit = 300 * time.Second
	}
	if hardTimeLimit <= 0 {
		hardTimeLimit = 330 * time.Second
	}
	return &Worker{
		broker:        broker,
		pipeline:      pipeline,
		log:           log,
		softTimeLimit: softTimeLimit,
		hardTimeLimit: hardTimeLimit,
	}
}

// Run blocks consuming finalize tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.broker.Consume(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("broker consume failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}
		w.process(ctx, *task)
	}
}

func (w *Worker) process(ctx context.Context, task Task) {
	taskCtx, cancel := context.WithTimeout(ctx, w.hardTimeLimit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.pipeline.RunFinalize(taskCtx, task.CheckpointName)
	}()

	select {
	case err := <-done:
		if err != nil {
			w.log.Error("finalize task failed, leaving unacked for redelivery", "checkpoint", task.CheckpointName, "err", err)
			return
		}
		if err := task.Ack(ctx); err != nil {
			w.log.Error("ack failed", "checkpoint", task.CheckpointName, "err", err)
		}
	case <-time.After(w.softTimeLimit):
		w.log.Warn("finalize task exceeded soft time limit, still running", "checkpoint", task.CheckpointName)
		select {
		case err := <-done:
			if err != nil {
				w.log.Error("finalize task failed after soft-limit warning", "checkpoint", task.CheckpointName, "err", err)
				return
			}
			if err := task.Ack(ctx); err != nil {
				w.log.Error("ack failed", "checkpoint", task.CheckpointName, "err", err)
			}
		case <-taskCtx.Done():
			w.log.Error("finalize task exceeded hard time limit, abandoning for redelivery", "checkpoint", task.CheckpointName)
		}
	case <-taskCtx.Done():
		w.log.Error("finalize task exceeded hard time limit, abandoning for redelivery", "checkpoint", task.CheckpointName)
	}
}
