package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stacktide.app/collector/common/logger"
	"stacktide.app/collector/internal/model"
	"stacktide.app/collector/internal/pipeline"
	"stacktide.app/collector/internal/queue"
	"stacktide.app/collector/internal/search"
	"stacktide.app/collector/internal/store"
)

// Worker drains event-batch tasks from the stream and runs each through the
// pipeline. One message is one batch; the worker owns the batch end-to-end
// and only acks after the pipeline reports completion.
type Worker struct {
	consumer *queue.RedisConsumer
	stores   *store.Stores
	pipe     *pipeline.Pipeline
	indexer  search.Indexer

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer *queue.RedisConsumer, stores *store.Stores, pipe *pipeline.Pipeline, indexer search.Indexer) *Worker {
	return &Worker{
		consumer:  consumer,
		stores:    stores,
		pipe:      pipe,
		indexer:   indexer,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneRead(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneRead(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"task_type", msg.Task.Type)
			w.handleFailedMessage(ctx, msg, err)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage runs one queued task. Exported so it can be reused by the
// reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: &msg.ID,
		Component: "collector.worker",
	})

	if msg.Task.Type != queue.TaskTypeEventBatch {
		// The event stream should only carry event batches; anything else is
		// acked and dropped rather than poisoning the retry loop.
		slog.WarnContext(ctx, "unexpected task type on event stream, dropping",
			"task_type", msg.Task.Type)
		return w.consumer.Ack(ctx, msg)
	}

	slog.InfoContext(ctx, "processing event batch",
		"message_id", msg.ID,
		"events", len(msg.Task.Events),
		"attempt", msg.Attempt)

	org, project, err := w.loadTenant(ctx, msg.Task)
	if err != nil {
		return err
	}
	if org == nil || project == nil {
		// Tenant disappeared between submission and processing.
		return w.consumer.Ack(ctx, msg)
	}

	ecs := make([]*pipeline.Context, 0, len(msg.Task.Events))
	for _, e := range msg.Task.Events {
		ec := pipeline.NewContext(e, org, project)
		seedSignature(ec)
		ecs = append(ecs, ec)
	}
	if len(ecs) == 0 {
		return w.consumer.Ack(ctx, msg)
	}

	results, err := w.pipe.Run(ctx, ecs)
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	w.indexStacks(ctx, results)
	logOutcome(ctx, results)

	if err := w.consumer.Ack(ctx, msg); err != nil {
		// The batch is already durable; a reclaimed redelivery would re-run
		// it, so surface the failed ack loudly.
		slog.WarnContext(ctx, "failed to ACK message", "error", err, "message_id", msg.ID)
	}

	return nil
}

func (w *Worker) loadTenant(ctx context.Context, task queue.Task) (*model.Organization, *model.Project, error) {
	org, err := w.stores.Organizations().GetByID(ctx, task.OrganizationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "organization not found, dropping batch", "organization_id", task.OrganizationID)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("loading organization: %w", err)
	}

	project, err := w.stores.Projects().GetByID(ctx, task.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "project not found, dropping batch", "project_id", task.ProjectID)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("loading project: %w", err)
	}
	if project.IsDeleted {
		slog.WarnContext(ctx, "project deleted, dropping batch", "project_id", project.ID)
		return nil, nil, nil
	}

	return org, project, nil
}

func (w *Worker) indexStacks(ctx context.Context, ecs []*pipeline.Context) {
	seen := make(map[int64]*model.Stack)
	var stacks []*model.Stack
	for _, ec := range ecs {
		if !ec.IsSaved || ec.Stack == nil {
			continue
		}
		if _, ok := seen[ec.Stack.ID]; ok {
			continue
		}
		seen[ec.Stack.ID] = ec.Stack
		stacks = append(stacks, ec.Stack)
	}
	if len(stacks) == 0 {
		return
	}

	if err := w.indexer.IndexStacks(ctx, stacks); err != nil {
		slog.WarnContext(ctx, "failed to index stacks", "count", len(stacks), "error", err)
	}
}

// seedSignature contributes error-specific stacking keys; other event types
// fall back to the type/source default applied during stacking.
func seedSignature(ec *pipeline.Context) {
	e := ec.Event
	if e.Type != model.TypeError {
		return
	}
	ec.SignatureData.Add("Type", e.Type)
	if e.Source != "" {
		ec.SignatureData.Add("Source", e.Source)
	}
	if e.Message != "" {
		ec.SignatureData.Add("Message", e.Message)
	}
}

func logOutcome(ctx context.Context, ecs []*pipeline.Context) {
	var saved, cancelled, discarded, errored int
	for _, ec := range ecs {
		switch {
		case ec.HasError():
			errored++
		case ec.IsDiscarded():
			discarded++
		case ec.IsCancelled():
			cancelled++
		case ec.IsSaved:
			saved++
		}
	}
	slog.InfoContext(ctx, "event batch processed",
		"saved", saved,
		"cancelled", cancelled,
		"discarded", discarded,
		"errored", errored)
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.consumer.MaxAttempts() {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
