// Package pipeline contains the orchestration engine: named stage queues,
// worker pools, per-document serialization, retry scheduling and the
// success/failure transitions between stages.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/plugin_registry"
	"github.com/perceptra/docpipe/storage"
)

// Dispatcher owns one queue per stage, each drained by its own worker pool.
// It guarantees that a document never has more than one task in flight:
// Enqueue rejects concurrent submissions with ErrDocumentBusy, and the
// internal transitions (next stage, retry) move the reservation instead of
// releasing it.
type Dispatcher struct {
	registry  *plugin_registry.PluginRegistry
	documents storage.DocumentStore
	policy    pipeline_type.RetryPolicy
	logger    *slog.Logger

	queues   map[pipeline_type.Stage]*stageQueue
	inflight sync.Map // document ID -> *pipeline_type.StageTask

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

type stageQueue struct {
	name  string
	tasks chan *pipeline_type.StageTask
	pool  *ants.Pool
}

func NewDispatcher(registry *plugin_registry.PluginRegistry, documents storage.DocumentStore,
	policy pipeline_type.RetryPolicy, workers, depth int, logger *slog.Logger) (*Dispatcher, error) {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}

	d := &Dispatcher{
		registry:  registry,
		documents: documents,
		policy:    policy,
		logger:    logger,
		queues:    make(map[pipeline_type.Stage]*stageQueue),
		stopped:   make(chan struct{}),
	}

	for _, stage := range []pipeline_type.Stage{
		pipeline_type.StageConversion,
		pipeline_type.StageParsing,
		pipeline_type.StageChunking,
		pipeline_type.StageEmbedding,
	} {
		pool, err := ants.NewPool(workers)
		if err != nil {
			d.Stop()
			return nil, err
		}
		q := &stageQueue{
			name:  pipeline_type.QueueName(stage),
			tasks: make(chan *pipeline_type.StageTask, depth),
			pool:  pool,
		}
		d.queues[stage] = q
		d.wg.Add(1)
		go d.drain(q)
	}

	return d, nil
}

func (d *Dispatcher) drain(q *stageQueue) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopped:
			return
		case task := <-q.tasks:
			if err := q.pool.Submit(func() { d.run(task) }); err != nil {
				d.logger.Error("Failed to submit task to worker pool",
					slog.String("queue", q.name),
					slog.String("document_id", task.DocumentID),
					slog.String("error", err.Error()))
				d.inflight.Delete(task.DocumentID)
			}
		}
	}
}

// Enqueue places a stage task for a document on the stage's queue. A
// document with a task already in flight (running, queued or awaiting
// retry) is rejected with ErrDocumentBusy rather than queued twice.
func (d *Dispatcher) Enqueue(ctx context.Context, documentID string, stage pipeline_type.Stage, attempt int) error {
	if !pipeline_type.KnownStage(stage) {
		return pipeline_type.ErrUnknownStage
	}

	task := &pipeline_type.StageTask{
		DocumentID: documentID,
		Stage:      stage,
		Queue:      pipeline_type.QueueName(stage),
		Attempt:    attempt,
		Status:     pipeline_type.StatusPending,
	}

	if _, loaded := d.inflight.LoadOrStore(documentID, task); loaded {
		return pipeline_type.ErrDocumentBusy
	}
	if err := d.push(task); err != nil {
		d.inflight.Delete(documentID)
		return err
	}

	d.logger.Info("Enqueued stage task",
		slog.String("document_id", documentID),
		slog.String("queue", task.Queue),
		slog.Int("attempt", attempt))
	return nil
}

func (d *Dispatcher) push(task *pipeline_type.StageTask) error {
	q := d.queues[task.Stage]
	select {
	case q.tasks <- task:
		return nil
	default:
		return pipeline_type.ErrQueueFull
	}
}

// dispatch moves the document's in-flight reservation onto a new task and
// queues it. Used for next-stage and retry transitions, which must not go
// through Enqueue's busy check: they own the reservation already.
func (d *Dispatcher) dispatch(task *pipeline_type.StageTask) {
	d.inflight.Store(task.DocumentID, task)
	if err := d.push(task); err != nil {
		d.logger.Error("Failed to queue stage task",
			slog.String("document_id", task.DocumentID),
			slog.String("queue", task.Queue),
			slog.String("error", err.Error()))
		d.inflight.Delete(task.DocumentID)
		d.failDocument(context.Background(), task, err)
	}
}

func (d *Dispatcher) run(task *pipeline_type.StageTask) {
	ctx := context.Background()

	doc, err := d.documents.GetDocument(ctx, task.DocumentID)
	if err != nil {
		d.logger.Error("Failed to load document for stage task",
			slog.String("document_id", task.DocumentID),
			slog.String("error", err.Error()))
		d.inflight.Delete(task.DocumentID)
		return
	}
	if doc.Status == pipeline_type.StatusCancelled {
		d.logger.Info("Skipping task for cancelled document",
			slog.String("document_id", doc.ID),
			slog.String("stage", string(task.Stage)))
		d.inflight.Delete(doc.ID)
		return
	}

	task.Status = pipeline_type.StatusRunning
	doc.CurrentStage = task.Stage
	doc.Status = pipeline_type.StatusRunning
	if err := d.documents.UpdateDocument(ctx, doc); err != nil {
		d.logger.Error("Failed to mark document running",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()))
		d.inflight.Delete(doc.ID)
		return
	}

	executor, err := d.registry.GetStageExecutor(task.Stage)
	if err != nil {
		d.OnStageComplete(ctx, task, pipeline_type.Fatal(err))
		return
	}

	d.OnStageComplete(ctx, task, executor.Execute(ctx, doc))
}

// OnStageComplete is invoked with the outcome of a stage execution. It
// either enqueues the next stage, schedules a retry, or marks the document
// failed. The cancellation flag is checked before committing anything so a
// late result for a deleted document is discarded.
func (d *Dispatcher) OnStageComplete(ctx context.Context, task *pipeline_type.StageTask, execErr error) {
	doc, err := d.documents.GetDocument(ctx, task.DocumentID)
	if err != nil {
		d.logger.Error("Failed to reload document after stage",
			slog.String("document_id", task.DocumentID),
			slog.String("error", err.Error()))
		d.inflight.Delete(task.DocumentID)
		return
	}
	if doc.Status == pipeline_type.StatusCancelled {
		d.logger.Info("Discarding stage result for cancelled document",
			slog.String("document_id", doc.ID),
			slog.String("stage", string(task.Stage)))
		d.inflight.Delete(doc.ID)
		return
	}

	if execErr == nil {
		task.Status = pipeline_type.StatusSucceeded
		next, ok := pipeline_type.NextStage(task.Stage)
		if !ok {
			doc.Status = pipeline_type.StatusSucceeded
			if err := d.documents.UpdateDocument(ctx, doc); err != nil {
				d.logger.Error("Failed to mark document succeeded",
					slog.String("document_id", doc.ID),
					slog.String("error", err.Error()))
			}
			d.inflight.Delete(doc.ID)
			d.logger.Info("Document pipeline completed",
				slog.String("document_id", doc.ID))
			return
		}

		doc.CurrentStage = next
		doc.Status = pipeline_type.StatusPending
		if err := d.documents.UpdateDocument(ctx, doc); err != nil {
			d.logger.Error("Failed to advance document stage",
				slog.String("document_id", doc.ID),
				slog.String("error", err.Error()))
			d.inflight.Delete(doc.ID)
			return
		}
		d.dispatch(&pipeline_type.StageTask{
			DocumentID: doc.ID,
			Stage:      next,
			Queue:      pipeline_type.QueueName(next),
			Attempt:    0,
			Status:     pipeline_type.StatusPending,
		})
		return
	}

	class := pipeline_type.ClassOf(execErr)
	record := pipeline_type.ErrorRecord{
		Stage:      task.Stage,
		Class:      class,
		Message:    execErr.Error(),
		Attempt:    task.Attempt,
		OccurredAt: time.Now().UTC(),
	}
	if err := d.documents.AppendError(ctx, doc.ID, record); err != nil {
		d.logger.Error("Failed to record stage error",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()))
	}

	if d.policy.ShouldRetry(execErr, task.Attempt) {
		delay := d.policy.Backoff(task.Attempt)
		retry := &pipeline_type.StageTask{
			DocumentID: task.DocumentID,
			Stage:      task.Stage,
			Queue:      task.Queue,
			Attempt:    task.Attempt + 1,
			Status:     pipeline_type.StatusPending,
			LastError:  execErr.Error(),
			RetryAt:    time.Now().UTC().Add(delay),
		}
		// Keep the document reserved while the retry waits so nothing
		// else can slip in between attempts.
		d.inflight.Store(doc.ID, retry)

		doc.Status = pipeline_type.StatusPending
		if err := d.documents.UpdateDocument(ctx, doc); err != nil {
			d.logger.Error("Failed to mark document pending retry",
				slog.String("document_id", doc.ID),
				slog.String("error", err.Error()))
		}

		d.logger.Warn("Stage attempt failed, retry scheduled",
			slog.String("document_id", doc.ID),
			slog.String("stage", string(task.Stage)),
			slog.Int("attempt", task.Attempt),
			slog.Duration("delay", delay),
			slog.String("error", execErr.Error()))

		time.AfterFunc(delay, func() {
			select {
			case <-d.stopped:
				d.inflight.Delete(retry.DocumentID)
			default:
				if err := d.push(retry); err != nil {
					d.inflight.Delete(retry.DocumentID)
					d.failDocument(context.Background(), retry, err)
				}
			}
		})
		return
	}

	d.logger.Error("Stage failed terminally",
		slog.String("document_id", doc.ID),
		slog.String("stage", string(task.Stage)),
		slog.String("class", string(class)),
		slog.Int("attempt", task.Attempt),
		slog.String("error", execErr.Error()))

	doc.Status = pipeline_type.StatusFailed
	if err := d.documents.UpdateDocument(ctx, doc); err != nil {
		d.logger.Error("Failed to mark document failed",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()))
	}
	d.inflight.Delete(doc.ID)
}

func (d *Dispatcher) failDocument(ctx context.Context, task *pipeline_type.StageTask, cause error) {
	doc, err := d.documents.GetDocument(ctx, task.DocumentID)
	if err != nil {
		return
	}
	doc.Status = pipeline_type.StatusFailed
	if err := d.documents.AppendError(ctx, doc.ID, pipeline_type.ErrorRecord{
		Stage:      task.Stage,
		Class:      pipeline_type.ErrorFatal,
		Message:    cause.Error(),
		Attempt:    task.Attempt,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		d.logger.Error("Failed to record dispatch error",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()))
	}
	if err := d.documents.UpdateDocument(ctx, doc); err != nil {
		d.logger.Error("Failed to mark document failed",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()))
	}
}

// Cancel marks a document cancelled. An in-flight task is not interrupted;
// its completion callback notices the flag and discards the result.
func (d *Dispatcher) Cancel(ctx context.Context, documentID string) error {
	doc, err := d.documents.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	doc.Status = pipeline_type.StatusCancelled
	return d.documents.UpdateDocument(ctx, doc)
}

// InFlight reports whether the document currently holds a task reservation.
func (d *Dispatcher) InFlight(documentID string) bool {
	_, ok := d.inflight.Load(documentID)
	return ok
}

// Stop shuts the queue feeders and worker pools down. Queued tasks are
// dropped; running tasks finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
	})
	d.wg.Wait()
	for _, q := range d.queues {
		if q.pool != nil {
			q.pool.Release()
		}
	}
}
