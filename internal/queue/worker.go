package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/metrics"
	"github.com/forPelevin/petclip/internal/retry"
	"github.com/forPelevin/petclip/internal/types"
	"github.com/forPelevin/petclip/internal/usecase"
)

const (
	DefaultMaxRetries = 3
	DefaultPopTimeout = 5 * time.Second
)

// Runner executes one task and returns its result descriptor.
type Runner func(ctx context.Context, t Task) (types.ResultDescriptor, error)

type WorkerOptions struct {
	Run Runner
	// MaxRetries bounds requeues of retry-later failures.
	MaxRetries int
	// Backoff yields the delay before each requeue. Nil starts at 1s, capped at 30s.
	Backoff    func() backoff.BackOff
	PopTimeout time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	// UploadDir holds per-task upload directories named by task id, as
	// written by the HTTP server. A task's directory is removed once the
	// task completes or fails. Empty leaves uploads alone.
	UploadDir string
}

type Worker struct {
	q    *Queue
	opts WorkerOptions
	log  zerolog.Logger
}

func NewWorker(q *Queue, opts WorkerOptions) *Worker {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.Exponential(time.Second, 30*time.Second)
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = DefaultPopTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.SleepContext
	}
	return &Worker{q: q, opts: opts, log: log.WithComponent("worker")}
}

// Run processes tasks one at a time until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Str("list", TaskList).Msg("worker started")
	for {
		if _, err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				w.log.Info().Msg("worker stopped")
				return nil
			}
			w.log.Error().Err(err).Msg("queue read failed")
			if err := w.opts.Sleep(ctx, time.Second); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			w.log.Info().Msg("worker stopped")
			return nil
		}
	}
}

// ProcessOne waits for one task and handles it. It reports whether a task was
// taken off the list.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	raw, err := w.q.pop(ctx, w.opts.PopTimeout)
	if err != nil || raw == nil {
		return false, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil || t.ID == "" {
		w.log.Error().Err(err).Bytes("payload", truncate(raw, 200)).Msg("dropping malformed task")
		metrics.RecordQueueTask("malformed")
		return true, nil
	}
	w.handle(ctx, t)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, t Task) {
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	ctx = log.ContextWithJobID(ctx, t.ID)
	l := log.For(ctx, w.log)
	if err := w.q.setStatus(ctx, t.ID, StateProcessing, map[string]any{"retries": t.Retries}); err != nil {
		l.Warn().Err(err).Msg("could not mark task processing")
	}
	l.Info().Int("retries", t.Retries).Msg("task started")

	res, err := w.opts.Run(ctx, t)
	if err == nil {
		w.complete(ctx, t, res)
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Shutting down: leave the task for another worker.
		if pushErr := w.q.push(context.WithoutCancel(ctx), t, "interrupted"); pushErr != nil {
			l.Error().Err(pushErr).Msg("could not return interrupted task")
		}
		return
	}

	kind := types.Classify(err)
	if kind == types.KindRetryLater && t.Retries < w.opts.MaxRetries {
		w.requeue(ctx, t, err)
		return
	}
	w.fail(ctx, t, err, kind)
}

func (w *Worker) complete(ctx context.Context, t Task, res types.ResultDescriptor) {
	l := log.For(ctx, w.log)
	ctx = context.WithoutCancel(ctx)
	b, _ := json.Marshal(res)
	if err := w.q.setStatus(ctx, t.ID, StateComplete, map[string]any{"result": string(b)}); err != nil {
		l.Warn().Err(err).Msg("could not mark task complete")
	}
	if err := w.q.pushResult(ctx, Result{TaskID: t.ID, State: StateComplete, Result: &res}); err != nil {
		l.Warn().Err(err).Msg("could not push result")
	}
	metrics.RecordQueueTask("completed")
	l.Info().Str("video_url", res.VideoURL).Msg("task complete")
	w.removeUploads(ctx, t)
}

func (w *Worker) requeue(ctx context.Context, t Task, cause error) {
	l := log.For(ctx, w.log)
	delay := w.delay(t.Retries)
	l.Warn().Err(cause).Int("retries", t.Retries).Dur("delay", delay).Msg("task failed; requeueing")
	if err := w.opts.Sleep(ctx, delay); err != nil {
		if pushErr := w.q.push(context.WithoutCancel(ctx), t, firstLine(cause.Error())); pushErr != nil {
			l.Error().Err(pushErr).Msg("could not return task")
		}
		return
	}
	t.Retries++
	if err := w.q.push(ctx, t, firstLine(cause.Error())); err != nil {
		l.Error().Err(err).Msg("requeue failed")
		w.fail(ctx, t, cause, types.Classify(cause))
		return
	}
	metrics.RecordQueueTask("requeued")
}

func (w *Worker) fail(ctx context.Context, t Task, cause error, kind types.Kind) {
	l := log.For(ctx, w.log)
	ctx = context.WithoutCancel(ctx)
	msg := firstLine(cause.Error())
	fields := map[string]any{
		"error": msg,
		"kind":  string(kind),
		"stage": usecase.FailedStage(cause),
	}
	if err := w.q.setStatus(ctx, t.ID, StateFailed, fields); err != nil {
		l.Warn().Err(err).Msg("could not mark task failed")
	}
	if err := w.q.pushResult(ctx, Result{TaskID: t.ID, State: StateFailed, Error: msg}); err != nil {
		l.Warn().Err(err).Msg("could not push result")
	}
	metrics.RecordQueueTask("failed")
	l.Error().Err(cause).Str("kind", string(kind)).Msg("task failed")
	w.removeUploads(ctx, t)
}

// removeUploads deletes the task's upload directory. Only uuid task ids map
// to a directory, so a crafted id cannot escape UploadDir.
func (w *Worker) removeUploads(ctx context.Context, t Task) {
	if w.opts.UploadDir == "" {
		return
	}
	if _, err := uuid.Parse(t.ID); err != nil {
		return
	}
	dir := filepath.Join(w.opts.UploadDir, t.ID)
	if err := os.RemoveAll(dir); err != nil {
		log.For(ctx, w.log).Warn().Err(err).Str("dir", dir).Msg("could not remove task uploads")
	}
}

// delay returns the wait before the (retries+1)th requeue.
func (w *Worker) delay(retries int) time.Duration {
	b := w.opts.Backoff()
	b.Reset()
	var d time.Duration
	for i := 0; i <= retries; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return 0
		}
	}
	return d
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
