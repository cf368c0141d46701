package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/fetch"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/progress"
)

// runChunk downloads the sources in ids concurrently and returns one
// terminal task per id, in the order of ids. It returns once every task
// has finished, or once the chunk deadline has passed and stragglers have
// been cancelled and given AckTimeout to return.
func (o *Orchestrator) runChunk(ctx context.Context, req Request, ids []string,
	slots chan struct{}, rep *progress.Reporter) []*Task {
	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(map[string]*Task, len(ids))
	ordered := make([]*Task, 0, len(ids))
	sources := make(map[string]catalog.Source, len(ids))
	// slotted[id] is set once the task for id holds a download slot.
	slotted := make(map[string]*atomic.Bool, len(ids))

	// Buffered for every task so that abandoned goroutines never block.
	results := make(chan outcome, len(ids))
	launched := 0

	for _, id := range ids {
		t := &Task{SourceID: id, State: StatePending}
		tasks[id] = t
		ordered = append(ordered, t)

		src, err := o.cfg.Provider.Source(ctx, id)
		if err != nil {
			t.State, t.Kind, t.Err = StateFailed, fetch.KindConfig, err
			rep.SourceStarted()
			rep.SourceFailed()
			continue
		}
		sources[id] = src
		t.State = StateRunning
		if src.Type != catalog.SourceManual {
			rep.SourceStarted()
		}
		launched++
		slotted[id] = new(atomic.Bool)
		go o.runTask(chunkCtx, req, src, slots, slotted[id], results)
	}

	deadline := time.NewTimer(req.ChunkDeadline())
	defer deadline.Stop()

	done := make(map[string]outcome, launched)
	pending := launched
wait:
	for pending > 0 {
		select {
		case out := <-results:
			pending--
			done[out.sourceID] = out
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	if pending > 0 {
		o.abandon(ctx, req, tasks, ordered, done, results, pending, cancel, slotted, rep)
	}

	for _, t := range ordered {
		out, ok := done[t.SourceID]
		if !ok || t.State != StateRunning {
			continue
		}
		o.finish(ctx, req, t, sources[t.SourceID], out, rep)
	}
	return ordered
}

// abandon cancels the tasks still running after the deadline and marks
// them timed out once they return or AckTimeout elapses. A task that never
// got a download slot is reported as waiting for one.
func (o *Orchestrator) abandon(ctx context.Context, req Request, tasks map[string]*Task, ordered []*Task,
	done map[string]outcome, results <-chan outcome, pending int, cancel context.CancelFunc,
	slotted map[string]*atomic.Bool, rep *progress.Reporter) {
	parentDone := ctx.Err() != nil
	cancel()

	ack := time.NewTimer(req.AckTimeout)
	defer ack.Stop()

	cut := func(t *Task, out outcome, acked bool) {
		t.Acknowledged = acked
		t.Attempts = out.attempts
		t.Duration = out.took
		t.WaitingForSlot = !slotted[t.SourceID].Load()
		if parentDone {
			t.State, t.Kind, t.Err = StateFailed, fetch.KindCanceled, ctx.Err()
			rep.SourceFailed()
			return
		}
		t.State, t.Kind = StateTimedOut, fetch.KindTimeout
		phase := "downloading"
		if t.WaitingForSlot {
			phase = "waiting_for_slot"
			t.Err = fmt.Errorf("no download slot free within chunk deadline of %s", req.ChunkDeadline())
		} else {
			t.Err = fmt.Errorf("no result within chunk deadline of %s", req.ChunkDeadline())
		}
		rep.SourceTimedOut()
		o.cfg.Logger.Warn("Download timed out",
			logger.String("source_id", t.SourceID),
			logger.String("phase", phase),
			logger.Int("attempts", t.Attempts),
			logger.Duration("deadline", req.ChunkDeadline()),
		)
	}

drain:
	for pending > 0 {
		select {
		case out := <-results:
			pending--
			if _, ok := done[out.sourceID]; ok {
				continue
			}
			cut(tasks[out.sourceID], out, true)
		case <-ack.C:
			break drain
		}
	}

	for _, t := range ordered {
		if t.State != StateRunning {
			continue
		}
		if _, ok := done[t.SourceID]; ok {
			continue
		}
		cut(t, outcome{}, false)
		o.cfg.Logger.Warn("Download did not acknowledge cancellation",
			logger.String("source_id", t.SourceID),
			logger.Bool("waiting_for_slot", t.WaitingForSlot),
			logger.Duration("ack_timeout", req.AckTimeout),
		)
	}
}

// finish classifies a task that returned before the deadline and
// persists its payload.
func (o *Orchestrator) finish(ctx context.Context, req Request, t *Task, src catalog.Source, out outcome, rep *progress.Reporter) {
	t.Attempts = out.attempts
	t.Duration = out.took
	t.Acknowledged = true

	switch {
	case out.skipped:
		t.State = StateSkipped
		rep.SourceSkipped()
		return
	case out.err != nil:
		t.State, t.Kind, t.Err = StateFailed, fetch.Classify(out.err).Kind, out.err
	case int64(len(out.payload.Data)) < req.MinBytes:
		t.State, t.Kind, t.Err = StateFailed, fetch.KindNoData, errNoData
	default:
		path := o.cfg.Paths.Raw(src.SaveAs)
		if err := o.cfg.Store.Write(ctx, path, out.payload.Data, out.payload.ContentType, true); err != nil {
			t.State, t.Kind, t.Err = StateFailed, fetch.KindPersist, err
			break
		}
		t.State = StateSucceeded
		t.BytesWritten = len(out.payload.Data)
		rep.SourceSucceeded(int64(t.BytesWritten))
		o.cfg.Logger.Debug("Source downloaded",
			logger.String("source_id", t.SourceID),
			logger.Int("bytes", t.BytesWritten),
			logger.Int("attempts", t.Attempts),
		)
		return
	}

	rep.SourceFailed()
	o.cfg.Logger.Warn("Source download failed",
		logger.String("source_id", t.SourceID),
		logger.String("kind", string(t.Kind)),
		logger.Int("attempts", t.Attempts),
		logger.Error(t.Err),
	)
}

// runTask is the goroutine for one source. It always sends exactly one
// outcome.
func (o *Orchestrator) runTask(ctx context.Context, req Request, src catalog.Source,
	slots chan struct{}, slotted *atomic.Bool, results chan<- outcome) {
	out := outcome{sourceID: src.ID}
	began := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.err = &fetch.Error{Kind: fetch.KindPanic, Attempts: out.attempts, Err: fmt.Errorf("panic: %v", r)}
		}
		out.took = time.Since(began)
		results <- out
	}()

	if src.Type == catalog.SourceManual {
		out.skipped = true
		return
	}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		out.err = ctx.Err()
		return
	}
	slotted.Store(true)
	defer func() { <-slots }()

	d, err := o.cfg.Downloaders.Lookup(src.Downloader)
	if err != nil {
		out.err = &fetch.Error{Kind: fetch.KindConfig, Err: err}
		return
	}
	out.payload, out.attempts, out.err = fetch.Do(ctx, d, src, fetch.Policy{
		MaxRetries:     req.MaxRetries,
		AttemptTimeout: req.PerRequestTimeout,
		Backoff:        req.Backoff,
		MaxBackoff:     req.MaxBackoff,
	})
}
