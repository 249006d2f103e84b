package rfsc

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fruitsalade/compote/internal/cacheaction"
	"github.com/fruitsalade/compote/internal/metrics"
	"github.com/fruitsalade/compote/internal/retry"
)

// actionWorkerLoop is the single long-lived thread that drains the
// in-memory action queue, processing each action to completion before
// moving to the next. Once Stop has been called it exits after the action
// in progress, if any, finishes or has its retry cut short; actions still
// queued are left on disk.
func (r *RFSC) actionWorkerLoop() {
	defer close(r.workerDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.cancelWhenStopping(cancel)

	for {
		action, shouldExit := r.nextAction()
		if shouldExit {
			return
		}

		r.processUntilComplete(ctx, action)
		r.leaveBusy()

		if !action.IsComplete {
			// Stop was requested mid-retry: the action stays queued on
			// disk for the next Start to resume. Don't release it.
			return
		}

		if err := r.actionLog.ReleaseAction(action); err != nil {
			r.logger.Error("release action failed",
				zap.Int64("action_key", action.ActionKey), zap.Error(err))
		}
		metrics.ActionsProcessedTotal.WithLabelValues(string(action.Type)).Inc()

		r.actionThreadSync.Lock()
		r.actionThreadCond.Broadcast() // wake DrainActionQueue waiters
		r.actionThreadSync.Unlock()
	}
}

// nextAction blocks until an action is available or the worker should
// exit (Stop has been called). The returned action is counted busy from
// the moment it leaves the queue; the caller must leaveBusy after
// processing it.
func (r *RFSC) nextAction() (action *cacheaction.Action, shouldExit bool) {
	r.actionThreadSync.Lock()
	defer r.actionThreadSync.Unlock()

	for len(r.actionQueue) == 0 && !r.stopping {
		r.actionThreadCond.Wait()
	}
	if r.stopping {
		return nil, true
	}

	action = r.actionQueue[0]
	r.actionQueue = r.actionQueue[1:]
	metrics.ActionQueueDepth.Set(float64(len(r.actionQueue)))
	r.enterBusy()
	return action, false
}

// cancelWhenStopping waits for Stop() to set the stopping flag, then
// cancels ctx so a retry sleep in progress wakes immediately rather than
// waiting out the full 5 seconds.
func (r *RFSC) cancelWhenStopping(cancel context.CancelFunc) {
	r.actionThreadSync.Lock()
	for !r.stopping {
		r.actionThreadCond.Wait()
	}
	r.actionThreadSync.Unlock()
	cancel()
}

// processUntilComplete retries process(action) with a fixed 5 second
// back-off until it succeeds or ctx is canceled (worker stopping). On
// cancellation the action is left incomplete and persisted; the next
// Start resumes it.
func (r *RFSC) processUntilComplete(ctx context.Context, action *cacheaction.Action) {
	cfg := retry.FixedInfinite(actionRetryWait)
	err := retry.Do(ctx, cfg, func() error {
		attemptErr := r.process(ctx, action)
		if attemptErr != nil {
			metrics.ActionRetriesTotal.WithLabelValues(string(action.Type)).Inc()
			r.logger.Error("action attempt failed, retrying",
				zap.Int64("action_key", action.ActionKey),
				zap.String("type", string(action.Type)),
				zap.Error(attemptErr))
		}
		return attemptErr
	})
	if err == nil {
		action.IsComplete = true
	}
	// err != nil here only means ctx was canceled mid-retry; the action
	// stays incomplete and persisted, never lost.
}

// process executes one attempt at applying action to remote storage.
func (r *RFSC) process(ctx context.Context, action *cacheaction.Action) error {
	switch action.Type {
	case cacheaction.UploadFile:
		return r.processUpload(ctx, action)
	case cacheaction.DeleteFile:
		return r.remote.DeleteFileDirect(ctx, action.RemotePath)
	default:
		return fmt.Errorf("rfsc: unknown action type %q", action.Type)
	}
}

func (r *RFSC) processUpload(ctx context.Context, action *cacheaction.Action) error {
	f, err := os.Open(action.SourcePath)
	if err != nil {
		return fmt.Errorf("open upload source %s: %w", action.SourcePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat upload source %s: %w", action.SourcePath, err)
	}

	if err := r.remote.UploadFileDirect(ctx, action.RemotePath, f); err != nil {
		return fmt.Errorf("upload %s -> %s: %w", action.SourcePath, action.RemotePath, err)
	}
	metrics.BatchUploadBytesTotal.Add(float64(info.Size()))

	// The action file itself is released separately by the caller; this
	// only cleans up the staged payload. A crash between a successful
	// upload and this removal leaves both the action file and the payload
	// on disk, so the next Start rehydrates the action and uploads the
	// same payload again.
	if err := os.Remove(action.SourcePath); err != nil && !os.IsNotExist(err) {
		r.logger.Error("failed to remove staged upload source",
			zap.String("path", action.SourcePath), zap.Error(err))
	}
	return nil
}
