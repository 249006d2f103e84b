// Package rfsc implements the Remote File State Cache: an in-memory
// path→state map backed by a batched, append-only local log, with
// background consolidation and an action-log-driven upload/delete
// worker.
package rfsc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/compote/internal/cacheaction"
	"github.com/fruitsalade/compote/internal/filestate"
	"github.com/fruitsalade/compote/internal/localstore"
	"github.com/fruitsalade/compote/internal/metrics"
	"github.com/fruitsalade/compote/internal/remotestore"
	"github.com/fruitsalade/compote/internal/timer"
)

// remoteStatePrefix is where batches live in the remote namespace.
const remoteStatePrefix = "/state/"

// actionRetryWait is the fixed back-off the action worker sleeps between
// failed attempts.
const actionRetryWait = 5 * time.Second

// consolidateAboveBatchCount is the local batch-count threshold beyond
// which a flush triggers consolidation.
const consolidateAboveBatchCount = 3

// Config holds the RFSC's tunables.
type Config struct {
	BatchUploadConsolidationDelay time.Duration
	StagingDir                    string // scratch space for sealed-batch copies and upload payloads
}

// RFSC is the Remote File State Cache.
type RFSC struct {
	cfg         Config
	local       *localstore.Store
	actionLog   *cacheaction.Log
	remote      remotestore.Store
	timerPort   timer.Port
	logger      *zap.Logger

	// sync guards the in-memory cache, the current batch, the current
	// batch writer, the armed-timer flag, and currentBatchNumber. Never
	// held across disk I/O beyond the current-batch append, and never
	// held across a remote storage call.
	mu                 sync.Mutex
	cache              map[string]filestate.FileState
	currentBatch       []filestate.FileState
	currentBatchNumber int
	batchWriter        *localstore.BatchWriter
	timerArmed         bool

	// consolidationSync serializes consolidation runs. It may be held
	// across local disk I/O but never across remote I/O. Lock order is
	// consolidationSync -> mu; no other nesting is permitted.
	consolidationSync sync.Mutex

	// actionThreadSync guards the in-memory action queue and carries the
	// condition variable the action worker waits/pulses on.
	actionThreadSync sync.Mutex
	actionThreadCond *sync.Cond
	actionQueue      []*cacheaction.Action
	stopping         bool
	workerDone       chan struct{}

	// busySync guards WaitWhileBusy signalling.
	busySync  sync.Mutex
	busyCond  *sync.Cond
	busyCount int
}

// New constructs an RFSC. Call LoadCache then Start before using it.
func New(cfg Config, local *localstore.Store, actionLog *cacheaction.Log, remote remotestore.Store, timerPort timer.Port, logger *zap.Logger) *RFSC {
	if local == nil || actionLog == nil || remote == nil || timerPort == nil {
		panic("rfsc: nil collaborator")
	}
	if cfg.BatchUploadConsolidationDelay <= 0 {
		panic("rfsc: BatchUploadConsolidationDelay must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &RFSC{
		cfg:       cfg,
		local:     local,
		actionLog: actionLog,
		remote:    remote,
		timerPort: timerPort,
		logger:    logger,
		cache:     make(map[string]filestate.FileState),
	}
	r.actionThreadCond = sync.NewCond(&r.actionThreadSync)
	r.busyCond = sync.NewCond(&r.busySync)
	return r
}

// LoadCache replays every local batch ascending to rebuild the in-memory
// cache map, then sets currentBatchNumber to one past the highest batch
// seen.
func (r *RFSC) LoadCache() error {
	batches, err := r.local.EnumerateBatches()
	if err != nil {
		return fmt.Errorf("rfsc: enumerate batches: %w", err)
	}
	sort.Ints(batches)

	cache := make(map[string]filestate.FileState)
	for _, n := range batches {
		if err := replayBatch(r.local, n, cache); err != nil {
			return fmt.Errorf("rfsc: replay batch %d: %w", n, err)
		}
	}

	next := 1
	if len(batches) > 0 {
		next = batches[len(batches)-1] + 1
	}

	r.mu.Lock()
	r.cache = cache
	r.currentBatchNumber = next
	r.mu.Unlock()

	metrics.LocalBatchCount.Set(float64(len(batches)))
	return nil
}

func replayBatch(local *localstore.Store, n int, cache map[string]filestate.FileState) error {
	rc, err := local.OpenBatchFileReader(n)
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fs, err := filestate.Parse(line)
		if err != nil {
			return err
		}
		if fs.IsTombstone() {
			delete(cache, fs.Path)
		} else {
			cache[fs.Path] = fs
		}
	}
	return sc.Err()
}

// Start ensures the action-queue directory exists, rehydrates pending
// actions in ascending key order, and launches the action worker.
func (r *RFSC) Start() error {
	if err := r.actionLog.EnsureDirectoryExists(); err != nil {
		return err
	}

	keys, err := cacheaction.SortedKeys(r.actionLog)
	if err != nil {
		return fmt.Errorf("rfsc: sort action keys: %w", err)
	}

	r.actionThreadSync.Lock()
	for _, key := range keys {
		action, err := r.actionLog.RehydrateAction(key)
		if err != nil {
			// Corrupt persisted action: logged, skipped, left on disk
			// for manual inspection.
			r.logger.Error("corrupt action file skipped during rehydration",
				zap.Int64("action_key", key), zap.Error(err))
			continue
		}
		r.actionQueue = append(r.actionQueue, action)
	}
	metrics.ActionQueueDepth.Set(float64(len(r.actionQueue)))
	r.actionThreadSync.Unlock()

	r.workerDone = make(chan struct{})
	go r.actionWorkerLoop()
	return nil
}

// Stop requests the action worker to exit once its current action
// completes. Pending actions remain on disk for the next Start.
func (r *RFSC) Stop() {
	r.actionThreadSync.Lock()
	r.stopping = true
	r.actionThreadCond.Broadcast()
	r.actionThreadSync.Unlock()

	if r.workerDone != nil {
		<-r.workerDone
	}

	r.timerPort.Stop()
}

// ContainsPath reports whether path has a live entry in the cache.
func (r *RFSC) ContainsPath(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cache[path]
	return ok
}

// EnumeratePaths returns a stable copy of every live path, never a live
// view over the cache map.
func (r *RFSC) EnumeratePaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.cache))
	for p := range r.cache {
		paths = append(paths, p)
	}
	return paths
}

// GetFileState returns the current state for path, if any.
func (r *RFSC) GetFileState(path string) (filestate.FileState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs, ok := r.cache[path]
	return fs, ok
}

// CurrentBatchNumber returns the batch number currently open for append.
func (r *RFSC) CurrentBatchNumber() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentBatchNumber
}

// UpdateFileState upserts path's state in the in-memory map and appends
// it to the current batch.
func (r *RFSC) UpdateFileState(path string, state filestate.FileState) error {
	state = state.WithPath(path)

	r.mu.Lock()
	r.cache[path] = state
	err := r.appendLocked(state)
	r.mu.Unlock()
	return err
}

// RemoveFileState removes path from the in-memory map, if present, and
// appends a tombstone. It returns whether an entry was removed.
func (r *RFSC) RemoveFileState(path string) (bool, error) {
	r.mu.Lock()
	_, existed := r.cache[path]
	if existed {
		delete(r.cache, path)
	}
	var err error
	if existed {
		err = r.appendLocked(filestate.Tombstone(path))
	}
	r.mu.Unlock()
	return existed, err
}

// appendLocked appends state to the current batch, arming the debounce
// timer on the batch's first entry. Callers must hold mu.
func (r *RFSC) appendLocked(state filestate.FileState) error {
	r.currentBatch = append(r.currentBatch, state)

	if !r.timerArmed {
		r.timerArmed = true
		r.timerPort.Schedule(r.cfg.BatchUploadConsolidationDelay, r.batchUploadTimerElapsed)
	}

	if r.batchWriter == nil {
		w, err := r.local.OpenBatchFileWriter(r.currentBatchNumber)
		if err != nil {
			return fmt.Errorf("rfsc: open batch %d writer: %w", r.currentBatchNumber, err)
		}
		r.batchWriter = w
	}

	return r.batchWriter.WriteLine(filestate.Marshal(state))
}

// batchUploadTimerElapsed is the debounce timer's callback.
func (r *RFSC) batchUploadTimerElapsed() {
	if err := r.UploadCurrentBatchAndBeginNext(); err != nil {
		r.logger.Error("batch upload failed", zap.Error(err))
	}
}

// UploadCurrentBatchAndBeginNext rotates the current batch, enqueues an
// upload action for it, and runs consolidation if warranted. After it
// returns, the outgoing batch has been durably enqueued, not necessarily
// uploaded.
func (r *RFSC) UploadCurrentBatchAndBeginNext() error {
	r.enterBusy()
	defer r.leaveBusy()

	r.mu.Lock()
	r.timerArmed = false

	if len(r.currentBatch) == 0 {
		r.mu.Unlock()
		return nil
	}

	sealedNumber := r.currentBatchNumber
	r.currentBatchNumber++
	r.currentBatch = nil
	writer := r.batchWriter
	r.batchWriter = nil
	r.mu.Unlock()

	if writer != nil {
		if err := writer.Close(); err != nil {
			return fmt.Errorf("rfsc: close sealed batch %d writer: %w", sealedNumber, err)
		}
	}

	if err := r.enqueueBatchUpload(sealedNumber); err != nil {
		return err
	}

	batches, err := r.local.EnumerateBatches()
	if err != nil {
		return fmt.Errorf("rfsc: enumerate batches: %w", err)
	}
	metrics.LocalBatchCount.Set(float64(len(batches)))

	if len(batches) > consolidateAboveBatchCount {
		// Entered synchronously, before the goroutine is spawned, so a
		// caller blocked in WaitWhileBusy right after this call returns
		// cannot observe a zero busy count before consolidation has
		// actually started.
		r.enterBusy()
		go func() {
			defer r.leaveBusy()
			r.runConsolidation()
		}()
	}
	return nil
}

// enqueueBatchUpload copies the sealed batch to a fresh staging path and
// logs an UploadFile action for it — the copy insulates the queued
// action from later local mutations and from the original file's
// removal during consolidation.
func (r *RFSC) enqueueBatchUpload(batchNumber int) error {
	if size, err := r.local.GetBatchFileSize(batchNumber); err == nil {
		r.logger.Debug("staging batch for upload",
			zap.Int("batch", batchNumber), zap.Int64("bytes", size))
	}

	tempPath, err := cacheaction.CreateTemporaryCacheActionDataFile(r.cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("rfsc: stage upload for batch %d: %w", batchNumber, err)
	}

	if err := copyBatchFile(r.local, batchNumber, tempPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rfsc: copy batch %d to staging: %w", batchNumber, err)
	}

	action := &cacheaction.Action{
		Type:       cacheaction.UploadFile,
		RemotePath: remoteStatePrefix + itoa(batchNumber),
		SourcePath: tempPath,
	}
	return r.enqueueAction(action)
}

// copyBatchFile relocates batch batchNumber's on-disk bytes verbatim to
// destPath, using the raw byte stream rather than the line-decoding
// reader so a zstd-framed consolidated batch is staged compressed, not
// decompressed and rewritten plain.
func copyBatchFile(local *localstore.Store, batchNumber int, destPath string) error {
	rc, err := local.OpenBatchFileStream(batchNumber)
	if err != nil {
		return err
	}
	defer rc.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = io.Copy(dest, rc)
	return err
}

// enqueueAction logs the action durably, then appends it to the
// in-memory worker queue and pulses the worker awake.
func (r *RFSC) enqueueAction(action *cacheaction.Action) error {
	if err := r.actionLog.LogAction(action); err != nil {
		return fmt.Errorf("rfsc: log action: %w", err)
	}

	r.actionThreadSync.Lock()
	r.actionQueue = append(r.actionQueue, action)
	metrics.ActionQueueDepth.Set(float64(len(r.actionQueue)))
	r.actionThreadCond.Broadcast()
	r.actionThreadSync.Unlock()
	return nil
}

// runConsolidation drives the consolidation loop under consolidationSync.
// It is invoked from a goroutine so the caller of
// UploadCurrentBatchAndBeginNext never blocks on it; the caller holds the
// busy count on its behalf until the goroutine returns.
func (r *RFSC) runConsolidation() {
	r.consolidationSync.Lock()
	defer r.consolidationSync.Unlock()

	for {
		batches, err := r.local.EnumerateBatches()
		if err != nil {
			r.logger.Error("consolidation: enumerate batches failed", zap.Error(err))
			return
		}
		if len(batches) <= consolidateAboveBatchCount {
			return
		}

		retired, ok, err := r.consolidateOldestBatchLocked(batches)
		if err != nil {
			// Local I/O failure during consolidation: abort this run.
			// The atomic .new swap means on-disk state is consistent;
			// the next flush retries.
			r.logger.Error("consolidation failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}

		metrics.ConsolidationRunsTotal.Inc()

		action := &cacheaction.Action{
			Type:       cacheaction.DeleteFile,
			RemotePath: remoteStatePrefix + itoa(retired),
		}
		if err := r.enqueueAction(action); err != nil {
			r.logger.Error("consolidation: enqueue delete failed",
				zap.Int("batch", retired), zap.Error(err))
			return
		}
	}
}

// consolidateOldestBatchLocked merges the two oldest local batches into
// one, folding duplicate paths with the newer entry winning. Callers
// must hold consolidationSync.
func (r *RFSC) consolidateOldestBatchLocked(batches []int) (retired int, ok bool, err error) {
	if len(batches) < 2 {
		return 0, false, nil
	}
	sort.Ints(batches)
	oldest, mergeInto := batches[0], batches[1]

	merged := make(map[string]filestate.FileState)
	deleted := make(map[string]bool)
	if err := replayBatchTombstonesTracked(r.local, mergeInto, merged, deleted); err != nil {
		return 0, false, fmt.Errorf("read mergeInto batch %d: %w", mergeInto, err)
	}

	if err := mergeOldestBatch(r.local, oldest, merged, deleted); err != nil {
		return 0, false, fmt.Errorf("read oldest batch %d: %w", oldest, err)
	}

	nw, err := r.local.OpenNewBatchFileWriter(mergeInto)
	if err != nil {
		return 0, false, fmt.Errorf("open consolidated writer for %d: %w", mergeInto, err)
	}
	for _, fs := range merged {
		if err := nw.WriteLine(filestate.Marshal(fs)); err != nil {
			nw.Close()
			return 0, false, fmt.Errorf("write consolidated entry: %w", err)
		}
	}
	if err := nw.Close(); err != nil {
		return 0, false, fmt.Errorf("close consolidated writer for %d: %w", mergeInto, err)
	}

	if err := r.local.SwitchToConsolidatedFile(oldest, mergeInto); err != nil {
		return 0, false, fmt.Errorf("switch consolidated file: %w", err)
	}

	if err := r.reuploadConsolidatedBatch(mergeInto); err != nil {
		return 0, false, fmt.Errorf("reupload consolidated batch %d: %w", mergeInto, err)
	}

	return oldest, true, nil
}

// replayBatchTombstonesTracked reads mergeInto into merged, and records
// every tombstoned path into deleted.
func replayBatchTombstonesTracked(local *localstore.Store, n int, merged map[string]filestate.FileState, deleted map[string]bool) error {
	rc, err := local.OpenBatchFileReader(n)
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fs, err := filestate.Parse(line)
		if err != nil {
			return err
		}
		if fs.IsTombstone() {
			deleted[fs.Path] = true
			delete(merged, fs.Path)
		} else {
			merged[fs.Path] = fs
		}
	}
	return sc.Err()
}

// mergeOldestBatch folds oldest's live entries into merged, skipping any
// path already deleted or already present (mergeInto, being newer, always
// wins). Tombstones in oldest are discarded — oldest is the earliest
// batch, so a tombstone there cannot refer to anything still live.
func mergeOldestBatch(local *localstore.Store, oldest int, merged map[string]filestate.FileState, deleted map[string]bool) error {
	rc, err := local.OpenBatchFileReader(oldest)
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fs, err := filestate.Parse(line)
		if err != nil {
			return err
		}
		if fs.IsTombstone() {
			continue
		}
		if deleted[fs.Path] {
			continue
		}
		if _, exists := merged[fs.Path]; exists {
			continue
		}
		merged[fs.Path] = fs
	}
	return sc.Err()
}

// reuploadConsolidatedBatch enqueues a fresh upload action for the
// merged batch, the way a normal rotation would.
func (r *RFSC) reuploadConsolidatedBatch(batchNumber int) error {
	return r.enqueueBatchUpload(batchNumber)
}

// enterBusy/leaveBusy implement the busy-count scoped region WaitWhileBusy
// blocks on.
func (r *RFSC) enterBusy() {
	r.busySync.Lock()
	r.busyCount++
	r.busySync.Unlock()
}

func (r *RFSC) leaveBusy() {
	r.busySync.Lock()
	r.busyCount--
	if r.busyCount == 0 {
		r.busyCond.Broadcast()
	}
	r.busySync.Unlock()
}

// WaitWhileBusy blocks until no background upload/consolidation work is
// in flight.
func (r *RFSC) WaitWhileBusy() {
	r.busySync.Lock()
	for r.busyCount > 0 {
		r.busyCond.Wait()
	}
	r.busySync.Unlock()
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

// ActionQueueDepth returns the number of actions currently queued
// in-memory for the action worker (not counting one it may be actively
// processing).
func (r *RFSC) ActionQueueDepth() int {
	r.actionThreadSync.Lock()
	defer r.actionThreadSync.Unlock()
	return len(r.actionQueue)
}

// DrainActionQueue blocks until the action queue is empty or deadline
// elapses, whichever comes first — an action stuck retrying a
// persistently-failing remote call can otherwise hold a waiter forever,
// so callers (the daemon's graceful-shutdown path, tests) must always
// pass a bounded deadline.
func (r *RFSC) DrainActionQueue(deadline time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.actionThreadSync.Lock()
		for len(r.actionQueue) > 0 {
			r.actionThreadCond.Wait()
		}
		r.actionThreadSync.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(deadline):
		return false
	}
}
