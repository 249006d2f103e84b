// Package snapshot provides reference-counted lifetimes over filesystem
// snapshot handles, so a snapshot produced for one or more in-flight
// reads is disposed exactly once, the instant its last consumer is done
// with it.
package snapshot

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/compote/internal/metrics"
)

// Handle is the disposable resource a Tracker guards. Implementations
// are supplied by the (out-of-scope) snapshot-producing subsystem —
// typically a copy-on-write filesystem snapshot that must be released
// back to the OS.
type Handle interface {
	Dispose() error
}

// Tracker wraps a Handle with a reference count. The handle is disposed
// at most once, the moment the count returns to zero, regardless of the
// order in which references are released.
type Tracker struct {
	handle Handle
	logger *zap.Logger

	mu       sync.Mutex
	count    int
	disposed bool
}

// New constructs a Tracker over handle. The tracker starts with a count
// of zero; callers must AddReference at least once before the handle can
// ever be disposed by a release.
func New(handle Handle, logger *zap.Logger) *Tracker {
	if handle == nil {
		panic("snapshot: nil handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{handle: handle, logger: logger}
}

// Reference is a token that keeps the tracked snapshot alive. Release is
// idempotent: calling it more than once has no additional effect.
type Reference struct {
	path     string
	tracker  *Tracker
	released bool
	mu       sync.Mutex
}

// AddReference atomically increments the tracker's count and returns a
// token tagged with path (the caller that requested the reference,
// recorded only for diagnostics).
func (t *Tracker) AddReference(path string) *Reference {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
	metrics.SnapshotReferencesActive.Inc()
	return &Reference{path: path, tracker: t}
}

// Count returns the current outstanding reference count, for tests and
// diagnostics.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Release decrements the tracker's reference count. If and only if the
// count reaches zero does it dispose the underlying handle. Any error
// from disposal is reported to the logger and swallowed — Release never
// fails visibly to the caller.
func (r *Reference) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()
	metrics.SnapshotReferencesActive.Dec()

	t := r.tracker
	t.mu.Lock()
	t.count--
	shouldDispose := t.count == 0 && !t.disposed
	if shouldDispose {
		t.disposed = true
	}
	t.mu.Unlock()

	if !shouldDispose {
		return
	}

	if err := t.handle.Dispose(); err != nil {
		t.logger.Error("snapshot disposal failed",
			zap.String("path", r.path),
			zap.Error(err))
	}
}

// Path returns the path this reference was acquired for.
func (r *Reference) Path() string {
	return r.path
}
