package snapshot

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeHandle struct {
	disposeCount atomic.Int32
}

func (h *fakeHandle) Dispose() error {
	h.disposeCount.Add(1)
	return nil
}

func TestTracker_TenRefsRandomReleaseOrder(t *testing.T) {
	for trial := 0; trial < 20; trial++ {
		h := &fakeHandle{}
		tr := New(h, zap.NewNop())

		refs := make([]*Reference, 10)
		for i := range refs {
			refs[i] = tr.AddReference(fmt.Sprintf("/synthetic/%d", i))
		}

		order := rand.Perm(len(refs))
		for i, idx := range order {
			refs[idx].Release()
			if i < len(order)-1 {
				if h.disposeCount.Load() != 0 {
					t.Fatalf("trial %d: disposed after %d/%d releases", trial, i+1, len(order))
				}
			}
		}

		if h.disposeCount.Load() != 1 {
			t.Fatalf("trial %d: disposeCount = %d, want 1", trial, h.disposeCount.Load())
		}
	}
}

func TestTracker_DoubleReleaseIsIdempotent(t *testing.T) {
	h := &fakeHandle{}
	tr := New(h, zap.NewNop())
	ref := tr.AddReference("/p")

	ref.Release()
	ref.Release()
	ref.Release()

	if h.disposeCount.Load() != 1 {
		t.Fatalf("disposeCount = %d, want 1", h.disposeCount.Load())
	}
}

func TestTracker_ConcurrentRelease(t *testing.T) {
	h := &fakeHandle{}
	tr := New(h, zap.NewNop())

	const n = 50
	refs := make([]*Reference, n)
	for i := range refs {
		refs[i] = tr.AddReference(fmt.Sprintf("/p/%d", i))
	}

	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func(r *Reference) {
			defer wg.Done()
			r.Release()
		}(ref)
	}
	wg.Wait()

	if h.disposeCount.Load() != 1 {
		t.Fatalf("disposeCount = %d, want 1", h.disposeCount.Load())
	}
	if tr.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", tr.Count())
	}
}

type failingHandle struct{}

func (failingHandle) Dispose() error {
	return fmt.Errorf("boom")
}

func TestTracker_DisposalErrorIsLoggedNotPropagated(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	tr := New(failingHandle{}, zap.New(core))
	ref := tr.AddReference("/p")

	// Release must not panic or otherwise surface the disposal error.
	ref.Release()

	if logs.Len() != 1 {
		t.Fatalf("logged %d error entries, want 1 for the failed disposal", logs.Len())
	}
}
