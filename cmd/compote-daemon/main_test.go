package main

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/compote/internal/cacheaction"
	"github.com/fruitsalade/compote/internal/filestate"
	"github.com/fruitsalade/compote/internal/localstore"
	"github.com/fruitsalade/compote/internal/remotestore"
	"github.com/fruitsalade/compote/internal/remotestore/memstore"
	"github.com/fruitsalade/compote/internal/rfsc"
	"github.com/fruitsalade/compote/internal/timer"
)

// manualTimer is a Timer Port the test fires explicitly instead of
// waiting out a real debounce delay.
type manualTimer struct{ fn func() }

func (m *manualTimer) Schedule(_ time.Duration, fn func()) { m.fn = fn }
func (m *manualTimer) Stop() bool                          { m.fn = nil; return true }
func (m *manualTimer) fire() {
	if m.fn != nil {
		fn := m.fn
		m.fn = nil
		fn()
	}
}

func TestStatusSummaryOnEmptyStateDir(t *testing.T) {
	dir := t.TempDir()

	summary, err := statusSummary(dir)
	if err != nil {
		t.Fatalf("statusSummary: %v", err)
	}
	if !strings.Contains(summary, "current batch:") {
		t.Errorf("summary missing expected field: %q", summary)
	}
}

func TestStatusSummaryReflectsWrittenState(t *testing.T) {
	dir := t.TempDir()

	local := localstore.New(dir + "/batches")
	actionLog := cacheaction.New(dir + "/ActionQueue")
	mt := &manualTimer{}

	cache := rfsc.New(rfsc.Config{
		BatchUploadConsolidationDelay: time.Hour,
		StagingDir:                    dir + "/staging",
	}, local, actionLog, memstore.New(), mt, zap.NewNop())

	if err := cache.LoadCache(); err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if err := cache.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := cache.UpdateFileState("/a", filestate.FileState{Size: 42, Checksum: "X"}); err != nil {
		t.Fatalf("UpdateFileState: %v", err)
	}
	mt.fire()
	cache.Stop()

	summary, err := statusSummary(dir)
	if err != nil {
		t.Fatalf("statusSummary: %v", err)
	}
	if !strings.Contains(summary, "live paths:           1") {
		t.Errorf("expected one live path in summary, got %q", summary)
	}
}

// TestUnavailableRemoteNeverPanicsConstruction guards the exact failure
// a real compote-daemon status invocation used to hit: RFSC.New panics
// if its remote collaborator is nil, and status inspection has no live
// remote to give it.
func TestUnavailableRemoteNeverPanicsConstruction(t *testing.T) {
	dir := t.TempDir()
	local := localstore.New(dir + "/batches")
	actionLog := cacheaction.New(dir + "/ActionQueue")

	var store remotestore.Store = remotestore.Unavailable{}
	cache := rfsc.New(rfsc.Config{BatchUploadConsolidationDelay: time.Hour},
		local, actionLog, store, timer.New(), zap.NewNop())
	if cache == nil {
		t.Fatal("expected a non-nil RFSC")
	}
}
