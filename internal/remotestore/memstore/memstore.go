// Package memstore is an in-memory remotestore.Store used by tests to
// exercise the action worker and RFSC without a real object-storage
// backend. It can be configured to fail a bounded number of times before
// succeeding, to exercise the action worker's retry loop.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fruitsalade/compote/internal/remotestore"
)

// Store is a concurrency-safe in-memory remotestore.Store.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte

	uploadFailuresRemaining int
	uploadCalls             int
	deleteCalls             int
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// FailNextUploads configures the next n UploadFileDirect calls to return
// an error instead of succeeding.
func (s *Store) FailNextUploads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadFailuresRemaining = n
}

// UploadCalls returns how many times UploadFileDirect has been called.
func (s *Store) UploadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadCalls
}

// DeleteCalls returns how many times DeleteFileDirect has been called.
func (s *Store) DeleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCalls
}

func (s *Store) UploadFileDirect(_ context.Context, remotePath string, stream io.Reader) error {
	s.mu.Lock()
	s.uploadCalls++
	if s.uploadFailuresRemaining > 0 {
		s.uploadFailuresRemaining--
		s.mu.Unlock()
		return fmt.Errorf("memstore: injected upload failure for %s", remotePath)
	}
	s.mu.Unlock()

	data, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("memstore: read upload body: %w", err)
	}

	s.mu.Lock()
	s.data[remotePath] = data
	s.mu.Unlock()
	return nil
}

func (s *Store) DownloadFileDirect(_ context.Context, remotePath string, sink io.Writer) error {
	s.mu.Lock()
	data, ok := s.data[remotePath]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("memstore: no object at %s", remotePath)
	}
	_, err := io.Copy(sink, bytes.NewReader(data))
	return err
}

func (s *Store) DeleteFileDirect(_ context.Context, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	delete(s.data, remotePath) // deleting an absent key is not an error
	return nil
}

func (s *Store) EnumerateFiles(_ context.Context, prefix string, recursive bool) ([]remotestore.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []remotestore.Item
	for path, data := range s.data {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if !recursive && strings.Contains(rest, "/") {
			continue
		}
		items = append(items, remotestore.Item{Path: path, Size: int64(len(data))})
	}
	return items, nil
}

var _ remotestore.Store = (*Store)(nil)
