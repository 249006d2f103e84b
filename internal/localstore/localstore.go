// Package localstore implements the Cache Storage Port (C2): local,
// on-disk persistence of RFSC batch files — enumeration, append-mode and
// replacement writers, readers, and the atomic swap consolidation needs.
//
// Sealed batches produced by consolidation are written with zstd framing
// (see OpenNewBatchFileWriter); the current, still-appendable batch is always
// plain text so a single line append stays a single unbuffered write.
// Readers sniff the zstd magic number so either form replays
// transparently.
package localstore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Store persists batch files under a root directory, one file per batch
// number.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The directory is created lazily by
// the first write.
func New(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) path(batchNumber int) string {
	return filepath.Join(s.root, strconv.Itoa(batchNumber))
}

// EnumerateBatches returns every batch number present on disk, ascending.
func (s *Store) EnumerateBatches() ([]int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("localstore: enumerate %s: %w", s.root, err)
	}

	var batches []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".new" || filepath.Ext(name) == ".tmp" {
			continue
		}
		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		batches = append(batches, n)
	}
	sort.Ints(batches)
	return batches, nil
}

// GetBatchFileSize returns the on-disk size, in bytes, of batch n.
func (s *Store) GetBatchFileSize(n int) (int64, error) {
	info, err := os.Stat(s.path(n))
	if err != nil {
		return 0, fmt.Errorf("localstore: stat batch %d: %w", n, err)
	}
	return info.Size(), nil
}

// sniffingReadCloser wraps a file, transparently decompressing if the
// leading bytes are the zstd magic number.
type sniffingReadCloser struct {
	io.Reader
	file   *os.File
	zstdRC *zstd.Decoder
}

// OpenBatchFileStream opens batch n for a raw byte copy, exactly as it
// sits on disk (plain text or zstd-framed, whichever the batch currently
// is) — unlike OpenBatchFileReader, it does not decode zstd framing.
// Callers that only need to relocate a batch's bytes (staging it for
// upload) should use this instead of decoding and re-encoding them.
func (s *Store) OpenBatchFileStream(n int) (io.ReadCloser, error) {
	f, err := os.Open(s.path(n))
	if err != nil {
		return nil, fmt.Errorf("localstore: open batch %d stream: %w", n, err)
	}
	return f, nil
}

func (r *sniffingReadCloser) Close() error {
	if r.zstdRC != nil {
		r.zstdRC.Close()
	}
	return r.file.Close()
}

// OpenBatchFileReader opens batch n for line-by-line replay, transparent
// to whether it is plain text or zstd-framed.
func (s *Store) OpenBatchFileReader(n int) (io.ReadCloser, error) {
	f, err := os.Open(s.path(n))
	if err != nil {
		return nil, fmt.Errorf("localstore: open batch %d: %w", n, err)
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("localstore: peek batch %d: %w", n, err)
	}

	if len(magic) == 4 && equalBytes(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("localstore: zstd reader for batch %d: %w", n, err)
		}
		return &sniffingReadCloser{Reader: dec.IOReadCloser(), file: f, zstdRC: dec}, nil
	}

	return &sniffingReadCloser{Reader: br, file: f}, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// BatchWriter is the current-batch append handle: autoflush after every
// write so a crash between writes never loses an entry already visible
// to a caller of UpdateFileState.
type BatchWriter struct {
	f *os.File
}

// WriteLine appends line plus a trailing newline, then flushes to disk.
func (w *BatchWriter) WriteLine(line string) error {
	if _, err := w.f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("localstore: write batch line: %w", err)
	}
	return w.f.Sync()
}

// Close closes the underlying file.
func (w *BatchWriter) Close() error {
	return w.f.Close()
}

// OpenBatchFileWriter opens batch n for plain-text append, creating it if
// necessary.
func (s *Store) OpenBatchFileWriter(n int) (*BatchWriter, error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fmt.Errorf("localstore: create root %s: %w", s.root, err)
	}
	f, err := os.OpenFile(s.path(n), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("localstore: open batch %d for append: %w", n, err)
	}
	return &BatchWriter{f: f}, nil
}

// NewBatchWriter is the consolidation-output handle: it writes a fresh
// batch body, zstd-framed, to a ".new" sibling of the target batch.
type NewBatchWriter struct {
	f   *os.File
	enc *zstd.Encoder
}

// WriteLine appends line plus a trailing newline to the encoder.
func (w *NewBatchWriter) WriteLine(line string) error {
	_, err := w.enc.Write([]byte(line + "\n"))
	if err != nil {
		return fmt.Errorf("localstore: write consolidated line: %w", err)
	}
	return nil
}

// Close flushes the zstd encoder and closes the underlying file.
func (w *NewBatchWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("localstore: close zstd encoder: %w", err)
	}
	return w.f.Close()
}

// OpenNewBatchFileWriter opens the ".new" sibling of batch n for
// consolidation output.
func (s *Store) OpenNewBatchFileWriter(n int) (*NewBatchWriter, error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fmt.Errorf("localstore: create root %s: %w", s.root, err)
	}
	path := s.path(n) + ".new"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("localstore: zstd writer for %s: %w", path, err)
	}
	return &NewBatchWriter{f: f, enc: enc}, nil
}

// SwitchToConsolidatedFile atomically replaces mergeInto with its ".new"
// sibling, then deletes toDelete. The rename is a single filesystem
// operation: a crash before it leaves the pre-consolidation state on
// disk untouched; a crash after it but before the toDelete removal
// leaves toDelete as a harmless leftover — replaying it again reproduces
// entries the consolidated mergeInto already carries, which is idempotent
// under the FileState map's last-write-wins semantics.
func (s *Store) SwitchToConsolidatedFile(toDelete, mergeInto int) error {
	newPath := s.path(mergeInto) + ".new"
	targetPath := s.path(mergeInto)

	if err := os.Rename(newPath, targetPath); err != nil {
		return fmt.Errorf("localstore: swap %s -> %s: %w", newPath, targetPath, err)
	}

	if err := os.Remove(s.path(toDelete)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localstore: remove retired batch %d: %w", toDelete, err)
	}
	return nil
}
