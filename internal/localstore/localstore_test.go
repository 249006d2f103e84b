package localstore

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestPlainBatchWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	w, err := s.OpenBatchFileWriter(1)
	if err != nil {
		t.Fatalf("OpenBatchFileWriter: %v", err)
	}
	lines := []string{"10\tabc\t/a", "20\tdef\t/b"}
	for _, l := range lines {
		if err := w.WriteLine(l); err != nil {
			t.Fatalf("WriteLine: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := s.OpenBatchFileReader(1)
	if err != nil {
		t.Fatalf("OpenBatchFileReader: %v", err)
	}
	defer r.Close()

	got := readAllLines(t, r)
	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i := range lines {
		if got[i] != lines[i] {
			t.Errorf("line %d: got %q, want %q", i, got[i], lines[i])
		}
	}
}

func TestConsolidatedBatchZstdRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	nw, err := s.OpenNewBatchFileWriter(2)
	if err != nil {
		t.Fatalf("OpenNewBatchFileWriter: %v", err)
	}
	if err := nw.WriteLine("30\tghi\t/c"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := nw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := s.SwitchToConsolidatedFile(1, 2); err != nil {
		t.Fatalf("SwitchToConsolidatedFile: %v", err)
	}

	r, err := s.OpenBatchFileReader(2)
	if err != nil {
		t.Fatalf("OpenBatchFileReader: %v", err)
	}
	defer r.Close()

	got := readAllLines(t, r)
	if len(got) != 1 || got[0] != "30\tghi\t/c" {
		t.Fatalf("got %v, want [\"30\\tghi\\t/c\"]", got)
	}
}

func TestEnumerateBatchesIgnoresNewAndTmp(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	for _, n := range []int{3, 1, 2} {
		w, err := s.OpenBatchFileWriter(n)
		if err != nil {
			t.Fatalf("OpenBatchFileWriter(%d): %v", n, err)
		}
		w.Close()
	}
	nw, _ := s.OpenNewBatchFileWriter(1)
	nw.Close()
	if err := os.WriteFile(filepath.Join(dir, "4.tmp"), nil, 0644); err != nil {
		t.Fatalf("write 4.tmp: %v", err)
	}

	batches, err := s.EnumerateBatches()
	if err != nil {
		t.Fatalf("EnumerateBatches: %v", err)
	}
	if len(batches) != 3 || batches[0] != 1 || batches[1] != 2 || batches[2] != 3 {
		t.Fatalf("EnumerateBatches = %v, want [1 2 3]", batches)
	}
}

func TestGetBatchFileSizeMatchesWrittenBytes(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	w, err := s.OpenBatchFileWriter(1)
	if err != nil {
		t.Fatalf("OpenBatchFileWriter: %v", err)
	}
	line := "10\tabc\t/a"
	if err := w.WriteLine(line); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	size, err := s.GetBatchFileSize(1)
	if err != nil {
		t.Fatalf("GetBatchFileSize: %v", err)
	}
	if want := int64(len(line) + 1); size != want {
		t.Errorf("GetBatchFileSize = %d, want %d", size, want)
	}
}

func TestOpenBatchFileStreamReturnsRawBytesForZstdBatch(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	nw, err := s.OpenNewBatchFileWriter(2)
	if err != nil {
		t.Fatalf("OpenNewBatchFileWriter: %v", err)
	}
	if err := nw.WriteLine("30\tghi\t/c"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := nw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.SwitchToConsolidatedFile(1, 2); err != nil {
		t.Fatalf("SwitchToConsolidatedFile: %v", err)
	}

	rc, err := s.OpenBatchFileStream(2)
	if err != nil {
		t.Fatalf("OpenBatchFileStream: %v", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(raw) < 4 || !equalBytes(raw[:4], zstdMagic) {
		t.Error("expected the raw stream to still carry the zstd magic number, unlike OpenBatchFileReader")
	}
}

func readAllLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return lines
}
