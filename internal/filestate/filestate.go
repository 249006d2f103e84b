// Package filestate defines the FileState record that the Remote File
// State Cache catalogs: a (path, size, checksum) triple, and the
// tombstone encoding that marks a path as removed.
package filestate

import (
	"fmt"
	"strconv"
	"strings"
)

// tombstoneSize and tombstoneChecksum are the sentinel values that mark
// a FileState as a removal rather than a live entry.
const (
	tombstoneSize     = -1
	tombstoneChecksum = "-"
)

// FileState is one catalog entry: the remote-relevant facts about a path
// at the moment it was last observed.
type FileState struct {
	Path     string
	Size     int64
	Checksum string
}

// Tombstone returns the FileState that marks path as removed.
func Tombstone(path string) FileState {
	return FileState{Path: path, Size: tombstoneSize, Checksum: tombstoneChecksum}
}

// IsTombstone reports whether fs represents a removal.
func (fs FileState) IsTombstone() bool {
	return fs.Size == tombstoneSize && fs.Checksum == tombstoneChecksum
}

// WithPath returns a copy of fs with its Path field set, used by the RFSC
// to reaffirm the path field before appending to a batch (callers index
// state updates by path separately from the state value itself).
func (fs FileState) WithPath(path string) FileState {
	fs.Path = path
	return fs
}

// Marshal serializes fs to a single batch-file line. The format is
// tab-separated decimal size, tab-separated checksum, then the path —
// path last and unescaped so it may itself contain any byte except a
// newline.
func Marshal(fs FileState) string {
	return strconv.FormatInt(fs.Size, 10) + "\t" + fs.Checksum + "\t" + fs.Path
}

// Parse reverses Marshal. It returns an error for any line that does not
// round-trip, so a truncated or corrupt batch line is never silently
// misread as a different path.
func Parse(line string) (FileState, error) {
	first := strings.IndexByte(line, '\t')
	if first < 0 {
		return FileState{}, fmt.Errorf("filestate: missing size field in %q", line)
	}
	second := strings.IndexByte(line[first+1:], '\t')
	if second < 0 {
		return FileState{}, fmt.Errorf("filestate: missing checksum field in %q", line)
	}
	second += first + 1

	size, err := strconv.ParseInt(line[:first], 10, 64)
	if err != nil {
		return FileState{}, fmt.Errorf("filestate: invalid size in %q: %w", line, err)
	}

	checksum := line[first+1 : second]
	path := line[second+1:]
	if path == "" {
		return FileState{}, fmt.Errorf("filestate: empty path in %q", line)
	}

	return FileState{Path: path, Size: size, Checksum: checksum}, nil
}
