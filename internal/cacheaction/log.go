// Package cacheaction implements the Cache Action Log: a directory-backed
// durable queue of pending remote mutations (uploads and deletes) that
// the action worker drains with retry and at-least-once semantics.
package cacheaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Type identifies what a CacheAction does when processed.
type Type string

const (
	UploadFile Type = "upload"
	DeleteFile Type = "delete"
)

// Action is a durable record of one pending remote mutation.
type Action struct {
	ActionKey  int64  `json:"action_key"`
	Type       Type   `json:"type"`
	RemotePath string `json:"remote_path"`
	SourcePath string `json:"source_path,omitempty"` // only for UploadFile
	IsComplete bool   `json:"is_complete"`

	// filename is the on-disk path this action is persisted under. It is
	// stamped onto the action by LogAction and cleared by ReleaseAction;
	// it is not serialized, since it's derived from ActionKey.
	filename string
}

// Log is a directory-backed durable queue. Each action is persisted as a
// JSON file named by its monotonic ActionKey.
type Log struct {
	dir string
}

// New returns a Log rooted at dir. EnsureDirectoryExists must be called
// before logging any action.
func New(dir string) *Log {
	return &Log{dir: dir}
}

// Dir returns the queue directory.
func (l *Log) Dir() string { return l.dir }

// EnsureDirectoryExists creates the queue directory if it does not exist.
func (l *Log) EnsureDirectoryExists() error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("cacheaction: create queue dir %s: %w", l.dir, err)
	}
	return nil
}

// EnumerateActionKeys returns every filename in the queue directory that
// parses as an integer. Ordering is the caller's responsibility; callers
// that need replay order must sort the result ascending themselves.
func (l *Log) EnumerateActionKeys() ([]int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cacheaction: enumerate %s: %w", l.dir, err)
	}

	keys := make([]int64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// LogAction allocates a monotonic actionKey (a wall-clock tick count,
// bumped past any existing filename collision) and durably writes action
// under it. The action's in-memory filename pointer is stamped with the
// path it was written to. Either the file ends up fully present, or — on
// any write error — absent; LogAction never leaves a partial file on a
// path that EnumerateActionKeys will later see, because it writes to a
// temp path and renames into place.
func (l *Log) LogAction(action *Action) error {
	if err := l.EnsureDirectoryExists(); err != nil {
		return err
	}

	key := time.Now().UnixNano()
	var path string
	for {
		path = filepath.Join(l.dir, strconv.FormatInt(key, 10))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		key++
	}

	action.ActionKey = key
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("cacheaction: marshal action %d: %w", key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("cacheaction: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cacheaction: rename %s -> %s: %w", tmp, path, err)
	}

	action.filename = path
	return nil
}

// RehydrateAction reads the action persisted under key back into memory.
func (l *Log) RehydrateAction(key int64) (*Action, error) {
	path := filepath.Join(l.dir, strconv.FormatInt(key, 10))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cacheaction: read %s: %w", path, err)
	}

	var action Action
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("cacheaction: corrupt action file %s: %w", path, err)
	}
	action.filename = path
	return &action, nil
}

// ReleaseAction deletes the backing file for action and clears its
// filename pointer. It is idempotent against a file that is already
// missing.
func (l *Log) ReleaseAction(action *Action) error {
	if action.filename == "" {
		return nil
	}
	err := os.Remove(action.filename)
	action.filename = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cacheaction: release %d: %w", action.ActionKey, err)
	}
	return nil
}

// SortedKeys is a convenience wrapper used by Start/replay call sites:
// EnumerateActionKeys followed by an ascending sort.
func SortedKeys(l *Log) ([]int64, error) {
	keys, err := l.EnumerateActionKeys()
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// CreateTemporaryCacheActionDataFile allocates a never-before-used path
// under dir for staging an upload's payload bytes, outside the action
// queue directory's key ordering namespace. It retries up to 1000 times
// on a name collision before giving up.
func CreateTemporaryCacheActionDataFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("cacheaction: create staging dir %s: %w", dir, err)
	}

	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("upload-%d-%d", time.Now().UnixNano(), i)
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", fmt.Errorf("cacheaction: create staging file: %w", err)
		}
		f.Close()
		return path, nil
	}
	return "", fmt.Errorf("cacheaction: could not allocate a unique staging file after 1000 attempts")
}
