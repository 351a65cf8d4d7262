package vcs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/joescharf/hound/internal/failure"
)

type tree map[string][]byte

// Memory is a Backend that keeps checkpoints in memory. It snapshots real
// directories, so agents and validators still work on files, but it needs
// no git binary. Isolated copies are temp directories.
type Memory struct {
	mu     sync.Mutex
	seq    int
	snaps  map[string]tree
	parent map[string]string // commit -> checkpoint it was taken over

	// Fail, when set, is consulted before every operation; a non-nil result
	// is returned as that operation's error.
	Fail func(op, repoPath string) error
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]tree), parent: make(map[string]string)}
}

func (m *Memory) check(op, repoPath string) error {
	if m.Fail == nil {
		return nil
	}
	if err := m.Fail(op, repoPath); err != nil {
		return failure.Wrap(fmt.Errorf("%s %s: %w", op, repoPath, err), failure.KindCheckpoint)
	}
	return nil
}

func (m *Memory) store(t tree) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("mem-%04d", m.seq)
	m.snaps[id] = t
	return id
}

func (m *Memory) lookup(id string) (tree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.snaps[id]
	return t, ok
}

func (m *Memory) Prepare(_ context.Context, repoPath string) error {
	return os.MkdirAll(repoPath, 0755)
}

func (m *Memory) CreateCheckpoint(_ context.Context, repoPath, _ string) (string, error) {
	if err := m.check("checkpoint", repoPath); err != nil {
		return "", err
	}
	t, err := readTree(repoPath)
	if err != nil {
		return "", failure.Wrap(err, failure.KindCheckpoint)
	}
	return m.store(t), nil
}

func (m *Memory) Commit(_ context.Context, repoPath, checkpointID, _ string) (string, error) {
	if err := m.check("commit", repoPath); err != nil {
		return "", err
	}
	if _, ok := m.lookup(checkpointID); !ok {
		return "", failure.New(failure.KindCheckpoint, "unknown checkpoint %s", checkpointID)
	}
	t, err := readTree(repoPath)
	if err != nil {
		return "", failure.Wrap(err, failure.KindCheckpoint)
	}
	id := m.store(t)
	m.mu.Lock()
	m.parent[id] = checkpointID
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) Rollback(_ context.Context, repoPath, checkpointID string) error {
	if err := m.check("rollback", repoPath); err != nil {
		return err
	}
	t, ok := m.lookup(checkpointID)
	if !ok {
		return failure.New(failure.KindCheckpoint, "unknown checkpoint %s", checkpointID)
	}
	if err := writeTree(repoPath, t); err != nil {
		return failure.Wrap(err, failure.KindCheckpoint)
	}
	return nil
}

func (m *Memory) Isolate(_ context.Context, repoPath, name string) (string, error) {
	t, err := readTree(repoPath)
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", "hound-"+name+"-")
	if err != nil {
		return "", err
	}
	if err := writeTree(dir, t); err != nil {
		return "", err
	}
	return dir, nil
}

// Integrate applies the difference between commitID and the checkpoint it
// was taken over. A file changed both here and in repoPath since that
// checkpoint is a conflict.
func (m *Memory) Integrate(_ context.Context, repoPath, _ string, commitID string) error {
	m.mu.Lock()
	after, ok := m.snaps[commitID]
	before := m.snaps[m.parent[commitID]]
	m.mu.Unlock()
	if !ok {
		return failure.New(failure.KindCheckpoint, "unknown commit %s", commitID)
	}
	current, err := readTree(repoPath)
	if err != nil {
		return err
	}

	changed := make(map[string][]byte)
	var removed []string
	for name, data := range after {
		if prev, ok := before[name]; !ok || !bytes.Equal(prev, data) {
			changed[name] = data
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			removed = append(removed, name)
		}
	}
	for name, data := range changed {
		cur, exists := current[name]
		prev, existed := before[name]
		if exists && !bytes.Equal(cur, data) && (!existed || !bytes.Equal(cur, prev)) {
			return failure.New(failure.KindValidation, "integrate %s: conflict on %s", commitID, name)
		}
	}

	for name, data := range changed {
		path := filepath.Join(repoPath, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	for _, name := range removed {
		if err := os.Remove(filepath.Join(repoPath, filepath.FromSlash(name))); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (m *Memory) Release(_ context.Context, _, workdir string) error {
	return os.RemoveAll(workdir)
}

func (m *Memory) Cleanup(context.Context, string, string) error { return nil }

// ContentHash returns a digest of every file under root except .git. Two
// trees with the same relative paths and bytes hash the same.
func ContentHash(root string) (string, error) {
	t, err := readTree(root)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, name := range slices.Sorted(maps.Keys(t)) {
		fmt.Fprintf(h, "%s\x00%d\x00", name, len(t[name]))
		h.Write(t[name])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readTree(root string) (tree, error) {
	t := make(tree)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		t[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", root, err)
	}
	return t, nil
}

// writeTree makes root contain exactly t, removing everything else except .git.
func writeTree(root string, t tree) error {
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}
	for name, data := range t {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

var _ Backend = (*Memory)(nil)
