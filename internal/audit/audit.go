// Package audit implements the append-only, per-session event journal that
// is the source of truth for what happened in a pipeline session.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/models"
)

const fileName = "audit.jsonl"

// Log is a directory of newline-delimited JSON event streams, one per session.
type Log struct {
	dir string

	mu      sync.Mutex
	files   map[string]*sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open returns a Log rooted at dir, creating it if needed.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &Log{
		dir:     dir,
		files:   make(map[string]*sync.Mutex),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Dir returns the directory holding the log files of one session.
func (l *Log) Dir(sessionID string) string {
	return filepath.Join(l.dir, sessionID)
}

// Path returns the audit file for a session.
func (l *Log) Path(sessionID string) string {
	return filepath.Join(l.Dir(sessionID), fileName)
}

func (l *Log) fileLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.files[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.files[sessionID] = m
	}
	return m
}

func (l *Log) newID(t time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), l.entropy).String()
}

// Append writes one event as a single line and fsyncs before returning. ID
// and Timestamp are filled when empty. Any failure is an audit_write error:
// the caller must abort the in-flight attempt.
func (l *Log) Append(ev *models.AuditEvent) error {
	if ev.SessionID == "" {
		return failure.New(failure.KindAudit, "audit event has no session id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = l.newID(ev.Timestamp)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return failure.Wrap(fmt.Errorf("encode audit event: %w", err), failure.KindAudit)
	}
	line = append(line, '\n')

	m := l.fileLock(ev.SessionID)
	m.Lock()
	defer m.Unlock()

	if err := os.MkdirAll(l.Dir(ev.SessionID), 0o750); err != nil {
		return failure.Wrap(fmt.Errorf("create session audit directory: %w", err), failure.KindAudit)
	}
	f, err := os.OpenFile(l.Path(ev.SessionID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return failure.Wrap(fmt.Errorf("open audit log: %w", err), failure.KindAudit)
	}
	defer func() { _ = f.Close() }()

	if err := repairTail(f); err != nil {
		return failure.Wrap(fmt.Errorf("repair audit log tail: %w", err), failure.KindAudit)
	}
	if _, err := f.Write(line); err != nil {
		return failure.Wrap(fmt.Errorf("append audit event: %w", err), failure.KindAudit)
	}
	if err := f.Sync(); err != nil {
		return failure.Wrap(fmt.Errorf("sync audit log: %w", err), failure.KindAudit)
	}
	return nil
}

// repairTail truncates a partial final record left by a crash mid-append,
// and a final line that does not decode, so the next record starts on its own
// line and no garbage ends up in the middle of the log.
func repairTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	end, err := lineStart(f, size)
	if err != nil {
		return err
	}
	if end < size {
		if err := f.Truncate(end); err != nil {
			return err
		}
		size = end
	}
	if size == 0 {
		return nil
	}

	start, err := lineStart(f, size-1)
	if err != nil {
		return err
	}
	last := make([]byte, size-start)
	if _, err := f.ReadAt(last, start); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if _, err := decodeLine(last); err == nil {
		return nil
	}
	return f.Truncate(start)
}

// lineStart returns the offset just past the last newline before limit, or 0.
func lineStart(f *os.File, limit int64) (int64, error) {
	const chunk = 4096
	end := limit
	for end > 0 {
		start := max(end-chunk, 0)
		buf := make([]byte, end-start)
		if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// decodeLine decodes one log line. A blank line yields a nil event.
func decodeLine(line []byte) (*models.AuditEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var ev models.AuditEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Events returns a restartable sequence over a session's events in append
// order. Each iteration re-reads the file from the start. A missing log
// yields nothing. An undecodable final line (a truncated append) is
// skipped; an undecodable line followed by more data yields a
// corrupted_state error and ends the sequence.
func (l *Log) Events(sessionID string) iter.Seq2[models.AuditEvent, error] {
	path := l.Path(sessionID)
	return func(yield func(models.AuditEvent, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				yield(models.AuditEvent{}, failure.Wrap(fmt.Errorf("open audit log: %w", err), failure.KindCorrupted))
			}
			return
		}
		defer func() { _ = f.Close() }()

		r := bufio.NewReader(f)
		lineNo := 0
		for {
			raw, readErr := r.ReadBytes('\n')
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				yield(models.AuditEvent{}, failure.Wrap(fmt.Errorf("read audit log: %w", readErr), failure.KindCorrupted))
				return
			}
			atEOF := readErr != nil
			lineNo++

			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) == 0 {
				if atEOF {
					return
				}
				continue
			}
			// A line without its newline is an interrupted append.
			if atEOF {
				return
			}

			ev, err := decodeLine(trimmed)
			if err != nil {
				if _, peekErr := r.Peek(1); errors.Is(peekErr, io.EOF) {
					return
				}
				yield(models.AuditEvent{}, failure.Wrap(fmt.Errorf("%s line %d: %w", path, lineNo, err), failure.KindCorrupted))
				return
			}
			if !yield(*ev, nil) {
				return
			}
		}
	}
}

// ReadAll collects every event of a session.
func (l *Log) ReadAll(sessionID string) ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	for ev, err := range l.Events(sessionID) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Exists reports whether a session has a non-empty log.
func (l *Log) Exists(sessionID string) bool {
	info, err := os.Stat(l.Path(sessionID))
	return err == nil && info.Size() > 0
}

// Sessions lists the ids of every session with a log, sorted.
func (l *Log) Sessions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list audit directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && l.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a session's log directory.
func (l *Log) Delete(sessionID string) error {
	m := l.fileLock(sessionID)
	m.Lock()
	defer m.Unlock()
	if err := os.RemoveAll(l.Dir(sessionID)); err != nil {
		return fmt.Errorf("delete audit log: %w", err)
	}
	return nil
}
