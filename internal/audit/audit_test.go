package audit

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/models"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	return l
}

func appendN(t *testing.T, l *Log, session string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Append(&models.AuditEvent{
			Kind:      models.EventAgentStarted,
			SessionID: session,
			Agent:     fmt.Sprintf("agent-%d", i),
		}))
	}
}

func TestAppend_FillsIDAndTimestamp(t *testing.T) {
	l := newTestLog(t)
	ev := &models.AuditEvent{Kind: models.EventAgentStarted, SessionID: "s1", Agent: "recon"}
	require.NoError(t, l.Append(ev))

	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	events, err := l.ReadAll("s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
	assert.Equal(t, "recon", events[0].Agent)
}

func TestAppend_RequiresSession(t *testing.T) {
	l := newTestLog(t)
	err := l.Append(&models.AuditEvent{Kind: models.EventAgentStarted})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindAudit))
}

func TestEvents_OrderedAndRestartable(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, "s1", 5)

	for pass := 0; pass < 2; pass++ {
		var names []string
		for ev, err := range l.Events("s1") {
			require.NoError(t, err)
			names = append(names, ev.Agent)
		}
		assert.Equal(t, []string{"agent-0", "agent-1", "agent-2", "agent-3", "agent-4"}, names)
	}
}

func TestEvents_EarlyBreak(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, "s1", 5)

	count := 0
	for range l.Events("s1") {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestEvents_MissingLog(t *testing.T) {
	l := newTestLog(t)
	events, err := l.ReadAll("nope")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.False(t, l.Exists("nope"))
}

func TestEvents_SkipsTruncatedFinalRecord(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, "s1", 2)

	f, err := os.OpenFile(l.Path("s1"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"X","kind":"agent_comp`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.ReadAll("s1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEvents_SkipsGarbledFinalLine(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, "s1", 1)

	f, err := os.OpenFile(l.Path("s1"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.ReadAll("s1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEvents_CorruptMiddleLine(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, "s1", 1)
	f, err := os.OpenFile(l.Path("s1"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{garbage\n" + `{"id":"01J","kind":"agent_started","session_id":"s1"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.ReadAll("s1")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindCorrupted))
}

func TestAppend_RepairsTruncatedTail(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, "s1", 2)

	f, err := os.OpenFile(l.Path("s1"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"partial`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	appendN(t, l, "s1", 1)

	events, err := l.ReadAll("s1")
	require.NoError(t, err, "the partial record is dropped, not merged with the next")
	assert.Len(t, events, 3)
}

func TestAppend_DropsGarbledFinalLine(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, "s1", 1)

	f, err := os.OpenFile(l.Path("s1"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	appendN(t, l, "s1", 1)

	events, err := l.ReadAll("s1")
	require.NoError(t, err, "the garbled line must not end up mid-log")
	assert.Len(t, events, 2)
}

func TestAppend_ConcurrentWritersDoNotInterleave(t *testing.T) {
	l := newTestLog(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				err := l.Append(&models.AuditEvent{
					Kind:      models.EventAgentStarted,
					SessionID: "s1",
					Agent:     fmt.Sprintf("w%d", w),
					Payload:   models.EventPayload{Attempt: i + 1, Error: "padding to make the line longer than a few bytes"},
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := l.ReadAll("s1")
	require.NoError(t, err)
	assert.Len(t, events, 200)

	ids := make(map[string]bool)
	for _, ev := range events {
		ids[ev.ID] = true
	}
	assert.Len(t, ids, 200, "every event has a unique id")
}

func TestSessionsAndDelete(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, "b", 1)
	appendN(t, l, "a", 1)

	ids, err := l.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, l.Delete("a"))
	ids, err = l.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}
