package runlock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireAndRelease(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "abc"))

	require.NoError(t, l.Acquire())
	pid, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, l.Release())
	_, err = os.Stat(l.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestLock_HeldByLiveProcess(t *testing.T) {
	l := New(t.TempDir())
	writePID(t, l, os.Getppid())

	err := l.Acquire()
	require.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getppid()))

	// The holder's file is untouched.
	pid, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getppid(), pid)
}

func TestLock_SecondAcquireInSameProcess(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.Acquire())
	assert.ErrorIs(t, l.Acquire(), ErrHeld)
}

func TestLock_ReclaimsStale(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dead process", "999999\n"},
		{"garbage", "not-a-number\n"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(t.TempDir())
			require.NoError(t, os.WriteFile(l.Path, []byte(tt.content), 0o644))

			require.NoError(t, l.Acquire())
			pid, err := l.Read()
			require.NoError(t, err)
			assert.Equal(t, os.Getpid(), pid)
		})
	}
}

func TestLock_ReleaseNotOwned(t *testing.T) {
	l := New(t.TempDir())
	writePID(t, l, os.Getppid())

	err := l.Release()
	require.Error(t, err)
	_, statErr := os.Stat(l.Path)
	assert.NoError(t, statErr)
}

func TestLock_ReleaseMissing(t *testing.T) {
	l := New(t.TempDir())
	assert.NoError(t, l.Release())
}

func TestLock_Holder_NoFile(t *testing.T) {
	l := New(t.TempDir())
	pid, running := l.Holder()
	assert.Equal(t, 0, pid)
	assert.False(t, running)
}

func TestLock_Read_InvalidContent(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, os.WriteFile(l.Path, []byte("x"), 0o644))
	_, err := l.Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run lock content")
}

func writePID(t *testing.T, l *Lock, pid int) {
	t.Helper()
	require.NoError(t, os.WriteFile(l.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644))
}
