package crisis

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const watcherTableV1 = "version: 1\ntiers:\n  critical:\n    - {phrase: \"red alert\"}\n"
const watcherTableV2 = "version: 2\ntiers:\n  critical:\n    - {phrase: \"blue alert\"}\n"

func TestWatcherReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherTableV1), 0o644))

	tbl, err := LoadFile(path)
	require.NoError(t, err)
	d, err := NewDetector(tbl)
	require.NoError(t, err)

	w, err := NewWatcher(path, d, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	var reloads atomic.Int32
	w.SetReloadHook(func(int, error) { reloads.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(watcherTableV2), 0o644))

	require.Eventually(t, func() bool { return d.Version() == 2 }, 3*time.Second, 10*time.Millisecond)

	got, err := d.Detect(context.Background(), "blue alert now")
	require.NoError(t, err)
	require.Equal(t, LevelCritical, got.Level)

	cancel()
	require.NoError(t, <-done)
	require.GreaterOrEqual(t, reloads.Load(), int32(1))
}

func TestWatcherKeepsTableOnInvalidEdit(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherTableV1), 0o644))

	tbl, err := LoadFile(path)
	require.NoError(t, err)
	d, err := NewDetector(tbl)
	require.NoError(t, err)

	w, err := NewWatcher(path, d, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	rejected := make(chan error, 4)
	w.SetReloadHook(func(_ int, err error) { rejected <- err })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("tiers: [not, a, map"), 0o644))

	select {
	case err := <-rejected:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reload hook was not called")
	}
	require.Equal(t, 1, d.Version())

	cancel()
	require.NoError(t, <-done)
}
