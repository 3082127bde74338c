package watcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu     sync.Mutex
	events []struct{ path, op string }
}

func (r *flushRecorder) onFlush(path, op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, struct{ path, op string }{path, op})
}

func (r *flushRecorder) snapshot() []struct{ path, op string } {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]struct{ path, op string }{}, r.events...)
}

func TestDebouncerCollapsesLatestOpWinsWithinWindow(t *testing.T) {
	rec := &flushRecorder{}
	d := newDebouncer(20*time.Millisecond, rec.onFlush)

	d.add("/media/a.mkv", "add")
	d.add("/media/a.mkv", "change")

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	got := rec.snapshot()
	require.Equal(t, "/media/a.mkv", got[0].path)
	require.Equal(t, "change", got[0].op, "the later op must win over the earlier one within the debounce window")
}

func TestDebouncerKeepsDistinctPathsSeparate(t *testing.T) {
	rec := &flushRecorder{}
	d := newDebouncer(10*time.Millisecond, rec.onFlush)

	d.add("/media/a.mkv", "add")
	d.add("/media/b.mkv", "add")

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	paths := map[string]bool{}
	for _, ev := range rec.snapshot() {
		paths[ev.path] = true
	}
	require.True(t, paths["/media/a.mkv"])
	require.True(t, paths["/media/b.mkv"])
}

func TestDebouncerRestartsTimerOnNewEventForSamePath(t *testing.T) {
	rec := &flushRecorder{}
	d := newDebouncer(30*time.Millisecond, rec.onFlush)

	d.add("/media/a.mkv", "add")
	time.Sleep(20 * time.Millisecond)
	d.add("/media/a.mkv", "change") // restarts the window; must not have flushed yet
	require.Empty(t, rec.snapshot())

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "change", rec.snapshot()[0].op)
}
