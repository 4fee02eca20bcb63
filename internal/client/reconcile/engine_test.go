package reconcile

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	sent  []string
	calls chan string
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{calls: make(chan string, 16)}
}

func (b *recordingBroadcaster) Broadcast(content string) error {
	b.mu.Lock()
	b.sent = append(b.sent, content)
	b.mu.Unlock()
	b.calls <- content
	return nil
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func TestRemoteAcceptedWhenIdle(t *testing.T) {
	engine := NewEngine("A", Options{})

	result := engine.ApplyRemote("AC")
	require.Equal(t, Accepted, result.Outcome)
	require.Equal(t, "AC", result.Content)

	snap := engine.Snapshot()
	require.Equal(t, "AC", snap.Baseline)
	require.Equal(t, "AC", snap.Local)
	require.Equal(t, Idle, snap.State)
}

func TestConflictAppendsMarker(t *testing.T) {
	engine := NewEngine("A", Options{})
	engine.LocalEdit("AB")
	require.Equal(t, Dirty, engine.State())

	result := engine.ApplyRemote("AC")
	require.Equal(t, Conflict, result.Outcome)
	require.Equal(t, "AC"+ConflictMarker, result.Content)
	require.True(t, result.Replaced())

	snap := engine.Snapshot()
	require.Equal(t, "A", snap.Baseline)
	require.Equal(t, "AC\n\n<!-- Conflict detected - please review -->", snap.Local)
	require.Equal(t, Dirty, snap.State)
}

func TestDuplicateRemoteIsNoop(t *testing.T) {
	engine := NewEngine("A", Options{})
	engine.LocalEdit("AB")

	first := engine.ApplyRemote("AC")
	require.Equal(t, Conflict, first.Outcome)

	second := engine.ApplyRemote("AC")
	require.Equal(t, Unchanged, second.Outcome)
	require.Equal(t, first.Content, second.Content)

	idle := NewEngine("A", Options{})
	require.Equal(t, Accepted, idle.ApplyRemote("AC").Outcome)
	require.Equal(t, Unchanged, idle.ApplyRemote("AC").Outcome)
	require.Equal(t, "AC", idle.Content())
}

func TestRemoteAtBaselineKeepsLocal(t *testing.T) {
	engine := NewEngine("A", Options{})
	engine.LocalEdit("AB")

	result := engine.ApplyRemote("A")
	require.Equal(t, KeptLocal, result.Outcome)
	require.Equal(t, "AB", result.Content)
	require.False(t, result.Replaced())
	require.Equal(t, Dirty, engine.State())
}

func TestMarkSavedReturnsToIdle(t *testing.T) {
	engine := NewEngine("A", Options{})
	engine.LocalEdit("AB")
	engine.ApplyRemote("AC")

	engine.MarkSaved("AC" + ConflictMarker)
	snap := engine.Snapshot()
	require.Equal(t, Idle, snap.State)
	require.Equal(t, snap.Local, snap.Baseline)

	// the marked merge is now the baseline, so the next remote is accepted
	result := engine.ApplyRemote("ACD")
	require.Equal(t, Accepted, result.Outcome)

	engine.LocalEdit("ACDE")
	engine.MarkSaved("older")
	require.Equal(t, Dirty, engine.State())
}

func TestLocalEditBackToBaselineIsIdle(t *testing.T) {
	engine := NewEngine("A", Options{})
	engine.LocalEdit("AB")
	require.Equal(t, Dirty, engine.State())
	engine.LocalEdit("A")
	require.Equal(t, Idle, engine.State())
}

func TestCursorPreservedAcrossRemoteReplace(t *testing.T) {
	engine := NewEngine("hello world", Options{})
	engine.SetCursor(Selection{Index: 6, Length: 5})

	result := engine.ApplyRemote("hello there world")
	require.Equal(t, Selection{Index: 6, Length: 5}, result.Cursor)

	result = engine.ApplyRemote("hello")
	require.Equal(t, Selection{Index: 5, Length: 0}, result.Cursor)
}

func TestSelectionClamp(t *testing.T) {
	cases := []struct {
		name    string
		sel     Selection
		content string
		want    Selection
	}{
		{"inside", Selection{2, 1}, "abcd", Selection{2, 1}},
		{"length overflow", Selection{2, 10}, "abcd", Selection{2, 2}},
		{"index overflow", Selection{9, 3}, "abcd", Selection{4, 0}},
		{"negative", Selection{-3, -1}, "abcd", Selection{0, 0}},
		{"empty content", Selection{3, 3}, "", Selection{0, 0}},
		{"runes", Selection{3, 4}, "héllo", Selection{3, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.sel.Clamp(tc.content))
		})
	}
}

func TestLocalEditsAreDebouncedIntoOneBroadcast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broadcaster := newRecordingBroadcaster()
	engine := NewEngine("", Options{Clock: clock, Broadcaster: broadcaster})
	t.Cleanup(engine.Stop)

	for _, content := range []string{"h", "he", "hel", "hell", "hello"} {
		engine.LocalEdit(content)
		clock.Advance(100 * time.Millisecond)
	}
	require.Zero(t, broadcaster.count())

	clock.Advance(200 * time.Millisecond)
	select {
	case sent := <-broadcaster.calls:
		require.Equal(t, "hello", sent)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced broadcast not sent")
	}

	clock.Advance(time.Second)
	require.Never(t, func() bool { return broadcaster.count() > 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestFlushSendsPendingEditImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broadcaster := newRecordingBroadcaster()
	engine := NewEngine("", Options{Clock: clock, Broadcaster: broadcaster})

	engine.Flush()
	require.Zero(t, broadcaster.count())

	engine.LocalEdit("draft")
	engine.Flush()
	require.Equal(t, 1, broadcaster.count())

	clock.Advance(time.Second)
	require.Never(t, func() bool { return broadcaster.count() > 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestStopDropsPendingBroadcast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broadcaster := newRecordingBroadcaster()
	engine := NewEngine("", Options{Clock: clock, Broadcaster: broadcaster})

	engine.LocalEdit("draft")
	engine.Stop()
	clock.Advance(time.Second)
	require.Never(t, func() bool { return broadcaster.count() > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestStringers(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "dirty", Dirty.String())
	require.Equal(t, "conflict", Conflict.String())
	require.Equal(t, "kept_local", KeptLocal.String())
	require.Equal(t, "accepted", Accepted.String())
	require.Equal(t, "unchanged", Unchanged.String())
}
