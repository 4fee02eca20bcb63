// Package reconcile merges remote document broadcasts into a client's optimistic
// local copy using last-writer-wins with a visible conflict marker.
package reconcile

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/charlesng35/coedit/pkg/logger"
)

// ConflictMarker is appended to remote content that overwrote unsaved local edits.
const ConflictMarker = "\n\n<!-- Conflict detected - please review -->"

// DefaultBroadcastDebounce is the quiet period after the last keystroke before an edit is sent.
const DefaultBroadcastDebounce = 300 * time.Millisecond

// State reports whether local edits are waiting to be saved.
type State int

const (
	Idle State = iota
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "idle"
}

// Selection is a caret position and selection length counted in characters.
type Selection struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// Clamp returns the closest selection that fits in content.
func (s Selection) Clamp(content string) Selection {
	size := utf8.RuneCountInString(content)
	index := min(max(s.Index, 0), size)
	length := min(max(s.Length, 0), size-index)
	return Selection{Index: index, Length: length}
}

// Outcome classifies how a remote broadcast was applied.
type Outcome int

const (
	// Unchanged means the broadcast matched local content already.
	Unchanged Outcome = iota
	// Accepted means remote content replaced unmodified local content.
	Accepted
	// KeptLocal means the remote side still had the baseline, so local edits stay.
	KeptLocal
	// Conflict means both sides diverged and remote won with a marker appended.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case KeptLocal:
		return "kept_local"
	case Conflict:
		return "conflict"
	default:
		return "unchanged"
	}
}

// Result describes the local state after a remote broadcast.
type Result struct {
	Outcome Outcome
	Content string
	Cursor  Selection
}

// Replaced reports whether local content was swapped programmatically.
func (r Result) Replaced() bool {
	return r.Outcome == Accepted || r.Outcome == Conflict
}

// Snapshot is a point in time copy of the engine state.
type Snapshot struct {
	Baseline string
	Local    string
	State    State
	Cursor   Selection
}

// Broadcaster sends the latest local content to the other room members.
type Broadcaster interface {
	Broadcast(content string) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(content string) error

func (f BroadcasterFunc) Broadcast(content string) error { return f(content) }

// Options configure an Engine.
type Options struct {
	Debounce    time.Duration
	Clock       clockwork.Clock
	Broadcaster Broadcaster
}

// Engine holds the reconciliation state of one open document.
type Engine struct {
	mu       sync.Mutex
	baseline string
	local    string
	state    State
	cursor   Selection

	clock       clockwork.Clock
	debounce    time.Duration
	broadcaster Broadcaster
	timer       clockwork.Timer
	generation  uint64
	log         *zap.Logger
}

// NewEngine starts an Idle engine whose baseline and local content are initial.
func NewEngine(initial string, opts Options) *Engine {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultBroadcastDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		baseline:    initial,
		local:       initial,
		clock:       opts.Clock,
		debounce:    opts.Debounce,
		broadcaster: opts.Broadcaster,
		log:         logger.WithModule("reconcile"),
	}
}

// LocalEdit records a keystroke-level change and schedules a debounced broadcast.
func (e *Engine) LocalEdit(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.local = content
	e.refreshState()
	e.scheduleBroadcast()
}

// ApplyRemote merges content received from another member.
func (e *Engine) ApplyRemote(content string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case content == e.local, content+ConflictMarker == e.local:
		// duplicate delivery or an echo of a merge already applied
		return e.result(Unchanged)
	case e.local == e.baseline:
		e.baseline = content
		e.replace(content)
		return e.result(Accepted)
	case content == e.baseline:
		return e.result(KeptLocal)
	default:
		e.replace(content + ConflictMarker)
		e.log.Info("remote change conflicted with unsaved local edits")
		return e.result(Conflict)
	}
}

// MarkSaved advances the baseline after content was persisted.
func (e *Engine) MarkSaved(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.baseline = content
	e.refreshState()
}

// SetCursor caches the user's caret so it survives remote replacements.
func (e *Engine) SetCursor(sel Selection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cursor = sel.Clamp(e.local)
}

// Content returns the current local content.
func (e *Engine) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// State returns Idle or Dirty.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot copies the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Baseline: e.baseline, Local: e.local, State: e.state, Cursor: e.cursor}
}

// Flush sends a pending debounced broadcast immediately.
func (e *Engine) Flush() {
	e.mu.Lock()
	if e.timer == nil {
		e.mu.Unlock()
		return
	}
	e.timer.Stop()
	e.timer = nil
	e.generation++
	content := e.local
	e.mu.Unlock()

	e.send(content)
}

// Stop drops any pending broadcast.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
}

func (e *Engine) replace(content string) {
	e.local = content
	e.cursor = e.cursor.Clamp(content)
	e.refreshState()
}

func (e *Engine) refreshState() {
	if e.local == e.baseline {
		e.state = Idle
		return
	}
	e.state = Dirty
}

func (e *Engine) result(outcome Outcome) Result {
	return Result{Outcome: outcome, Content: e.local, Cursor: e.cursor}
}

func (e *Engine) scheduleBroadcast() {
	if e.broadcaster == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.generation++
	generation := e.generation
	e.timer = e.clock.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		if generation != e.generation {
			e.mu.Unlock()
			return
		}
		e.timer = nil
		content := e.local
		e.mu.Unlock()

		e.send(content)
	})
}

func (e *Engine) send(content string) {
	if err := e.broadcaster.Broadcast(content); err != nil {
		e.log.Warn("broadcast local edit failed", zap.Error(err), zap.Int("length", len(content)))
	}
}
