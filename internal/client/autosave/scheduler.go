// Package autosave coalesces rapid document edits into infrequent saves.
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/charlesng35/coedit/pkg/logger"
	"github.com/charlesng35/coedit/pkg/metrics"
)

const (
	DefaultDebounce    = 2 * time.Second
	defaultSaveTimeout = 10 * time.Second
)

// ErrStopped is returned by ForceSave after Stop.
var ErrStopped = errors.New("autosave: scheduler stopped")

// Document is the persisted state of an open document.
type Document struct {
	Title   string          `json:"title"`
	Content json.RawMessage `json:"content"`
}

// Saver persists a document.
type Saver interface {
	Save(ctx context.Context, documentID string, doc Document) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, documentID string, doc Document) error

func (f SaverFunc) Save(ctx context.Context, documentID string, doc Document) error {
	return f(ctx, documentID, doc)
}

// Outcome describes what a save attempt did.
type Outcome int

const (
	// NothingScheduled means no state was ever scheduled.
	NothingScheduled Outcome = iota
	// Saved means the saver accepted the document.
	Saved
	// SkippedUnchanged means the state matched the last successful save.
	SkippedUnchanged
	// SkippedUntitled means the document has no title yet.
	SkippedUntitled
	// Failed means the saver returned an error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Saved:
		return "saved"
	case SkippedUnchanged:
		return "skipped_unchanged"
	case SkippedUntitled:
		return "skipped_untitled"
	case Failed:
		return "failed"
	default:
		return "nothing_scheduled"
	}
}

// Options configure a Scheduler.
type Options struct {
	Debounce    time.Duration
	SaveTimeout time.Duration
	Clock       clockwork.Clock
	// OnSaved runs after every successful save.
	OnSaved func(documentID string, doc Document)
}

// Scheduler debounces saves of the most recently scheduled document state. Saves
// never overlap: an automatic save that fires while another is in flight is deferred
// until that save finishes, and ForceSave waits for it.
type Scheduler struct {
	saver Saver
	opts  Options
	log   *zap.Logger

	saveMu sync.Mutex

	mu         sync.Mutex
	documentID string
	pending    *Document
	lastSaved  map[string]string
	timer      clockwork.Timer
	generation uint64
	deferred   bool
	stopped    bool
}

// NewScheduler builds a scheduler writing through saver.
func NewScheduler(saver Saver, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		saver:     saver,
		opts:      opts,
		log:       logger.WithModule("autosave"),
		lastSaved: make(map[string]string),
	}
}

// Schedule records the latest state and restarts the debounce window.
func (s *Scheduler) Schedule(documentID string, doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.documentID = documentID
	s.pending = &doc
	s.armLocked()
}

// ForceSave cancels the pending timer and saves the latest state now. It waits for
// an in-flight save to finish first.
func (s *Scheduler) ForceSave(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return NothingScheduled, ErrStopped
	}
	s.cancelLocked()
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.save(ctx)
}

// Stop cancels any pending automatic save. Later calls to Schedule are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.cancelLocked()
}

// LastSaved returns the serialized form of the last successful save for documentID.
func (s *Scheduler) LastSaved(documentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved[documentID]
}

func (s *Scheduler) armLocked() {
	s.cancelLocked()
	generation := s.generation
	s.timer = s.opts.Clock.AfterFunc(s.opts.Debounce, func() { s.fire(generation) })
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
	s.deferred = false
}

func (s *Scheduler) fire(generation uint64) {
	s.mu.Lock()
	if generation != s.generation || s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if !s.saveMu.TryLock() {
		s.mu.Lock()
		if generation == s.generation {
			s.deferred = true
		}
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SaveTimeout)
	_, _ = s.save(ctx)
	cancel()
	s.saveMu.Unlock()
}

// save must be called with saveMu held.
func (s *Scheduler) save(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		metrics.AutoSaves.WithLabelValues(outcome.String()).Inc()
		s.resumeDeferred()
	}()

	s.mu.Lock()
	documentID := s.documentID
	pending := s.pending
	last := s.lastSaved[documentID]
	s.mu.Unlock()

	if pending == nil {
		return NothingScheduled, nil
	}
	if strings.TrimSpace(pending.Title) == "" {
		return SkippedUntitled, nil
	}

	raw, err := json.Marshal(pending)
	if err != nil {
		return Failed, fmt.Errorf("autosave: serialize document: %w", err)
	}
	if string(raw) == last {
		return SkippedUnchanged, nil
	}

	if err := s.saver.Save(ctx, documentID, *pending); err != nil {
		s.log.Warn("auto-save failed", zap.String("document_id", documentID), zap.Error(err))
		return Failed, err
	}

	s.mu.Lock()
	s.lastSaved[documentID] = string(raw)
	s.mu.Unlock()

	if s.opts.OnSaved != nil {
		s.opts.OnSaved(documentID, *pending)
	}
	return Saved, nil
}

// resumeDeferred re-arms the debounce window for a trigger that fired mid-save.
func (s *Scheduler) resumeDeferred() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.deferred || s.stopped {
		return
	}
	s.armLocked()
}
