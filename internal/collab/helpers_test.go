package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/coedit/internal/permissions"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/internal/realtime"
	apperrors "github.com/charlesng35/coedit/pkg/errors"
)

type recordingPeer struct {
	id     string
	userID string

	mu       sync.Mutex
	messages []realtime.Message
	closed   bool
}

func newRecordingPeer(id, userID string) *recordingPeer {
	return &recordingPeer{id: id, userID: userID}
}

func (p *recordingPeer) ID() string     { return p.id }
func (p *recordingPeer) UserID() string { return p.userID }

func (p *recordingPeer) Send(msg realtime.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return realtime.ErrPeerClosed
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *recordingPeer) events(event string) []realtime.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Message
	for _, msg := range p.messages {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

func (p *recordingPeer) reset() {
	p.mu.Lock()
	p.messages = nil
	p.mu.Unlock()
}

type fakeDocuments struct {
	mu       sync.Mutex
	subjects map[string]permissions.Subject
	err      error
	panicOn  string
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{subjects: make(map[string]permissions.Subject)}
}

func (d *fakeDocuments) put(documentID string, subject permissions.Subject) {
	d.mu.Lock()
	d.subjects[documentID] = subject
	d.mu.Unlock()
}

func (d *fakeDocuments) LoadSubject(_ context.Context, documentID string) (permissions.Subject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicOn != "" && d.panicOn == documentID {
		panic("document lookup exploded")
	}
	if d.err != nil {
		return permissions.Subject{}, d.err
	}
	subject, ok := d.subjects[documentID]
	if !ok {
		return permissions.Subject{}, apperrors.ErrDocumentNotFound
	}
	return subject, nil
}

type fakeUsers map[string]string

func (u fakeUsers) DisplayName(_ context.Context, userID string) (string, error) {
	name, ok := u[userID]
	if !ok {
		return "", fmt.Errorf("user %s not found", userID)
	}
	return name, nil
}

// failingPresence simulates an unreachable presence backend.
type failingPresence struct{}

var errPresenceDown = fmt.Errorf("presence backend unreachable")

func (failingPresence) AddMember(context.Context, string, presence.Member) error { return errPresenceDown }
func (failingPresence) RemoveMember(context.Context, string, string) error       { return errPresenceDown }
func (failingPresence) ListMembers(context.Context, string) ([]presence.Member, error) {
	return nil, errPresenceDown
}
func (failingPresence) Touch(context.Context, string, string) (bool, error) {
	return false, errPresenceDown
}
func (failingPresence) Subscribe(context.Context, string, presence.ChangeHandler) (presence.Subscription, error) {
	return nil, errPresenceDown
}

type testEnv struct {
	gateway  *Gateway
	hub      *realtime.Hub
	presence *presence.MemoryStore
	docs     *fakeDocuments
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	hub := realtime.NewHub()
	store := presence.NewMemoryStore(presence.Options{Origin: "node-a", Clock: clock.Now})
	docs := newFakeDocuments()
	docs.put("doc1", permissions.Subject{
		OwnerID: "owner",
		Collaborators: []permissions.Grant{
			{UserID: "x", Permission: "editor", Status: "accepted"},
			{UserID: "y", Permission: "viewer", Status: "accepted"},
			{UserID: "z", Permission: "editor", Status: "pending"},
		},
	})

	gateway := NewGateway(hub, store, docs, fakeUsers{"owner": "Olivia Owner"}, Options{Origin: "node-a"})
	gateway.timeNow = clock.Now
	require.NoError(t, gateway.Start(context.Background()))
	t.Cleanup(func() { _ = gateway.Stop() })

	return &testEnv{gateway: gateway, hub: hub, presence: store, docs: docs, clock: clock}
}

func (e *testEnv) connect(id, identity string) (*Session, *recordingPeer) {
	peer := newRecordingPeer(id, identity)
	return e.gateway.Connect(peer, identity), peer
}

func envelope(t *testing.T, event string, data any) Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Envelope{Event: event, Data: raw}
}

func (e *testEnv) join(t *testing.T, s *Session, documentID, displayName string) {
	t.Helper()
	e.gateway.Handle(context.Background(), s, envelope(t, EventJoinDocument, JoinPayload{
		DocumentID:  documentID,
		DisplayName: displayName,
	}))
}

func errorCode(t *testing.T, msg realtime.Message) string {
	t.Helper()
	payload, ok := msg.Data.(ErrorPayload)
	require.True(t, ok, "expected ErrorPayload, got %T", msg.Data)
	return payload.Code
}
