package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/coedit/internal/client/autosave"
	"github.com/charlesng35/coedit/internal/client/reconcile"
	"github.com/charlesng35/coedit/internal/collab"
	"github.com/charlesng35/coedit/internal/permissions"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/internal/realtime"
	apperrors "github.com/charlesng35/coedit/pkg/errors"
)

type staticDocuments map[string]permissions.Subject

func (d staticDocuments) LoadSubject(_ context.Context, documentID string) (permissions.Subject, error) {
	subject, ok := d[documentID]
	if !ok {
		return permissions.Subject{}, apperrors.ErrDocumentNotFound
	}
	return subject, nil
}

type countingPresence struct {
	*presence.MemoryStore
	touches atomic.Int32
}

func (p *countingPresence) Touch(ctx context.Context, documentID, userID string) (bool, error) {
	p.touches.Add(1)
	return p.MemoryStore.Touch(ctx, documentID, userID)
}

func newServer(t *testing.T) (*httptest.Server, *countingPresence) {
	t.Helper()

	store := &countingPresence{MemoryStore: presence.NewMemoryStore(presence.Options{Origin: "test"})}
	docs := staticDocuments{
		"doc1": {
			OwnerID: "owner",
			Collaborators: []permissions.Grant{
				{UserID: "editor", Permission: "editor", Status: "accepted"},
				{UserID: "viewer", Permission: "viewer", Status: "accepted"},
			},
		},
	}
	gateway := collab.NewGateway(realtime.NewHub(), store, docs, nil, collab.Options{Origin: "test"})
	require.NoError(t, gateway.Start(context.Background()))
	t.Cleanup(func() { _ = gateway.Stop() })

	transport := collab.NewTransport(gateway, collab.TransportOptions{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		transport.ServeWS(w, r, identity)
	}))
	t.Cleanup(server.Close)
	return server, store
}

type testClient struct {
	*Client
	clock  *clockwork.FakeClock
	events chan Event
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []string
}

func (s *recordingSaver) Save(_ context.Context, _ string, doc autosave.Document) error {
	var content string
	if err := json.Unmarshal(doc.Content, &content); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, content)
	return nil
}

func (s *recordingSaver) Saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

func connect(t *testing.T, server *httptest.Server, user, initial string) *testClient {
	t.Helper()
	return connectWith(t, server, user, initial, nil)
}

func connectWith(t *testing.T, server *httptest.Server, user, initial string, saver autosave.Saver) *testClient {
	t.Helper()

	clock := clockwork.NewFakeClock()
	events := make(chan Event, 64)
	client, err := Dial(context.Background(), Options{
		URL:         "ws" + strings.TrimPrefix(server.URL, "http"),
		Token:       user,
		DocumentID:  "doc1",
		DisplayName: user,
		Initial:     initial,
		Title:       "Shared notes",
		Saver:       saver,
		Clock:       clock,
		OnEvent:     func(e Event) { events <- e },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	tc := &testClient{Client: client, clock: clock, events: events}
	tc.await(t, collab.EventUsersInDocument)
	return tc
}

func (c *testClient) await(t *testing.T, name string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-c.events:
			if event.Name == name {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event received", name)
			return Event{}
		}
	}
}

func TestClientsExchangeEdits(t *testing.T) {
	server, _ := newServer(t)

	owner := connect(t, server, "owner", "A")
	editor := connect(t, server, "editor", "A")

	joined := owner.await(t, collab.EventUserJoined)
	require.Equal(t, "editor", joined.Member.UserID)

	owner.Edit("AB")
	owner.clock.Advance(reconcile.DefaultBroadcastDebounce)

	changed := editor.await(t, collab.EventDocumentChanged)
	require.Equal(t, reconcile.Accepted, changed.Result.Outcome)
	require.Equal(t, "owner", changed.Sender.UserID)
	require.Equal(t, "AB", editor.Engine().Content())
	require.Equal(t, reconcile.Idle, editor.Engine().State())
}

func TestConcurrentEditsProduceConflictMarker(t *testing.T) {
	server, _ := newServer(t)

	owner := connect(t, server, "owner", "A")
	editor := connect(t, server, "editor", "A")

	editor.Edit("AB")
	owner.Edit("AC")
	owner.clock.Advance(reconcile.DefaultBroadcastDebounce)

	changed := editor.await(t, collab.EventDocumentChanged)
	require.Equal(t, reconcile.Conflict, changed.Result.Outcome)
	require.Equal(t, "AC"+reconcile.ConflictMarker, editor.Engine().Content())
	require.Equal(t, reconcile.Dirty, editor.Engine().State())
}

func TestViewerEditIsRejected(t *testing.T) {
	server, _ := newServer(t)

	owner := connect(t, server, "owner", "A")
	viewer := connect(t, server, "viewer", "A")

	viewer.Edit("AX")
	viewer.Engine().Flush()

	rejected := viewer.await(t, collab.EventError)
	require.Equal(t, apperrors.ErrAuthorizationDenied.Code, rejected.Error.Code)

	require.Never(t, func() bool {
		for {
			select {
			case event := <-owner.events:
				if event.Name == collab.EventDocumentChanged {
					return true
				}
			default:
				return false
			}
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestCursorIsShared(t *testing.T) {
	server, _ := newServer(t)

	owner := connect(t, server, "owner", "hello")
	viewer := connect(t, server, "viewer", "hello")

	require.NoError(t, viewer.MoveCursor(reconcile.Selection{Index: 2, Length: 3}))
	cursor := owner.await(t, collab.EventCursorChanged)
	require.Equal(t, "viewer", cursor.Cursor.SenderID)
	require.JSONEq(t, `{"index":2,"length":3}`, string(cursor.Cursor.Selection))
}

func TestHeartbeatTouchesPresence(t *testing.T) {
	server, store := newServer(t)
	client := connect(t, server, "editor", "")

	require.Eventually(t, func() bool {
		client.clock.Advance(DefaultHeartbeatInterval)
		return store.touches.Load() > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCloseLeavesRoom(t *testing.T) {
	server, store := newServer(t)

	owner := connect(t, server, "owner", "")
	editor := connect(t, server, "editor", "")
	owner.await(t, collab.EventUserJoined)

	require.NoError(t, editor.Close())
	left := owner.await(t, collab.EventUserLeft)
	require.Equal(t, "editor", left.Member.UserID)

	require.Eventually(t, func() bool {
		members, err := store.ListMembers(context.Background(), "doc1")
		return err == nil && len(members) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, editor.MoveCursor(reconcile.Selection{}), ErrClosed)
}

func TestDialRequiresDocument(t *testing.T) {
	_, err := Dial(context.Background(), Options{URL: "ws://127.0.0.1:1"})
	require.Error(t, err)
}

func TestSavedEditAdvancesBaseline(t *testing.T) {
	server, _ := newServer(t)

	ownerSaves := &recordingSaver{}
	editorSaves := &recordingSaver{}
	owner := connectWith(t, server, "owner", "A", ownerSaves)
	editor := connectWith(t, server, "editor", "A", editorSaves)
	owner.await(t, collab.EventUserJoined)

	editor.Edit("AB")
	require.Equal(t, reconcile.Dirty, editor.Engine().State())

	editor.clock.Advance(autosave.DefaultDebounce)
	changed := owner.await(t, collab.EventDocumentChanged)
	require.Equal(t, reconcile.Accepted, changed.Result.Outcome)

	require.Eventually(t, func() bool {
		return editor.Engine().State() == reconcile.Idle
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"AB"}, editorSaves.Saved())
	require.Equal(t, "AB", editor.Engine().Snapshot().Baseline)

	owner.Edit("ABC")
	owner.clock.Advance(reconcile.DefaultBroadcastDebounce)

	followUp := editor.await(t, collab.EventDocumentChanged)
	require.Equal(t, reconcile.Accepted, followUp.Result.Outcome)
	require.Equal(t, "ABC", editor.Engine().Content())
	require.Equal(t, reconcile.Idle, editor.Engine().State())
}

func TestConflictResultIsSaved(t *testing.T) {
	server, _ := newServer(t)

	owner := connect(t, server, "owner", "A")
	editorSaves := &recordingSaver{}
	editor := connectWith(t, server, "editor", "A", editorSaves)

	editor.Edit("AB")
	owner.Edit("AC")
	owner.clock.Advance(reconcile.DefaultBroadcastDebounce)

	changed := editor.await(t, collab.EventDocumentChanged)
	require.Equal(t, reconcile.Conflict, changed.Result.Outcome)

	editor.clock.Advance(autosave.DefaultDebounce)
	require.Eventually(t, func() bool {
		return editor.Engine().State() == reconcile.Idle
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"AC" + reconcile.ConflictMarker}, editorSaves.Saved())
}

func TestCloseSavesPendingEdit(t *testing.T) {
	server, _ := newServer(t)

	saves := &recordingSaver{}
	editor := connectWith(t, server, "editor", "A", saves)

	editor.Edit("AZ")
	require.Empty(t, saves.Saved())

	require.NoError(t, editor.Close())
	require.Equal(t, []string{"AZ"}, saves.Saved())
	require.Equal(t, reconcile.Idle, editor.Engine().State())
}
