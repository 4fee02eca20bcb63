// Package syncclient is a websocket client for the collaboration gateway. It feeds
// remote edits into a reconcile.Engine, sends debounced local edits back and
// auto-saves the document, advancing the engine baseline after each save.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/charlesng35/coedit/internal/client/autosave"
	"github.com/charlesng35/coedit/internal/client/reconcile"
	"github.com/charlesng35/coedit/internal/collab"
	"github.com/charlesng35/coedit/pkg/logger"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	defaultWriteWait         = 10 * time.Second
	defaultCloseSaveTimeout  = 10 * time.Second
)

// ErrClosed is returned when writing to a closed client.
var ErrClosed = errors.New("syncclient: connection closed")

// Event is a decoded server event delivered to Options.OnEvent.
type Event struct {
	Name       string
	DocumentID string
	// Result is set for document-changed events.
	Result *reconcile.Result
	// Sender describes the origin of document-changed and cursor-changed events.
	Sender *collab.MemberInfo
	Cursor *collab.CursorChanged
	Member *collab.MemberInfo
	Roster []collab.MemberInfo
	Error  *collab.ErrorPayload
}

// Options configure a Client.
type Options struct {
	URL         string
	Token       string
	DocumentID  string
	DisplayName string
	// Initial is the content the document was loaded with.
	Initial string

	// Title is saved alongside the content; untitled documents are never auto-saved.
	Title string
	// Saver persists local edits and merged conflicts after SaveDebounce.
	Saver        autosave.Saver
	SaveDebounce time.Duration

	HeartbeatInterval time.Duration
	EditDebounce      time.Duration
	Clock             clockwork.Clock
	Dialer            *websocket.Dialer
	OnEvent           func(Event)
}

// Client is one connection to one document room.
type Client struct {
	opts   Options
	conn   *websocket.Conn
	engine *reconcile.Engine
	saves  *autosave.Scheduler
	log    *zap.Logger

	writeMu sync.Mutex
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the gateway and joins opts.DocumentID.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.DocumentID == "" {
		return nil, errors.New("syncclient: document id is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("syncclient: dial %s: %w", opts.URL, err)
	}

	c := &Client{
		opts: opts,
		conn: conn,
		log:  logger.WithModule("syncclient").With(zap.String("document_id", opts.DocumentID)),
		done: make(chan struct{}),
	}
	c.engine = reconcile.NewEngine(opts.Initial, reconcile.Options{
		Debounce:    opts.EditDebounce,
		Clock:       opts.Clock,
		Broadcaster: reconcile.BroadcasterFunc(c.sendChange),
	})
	if opts.Saver != nil {
		c.saves = autosave.NewScheduler(opts.Saver, autosave.Options{
			Debounce: opts.SaveDebounce,
			Clock:    opts.Clock,
			OnSaved:  c.markSaved,
		})
	}

	if err := c.send(collab.EventJoinDocument, collab.JoinPayload{
		DocumentID:  opts.DocumentID,
		DisplayName: opts.DisplayName,
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Engine exposes the reconciliation state of the open document.
func (c *Client) Engine() *reconcile.Engine {
	return c.engine
}

// Edit applies a local edit. It is broadcast after the edit debounce and saved after
// the save debounce.
func (c *Client) Edit(content string) {
	c.engine.LocalEdit(content)
	c.scheduleSave(content)
}

// MoveCursor shares the caret position with the room.
func (c *Client) MoveCursor(sel reconcile.Selection) error {
	c.engine.SetCursor(sel)
	return c.send(collab.EventCursorChange, map[string]any{
		"documentId": c.opts.DocumentID,
		"position":   sel.Index,
		"selection":  sel,
	})
}

// Run reads server events and sends heartbeats until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeatLoop(ctx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	err := c.readLoop()
	_ = c.Close()
	<-heartbeatDone

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close sends any pending edit, saves unsaved changes, leaves the room and closes the
// connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.engine.Flush()
		c.engine.Stop()
		c.finalSave()
		_ = c.send(collab.EventLeaveDocument, collab.LeavePayload{DocumentID: c.opts.DocumentID})

		c.writeMu.Lock()
		c.closed = true
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultWriteWait))
		c.writeMu.Unlock()

		err = c.conn.Close()
		close(c.done)
	})
	return err
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := c.opts.Clock.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.Chan():
			if err := c.send(collab.EventHeartbeat, collab.HeartbeatPayload{DocumentID: c.opts.DocumentID}); err != nil {
				c.log.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

type inbound struct {
	Event      string          `json:"event"`
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data"`
}

func (c *Client) readLoop() error {
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.isClosed() {
				return nil
			}
			return fmt.Errorf("syncclient: read: %w", err)
		}
		if msg.DocumentID != "" && msg.DocumentID != c.opts.DocumentID {
			continue
		}
		if err := c.dispatch(msg); err != nil {
			c.log.Warn("dropping undecodable event", zap.String("event", msg.Event), zap.Error(err))
		}
	}
}

func (c *Client) dispatch(msg inbound) error {
	event := Event{Name: msg.Event, DocumentID: msg.DocumentID}

	switch msg.Event {
	case collab.EventDocumentChanged:
		var payload collab.DocumentChanged
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return err
		}
		var content string
		if err := json.Unmarshal(payload.Content, &content); err != nil {
			return fmt.Errorf("content is not text: %w", err)
		}
		result := c.engine.ApplyRemote(content)
		if result.Outcome == reconcile.Conflict {
			c.scheduleSave(result.Content)
		}
		event.Result = &result
		event.Sender = &collab.MemberInfo{
			UserID:      payload.SenderID,
			DisplayName: payload.SenderName,
			Permission:  payload.SenderPermission,
		}
	case collab.EventCursorChanged:
		var payload collab.CursorChanged
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return err
		}
		event.Cursor = &payload
	case collab.EventUserJoined, collab.EventUserLeft:
		var member collab.MemberInfo
		if err := json.Unmarshal(msg.Data, &member); err != nil {
			return err
		}
		event.Member = &member
	case collab.EventUsersInDocument:
		if err := json.Unmarshal(msg.Data, &event.Roster); err != nil {
			return err
		}
	case collab.EventError:
		var payload collab.ErrorPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return err
		}
		c.log.Info("gateway rejected request", zap.String("code", payload.Code), zap.String("message", payload.Message))
		event.Error = &payload
	}

	if c.opts.OnEvent != nil {
		c.opts.OnEvent(event)
	}
	return nil
}

func (c *Client) scheduleSave(content string) {
	if c.saves == nil {
		return
	}
	raw, err := json.Marshal(content)
	if err != nil {
		c.log.Warn("encode content for save", zap.Error(err))
		return
	}
	c.saves.Schedule(c.opts.DocumentID, autosave.Document{Title: c.opts.Title, Content: raw})
}

func (c *Client) markSaved(_ string, doc autosave.Document) {
	var content string
	if err := json.Unmarshal(doc.Content, &content); err != nil {
		c.log.Warn("saved content is not text", zap.Error(err))
		return
	}
	c.engine.MarkSaved(content)
}

func (c *Client) finalSave() {
	if c.saves == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseSaveTimeout)
	defer cancel()

	outcome, err := c.saves.ForceSave(ctx)
	if err != nil {
		c.log.Warn("final save failed", zap.String("outcome", outcome.String()), zap.Error(err))
	}
	c.saves.Stop()
}

func (c *Client) sendChange(content string) error {
	return c.send(collab.EventDocumentChange, map[string]any{
		"documentId": c.opts.DocumentID,
		"content":    content,
	})
}

func (c *Client) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("syncclient: encode %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return c.conn.WriteJSON(collab.Envelope{Event: event, Data: raw})
}

func (c *Client) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}
