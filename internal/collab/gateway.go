// Package collab implements the realtime collaboration gateway: it joins connections
// to document rooms, gates edits by the permission captured at join time and relays
// edits, cursors and presence changes to the other members of a room.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/coedit/internal/permissions"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/internal/realtime"
	apperrors "github.com/charlesng35/coedit/pkg/errors"
	"github.com/charlesng35/coedit/pkg/logger"
	"github.com/charlesng35/coedit/pkg/metrics"
	"github.com/charlesng35/coedit/pkg/validator"
)

const anonymousName = "Anonymous"

// Documents loads the authorization state of a document. Implementations return
// errors matching apperrors.ErrDocumentNotFound for unknown documents.
type Documents interface {
	LoadSubject(ctx context.Context, documentID string) (permissions.Subject, error)
}

// UserDirectory resolves display names for identities that did not send one.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Options configure a Gateway.
type Options struct {
	// Origin identifies this process in presence changes.
	Origin string
}

// Gateway dispatches inbound realtime events for every connection of the process.
type Gateway struct {
	hub       *realtime.Hub
	presence  presence.Store
	documents Documents
	users     UserDirectory
	origin    string
	log       *zap.Logger
	timeNow   func() time.Time

	sessions sync.Map // peer id -> *Session

	subMu sync.Mutex
	sub   presence.Subscription
}

// NewGateway wires the gateway to its room fabric, presence store and document lookups.
// users may be nil.
func NewGateway(hub *realtime.Hub, store presence.Store, documents Documents, users UserDirectory, opts Options) *Gateway {
	return &Gateway{
		hub:       hub,
		presence:  store,
		documents: documents,
		users:     users,
		origin:    opts.Origin,
		log:       logger.WithModule("collab"),
		timeNow:   time.Now,
	}
}

// Start relays presence changes made by other processes to local room members.
func (g *Gateway) Start(ctx context.Context) error {
	sub, err := g.presence.Subscribe(ctx, presence.AllDocuments, g.relay)
	if err != nil {
		return fmt.Errorf("collab: subscribe to presence changes: %w", err)
	}

	g.subMu.Lock()
	g.sub = sub
	g.subMu.Unlock()
	return nil
}

// Stop ends the presence relay.
func (g *Gateway) Stop() error {
	g.subMu.Lock()
	sub := g.sub
	g.sub = nil
	g.subMu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Close()
}

// Connect registers a new connection in the Connected state.
func (g *Gateway) Connect(peer realtime.Peer, identity string) *Session {
	session := newSession(peer, strings.TrimSpace(identity))
	g.sessions.Store(peer.ID(), session)
	return session
}

// HandleFrame decodes a raw frame and dispatches it.
func (g *Gateway) HandleFrame(ctx context.Context, s *Session, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		g.reject(s, "", "", apperrors.NewMalformedInput("Message is not valid JSON"))
		return
	}
	g.Handle(ctx, s, env)
}

// Handle runs one inbound event against the session. Failures are reported to the
// session's own connection as an error event and never end the connection.
func (g *Gateway) Handle(ctx context.Context, s *Session, env Envelope) {
	event := strings.TrimSpace(env.Event)
	defer func() {
		if rec := recover(); rec != nil {
			g.log.Error("event handler panicked",
				zap.String("event", event),
				zap.String("peer_id", s.peer.ID()),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			g.reject(s, event, "", apperrors.NewMalformedInput("Message could not be processed"))
		}
	}()

	if s.State() == StateDisconnected {
		return
	}

	var (
		documentID string
		err        error
	)
	switch event {
	case EventJoinDocument:
		documentID, err = g.join(ctx, s, env.Data)
	case EventLeaveDocument:
		documentID, err = g.leaveDocument(ctx, s, env.Data)
	case EventDocumentChange:
		documentID, err = g.documentChange(s, env.Data)
	case EventCursorChange:
		documentID, err = g.cursorChange(s, env.Data)
	case EventHeartbeat:
		documentID, err = g.heartbeat(ctx, s, env.Data)
	case EventPing:
		err = g.hub.Send(s.peer, realtime.Message{Event: EventPong})
	default:
		err = apperrors.NewMalformedInput(fmt.Sprintf("Unsupported event %q", event))
	}

	if err != nil {
		g.reject(s, event, documentID, err)
		return
	}
	metrics.GatewayEvents.WithLabelValues(eventLabel(event), "ok").Inc()
}

// Disconnect ends the session and leaves every room it joined. It is idempotent and a
// no-op for sessions that never joined.
func (g *Gateway) Disconnect(ctx context.Context, s *Session) {
	for _, member := range s.markDisconnected() {
		g.release(ctx, s, member)
	}
	g.sessions.Delete(s.peer.ID())
}

func (g *Gateway) join(ctx context.Context, s *Session, raw json.RawMessage) (string, error) {
	var p JoinPayload
	if err := decode(raw, &p); err != nil {
		return "", err
	}
	documentID := strings.TrimSpace(p.DocumentID)
	log := g.log.With(zap.String("document_id", documentID), zap.String("peer_id", s.peer.ID()))

	identity := s.identity
	if identity == "" {
		identity = strings.TrimSpace(p.UserID)
	}
	if identity == "" {
		return documentID, apperrors.NewMalformedInput("userId is required")
	}
	if p.UserID != "" && strings.TrimSpace(p.UserID) != identity {
		log.Info("join refused: user id mismatch", zap.String("identity", identity), zap.String("claimed", p.UserID))
		return documentID, apperrors.ErrAuthorizationDenied
	}

	if _, joined := s.Member(documentID); joined {
		return documentID, g.sendRoster(ctx, s, documentID)
	}

	subject, err := g.documents.LoadSubject(ctx, documentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrDocumentNotFound) {
			log.Info("join refused: document not found", zap.String("user_id", identity))
			return documentID, apperrors.ErrDocumentNotFound
		}
		log.Warn("join failed: document lookup", zap.Error(err))
		return documentID, apperrors.ErrTransientBackend.WithInternal(err)
	}

	level := permissions.ResolveForRead(subject, identity)
	if !permissions.Can(level, permissions.ActionView) {
		log.Info("join refused: no access", zap.String("user_id", identity))
		return documentID, apperrors.ErrAuthorizationDenied.WithMessage("You do not have access to this document")
	}

	now := g.timeNow()
	member := &Member{
		ConnectionID: s.peer.ID(),
		DocumentID:   documentID,
		UserID:       identity,
		DisplayName:  g.displayName(ctx, identity, p.DisplayName),
		Permission:   level,
		JoinedAt:     now,
		LastActivity: now,
	}
	if !s.addMember(member) {
		return documentID, nil
	}

	if err := g.presence.AddMember(ctx, documentID, member.record()); err != nil {
		g.degraded("add_member", documentID, err)
	}

	g.hub.Join(s.peer, documentID)
	g.hub.Broadcast(documentID, realtime.Message{
		Event:      EventUserJoined,
		DocumentID: documentID,
		Data:       member.info(),
	}, s.peer)

	log.Info("member joined", zap.String("user_id", identity), zap.String("permission", level.String()))
	return documentID, g.sendRoster(ctx, s, documentID)
}

func (g *Gateway) leaveDocument(ctx context.Context, s *Session, raw json.RawMessage) (string, error) {
	var p LeavePayload
	if err := decode(raw, &p); err != nil {
		return "", err
	}
	documentID := strings.TrimSpace(p.DocumentID)

	member, ok := s.removeMember(documentID)
	if !ok {
		return documentID, nil
	}
	g.release(ctx, s, member)
	return documentID, nil
}

func (g *Gateway) documentChange(s *Session, raw json.RawMessage) (string, error) {
	var p ChangePayload
	if err := decode(raw, &p); err != nil {
		return "", err
	}
	documentID := strings.TrimSpace(p.DocumentID)

	member, ok := s.Member(documentID)
	if !ok {
		return documentID, apperrors.ErrAuthorizationDenied.WithMessage("Join the document before editing it")
	}
	if !member.Permission.CanWrite() {
		g.log.Info("edit rejected",
			zap.String("document_id", documentID),
			zap.String("user_id", member.UserID),
			zap.String("permission", member.Permission.String()),
		)
		return documentID, apperrors.ErrAuthorizationDenied.WithMessage("You do not have permission to edit this document")
	}
	if isEmptyJSON(p.Content) {
		return documentID, apperrors.NewMalformedInput("content is required")
	}

	s.touch(documentID, g.timeNow())
	g.hub.Broadcast(documentID, realtime.Message{
		Event:      EventDocumentChanged,
		DocumentID: documentID,
		Data: DocumentChanged{
			Delta:            p.Delta,
			Content:          p.Content,
			SenderID:         member.UserID,
			SenderName:       member.DisplayName,
			SenderPermission: member.Permission.String(),
		},
	}, s.peer)
	return documentID, nil
}

func (g *Gateway) cursorChange(s *Session, raw json.RawMessage) (string, error) {
	var p CursorPayload
	if err := decode(raw, &p); err != nil {
		return "", err
	}
	documentID := strings.TrimSpace(p.DocumentID)

	member, ok := s.touch(documentID, g.timeNow())
	if !ok {
		return documentID, apperrors.ErrAuthorizationDenied.WithMessage("Join the document before sharing a cursor")
	}

	g.hub.Broadcast(documentID, realtime.Message{
		Event:      EventCursorChanged,
		DocumentID: documentID,
		Data: CursorChanged{
			SenderID:         member.UserID,
			SenderName:       member.DisplayName,
			SenderPermission: member.Permission.String(),
			Position:         p.Position,
			Selection:        p.Selection,
		},
	}, s.peer)
	return documentID, nil
}

// heartbeat refreshes presence liveness. Heartbeats for rooms the session is not in
// are ignored since they routinely race with leave. A live member whose record was
// purged, for example after a backend outage outlasted the staleness window, is
// added back.
func (g *Gateway) heartbeat(ctx context.Context, s *Session, raw json.RawMessage) (string, error) {
	var p HeartbeatPayload
	if err := decode(raw, &p); err != nil {
		return "", err
	}
	documentID := strings.TrimSpace(p.DocumentID)

	member, ok := s.touch(documentID, g.timeNow())
	if !ok {
		return documentID, nil
	}
	found, err := g.presence.Touch(ctx, documentID, member.UserID)
	switch {
	case err != nil:
		g.degraded("touch", documentID, err)
	case !found:
		if err := g.presence.AddMember(ctx, documentID, member.record()); err != nil {
			g.degraded("add_member", documentID, err)
			break
		}
		g.log.Info("restored purged presence record",
			zap.String("document_id", documentID),
			zap.String("user_id", member.UserID),
		)
	}
	return documentID, nil
}

// release removes one membership from the room fabric and presence and tells the
// remaining members. The presence record is kept while the same user still holds
// another connection to the room.
func (g *Gateway) release(ctx context.Context, s *Session, member Member) {
	g.hub.Leave(s.peer, member.DocumentID)

	if !g.hub.HasUser(member.DocumentID, member.UserID, nil) {
		g.removePresence(ctx, member)
	}

	g.hub.Broadcast(member.DocumentID, realtime.Message{
		Event:      EventUserLeft,
		DocumentID: member.DocumentID,
		Data:       member.info(),
	}, nil)

	g.log.Info("member left",
		zap.String("document_id", member.DocumentID),
		zap.String("user_id", member.UserID),
		zap.String("peer_id", member.ConnectionID),
	)
}

func (g *Gateway) removePresence(ctx context.Context, member Member) {
	records, err := g.presence.ListMembers(ctx, member.DocumentID)
	if err == nil {
		for _, record := range records {
			// a newer connection, possibly on another instance, owns the record
			if record.UserID == member.UserID && record.ConnectionID != "" && record.ConnectionID != member.ConnectionID {
				return
			}
		}
	} else {
		g.degraded("list_members", member.DocumentID, err)
	}

	if err := g.presence.RemoveMember(ctx, member.DocumentID, member.UserID); err != nil {
		g.degraded("remove_member", member.DocumentID, err)
	}
}

// sendRoster replies with the room's current members, falling back to the local
// room when presence is unavailable.
func (g *Gateway) sendRoster(ctx context.Context, s *Session, documentID string) error {
	users, err := g.presenceRoster(ctx, documentID)
	if err != nil {
		g.degraded("list_members", documentID, err)
		users = g.localRoster(documentID)
	}

	return g.hub.Send(s.peer, realtime.Message{
		Event:      EventUsersInDocument,
		DocumentID: documentID,
		Data:       users,
	})
}

func (g *Gateway) presenceRoster(ctx context.Context, documentID string) ([]MemberInfo, error) {
	records, err := g.presence.ListMembers(ctx, documentID)
	if err != nil {
		return nil, err
	}
	users := make([]MemberInfo, 0, len(records))
	for _, record := range records {
		users = append(users, MemberInfo{
			UserID:       record.UserID,
			DisplayName:  record.DisplayName,
			Permission:   record.Permission,
			ConnectionID: record.ConnectionID,
		})
	}
	return users, nil
}

func (g *Gateway) localRoster(documentID string) []MemberInfo {
	peers := g.hub.Members(documentID)
	users := make([]MemberInfo, 0, len(peers))
	for _, peer := range peers {
		value, ok := g.sessions.Load(peer.ID())
		if !ok {
			continue
		}
		if member, joined := value.(*Session).Member(documentID); joined {
			users = append(users, member.info())
		}
	}
	return users
}

// relay forwards membership changes made by other processes to local room members.
func (g *Gateway) relay(change presence.Change) {
	if change.Origin == g.origin || change.DocumentID == "" {
		return
	}

	info := MemberInfo{UserID: change.UserID}
	if change.Member != nil {
		info.DisplayName = change.Member.DisplayName
		info.Permission = change.Member.Permission
		info.ConnectionID = change.Member.ConnectionID
	}

	var event string
	switch change.Type {
	case presence.ChangeJoined:
		event = EventUserJoined
	case presence.ChangeLeft:
		event = EventUserLeft
	default:
		return
	}
	g.hub.Broadcast(change.DocumentID, realtime.Message{Event: event, DocumentID: change.DocumentID, Data: info}, nil)
}

func (g *Gateway) displayName(ctx context.Context, identity, claimed string) string {
	if name := strings.TrimSpace(claimed); name != "" {
		return name
	}
	if g.users != nil {
		name, err := g.users.DisplayName(ctx, identity)
		if err != nil {
			g.log.Debug("display name lookup failed", zap.String("user_id", identity), zap.Error(err))
		}
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	return anonymousName
}

func (m Member) record() presence.Member {
	return presence.Member{
		UserID:       m.UserID,
		DisplayName:  m.DisplayName,
		ConnectionID: m.ConnectionID,
		Permission:   m.Permission.String(),
		JoinedAt:     m.JoinedAt,
	}
}

func (g *Gateway) degraded(operation, documentID string, err error) {
	g.log.Warn("presence unavailable, continuing with local room only",
		zap.String("operation", operation),
		zap.String("document_id", documentID),
		zap.Error(err),
	)
}

func (g *Gateway) reject(s *Session, event, documentID string, err error) {
	appErr := apperrors.FromError(err)
	switch appErr.Code {
	case apperrors.ErrAuthorizationDenied.Code, apperrors.ErrDocumentNotFound.Code, apperrors.ErrMalformedInput.Code, apperrors.ErrTransientBackend.Code:
	default:
		g.log.Error("event failed", zap.String("event", event), zap.Error(err))
		appErr = apperrors.ErrTransientBackend.WithInternal(err)
	}
	metrics.GatewayEvents.WithLabelValues(eventLabel(event), "rejected").Inc()

	_ = g.hub.Send(s.peer, realtime.Message{
		Event:      EventError,
		DocumentID: documentID,
		Data: ErrorPayload{
			Message: appErr.Message,
			Code:    appErr.Code,
			Event:   event,
		},
	})
}

func decode(raw json.RawMessage, dst any) error {
	if isEmptyJSON(raw) {
		return apperrors.NewMalformedInput("Message data is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperrors.NewMalformedInput("Message data could not be decoded").WithInternal(err)
	}
	if err := validator.ValidateStruct(dst); err != nil {
		return apperrors.NewMalformedInput(validator.Describe(err))
	}
	return nil
}

func eventLabel(event string) string {
	switch event {
	case EventJoinDocument, EventLeaveDocument, EventDocumentChange, EventCursorChange, EventHeartbeat, EventPing:
		return event
	default:
		return "unknown"
	}
}
