package realtime

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/coedit/pkg/logger"
	"github.com/charlesng35/coedit/pkg/metrics"
)

// Hub groups peers into rooms keyed by document id and fans messages out to them.
// A room exists only while it has at least one peer.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Peer
	log   *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]Peer),
		log:   logger.WithModule("realtime"),
	}
}

// Join adds peer to the room for documentID, creating the room on first join.
// It reports false when the peer was already a member.
func (h *Hub) Join(peer Peer, documentID string) bool {
	documentID = normalizeRoom(documentID)
	if peer == nil || documentID == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[documentID]
	if !ok {
		room = make(map[string]Peer)
		h.rooms[documentID] = room
		metrics.ActiveRooms.Inc()
	}
	if _, exists := room[peer.ID()]; exists {
		return false
	}
	room[peer.ID()] = peer
	return true
}

// Leave removes peer from the room, releasing the room once empty.
// It reports whether the peer was a member.
func (h *Hub) Leave(peer Peer, documentID string) bool {
	documentID = normalizeRoom(documentID)
	if peer == nil || documentID == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.removeLocked(peer.ID(), documentID)
}

// Broadcast delivers msg to every peer in the room except exclude, which may be nil.
// A failed delivery never stops delivery to the remaining peers; the failing peer is
// reaped from the room and closed. It returns the number of successful deliveries.
func (h *Hub) Broadcast(documentID string, msg Message, exclude Peer) int {
	documentID = normalizeRoom(documentID)
	if documentID == "" {
		return 0
	}

	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}

	h.mu.RLock()
	targets := make([]Peer, 0, len(h.rooms[documentID]))
	for id, peer := range h.rooms[documentID] {
		if id != excludeID {
			targets = append(targets, peer)
		}
	}
	h.mu.RUnlock()

	metrics.Broadcasts.WithLabelValues(msg.Event).Inc()

	delivered := 0
	var failed []Peer
	for _, peer := range targets {
		if err := peer.Send(msg); err != nil {
			failed = append(failed, peer)
			h.log.Warn("delivery failed, reaping peer",
				zap.String("document_id", documentID),
				zap.String("peer_id", peer.ID()),
				zap.String("user_id", peer.UserID()),
				zap.String("event", msg.Event),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		h.reap(documentID, failed)
	}
	return delivered
}

// Send delivers msg to a single peer, closing it when the delivery fails.
func (h *Hub) Send(peer Peer, msg Message) error {
	if peer == nil {
		return ErrPeerClosed
	}
	err := peer.Send(msg)
	if err != nil && !errors.Is(err, ErrPeerClosed) {
		metrics.DeliveryFailures.Inc()
		peer.Close()
	}
	return err
}

// Members returns the peers currently in the room ordered by peer id.
func (h *Hub) Members(documentID string) []Peer {
	documentID = normalizeRoom(documentID)

	h.mu.RLock()
	room := h.rooms[documentID]
	peers := make([]Peer, 0, len(room))
	for _, peer := range room {
		peers = append(peers, peer)
	}
	h.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID() < peers[j].ID() })
	return peers
}

// HasUser reports whether any peer other than except belongs to userID in the room.
func (h *Hub) HasUser(documentID, userID string, except Peer) bool {
	documentID = normalizeRoom(documentID)
	exceptID := ""
	if except != nil {
		exceptID = except.ID()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, peer := range h.rooms[documentID] {
		if id != exceptID && peer.UserID() == userID {
			return true
		}
	}
	return false
}

// RoomCount returns the number of rooms with at least one peer.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Rooms lists the document ids with active rooms.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	rooms := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		rooms = append(rooms, id)
	}
	h.mu.RUnlock()

	sort.Strings(rooms)
	return rooms
}

func (h *Hub) reap(documentID string, peers []Peer) {
	h.mu.Lock()
	for _, peer := range peers {
		h.removeLocked(peer.ID(), documentID)
	}
	h.mu.Unlock()

	for _, peer := range peers {
		metrics.DeliveryFailures.Inc()
		peer.Close()
	}
}

func (h *Hub) removeLocked(peerID, documentID string) bool {
	room, ok := h.rooms[documentID]
	if !ok {
		return false
	}
	if _, exists := room[peerID]; !exists {
		return false
	}
	delete(room, peerID)
	if len(room) == 0 {
		delete(h.rooms, documentID)
		metrics.ActiveRooms.Dec()
	}
	return true
}

func normalizeRoom(documentID string) string {
	return strings.TrimSpace(documentID)
}
