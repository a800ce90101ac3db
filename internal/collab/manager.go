package collab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/messenger"
	"github.com/synclab/collabd/internal/permissions"
)

// RoomUID derives the room identity key hash from (collection, item,
// version). Identical inputs converge on the same room cluster-wide.
func RoomUID(collection string, item, version *string) string {
	h := sha256.New()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	if item != nil {
		h.Write([]byte(*item))
	}
	h.Write([]byte{0})
	if version != nil {
		h.Write([]byte(*version))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// isVirtualItem reports whether the item id addresses an embedded row with
// no stored record of its own: the new-item placeholder "+" or a composite
// id built with it, such as a translation row edited through its parent.
// Virtual rooms get collection-level permission checks and never match
// record-change events.
func isVirtualItem(item *string) bool {
	return item != nil && strings.Contains(*item, "+")
}

// Manager creates, looks up and retires rooms, and maintains this
// instance's client-to-rooms index.
type Manager struct {
	logger *zap.Logger
	msgr   messenger.Messenger
	perms  *permissions.Service

	mu          sync.RWMutex
	rooms       map[string]*Room
	clientRooms map[string]map[string]struct{}
}

// NewManager creates a room manager
func NewManager(logger *zap.Logger, msgr messenger.Messenger, perms *permissions.Service) *Manager {
	return &Manager{
		logger:      logger.Named("rooms"),
		msgr:        msgr,
		perms:       perms,
		rooms:       make(map[string]*Room),
		clientRooms: make(map[string]map[string]struct{}),
	}
}

// CreateRoom returns the existing room for the identity key or constructs a
// new one seeded with initialChanges, reporting which happened. Concurrent
// calls for the same key converge on one instance.
func (m *Manager) CreateRoom(ctx context.Context, collection string, item, version *string, initialChanges map[string]json.RawMessage) (*Room, bool, error) {
	uid := RoomUID(collection, item, version)

	m.mu.Lock()
	if room, ok := m.rooms[uid]; ok && !room.Closed() {
		m.mu.Unlock()
		return room, false, nil
	}

	room := newRoom(m.logger, m.msgr, m.perms, uid, collection, item, version, initialChanges)
	m.rooms[uid] = room
	m.mu.Unlock()

	if err := m.msgr.RegisterRoom(ctx, uid); err != nil {
		m.logger.Warn("failed to register room globally",
			zap.String("room", uid),
			zap.Error(err))
	}
	m.msgr.SetRoomListener(uid, func(signal messenger.RoomSignal) {
		room.Apply(context.Background(), signal)
	})

	m.logger.Info("room opened",
		zap.String("room", uid),
		zap.String("collection", collection))
	return room, true, nil
}

// GetRoom looks a room up by uid
func (m *Manager) GetRoom(uid string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[uid]
	if !ok || room.Closed() {
		return nil, cnst.ErrRoomNotFound
	}
	return room, nil
}

// Rooms returns every open local room
func (m *Manager) Rooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// GetClientRooms returns every room the client is tracked in locally
func (m *Manager) GetClientRooms(clientID string) []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rooms []*Room
	for uid := range m.clientRooms[clientID] {
		if room, ok := m.rooms[uid]; ok {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// TrackClient records the client's membership in the local index
func (m *Manager) TrackClient(clientID, roomUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clientRooms[clientID] == nil {
		m.clientRooms[clientID] = make(map[string]struct{})
	}
	m.clientRooms[clientID][roomUID] = struct{}{}
}

// UntrackClient drops one membership, or all of them when roomUID is empty
func (m *Manager) UntrackClient(clientID, roomUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if roomUID == "" {
		delete(m.clientRooms, clientID)
		return
	}
	delete(m.clientRooms[clientID], roomUID)
	if len(m.clientRooms[clientID]) == 0 {
		delete(m.clientRooms, clientID)
	}
}

// GetLocalRoomClients returns every client id present in any local room
func (m *Manager) GetLocalRoomClients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, room := range m.rooms {
		for _, id := range room.LocalClients() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// RemoveRoom drops a room from the local index and the global registry
func (m *Manager) RemoveRoom(ctx context.Context, uid string) {
	m.mu.Lock()
	_, ok := m.rooms[uid]
	delete(m.rooms, uid)
	for clientID, rooms := range m.clientRooms {
		delete(rooms, uid)
		if len(rooms) == 0 {
			delete(m.clientRooms, clientID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	m.msgr.RemoveRoomListener(uid)
	if err := m.msgr.UnregisterRoom(ctx, uid); err != nil {
		m.logger.Warn("failed to unregister room globally",
			zap.String("room", uid),
			zap.Error(err))
	}
	m.logger.Info("room removed", zap.String("room", uid))
}

// CleanupRooms retires rooms that are closed or reclaimable (empty roster,
// nothing pending). Returns the number of rooms removed.
func (m *Manager) CleanupRooms(ctx context.Context) int {
	m.mu.RLock()
	candidates := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		candidates = append(candidates, room)
	}
	m.mu.RUnlock()

	removed := 0
	for _, room := range candidates {
		if room.Closed() || room.Close() {
			m.RemoveRoom(ctx, room.UID())
			removed++
		}
	}
	return removed
}
