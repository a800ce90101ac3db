package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryMessenger implements Messenger for single-instance deployments.
// There are no peers, so the global registry is the local one and dead
// instances cannot exist.
type MemoryMessenger struct {
	logger *zap.Logger
	uid    string

	mu        sync.RWMutex
	clients   map[string]Conn
	rooms     map[string]struct{}
	listeners map[string]func(RoomSignal)
}

var _ Messenger = (*MemoryMessenger)(nil)

// NewMemoryMessenger creates a new in-process messenger
func NewMemoryMessenger(logger *zap.Logger) *MemoryMessenger {
	return &MemoryMessenger{
		logger:    logger.Named("messenger.memory"),
		uid:       uuid.NewString(),
		clients:   make(map[string]Conn),
		rooms:     make(map[string]struct{}),
		listeners: make(map[string]func(RoomSignal)),
	}
}

// UID implements Messenger.UID
func (m *MemoryMessenger) UID() string { return m.uid }

// AddClient implements Messenger.AddClient
func (m *MemoryMessenger) AddClient(id string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[id]; exists {
		return
	}
	m.clients[id] = conn
}

// RemoveClient implements Messenger.RemoveClient
func (m *MemoryMessenger) RemoveClient(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
}

// HasClient implements Messenger.HasClient
func (m *MemoryMessenger) HasClient(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[id]
	return ok
}

// RegisterRoom implements Messenger.RegisterRoom
func (m *MemoryMessenger) RegisterRoom(_ context.Context, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room] = struct{}{}
	return nil
}

// UnregisterRoom implements Messenger.UnregisterRoom
func (m *MemoryMessenger) UnregisterRoom(_ context.Context, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room)
	return nil
}

// SetRoomListener implements Messenger.SetRoomListener
func (m *MemoryMessenger) SetRoomListener(room string, fn func(RoomSignal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[room] = fn
}

// RemoveRoomListener implements Messenger.RemoveRoomListener
func (m *MemoryMessenger) RemoveRoomListener(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, room)
}

// SendClient implements Messenger.SendClient
func (m *MemoryMessenger) SendClient(ctx context.Context, id string, msg any) error {
	m.mu.RLock()
	conn, ok := m.clients[id]
	m.mu.RUnlock()

	if !ok {
		// The client raced a disconnect; nothing to deliver to
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return conn.Send(ctx, data)
}

// TerminateClient implements Messenger.TerminateClient
func (m *MemoryMessenger) TerminateClient(ctx context.Context, id string) error {
	m.mu.Lock()
	conn, ok := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return conn.Close(ctx)
}

// SendRoom implements Messenger.SendRoom
func (m *MemoryMessenger) SendRoom(_ context.Context, signal RoomSignal) error {
	m.mu.RLock()
	fn := m.listeners[signal.Room]
	m.mu.RUnlock()

	if fn != nil {
		fn(signal)
	}
	return nil
}

// GetGlobalClients implements Messenger.GetGlobalClients
func (m *MemoryMessenger) GetGlobalClients(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids, nil
}

// GetGlobalRooms implements Messenger.GetGlobalRooms
func (m *MemoryMessenger) GetGlobalRooms(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// PruneDeadInstances implements Messenger.PruneDeadInstances. A single
// instance has no peers to prune.
func (m *MemoryMessenger) PruneDeadInstances(context.Context) (*Inactive, error) {
	return &Inactive{}, nil
}

// Close implements Messenger.Close
func (m *MemoryMessenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = make(map[string]Conn)
	m.listeners = make(map[string]func(RoomSignal))
	return nil
}
