package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/common/config"
)

// registryEntry is one instance's presence record in the shared registry hash
type registryEntry struct {
	Clients   []string `json:"clients"`
	Rooms     []string `json:"rooms"`
	Heartbeat int64    `json:"heartbeat"` // unix milliseconds
}

// busEnvelope is the wire format of cross-instance traffic on the bus topic
type busEnvelope struct {
	Type    string          `json:"type"` // "send", "terminate" or "room"
	Client  string          `json:"client,omitempty"`
	Room    string          `json:"room,omitempty"`
	Action  string          `json:"action,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// RedisMessenger implements Messenger over Redis: pub/sub for routing and a
// hash of heartbeat-stamped instance entries for presence.
type RedisMessenger struct {
	logger      *zap.Logger
	client      redis.UniversalClient
	uid         string
	topic       string
	registryKey string
	timeout     time.Duration

	pubsub *redis.PubSub
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	clients   map[string]Conn
	rooms     map[string]struct{}
	listeners map[string]func(RoomSignal)
}

var _ Messenger = (*RedisMessenger)(nil)

// NewRedisMessenger creates a Redis-backed messenger and starts its
// heartbeat and bus subscription.
func NewRedisMessenger(logger *zap.Logger, client redis.UniversalClient, cfg config.MessengerConfig, prefix string) (*RedisMessenger, error) {
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	m := &RedisMessenger{
		logger:      logger.Named("messenger.redis"),
		client:      client,
		uid:         uuid.NewString(),
		topic:       cfg.Topic,
		registryKey: prefix + ":" + cnst.InstanceRegistrySuffix,
		timeout:     cfg.InstanceTimeout,
		done:        make(chan struct{}),
		clients:     make(map[string]Conn),
		rooms:       make(map[string]struct{}),
		listeners:   make(map[string]func(RoomSignal)),
	}

	if err := m.writeRegistryEntry(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to register instance: %w", err)
	}

	m.pubsub = client.Subscribe(context.Background(), m.topic)

	// Subscribe is lazy; wait for the server's confirmation so nothing
	// published after the constructor returns can be missed.
	if _, err := m.pubsub.Receive(context.Background()); err != nil {
		_ = m.pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to bus topic: %w", err)
	}

	m.wg.Add(2)
	go m.handleBus()
	go m.heartbeat(cfg.HeartbeatInterval)

	return m, nil
}

// UID implements Messenger.UID
func (m *RedisMessenger) UID() string { return m.uid }

// heartbeat refreshes this instance's registry entry until Close
func (m *RedisMessenger) heartbeat(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.writeRegistryEntry(ctx); err != nil {
				m.logger.Warn("failed to refresh instance heartbeat", zap.Error(err))
			}
			cancel()
		}
	}
}

// writeRegistryEntry persists the instance's client and room ownership with
// a fresh heartbeat. Each instance only ever writes its own hash field.
func (m *RedisMessenger) writeRegistryEntry(ctx context.Context) error {
	m.mu.RLock()
	entry := registryEntry{
		Clients:   make([]string, 0, len(m.clients)),
		Rooms:     make([]string, 0, len(m.rooms)),
		Heartbeat: time.Now().UnixMilli(),
	}
	for id := range m.clients {
		entry.Clients = append(entry.Clients, id)
	}
	for room := range m.rooms {
		entry.Rooms = append(entry.Rooms, room)
	}
	m.mu.RUnlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry: %w", err)
	}

	return m.client.HSet(ctx, m.registryKey, m.uid, data).Err()
}

// handleBus dispatches inbound bus envelopes to local clients and listeners
func (m *RedisMessenger) handleBus() {
	defer m.wg.Done()

	ch := m.pubsub.Channel()
	for msg := range ch {
		var env busEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			m.logger.Error("failed to unmarshal bus envelope",
				zap.Error(err),
				zap.String("payload", msg.Payload))
			continue
		}

		switch env.Type {
		case "send":
			m.mu.RLock()
			conn, ok := m.clients[env.Client]
			m.mu.RUnlock()
			if !ok {
				continue
			}

			if err := conn.Send(context.Background(), env.Message); err != nil {
				m.logger.Warn("failed to deliver bus message to client",
					zap.String("client", env.Client),
					zap.Error(err))
			}

		case "terminate":
			m.mu.Lock()
			conn, ok := m.clients[env.Client]
			delete(m.clients, env.Client)
			m.mu.Unlock()
			if !ok {
				continue
			}

			if err := conn.Close(context.Background()); err != nil {
				m.logger.Warn("failed to terminate client",
					zap.String("client", env.Client),
					zap.Error(err))
			}
			m.syncRegistry()

		case "room":
			m.mu.RLock()
			fn := m.listeners[env.Room]
			m.mu.RUnlock()
			if fn != nil {
				fn(RoomSignal{Room: env.Room, Action: env.Action, Origin: env.Origin, Payload: env.Message})
			}
		}
	}
}

// syncRegistry writes the registry entry in the background; registry updates
// are advisory and repaired by the next heartbeat on failure.
func (m *RedisMessenger) syncRegistry() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.writeRegistryEntry(ctx); err != nil {
			m.logger.Warn("failed to sync registry entry", zap.Error(err))
		}
	}()
}

// AddClient implements Messenger.AddClient
func (m *RedisMessenger) AddClient(id string, conn Conn) {
	m.mu.Lock()
	if _, exists := m.clients[id]; exists {
		m.mu.Unlock()
		return
	}
	m.clients[id] = conn
	m.mu.Unlock()

	m.syncRegistry()
}

// RemoveClient implements Messenger.RemoveClient
func (m *RedisMessenger) RemoveClient(id string) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()

	m.syncRegistry()
}

// HasClient implements Messenger.HasClient
func (m *RedisMessenger) HasClient(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[id]
	return ok
}

// RegisterRoom implements Messenger.RegisterRoom
func (m *RedisMessenger) RegisterRoom(ctx context.Context, room string) error {
	m.mu.Lock()
	m.rooms[room] = struct{}{}
	m.mu.Unlock()

	return m.writeRegistryEntry(ctx)
}

// UnregisterRoom implements Messenger.UnregisterRoom
func (m *RedisMessenger) UnregisterRoom(ctx context.Context, room string) error {
	m.mu.Lock()
	delete(m.rooms, room)
	m.mu.Unlock()

	return m.writeRegistryEntry(ctx)
}

// SetRoomListener implements Messenger.SetRoomListener
func (m *RedisMessenger) SetRoomListener(room string, fn func(RoomSignal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[room] = fn
}

// RemoveRoomListener implements Messenger.RemoveRoomListener
func (m *RedisMessenger) RemoveRoomListener(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, room)
}

// SendClient implements Messenger.SendClient. Local clients are delivered
// directly, bypassing the bus; everything else is published for whichever
// instance owns the socket.
func (m *RedisMessenger) SendClient(ctx context.Context, id string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	m.mu.RLock()
	conn, local := m.clients[id]
	m.mu.RUnlock()

	if local {
		return conn.Send(ctx, data)
	}

	return m.publish(ctx, &busEnvelope{Type: "send", Client: id, Message: data})
}

// TerminateClient implements Messenger.TerminateClient
func (m *RedisMessenger) TerminateClient(ctx context.Context, id string) error {
	m.mu.Lock()
	conn, local := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()

	if local {
		m.syncRegistry()
		return conn.Close(ctx)
	}

	return m.publish(ctx, &busEnvelope{Type: "terminate", Client: id})
}

// SendRoom implements Messenger.SendRoom. Every instance, including this
// one, receives the signal through its bus subscription.
func (m *RedisMessenger) SendRoom(ctx context.Context, signal RoomSignal) error {
	return m.publish(ctx, &busEnvelope{
		Type:    "room",
		Room:    signal.Room,
		Action:  signal.Action,
		Origin:  signal.Origin,
		Message: signal.Payload,
	})
}

func (m *RedisMessenger) publish(ctx context.Context, env *busEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal bus envelope: %w", err)
	}
	return m.client.Publish(ctx, m.topic, data).Err()
}

// readRegistry fetches and parses every instance entry
func (m *RedisMessenger) readRegistry(ctx context.Context) (map[string]registryEntry, error) {
	raw, err := m.client.HGetAll(ctx, m.registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read instance registry: %w", err)
	}

	entries := make(map[string]registryEntry, len(raw))
	for uid, data := range raw {
		var entry registryEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			m.logger.Warn("skipping malformed registry entry",
				zap.String("instance", uid),
				zap.Error(err))
			continue
		}
		entries[uid] = entry
	}
	return entries, nil
}

// GetGlobalClients implements Messenger.GetGlobalClients
func (m *RedisMessenger) GetGlobalClients(ctx context.Context) ([]string, error) {
	entries, err := m.readRegistry(ctx)
	if err != nil {
		return nil, err
	}

	var clients []string
	for _, entry := range entries {
		clients = append(clients, entry.Clients...)
	}
	return clients, nil
}

// GetGlobalRooms implements Messenger.GetGlobalRooms
func (m *RedisMessenger) GetGlobalRooms(ctx context.Context) ([]string, error) {
	entries, err := m.readRegistry(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var rooms []string
	for _, entry := range entries {
		for _, room := range entry.Rooms {
			if _, ok := seen[room]; ok {
				continue
			}
			seen[room] = struct{}{}
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

// PruneDeadInstances implements Messenger.PruneDeadInstances. Removal is
// idempotent and commutative: concurrent pruners may both delete a dead
// entry, and each live instance cleans up the reported orphans on its own.
func (m *RedisMessenger) PruneDeadInstances(ctx context.Context) (*Inactive, error) {
	entries, err := m.readRegistry(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	inactive := &Inactive{}

	for uid, entry := range entries {
		if uid == m.uid {
			continue
		}
		if now-entry.Heartbeat <= m.timeout.Milliseconds() {
			continue
		}

		m.logger.Info("pruning dead instance",
			zap.String("instance", uid),
			zap.Int("clients", len(entry.Clients)),
			zap.Int("rooms", len(entry.Rooms)))

		inactive.Clients = append(inactive.Clients, entry.Clients...)
		inactive.Rooms = append(inactive.Rooms, entry.Rooms...)

		if err := m.client.HDel(ctx, m.registryKey, uid).Err(); err != nil {
			return nil, fmt.Errorf("failed to remove dead instance %s: %w", uid, err)
		}
	}

	return inactive, nil
}

// Close implements Messenger.Close
func (m *RedisMessenger) Close() error {
	close(m.done)

	if err := m.pubsub.Close(); err != nil {
		m.logger.Warn("failed to close bus subscription", zap.Error(err))
	}

	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.HDel(ctx, m.registryKey, m.uid).Err()
}
