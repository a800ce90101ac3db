package messenger

import (
	"context"
	"encoding/json"
)

// Conn is the send surface of one locally-connected client socket. Framing
// and authentication happen upstream; the engine only pushes encoded
// messages and terminates connections.
type Conn interface {
	// Send pushes an encoded message to the client
	Send(ctx context.Context, data []byte) error

	// Close forcibly terminates the connection
	Close(ctx context.Context) error
}

// RoomSignal is a room-scoped message fanned out to every instance that may
// hold a local handle on the room. Origin is the publishing instance's UID so
// a publisher that applied the mutation synchronously can skip its own echo.
// The payload is opaque to the messenger.
type RoomSignal struct {
	Room    string          `json:"room"`
	Action  string          `json:"action"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomSignalClose tells instances to drop their local handle on a room
const RoomSignalClose = "close"

// Inactive reports the clients and rooms that were owned by instances whose
// heartbeat went stale.
type Inactive struct {
	Clients []string
	Rooms   []string
}

// Messenger gives the process a stable cluster identity, a registry of
// globally connected clients and rooms, and message routing to clients on
// any instance. No component above it talks to the bus directly.
type Messenger interface {
	// UID returns this process's stable instance identity
	UID() string

	// AddClient registers a client under this instance's ownership; idempotent
	AddClient(id string, conn Conn)

	// RemoveClient drops a client from local and global registries
	RemoveClient(id string)

	// HasClient reports whether the client is connected to this instance
	HasClient(id string) bool

	// RegisterRoom records this instance as a holder of the room
	RegisterRoom(ctx context.Context, room string) error

	// UnregisterRoom removes the room from this instance's registry entry
	UnregisterRoom(ctx context.Context, room string) error

	// SetRoomListener registers a callback for control signals on a room
	SetRoomListener(room string, fn func(RoomSignal))

	// RemoveRoomListener drops the room's signal callback
	RemoveRoomListener(room string)

	// SendClient delivers a message to a client wherever it is connected:
	// directly for local clients, over the bus for remote ones.
	SendClient(ctx context.Context, id string, msg any) error

	// TerminateClient forcibly closes a client's connection cluster-wide
	TerminateClient(ctx context.Context, id string) error

	// SendRoom fans a control signal out to every instance
	SendRoom(ctx context.Context, signal RoomSignal) error

	// GetGlobalClients returns every client id registered anywhere
	GetGlobalClients(ctx context.Context) ([]string, error)

	// GetGlobalRooms returns every room uid registered anywhere
	GetGlobalRooms(ctx context.Context) ([]string, error)

	// PruneDeadInstances removes registry entries of instances whose
	// heartbeat is stale and returns their orphaned clients and rooms. Safe
	// to call concurrently from multiple instances.
	PruneDeadInstances(ctx context.Context) (*Inactive, error)

	// Close stops background work and removes this instance's registry entry
	Close() error
}
