package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/common/config"
	"github.com/synclab/collabd/internal/events"
	"github.com/synclab/collabd/internal/messenger"
	"github.com/synclab/collabd/internal/permissions"
	"github.com/synclab/collabd/internal/settings"
)

// stubClusterMessenger wraps the in-process messenger with an injectable
// view of the cluster, standing in for peers that died.
type stubClusterMessenger struct {
	*messenger.MemoryMessenger
	inactive *messenger.Inactive
	global   []string
	override bool
}

func (s *stubClusterMessenger) PruneDeadInstances(context.Context) (*messenger.Inactive, error) {
	if s.inactive == nil {
		return &messenger.Inactive{}, nil
	}
	reported := s.inactive
	s.inactive = nil // a second sweep finds nothing, removal already happened
	return reported, nil
}

func (s *stubClusterMessenger) GetGlobalClients(ctx context.Context) ([]string, error) {
	if s.override {
		return s.global, nil
	}
	return s.MemoryMessenger.GetGlobalClients(ctx)
}

func newClusterEnv(t *testing.T) (*Handler, *stubClusterMessenger, *settings.StaticSource) {
	t.Helper()

	logger := zap.NewNop()
	msgr := &stubClusterMessenger{MemoryMessenger: messenger.NewMemoryMessenger(logger)}
	source := settings.NewStaticSource(map[string]any{cnst.SettingCollabEnabled: true})
	perms := permissions.NewService(logger, permissions.AllowAll{}, permissions.NewCache(logger, 64), time.Hour)

	cfg := config.CollabConfig{
		ClusterCleanupInterval: time.Hour,
		LocalCleanupInterval:   time.Hour,
		EventQueueSize:         16,
	}
	h := NewHandler(logger, cfg, msgr, perms, settings.NewStore(logger, source), events.NewChannelNotifier(logger), nil)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)

	return h, msgr, source
}

// seedRemoteParticipant makes a dead peer's client appear in a local room
// replica the same way it would in production: through a join signal.
func seedRemoteParticipant(t *testing.T, msgr messenger.Messenger, room, clientID string) {
	t.Helper()
	require.NoError(t, msgr.SendRoom(context.Background(), messenger.RoomSignal{
		Room:    room,
		Action:  string(cnst.ServerActionJoin),
		Origin:  "dead-peer",
		Payload: []byte(`{"client":"` + clientID + `","color":"red"}`),
	}))
}

func TestClusterCleanupReclaimsDeadInstanceState(t *testing.T) {
	h, msgr, _ := newClusterEnv(t)
	ctx := context.Background()

	// Room 1 has a live local client plus two clients from the dead peer
	a := &Client{ID: "a", Accountability: &permissions.Accountability{User: "a"}}
	h.HandleConnect(a, &testConn{})
	h.HandleMessage(ctx, a, []byte(`{"action":"join","collection":"articles","item":"1"}`))
	rooms := h.Manager().Rooms()
	require.Len(t, rooms, 1)
	room1 := rooms[0]
	seedRemoteParticipant(t, msgr, room1.UID(), "d1")
	seedRemoteParticipant(t, msgr, room1.UID(), "d2")

	// Room 2 was owned entirely by the dead peer
	item2 := "2"
	room2, _, err := h.Manager().CreateRoom(ctx, "articles", &item2, nil, nil)
	require.NoError(t, err)
	seedRemoteParticipant(t, msgr, room2.UID(), "d3")

	require.True(t, room1.HasClient("d1"))
	require.True(t, room2.HasClient("d3"))

	// The peer owned 3 clients and 2 rooms when it died
	msgr.inactive = &messenger.Inactive{
		Clients: []string{"d1", "d2", "d3"},
		Rooms:   []string{room1.UID(), room2.UID()},
	}

	h.clusterCleanup(ctx)

	// Dead clients are absent from every surviving roster
	assert.False(t, room1.HasClient("d1"))
	assert.False(t, room1.HasClient("d2"))
	assert.True(t, room1.HasClient("a"), "the live client stays")

	// The room left empty is removed; the active one survives
	_, err = h.Manager().GetRoom(room2.UID())
	assert.ErrorIs(t, err, cnst.ErrRoomNotFound)
	_, err = h.Manager().GetRoom(room1.UID())
	assert.NoError(t, err)
}

func TestClusterCleanupSecondSweepIsNoop(t *testing.T) {
	h, msgr, _ := newClusterEnv(t)
	ctx := context.Background()

	item := "9"
	room, _, err := h.Manager().CreateRoom(ctx, "articles", &item, nil, nil)
	require.NoError(t, err)
	seedRemoteParticipant(t, msgr, room.UID(), "d1")

	msgr.inactive = &messenger.Inactive{Clients: []string{"d1"}, Rooms: []string{room.UID()}}
	h.clusterCleanup(ctx)
	h.clusterCleanup(ctx) // room already gone: tolerated as a no-op

	_, err = h.Manager().GetRoom(room.UID())
	assert.ErrorIs(t, err, cnst.ErrRoomNotFound)
}

func TestLocalCleanupReconcilesAgainstGlobalRegistry(t *testing.T) {
	h, msgr, _ := newClusterEnv(t)
	ctx := context.Background()

	a := &Client{ID: "a", Accountability: &permissions.Accountability{User: "a"}}
	b := &Client{ID: "b", Accountability: &permissions.Accountability{User: "b"}}
	h.HandleConnect(a, &testConn{})
	h.HandleConnect(b, &testConn{})
	h.HandleMessage(ctx, a, []byte(`{"action":"join","collection":"articles","item":"1"}`))
	h.HandleMessage(ctx, b, []byte(`{"action":"join","collection":"articles","item":"1"}`))

	rooms := h.Manager().Rooms()
	require.Len(t, rooms, 1)
	room := rooms[0]

	// The registry no longer knows about b: it vanished elsewhere
	msgr.override = true
	msgr.global = []string{"a"}

	h.localCleanup(ctx)

	assert.False(t, room.HasClient("b"))
	assert.True(t, room.HasClient("a"))
}

func TestLocalCleanupRetiresEmptyRooms(t *testing.T) {
	h, msgr, _ := newClusterEnv(t)
	ctx := context.Background()

	item := "5"
	room, _, err := h.Manager().CreateRoom(ctx, "articles", &item, nil, nil)
	require.NoError(t, err)

	msgr.override = true
	h.localCleanup(ctx)

	_, err = h.Manager().GetRoom(room.UID())
	assert.ErrorIs(t, err, cnst.ErrRoomNotFound, "an empty room is retired by the sweep")
}
