package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/common/config"
	"github.com/synclab/collabd/internal/events"
	"github.com/synclab/collabd/internal/messenger"
	"github.com/synclab/collabd/internal/permissions"
	"github.com/synclab/collabd/internal/settings"
	"github.com/synclab/collabd/pkg/metrics"
)

// Handler orchestrates the engine: it gates every entry point on the
// feature switch, dispatches client actions, drains the domain-change
// event stream in arrival order and runs the cleanup jobs.
type Handler struct {
	logger   *zap.Logger
	cfg      config.CollabConfig
	msgr     messenger.Messenger
	perms    *permissions.Service
	settings *settings.Store
	notifier events.Notifier
	metrics  *metrics.Metrics
	manager  *Manager

	queue  chan *events.Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewHandler creates the orchestrator. Start must be called before any
// message is handled.
func NewHandler(
	logger *zap.Logger,
	cfg config.CollabConfig,
	msgr messenger.Messenger,
	perms *permissions.Service,
	store *settings.Store,
	notifier events.Notifier,
	m *metrics.Metrics,
) *Handler {
	h := &Handler{
		logger:   logger.Named("collab"),
		cfg:      cfg,
		msgr:     msgr,
		perms:    perms,
		settings: store,
		notifier: notifier,
		metrics:  m,
		manager:  NewManager(logger, msgr, perms),
		queue:    make(chan *events.Event, cfg.EventQueueSize),
		done:     make(chan struct{}),
	}
	if m != nil {
		perms.SetHooks(m.PermCacheHit, m.PermCacheMiss, m.PermCacheInvalidate)
	}
	return h
}

// Manager exposes the room manager, mainly for tests
func (h *Handler) Manager() *Manager { return h.manager }

// Start subscribes to the event stream and launches the ordered event
// worker and the cleanup tickers.
func (h *Handler) Start(ctx context.Context) error {
	eventCh, err := h.notifier.Watch(ctx)
	if err != nil {
		return err
	}

	h.wg.Add(3)
	go h.enqueueEvents(eventCh)
	go h.eventWorker()
	go h.cleanupLoop(ctx)
	return nil
}

// Stop shuts down background work
func (h *Handler) Stop() {
	h.closed.Do(func() { close(h.done) })
	h.wg.Wait()
}

// HandleConnect registers an authenticated connection with the messenger
func (h *Handler) HandleConnect(client *Client, conn messenger.Conn) {
	h.msgr.AddClient(client.ID, conn)
	if h.metrics != nil {
		h.metrics.ClientAdded()
	}
}

// HandleDisconnect leaves every room the client participates in and drops
// the client from the registries.
func (h *Handler) HandleDisconnect(ctx context.Context, clientID string) {
	for _, room := range h.manager.GetClientRooms(clientID) {
		room.Leave(ctx, clientID)
	}
	h.manager.UntrackClient(clientID, "")
	h.msgr.RemoveClient(clientID)
	if h.metrics != nil {
		h.metrics.ClientGone()
	}
}

// HandleMessage parses one raw client frame and dispatches it. Protocol
// errors are delivered to the client; a disabled feature additionally
// terminates the connection.
func (h *Handler) HandleMessage(ctx context.Context, client *Client, raw []byte) {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		h.sendError(ctx, client.ID, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ClientMessage(actionOf(msg))
	}

	if err := h.ensureEnabled(ctx); err != nil {
		h.sendError(ctx, client.ID, err)
		if perr := new(Error); errors.As(err, &perr) && perr.Code == cnst.ErrCodeServiceUnavailable {
			_ = h.msgr.TerminateClient(ctx, client.ID)
		}
		return
	}

	switch m := msg.(type) {
	case *JoinMessage:
		err = h.onJoin(ctx, client, m)
	case *LeaveMessage:
		err = h.onLeave(ctx, client, m)
	case *FocusMessage:
		err = h.onFocus(ctx, client, m)
	case *UpdateMessage:
		err = h.onUpdate(ctx, client, m)
	case *UpdateAllMessage:
		err = h.onUpdateAll(ctx, client, m)
	case *DiscardMessage:
		err = h.onDiscard(ctx, client, m)
	}

	if err != nil {
		h.sendError(ctx, client.ID, err)
	}
}

// ensureEnabled checks the feature switch before any action is dispatched
func (h *Handler) ensureEnabled(ctx context.Context) error {
	enabled, err := h.settings.Bool(ctx, cnst.SettingCollabEnabled, true)
	if err != nil {
		h.logger.Error("failed to read feature switch", zap.Error(err))
		return NewInternal()
	}
	if !enabled {
		return NewServiceUnavailable("collaborative editing is disabled")
	}
	return nil
}

// onJoin authorizes the join and admits the client into the room.
//
// Read access to the record is required, falling back to collection-level
// read permission when the record does not exist yet; virtual items have no
// record of their own and get collection-level checks directly. A user who
// can see zero fields has nothing to collaborate on and is rejected. A
// draft version additionally requires row-level access to the version
// record. Initial changes are all-or-nothing: one unauthorized field
// rejects the join and no room is created.
func (h *Handler) onJoin(ctx context.Context, client *Client, msg *JoinMessage) error {
	permItem := msg.Item
	if isVirtualItem(msg.Item) {
		permItem = nil
	}

	readFields, err := h.perms.Verify(ctx, client.Accountability, msg.Collection, permItem, cnst.PermissionActionRead)
	if err != nil {
		h.logger.Error("join permission check failed", zap.Error(err))
		return NewInternal()
	}
	if readFields == nil && permItem != nil {
		// The record may not exist yet (new item being drafted)
		readFields, err = h.perms.Verify(ctx, client.Accountability, msg.Collection, nil, cnst.PermissionActionRead)
		if err != nil {
			h.logger.Error("join permission check failed", zap.Error(err))
			return NewInternal()
		}
	}
	if len(readFields) == 0 {
		return NewForbidden("you don't have permission to access this item")
	}

	if msg.Version != nil {
		ok, err := h.perms.ValidateItemAccess(ctx, client.Accountability, cnst.CollectionVersions, []string{*msg.Version}, cnst.PermissionActionRead)
		if err != nil {
			h.logger.Error("version access check failed", zap.Error(err))
			return NewInternal()
		}
		if !ok {
			return NewForbidden("you don't have permission to access this version")
		}
	}

	if len(msg.InitialChanges) > 0 {
		if err := h.authorizeChanges(ctx, client, msg.Collection, permItem, keysOf(msg.InitialChanges)); err != nil {
			return err
		}
	}

	room, created, err := h.manager.CreateRoom(ctx, msg.Collection, msg.Item, msg.Version, msg.InitialChanges)
	if err != nil {
		h.logger.Error("failed to create room", zap.Error(err))
		return NewInternal()
	}
	if created && h.metrics != nil {
		h.metrics.RoomOpened()
	}

	if err := room.Join(ctx, client, msg.Color, readFields); err != nil {
		h.logger.Error("failed to join room",
			zap.String("room", room.UID()),
			zap.Error(err))
		return NewInternal()
	}
	h.manager.TrackClient(client.ID, room.UID())
	return nil
}

func (h *Handler) onLeave(ctx context.Context, client *Client, msg *LeaveMessage) error {
	if msg.Room == "" {
		for _, room := range h.manager.GetClientRooms(client.ID) {
			room.Leave(ctx, client.ID)
			h.manager.UntrackClient(client.ID, room.UID())
		}
		return nil
	}

	room, err := h.manager.GetRoom(msg.Room)
	if err != nil {
		return NewInvalidPayload("unknown room")
	}
	room.Leave(ctx, client.ID)
	h.manager.UntrackClient(client.ID, msg.Room)
	return nil
}

func (h *Handler) onFocus(ctx context.Context, client *Client, msg *FocusMessage) error {
	room, err := h.roomFor(client, msg.Room)
	if err != nil {
		return err
	}

	if msg.Field != nil {
		allowed, err := h.perms.AllowedFields(ctx, client.Accountability, room.Collection(), room.Item())
		if err != nil {
			h.logger.Error("focus permission check failed", zap.Error(err))
			return NewInternal()
		}
		if !permissions.IsFieldAllowed(allowed, *msg.Field) {
			return NewForbidden("you don't have permission to edit this field")
		}
	}

	if !room.Focus(ctx, client, msg.Field) {
		return NewForbidden("field is focused by another user")
	}
	return nil
}

// onUpdate applies one field change. A concrete payload silently acquires
// focus on the client's behalf and fails atomically when the field is held
// by someone else; an absent payload is an unset, which never acquires
// focus but is still rejected while another client holds the field.
func (h *Handler) onUpdate(ctx context.Context, client *Client, msg *UpdateMessage) error {
	room, err := h.roomFor(client, msg.Room)
	if err != nil {
		return err
	}

	allowed, err := h.perms.AllowedFields(ctx, client.Accountability, room.Collection(), room.Item())
	if err != nil {
		h.logger.Error("update permission check failed", zap.Error(err))
		return NewInternal()
	}
	if !permissions.IsFieldAllowed(allowed, msg.Field) {
		return NewForbidden("you don't have permission to edit this field")
	}

	if msg.Changes == nil {
		return room.Unset(ctx, client, msg.Field)
	}
	return room.Update(ctx, client, msg.Field, msg.Changes)
}

// onUpdateAll applies a batch of changes. Authorization is all-or-nothing;
// fields held by another client are dropped silently so the rest of the
// batch still lands.
func (h *Handler) onUpdateAll(ctx context.Context, client *Client, msg *UpdateAllMessage) error {
	room, err := h.roomFor(client, msg.Room)
	if err != nil {
		return err
	}

	if err := h.authorizeChanges(ctx, client, room.Collection(), room.Item(), keysOf(msg.Changes)); err != nil {
		return err
	}

	for field, value := range msg.Changes {
		var err error
		if value == nil {
			err = room.Unset(ctx, client, field)
		} else {
			err = room.Update(ctx, client, field, value)
		}
		if err != nil {
			h.logger.Debug("dropping contested field from batch update",
				zap.String("room", room.UID()),
				zap.String("field", field))
		}
	}
	return nil
}

// onDiscard clears pending changes, restricted to the fields the caller
// may edit. A wildcard collapses to the caller's editable set.
func (h *Handler) onDiscard(ctx context.Context, client *Client, msg *DiscardMessage) error {
	room, err := h.roomFor(client, msg.Room)
	if err != nil {
		return err
	}

	allowed, err := h.perms.AllowedFields(ctx, client.Accountability, room.Collection(), room.Item())
	if err != nil {
		h.logger.Error("discard permission check failed", zap.Error(err))
		return NewInternal()
	}

	fields := make([]string, 0, len(msg.Fields))
	for _, field := range msg.Fields {
		if field == "*" {
			fields = append(fields, allowed...)
			continue
		}
		if permissions.IsFieldAllowed(allowed, field) {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	room.Discard(ctx, fields)
	return nil
}

// roomFor resolves a room and verifies the acting client is a member
func (h *Handler) roomFor(client *Client, uid string) (*Room, error) {
	room, err := h.manager.GetRoom(uid)
	if err != nil {
		return nil, NewInvalidPayload("unknown room")
	}
	if !room.HasClient(client.ID) {
		return nil, NewForbidden("you are not in this room")
	}
	return room, nil
}

// authorizeChanges verifies every changed field against the editable set
// (read ∩ update) and the record's row-level update access. All-or-nothing.
func (h *Handler) authorizeChanges(ctx context.Context, client *Client, collection string, item *string, fields []string) error {
	allowed, err := h.perms.AllowedFields(ctx, client.Accountability, collection, item)
	if err != nil {
		h.logger.Error("change authorization failed", zap.Error(err))
		return NewInternal()
	}
	for _, field := range fields {
		if !permissions.IsFieldAllowed(allowed, field) {
			return NewForbidden("you don't have permission to edit field " + field)
		}
	}

	if item != nil {
		ok, err := h.perms.ValidateItemAccess(ctx, client.Accountability, collection, []string{*item}, cnst.PermissionActionUpdate)
		if err != nil {
			h.logger.Error("row access check failed", zap.Error(err))
			return NewInternal()
		}
		if !ok {
			return NewForbidden("you don't have permission to update this item")
		}
	}
	return nil
}

// TerminateAll closes every local room and terminates every local client.
// Used when the feature switch turns off.
func (h *Handler) TerminateAll(ctx context.Context) {
	for _, room := range h.manager.Rooms() {
		for _, id := range room.LocalClients() {
			h.sendError(ctx, id, NewServiceUnavailable("collaborative editing is disabled"))
			if err := h.msgr.TerminateClient(ctx, id); err != nil {
				h.logger.Warn("failed to terminate client",
					zap.String("client", id),
					zap.Error(err))
			}
			h.manager.UntrackClient(id, "")
		}
		// Converge instances whose settings refresh raced the event
		_ = h.msgr.SendRoom(ctx, messenger.RoomSignal{
			Room:   room.UID(),
			Action: messenger.RoomSignalClose,
			Origin: h.msgr.UID(),
		})
		h.manager.RemoveRoom(ctx, room.UID())
		if h.metrics != nil {
			h.metrics.RoomClosed()
		}
	}
}

// enqueueEvents moves events from the stream subscription into the ordered
// queue. Dropping is not an option: the queue is sized for bursts and
// blocks the subscription when full.
func (h *Handler) enqueueEvents(ch <-chan *events.Event) {
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			select {
			case h.queue <- event:
				if h.metrics != nil {
					h.metrics.QueueDepth(len(h.queue))
				}
			case <-h.done:
				return
			}
		}
	}
}

// eventWorker drains the queue strictly in arrival order. An update and a
// delete for the same record must be applied in the order the store
// committed them, so events are never handled concurrently.
func (h *Handler) eventWorker() {
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			return
		case event := <-h.queue:
			h.handleEvent(context.Background(), event)
			if h.metrics != nil {
				h.metrics.QueueDepth(len(h.queue))
			}
		}
	}
}

// handleEvent applies one domain-change event: permission-cache
// invalidation first, then the settings switch, then room reconciliation.
// Events are delivered at-least-once, so everything here is idempotent.
func (h *Handler) handleEvent(ctx context.Context, event *events.Event) {
	if h.metrics != nil {
		h.metrics.DomainEvent(string(event.Action))
	}

	h.perms.Invalidate(event)

	if event.Collection == cnst.CollectionSettings {
		if err := h.settings.Refresh(ctx); err != nil {
			h.logger.Error("failed to refresh settings", zap.Error(err))
			return
		}
		enabled, err := h.settings.Bool(ctx, cnst.SettingCollabEnabled, true)
		if err == nil && !enabled {
			h.logger.Info("collaborative editing disabled, closing all rooms")
			h.TerminateAll(ctx)
		}
		return
	}

	// A create cannot concern an already-open room; only the cache
	// invalidation above applies.
	if event.Action == cnst.EventActionCreate {
		return
	}
	for _, coll := range cnst.IrrelevantCollections {
		if event.Collection == coll {
			return
		}
	}

	for _, room := range h.manager.Rooms() {
		if !h.roomMatchesEvent(room, event) {
			continue
		}

		switch event.Action {
		case cnst.EventActionUpdate:
			room.HandleSaved(ctx, savedValues(event.Payload))
		case cnst.EventActionDelete:
			room.HandleDeleted(ctx)
			h.manager.RemoveRoom(ctx, room.UID())
			if h.metrics != nil {
				h.metrics.RoomClosed()
			}
		}
	}
}

// roomMatchesEvent decides whether an event affects a room. Virtual rooms
// have no record behind them and never match. Draft-version rooms match
// only version events for their own version id; ordinary rooms match by
// collection and key. A keyless event matches every room of the collection.
func (h *Handler) roomMatchesEvent(room *Room, event *events.Event) bool {
	if isVirtualItem(room.Item()) {
		return false
	}
	if v := room.Version(); v != nil {
		return event.Collection == cnst.CollectionVersions && event.HasKey(*v)
	}
	if event.Collection != room.Collection() {
		return false
	}
	if len(event.Keys) == 0 {
		return true
	}
	item := room.Item()
	return item != nil && event.HasKey(*item)
}

// cleanupLoop runs the cluster-wide dead-instance sweep and the local
// reconcile on their own cadences.
func (h *Handler) cleanupLoop(ctx context.Context) {
	defer h.wg.Done()

	cluster := time.NewTicker(h.cfg.ClusterCleanupInterval)
	local := time.NewTicker(h.cfg.LocalCleanupInterval)
	defer cluster.Stop()
	defer local.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-cluster.C:
			h.clusterCleanup(ctx)
		case <-local.C:
			h.localCleanup(ctx)
		}
	}
}

// clusterCleanup prunes dead instances and evicts their orphaned clients
// from every local room, closing rooms left empty. A room already gone is
// a tolerated no-op.
func (h *Handler) clusterCleanup(ctx context.Context) {
	inactive, err := h.msgr.PruneDeadInstances(ctx)
	if err != nil {
		h.logger.Error("dead-instance sweep failed", zap.Error(err))
		return
	}
	if len(inactive.Clients) == 0 && len(inactive.Rooms) == 0 {
		return
	}

	h.logger.Info("reclaiming state from dead instances",
		zap.Int("clients", len(inactive.Clients)),
		zap.Int("rooms", len(inactive.Rooms)))

	reported := make(map[string]struct{}, len(inactive.Rooms))
	for _, uid := range inactive.Rooms {
		reported[uid] = struct{}{}
	}

	for _, room := range h.manager.Rooms() {
		room.EvictClients(ctx, inactive.Clients)
		// A drafted-but-empty room normally survives so its author can
		// rejoin, but when the room was owned by a dead instance that
		// author is gone for good.
		_, orphaned := reported[room.UID()]
		if room.Close() || (orphaned && room.Empty()) {
			h.manager.RemoveRoom(ctx, room.UID())
			if h.metrics != nil {
				h.metrics.RoomClosed()
			}
		}
	}
	for _, id := range inactive.Clients {
		h.manager.UntrackClient(id, "")
	}
}

// localCleanup reconciles the local rosters against the global client
// registry and retires empty rooms.
func (h *Handler) localCleanup(ctx context.Context) {
	global, err := h.msgr.GetGlobalClients(ctx)
	if err != nil {
		h.logger.Error("failed to list global clients", zap.Error(err))
		return
	}

	known := make(map[string]struct{}, len(global))
	for _, id := range global {
		known[id] = struct{}{}
	}

	for _, room := range h.manager.Rooms() {
		var gone []string
		for _, id := range room.LocalClients() {
			if _, ok := known[id]; !ok {
				gone = append(gone, id)
			}
		}
		if len(gone) > 0 {
			room.EvictClients(ctx, gone)
			for _, id := range gone {
				h.manager.UntrackClient(id, "")
			}
		}
	}

	if removed := h.manager.CleanupRooms(ctx); removed > 0 && h.metrics != nil {
		for i := 0; i < removed; i++ {
			h.metrics.RoomClosed()
		}
	}
}

func (h *Handler) sendError(ctx context.Context, clientID string, err error) {
	perr := new(Error)
	if !errors.As(err, &perr) {
		perr = NewInternal()
	}

	if h.metrics != nil {
		h.metrics.CollabError(perr.Code)
	}
	payload := &ErrorPayload{Action: cnst.ServerActionError, Error: perr}
	if sendErr := h.msgr.SendClient(ctx, clientID, payload); sendErr != nil {
		h.logger.Warn("failed to deliver error",
			zap.String("client", clientID),
			zap.Error(sendErr))
	}
}

func actionOf(msg ClientMessage) string {
	switch msg.(type) {
	case *JoinMessage:
		return string(cnst.ClientActionJoin)
	case *LeaveMessage:
		return string(cnst.ClientActionLeave)
	case *FocusMessage:
		return string(cnst.ClientActionFocus)
	case *UpdateMessage:
		return string(cnst.ClientActionUpdate)
	case *UpdateAllMessage:
		return string(cnst.ClientActionUpdateAll)
	case *DiscardMessage:
		return string(cnst.ClientActionDiscard)
	}
	return "unknown"
}

func keysOf(changes map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	return keys
}

// savedValues extracts the changed field values from an event payload
func savedValues(payload json.RawMessage) map[string]json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil
	}
	return values
}
