package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/messenger"
	"github.com/synclab/collabd/internal/permissions"
)

// roomOp is the replication payload carried by room signals between
// instances. Each instance applies the op to its own replica and forwards
// the resulting broadcast to its locally-connected participants.
type roomOp struct {
	Client string          `json:"client,omitempty"`
	Color  string          `json:"color,omitempty"`
	Field  *string         `json:"field,omitempty"`
	Fields []string        `json:"fields,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

type participantState struct {
	color    string
	lastSeen time.Time
}

// Room is one live collaborative session scoped to (collection, item,
// version). Every instance with a participant holds a replica; mutations
// initiated locally are applied under the room lock, broadcast to local
// participants in the same critical section, and published to peers.
type Room struct {
	logger *zap.Logger
	msgr   messenger.Messenger
	perms  *permissions.Service

	uid        string
	collection string
	item       *string
	version    *string

	mu           sync.Mutex
	participants map[string]*participantState
	local        map[string]*Client
	focus        map[string]string          // field -> holding client id
	changes      map[string]json.RawMessage // field -> last applied value
	closed       bool
}

func newRoom(logger *zap.Logger, msgr messenger.Messenger, perms *permissions.Service, uid, collection string, item, version *string, initialChanges map[string]json.RawMessage) *Room {
	changes := make(map[string]json.RawMessage, len(initialChanges))
	for field, value := range initialChanges {
		changes[field] = value
	}

	return &Room{
		logger:       logger.Named("room").With(zap.String("room", uid)),
		msgr:         msgr,
		perms:        perms,
		uid:          uid,
		collection:   collection,
		item:         item,
		version:      version,
		participants: make(map[string]*participantState),
		local:        make(map[string]*Client),
		focus:        make(map[string]string),
		changes:      changes,
	}
}

// UID returns the room's identity key hash
func (r *Room) UID() string { return r.uid }

// Collection returns the collection this room edits
func (r *Room) Collection() string { return r.collection }

// Item returns the item key, nil for singleton collections
func (r *Room) Item() *string { return r.item }

// Version returns the draft version id, nil for main-version rooms
func (r *Room) Version() *string { return r.version }

// Closed reports whether the room has been marked for removal
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// HasClient reports membership. Every handler checks this before acting on
// a room reference, since a client may race a disconnect against an
// in-flight action.
func (r *Room) HasClient(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[id]
	return ok
}

// LocalClients returns the ids of participants connected to this instance
func (r *Room) LocalClients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	return ids
}

// Join adds the client to the roster, announces it to existing participants
// and sends the joiner the full current state narrowed to readFields.
func (r *Room) Join(ctx context.Context, client *Client, requestedColor string, readFields []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return cnst.ErrRoomNotFound
	}

	color := r.assignColor(requestedColor)
	r.participants[client.ID] = &participantState{color: color, lastSeen: time.Now()}
	r.local[client.ID] = client

	r.deliverLocal(ctx, client.ID, &JoinPayload{
		Action: cnst.ServerActionJoin,
		Room:   r.uid,
		Client: client.ID,
		Color:  color,
	})
	r.publish(ctx, string(cnst.ServerActionJoin), &roomOp{Client: client.ID, Color: color})

	init := &InitPayload{
		Action:       cnst.ServerActionInit,
		Room:         r.uid,
		Collection:   r.collection,
		Item:         r.item,
		Version:      r.version,
		Participants: r.roster(),
		Focus:        make(map[string]string),
		Changes:      make(map[string]json.RawMessage),
	}
	for field, holder := range r.focus {
		if permissions.IsFieldAllowed(readFields, field) {
			init.Focus[field] = holder
		}
	}
	for field, value := range r.changes {
		if permissions.IsFieldAllowed(readFields, field) {
			init.Changes[field] = value
		}
	}

	return r.msgr.SendClient(ctx, client.ID, init)
}

// Leave removes the client, releases every field it holds and announces the
// departure.
func (r *Room) Leave(ctx context.Context, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[clientID]; !ok {
		return
	}
	r.removeParticipant(clientID)

	r.deliverLocal(ctx, clientID, &LeavePayload{
		Action: cnst.ServerActionLeave,
		Room:   r.uid,
		Client: clientID,
	})
	r.publish(ctx, string(cnst.ServerActionLeave), &roomOp{Client: clientID})
}

// Focus grants the client an exclusive claim on field, or releases all of
// the client's claims when field is nil. Returns false without any state
// change when another client already holds the field.
func (r *Room) Focus(ctx context.Context, client *Client, field *string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if field != nil {
		if holder, held := r.focus[*field]; held && holder != client.ID {
			return false
		}
		r.focus[*field] = client.ID
	} else {
		for f, holder := range r.focus {
			if holder == client.ID {
				delete(r.focus, f)
			}
		}
	}
	r.touch(client.ID)

	r.deliverFocus(ctx, client.ID, field)
	r.publish(ctx, string(cnst.ServerActionFocus), &roomOp{Client: client.ID, Field: field})
	return true
}

// Update merges a field value into the pending buffer and broadcasts it to
// every other participant allowed to read the field. Focus is acquired on
// the caller's behalf; the update fails atomically when another client
// holds the field.
func (r *Room) Update(ctx context.Context, client *Client, field string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, held := r.focus[field]; held && holder != client.ID {
		return NewForbidden("field is focused by another user")
	}
	r.focus[field] = client.ID
	r.changes[field] = value
	r.touch(client.ID)

	r.deliverUpdate(ctx, client.ID, field, value)
	r.publish(ctx, string(cnst.ServerActionUpdate), &roomOp{Client: client.ID, Field: &field, Value: value})
	return nil
}

// Unset clears a field's pending value and releases its holder. Unsetting
// never acquires focus, so an unheld field can be cleared by anyone, but a
// field another client is actively holding cannot be pulled out from under
// them.
func (r *Room) Unset(ctx context.Context, client *Client, field string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, held := r.focus[field]; held && holder != client.ID {
		return NewForbidden("field is focused by another user")
	}
	delete(r.changes, field)
	delete(r.focus, field)
	r.touch(client.ID)

	r.deliverUpdate(ctx, client.ID, field, nil)
	r.publish(ctx, string(cnst.ServerActionUpdate), &roomOp{Client: client.ID, Field: &field})
	return nil
}

// Discard drops pending values for the given fields (or all pending fields
// for "*"), releases their holders and announces the rollback.
func (r *Room) Discard(ctx context.Context, fields []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields = r.expandFields(fields)
	if len(fields) == 0 {
		return
	}
	for _, field := range fields {
		delete(r.changes, field)
		delete(r.focus, field)
	}

	r.deliverDiscard(ctx, fields)
	r.publish(ctx, string(cnst.ServerActionDiscard), &roomOp{Fields: fields})
}

// HandleSaved reconciles the room after the underlying record was
// authoritatively written: a saved field stops being pending and its focus
// is released, unless the buffer already holds a newer value for it. Every
// instance receives the domain event, so the mutation is local only.
func (r *Room) HandleSaved(ctx context.Context, values map[string]json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for field, saved := range values {
		if pending, ok := r.changes[field]; ok && !bytes.Equal(pending, saved) {
			continue
		}
		delete(r.changes, field)
		delete(r.focus, field)
	}

	for id, client := range r.local {
		payload := &SavePayload{
			Action: cnst.ServerActionSave,
			Room:   r.uid,
			Values: r.narrowValues(ctx, client, values),
		}
		if err := r.msgr.SendClient(ctx, id, payload); err != nil {
			r.logger.Warn("failed to deliver save notice",
				zap.String("client", id),
				zap.Error(err))
		}
	}
}

// HandleDeleted closes the room after the underlying record was deleted.
// Every instance receives the domain event, so the mutation is local only.
func (r *Room) HandleDeleted(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliverLocal(ctx, "", &DeletePayload{
		Action: cnst.ServerActionDelete,
		Room:   r.uid,
	})

	r.closed = true
	r.participants = make(map[string]*participantState)
	r.local = make(map[string]*Client)
	r.focus = make(map[string]string)
	r.changes = make(map[string]json.RawMessage)
}

// EvictClients removes clients reported dead by the cluster cleanup. Each
// live instance evicts from its own replica, so nothing is published.
func (r *Room) EvictClients(ctx context.Context, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.participants[id]; !ok {
			continue
		}
		r.removeParticipant(id)
		r.deliverLocal(ctx, id, &LeavePayload{
			Action: cnst.ServerActionLeave,
			Room:   r.uid,
			Client: id,
		})
	}
}

// Close marks the room for removal only when the roster is empty and no
// pending changes remain, so the caller can distinguish "already
// reclaimable" from "still active". An empty room holding a draft survives
// local sweeps so its author can rejoin.
func (r *Room) Close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) > 0 || len(r.changes) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Empty reports whether the roster has no participants
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants) == 0
}

// Apply integrates a peer instance's mutation into this replica and
// forwards the broadcast to local participants. Signals originating from
// this instance were already applied synchronously and are skipped.
func (r *Room) Apply(ctx context.Context, signal messenger.RoomSignal) {
	if signal.Origin == r.msgr.UID() {
		return
	}

	if signal.Action == messenger.RoomSignalClose {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		return
	}

	var op roomOp
	if len(signal.Payload) > 0 {
		if err := json.Unmarshal(signal.Payload, &op); err != nil {
			r.logger.Error("failed to unmarshal room op", zap.Error(err))
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch cnst.ServerAction(signal.Action) {
	case cnst.ServerActionJoin:
		r.participants[op.Client] = &participantState{color: op.Color, lastSeen: time.Now()}
		r.deliverLocal(ctx, op.Client, &JoinPayload{
			Action: cnst.ServerActionJoin,
			Room:   r.uid,
			Client: op.Client,
			Color:  op.Color,
		})

	case cnst.ServerActionLeave:
		r.removeParticipant(op.Client)
		r.deliverLocal(ctx, op.Client, &LeavePayload{
			Action: cnst.ServerActionLeave,
			Room:   r.uid,
			Client: op.Client,
		})

	case cnst.ServerActionFocus:
		if op.Field != nil {
			r.focus[*op.Field] = op.Client
		} else {
			for f, holder := range r.focus {
				if holder == op.Client {
					delete(r.focus, f)
				}
			}
		}
		r.deliverFocus(ctx, op.Client, op.Field)

	case cnst.ServerActionUpdate:
		if op.Field == nil {
			return
		}
		if op.Value != nil {
			r.focus[*op.Field] = op.Client
			r.changes[*op.Field] = op.Value
		} else {
			delete(r.changes, *op.Field)
			delete(r.focus, *op.Field)
		}
		r.deliverUpdate(ctx, op.Client, *op.Field, op.Value)

	case cnst.ServerActionDiscard:
		for _, field := range op.Fields {
			delete(r.changes, field)
			delete(r.focus, field)
		}
		r.deliverDiscard(ctx, op.Fields)
	}
}

// focusedBy returns the fields currently held by the client. Test helper.
func (r *Room) focusedBy(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fields []string
	for field, holder := range r.focus {
		if holder == clientID {
			fields = append(fields, field)
		}
	}
	return fields
}

// pendingValue returns the buffered value for a field. Test helper.
func (r *Room) pendingValue(field string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.changes[field]
	return v, ok
}

// Callers below hold r.mu.

func (r *Room) removeParticipant(clientID string) {
	delete(r.participants, clientID)
	delete(r.local, clientID)
	for field, holder := range r.focus {
		if holder == clientID {
			delete(r.focus, field)
		}
	}
}

func (r *Room) roster() []Participant {
	roster := make([]Participant, 0, len(r.participants))
	for id, p := range r.participants {
		roster = append(roster, Participant{ID: id, Color: p.color})
	}
	return roster
}

func (r *Room) assignColor(requested string) string {
	used := make(map[string]struct{}, len(r.participants))
	for _, p := range r.participants {
		used[p.color] = struct{}{}
	}

	if requested != "" {
		if _, taken := used[requested]; !taken {
			return requested
		}
	}
	for _, color := range cnst.Colors {
		if _, taken := used[color]; !taken {
			return color
		}
	}
	return cnst.Colors[len(r.participants)%len(cnst.Colors)]
}

func (r *Room) touch(clientID string) {
	if p, ok := r.participants[clientID]; ok {
		p.lastSeen = time.Now()
	}
}

func (r *Room) expandFields(fields []string) []string {
	for _, f := range fields {
		if f == "*" {
			all := make([]string, 0, len(r.changes))
			for field := range r.changes {
				all = append(all, field)
			}
			return all
		}
	}
	return fields
}

// deliverLocal sends the payload to every locally-connected participant
// except the excluded one.
func (r *Room) deliverLocal(ctx context.Context, exclude string, payload any) {
	for id := range r.local {
		if id == exclude {
			continue
		}
		if err := r.msgr.SendClient(ctx, id, payload); err != nil {
			r.logger.Warn("failed to deliver broadcast",
				zap.String("client", id),
				zap.Error(err))
		}
	}
}

// deliverUpdate sends a field change to every other local participant that
// is allowed to read the field. Recipients without read access receive
// nothing at all.
func (r *Room) deliverUpdate(ctx context.Context, origin, field string, value json.RawMessage) {
	for id, client := range r.local {
		if id == origin {
			continue
		}
		if !r.canRead(ctx, client, field) {
			continue
		}
		payload := &UpdatePayload{
			Action: cnst.ServerActionUpdate,
			Room:   r.uid,
			Client: origin,
			Field:  field,
			Value:  value,
		}
		if err := r.msgr.SendClient(ctx, id, payload); err != nil {
			r.logger.Warn("failed to deliver update",
				zap.String("client", id),
				zap.Error(err))
		}
	}
}

// deliverFocus sends a holder change to every other local participant; a
// claim on a specific field goes only to participants who may read it,
// while a release (nil field) goes to everyone.
func (r *Room) deliverFocus(ctx context.Context, origin string, field *string) {
	for id, client := range r.local {
		if id == origin {
			continue
		}
		if field != nil && !r.canRead(ctx, client, *field) {
			continue
		}
		payload := &FocusPayload{
			Action: cnst.ServerActionFocus,
			Room:   r.uid,
			Client: origin,
			Field:  field,
		}
		if err := r.msgr.SendClient(ctx, id, payload); err != nil {
			r.logger.Warn("failed to deliver focus notice",
				zap.String("client", id),
				zap.Error(err))
		}
	}
}

// deliverDiscard announces cleared fields, with the field list narrowed to
// what each recipient may read.
func (r *Room) deliverDiscard(ctx context.Context, fields []string) {
	for id, client := range r.local {
		narrowed := make([]string, 0, len(fields))
		for _, field := range fields {
			if r.canRead(ctx, client, field) {
				narrowed = append(narrowed, field)
			}
		}
		if len(narrowed) == 0 {
			continue
		}
		payload := &DiscardPayload{
			Action: cnst.ServerActionDiscard,
			Room:   r.uid,
			Fields: narrowed,
		}
		if err := r.msgr.SendClient(ctx, id, payload); err != nil {
			r.logger.Warn("failed to deliver discard notice",
				zap.String("client", id),
				zap.Error(err))
		}
	}
}

func (r *Room) narrowValues(ctx context.Context, client *Client, values map[string]json.RawMessage) map[string]json.RawMessage {
	narrowed := make(map[string]json.RawMessage, len(values))
	for field, value := range values {
		if r.canRead(ctx, client, field) {
			narrowed[field] = value
		}
	}
	return narrowed
}

func (r *Room) canRead(ctx context.Context, client *Client, field string) bool {
	fields, err := r.perms.Verify(ctx, client.Accountability, r.collection, r.item, cnst.PermissionActionRead)
	if err != nil {
		r.logger.Error("read permission check failed",
			zap.String("client", client.ID),
			zap.String("field", field),
			zap.Error(err))
		return false
	}
	return permissions.IsFieldAllowed(fields, field)
}

func (r *Room) publish(ctx context.Context, action string, op *roomOp) {
	payload, err := json.Marshal(op)
	if err != nil {
		r.logger.Error("failed to marshal room op", zap.Error(err))
		return
	}

	signal := messenger.RoomSignal{
		Room:    r.uid,
		Action:  action,
		Origin:  r.msgr.UID(),
		Payload: payload,
	}
	if err := r.msgr.SendRoom(ctx, signal); err != nil {
		r.logger.Warn("failed to publish room op",
			zap.String("op", action),
			zap.Error(err))
	}
}
