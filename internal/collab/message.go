package collab

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/synclab/collabd/internal/common/cnst"
)

// ClientMessage is the closed set of actions a client may request. Adding a
// new action means adding a variant here and a case to the handler's
// dispatch, both checked at compile time.
type ClientMessage interface {
	isClientMessage()
}

// JoinMessage requests entry into the room for (collection, item, version).
// A nil item addresses a singleton collection. InitialChanges seed the
// room's pending buffer and must pass write authorization in full.
type JoinMessage struct {
	Collection     string                     `json:"collection"`
	Item           *string                    `json:"item,omitempty"`
	Version        *string                    `json:"version,omitempty"`
	Color          string                     `json:"color,omitempty"`
	InitialChanges map[string]json.RawMessage `json:"initialChanges,omitempty"`
}

// LeaveMessage leaves one room, or every room when Room is empty
type LeaveMessage struct {
	Room string `json:"room,omitempty"`
}

// FocusMessage claims a field, or releases all claims when Field is nil
type FocusMessage struct {
	Room  string  `json:"room"`
	Field *string `json:"field,omitempty"`
}

// UpdateMessage submits one field value. A nil Changes payload is an unset:
// it clears the pending value and releases the field. Unsetting never
// acquires focus, but a field held by another client is rejected.
type UpdateMessage struct {
	Room    string          `json:"room"`
	Field   string          `json:"field"`
	Changes json.RawMessage `json:"changes,omitempty"`
}

// UpdateAllMessage submits a batch of field values
type UpdateAllMessage struct {
	Room    string                     `json:"room"`
	Changes map[string]json.RawMessage `json:"changes"`
}

// DiscardMessage drops pending values for the given fields; "*" means all
type DiscardMessage struct {
	Room   string   `json:"room"`
	Fields []string `json:"fields"`
}

func (*JoinMessage) isClientMessage()      {}
func (*LeaveMessage) isClientMessage()     {}
func (*FocusMessage) isClientMessage()     {}
func (*UpdateMessage) isClientMessage()    {}
func (*UpdateAllMessage) isClientMessage() {}
func (*DiscardMessage) isClientMessage()   {}

// ParseClientMessage decodes a raw client frame into its typed variant
func ParseClientMessage(data []byte) (ClientMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, NewInvalidPayload("message is not valid JSON")
	}

	action := gjson.GetBytes(data, "action")
	if !action.Exists() {
		return nil, NewInvalidPayload("message has no action")
	}

	var (
		msg ClientMessage
		err error
	)

	switch cnst.ClientAction(action.String()) {
	case cnst.ClientActionJoin:
		m := &JoinMessage{}
		if err = json.Unmarshal(data, m); err == nil && m.Collection == "" {
			err = fmt.Errorf("join requires a collection")
		}
		msg = m
	case cnst.ClientActionLeave:
		m := &LeaveMessage{}
		err = json.Unmarshal(data, m)
		msg = m
	case cnst.ClientActionFocus:
		m := &FocusMessage{}
		if err = json.Unmarshal(data, m); err == nil && m.Room == "" {
			err = fmt.Errorf("focus requires a room")
		}
		msg = m
	case cnst.ClientActionUpdate:
		m := &UpdateMessage{}
		if err = json.Unmarshal(data, m); err == nil {
			if m.Room == "" {
				err = fmt.Errorf("update requires a room")
			} else if m.Field == "" {
				err = fmt.Errorf("update requires a field")
			}
		}
		msg = m
	case cnst.ClientActionUpdateAll:
		m := &UpdateAllMessage{}
		if err = json.Unmarshal(data, m); err == nil && m.Room == "" {
			err = fmt.Errorf("updateAll requires a room")
		}
		msg = m
	case cnst.ClientActionDiscard:
		m := &DiscardMessage{}
		if err = json.Unmarshal(data, m); err == nil {
			if m.Room == "" {
				err = fmt.Errorf("discard requires a room")
			} else if len(m.Fields) == 0 {
				err = fmt.Errorf("discard requires fields")
			}
		}
		msg = m
	default:
		return nil, NewInvalidPayload(fmt.Sprintf("unknown action %q", action.String()))
	}

	if err != nil {
		return nil, NewInvalidPayload(err.Error())
	}
	return msg, nil
}

// Participant is the roster entry broadcast to clients
type Participant struct {
	ID    string `json:"id"`
	Color string `json:"color"`
}

// Outbound messages. Every broadcast carries its action and room so clients
// can dispatch without context.
type (
	// InitPayload is the full room snapshot sent only to a joining client,
	// narrowed to the fields that client may read.
	InitPayload struct {
		Action       cnst.ServerAction          `json:"action"`
		Room         string                     `json:"room"`
		Collection   string                     `json:"collection"`
		Item         *string                    `json:"item,omitempty"`
		Version      *string                    `json:"version,omitempty"`
		Participants []Participant              `json:"participants"`
		Focus        map[string]string          `json:"focus"`
		Changes      map[string]json.RawMessage `json:"changes"`
	}

	// JoinPayload announces a new participant to the existing roster
	JoinPayload struct {
		Action cnst.ServerAction `json:"action"`
		Room   string            `json:"room"`
		Client string            `json:"client"`
		Color  string            `json:"color"`
	}

	// LeavePayload announces a departing participant
	LeavePayload struct {
		Action cnst.ServerAction `json:"action"`
		Room   string            `json:"room"`
		Client string            `json:"client"`
	}

	// FocusPayload announces a holder change; a nil field means the client
	// released its claims.
	FocusPayload struct {
		Action cnst.ServerAction `json:"action"`
		Room   string            `json:"room"`
		Client string            `json:"client"`
		Field  *string           `json:"field"`
	}

	// UpdatePayload carries one pending field value; a null value is an unset
	UpdatePayload struct {
		Action cnst.ServerAction `json:"action"`
		Room   string            `json:"room"`
		Client string            `json:"client,omitempty"`
		Field  string            `json:"field"`
		Value  json.RawMessage   `json:"value"`
	}

	// DiscardPayload announces cleared fields
	DiscardPayload struct {
		Action cnst.ServerAction `json:"action"`
		Room   string            `json:"room"`
		Fields []string          `json:"fields"`
	}

	// SavePayload announces that the underlying record was authoritatively
	// saved; values are narrowed per recipient.
	SavePayload struct {
		Action cnst.ServerAction          `json:"action"`
		Room   string                     `json:"room"`
		Values map[string]json.RawMessage `json:"values,omitempty"`
	}

	// DeletePayload announces that the underlying record was deleted and the
	// room is closing.
	DeletePayload struct {
		Action cnst.ServerAction `json:"action"`
		Room   string            `json:"room"`
	}

	// ErrorPayload carries a structured error to one client
	ErrorPayload struct {
		Action cnst.ServerAction `json:"action"`
		Error  *Error            `json:"error"`
	}
)
