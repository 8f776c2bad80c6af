package board

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEvent marks a protocol violation. It is fatal to the connection
// that sent the event.
var ErrInvalidEvent = errors.New("invalid event")

type EventKind string

const (
	EventAdd    EventKind = "add"
	EventPatch  EventKind = "patch"
	EventDelete EventKind = "delete"
)

// Event is a client mutation request. Object is set for add and delete;
// ID, Key, Old and New are set for patch. UniqueTimestamp and RequestedBy
// are filled in by the room before the event is applied.
type Event struct {
	Kind   EventKind
	Object *Object
	ID     string
	Key    string
	Old    any
	New    any

	UniqueTimestamp int64
	RequestedBy     string
}

type rawEvent struct {
	Kind   *EventKind      `json:"kind"`
	Object json.RawMessage `json:"object"`
	ID     *string         `json:"id"`
	Key    *string         `json:"key"`
	Value  *struct {
		Old json.RawMessage `json:"old"`
		New json.RawMessage `json:"new"`
	} `json:"value"`
}

// ParseEvent decodes one inbound frame. Unknown kinds, missing per-kind
// fields and schema-invalid objects all return an error wrapping
// ErrInvalidEvent.
func ParseEvent(data []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw rawEvent
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if raw.Kind == nil {
		return nil, fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}

	ev := &Event{Kind: *raw.Kind}
	switch ev.Kind {
	case EventAdd, EventDelete:
		if raw.ID != nil || raw.Key != nil || raw.Value != nil {
			return nil, fmt.Errorf("%w: %s carries patch fields", ErrInvalidEvent, ev.Kind)
		}
		if len(raw.Object) == 0 {
			return nil, fmt.Errorf("%w: %s needs an object", ErrInvalidEvent, ev.Kind)
		}
		obj, err := ParseObject(raw.Object)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		ev.Object = obj
	case EventPatch:
		if len(raw.Object) != 0 {
			return nil, fmt.Errorf("%w: patch carries an object", ErrInvalidEvent)
		}
		if raw.ID == nil || *raw.ID == "" || raw.Key == nil || *raw.Key == "" || raw.Value == nil {
			return nil, fmt.Errorf("%w: patch needs id, key and value", ErrInvalidEvent)
		}
		ev.ID, ev.Key = *raw.ID, *raw.Key

		var err error
		if ev.Old, err = decodeValue(raw.Value.Old); err != nil {
			return nil, fmt.Errorf("%w: value.old: %v", ErrInvalidEvent, err)
		}
		if ev.New, err = decodeValue(raw.Value.New); err != nil {
			return nil, fmt.Errorf("%w: value.new: %v", ErrInvalidEvent, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}

	return ev, nil
}

// Response kinds emitted by the object store.
const (
	ResponseUpsert = "upsert"
	ResponseDelete = "delete"
)

// Response is a server-to-client notification derived from an applied event.
type Response struct {
	Kind   string  `json:"kind"`
	Object *Object `json:"object,omitempty"`
	ID     string  `json:"id,omitempty"`
}

// Recipient selects who receives a Response.
type Recipient string

const (
	ToSelf   Recipient = "self"
	ToOthers Recipient = "others"
)

type Delivery struct {
	Event Response
	To    Recipient
}

// Status is the outcome of applying one event.
type Status int

const (
	// Applied means the mutation was persisted and Deliveries must be sent.
	Applied Status = iota
	// Conflict means the optimistic check lost a race. Nothing changed and
	// nobody is notified.
	Conflict
	// Invalid means the event violated the protocol; Reason says how.
	Invalid
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Conflict:
		return "conflict"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Result struct {
	Status     Status
	Deliveries []Delivery
	Reason     string
}

func applied(deliveries ...Delivery) Result {
	return Result{Status: Applied, Deliveries: deliveries}
}

func conflict() Result {
	return Result{Status: Conflict}
}

func invalid(format string, args ...any) Result {
	return Result{Status: Invalid, Reason: fmt.Sprintf(format, args...)}
}
