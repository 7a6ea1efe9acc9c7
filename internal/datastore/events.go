package datastore

import (
	"fmt"

	"github.com/plenumd/plenum/internal/model"
)

// EventType enumerates the event kinds the store accepts.
type EventType string

const (
	EventCreate       EventType = "create"
	EventUpdate       EventType = "update"
	EventDeleteFields EventType = "delete_fields"
	EventListUpdate   EventType = "list_update"
	EventDelete       EventType = "delete"
	EventRestore      EventType = "restore"
)

// Event is one entry of a write batch. The populated payload group depends
// on Type:
//   - create/update: Fields
//   - delete_fields: FieldNames
//   - list_update:   Field, Add, Remove
//   - delete/restore: fingerprint only
type Event struct {
	Type       EventType
	FQID       string
	Fields     model.Object
	FieldNames []string
	Field      string
	Add        model.List
	Remove     model.List
}

// Object renders the event as a model.Object for canonical encoding. The
// event stream must be byte-deterministic, so this is the only wire shape.
func (e Event) Object() model.Object {
	obj := model.Object{
		"type": model.String(string(e.Type)),
		"fqid": model.String(e.FQID),
	}
	switch e.Type {
	case EventCreate, EventUpdate:
		obj["fields"] = e.Fields
	case EventDeleteFields:
		obj["fields"] = model.StringList(e.FieldNames...)
	case EventListUpdate:
		obj["field"] = model.String(e.Field)
		obj["add"] = e.Add
		obj["remove"] = e.Remove
	}
	return obj
}

// MarshalJSON encodes the event canonically (sorted keys, NFC, no HTML
// escaping) so a serialized batch is byte-identical across runs.
func (e Event) MarshalJSON() ([]byte, error) {
	return model.MarshalCanonical(e.Object())
}

// MarshalEvents canonically encodes a whole batch.
func MarshalEvents(events []Event) ([]byte, error) {
	list := make(model.List, len(events))
	for i, e := range events {
		list[i] = e.Object()
	}
	return model.MarshalCanonical(list)
}

// DecodeEvent rebuilds an event from its wire object.
func DecodeEvent(obj model.Object) (Event, error) {
	typeStr, ok := obj["type"].(model.String)
	if !ok {
		return Event{}, fmt.Errorf("event missing type")
	}
	fqid, ok := obj["fqid"].(model.String)
	if !ok {
		return Event{}, fmt.Errorf("event missing fqid")
	}
	e := Event{Type: EventType(typeStr), FQID: string(fqid)}
	switch e.Type {
	case EventCreate, EventUpdate:
		fields, ok := obj["fields"].(model.Object)
		if !ok {
			return Event{}, fmt.Errorf("%s event missing fields", e.Type)
		}
		e.Fields = fields
	case EventDeleteFields:
		names, ok := model.Strings(obj["fields"])
		if !ok {
			return Event{}, fmt.Errorf("delete_fields event missing fields")
		}
		e.FieldNames = names
	case EventListUpdate:
		field, ok := obj["field"].(model.String)
		if !ok {
			return Event{}, fmt.Errorf("list_update event missing field")
		}
		e.Field = string(field)
		if add, ok := obj["add"].(model.List); ok {
			e.Add = add
		}
		if remove, ok := obj["remove"].(model.List); ok {
			e.Remove = remove
		}
	case EventDelete, EventRestore:
		// fingerprint only
	default:
		return Event{}, fmt.Errorf("unknown event type %q", typeStr)
	}
	return e, nil
}
