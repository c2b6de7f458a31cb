package torch

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	domain "github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/journal"
)

// EventType classifies streamed events.
type EventType string

const (
	// EventState carries current and max intensity.
	EventState EventType = "state"
	// EventError carries an error kind.
	EventError EventType = "error"
	// EventOwner carries an owner-needed change.
	EventOwner EventType = "owner"
)

// Event is one message of the Watch stream.
type Event struct {
	Type           EventType
	At             time.Time
	Current        int
	Max            int
	Error          domain.ErrorKind
	NeedResource   bool
	NeedForeground bool
}

// SnapshotToStruct encodes a session snapshot.
func SnapshotToStruct(s domain.Snapshot) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"resource_id":       structpb.NewStringValue(s.ResourceID),
		"state":             structpb.NewStringValue(s.State.String()),
		"current":           structpb.NewNumberValue(float64(s.Current)),
		"desired":           structpb.NewNumberValue(float64(s.Desired)),
		"max":               structpb.NewNumberValue(float64(s.Max)),
		"on":                structpb.NewBoolValue(s.IsOn()),
		"owner_needed":      structpb.NewBoolValue(s.OwnerNeeded),
		"primary":           structpb.NewStringValue(s.Primary),
		"additional_owners": structpb.NewNumberValue(float64(s.AdditionalOwners)),
		"keep_alive":        structpb.NewBoolValue(s.KeepAlive),
	}}
}

// SnapshotFromStruct decodes a snapshot produced by SnapshotToStruct.
func SnapshotFromStruct(doc *structpb.Struct) domain.Snapshot {
	f := doc.GetFields()

	return domain.Snapshot{
		ResourceID:       f["resource_id"].GetStringValue(),
		State:            domain.ParseState(f["state"].GetStringValue()),
		Current:          intField(f, "current"),
		Desired:          intField(f, "desired"),
		Max:              intField(f, "max"),
		OwnerNeeded:      f["owner_needed"].GetBoolValue(),
		Primary:          f["primary"].GetStringValue(),
		AdditionalOwners: intField(f, "additional_owners"),
		KeepAlive:        f["keep_alive"].GetBoolValue(),
	}
}

// EventToStruct encodes a stream event. Only fields relevant to the type are set.
func EventToStruct(e Event) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"type": structpb.NewStringValue(string(e.Type)),
		"at":   structpb.NewStringValue(e.At.UTC().Format(time.RFC3339Nano)),
	}

	switch e.Type {
	case EventState:
		fields["current"] = structpb.NewNumberValue(float64(e.Current))
		fields["max"] = structpb.NewNumberValue(float64(e.Max))
	case EventError:
		fields["error"] = structpb.NewStringValue(e.Error.String())
		fields["recoverable"] = structpb.NewBoolValue(e.Error.Recoverable())
	case EventOwner:
		fields["need_resource"] = structpb.NewBoolValue(e.NeedResource)
		fields["need_foreground"] = structpb.NewBoolValue(e.NeedForeground)
	}

	return &structpb.Struct{Fields: fields}
}

// EventFromStruct decodes an event produced by EventToStruct.
func EventFromStruct(doc *structpb.Struct) Event {
	f := doc.GetFields()

	e := Event{
		Type:           EventType(f["type"].GetStringValue()),
		Current:        intField(f, "current"),
		Max:            intField(f, "max"),
		NeedResource:   f["need_resource"].GetBoolValue(),
		NeedForeground: f["need_foreground"].GetBoolValue(),
	}

	if raw := f["error"].GetStringValue(); raw != "" {
		e.Error = domain.ParseErrorKind(raw)
	}

	if ts, err := time.Parse(time.RFC3339Nano, f["at"].GetStringValue()); err == nil {
		e.At = ts
	}

	return e
}

// EntriesToStruct encodes journal entries as {"events": [...]}.
func EntriesToStruct(entries []journal.Entry) *structpb.Struct {
	list := make([]*structpb.Value, 0, len(entries))

	for _, e := range entries {
		fields := EventToStruct(Event{
			Type:           EventType(e.Kind),
			At:             e.At,
			Current:        e.Current,
			Max:            e.Max,
			Error:          e.Error,
			NeedResource:   e.NeedResource,
			NeedForeground: e.NeedForeground,
		}).GetFields()
		fields["id"] = structpb.NewNumberValue(float64(e.ID))

		list = append(list, structpb.NewStructValue(&structpb.Struct{Fields: fields}))
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"events": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

// EntriesFromStruct decodes a document produced by EntriesToStruct.
func EntriesFromStruct(doc *structpb.Struct) []journal.Entry {
	values := doc.GetFields()["events"].GetListValue().GetValues()
	entries := make([]journal.Entry, 0, len(values))

	for _, v := range values {
		item := v.GetStructValue()
		e := EventFromStruct(item)

		entries = append(entries, journal.Entry{
			ID:             int64(item.GetFields()["id"].GetNumberValue()),
			At:             e.At,
			Kind:           journal.Kind(e.Type),
			Current:        e.Current,
			Max:            e.Max,
			Error:          e.Error,
			NeedResource:   e.NeedResource,
			NeedForeground: e.NeedForeground,
		})
	}

	return entries
}

func intField(fields map[string]*structpb.Value, key string) int {
	return int(fields[key].GetNumberValue())
}
