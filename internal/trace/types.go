// Package trace collects and serializes runtime events (invokes,
// callback dispatches, faults, returns) into replayable sessions. Each
// session is tagged with a UUID so multiple recorded runs can be told
// apart on disk; events serialize through protobuf's well-known
// structpb/timestamppb types rather than a hand-authored wire format,
// since this package has no generated .proto messages of its own.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Tag categorizes a trace event. Tags are stored without a "#" prefix;
// the prefix is added on rendering.
type Tag string

const (
	Init             Tag = "init"
	Invoke           Tag = "invoke"
	CallbackDispatch Tag = "callback"
	Fault            Tag = "fault"
	Return           Tag = "return"
	Interrupt        Tag = "interrupt"
)

// Tags is a collection of Tag with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with a "#" prefix, for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag, or "" if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata attached to a trace event.
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) { a[k] = v }

// Get retrieves an annotation value.
func (a Annotations) Get(k string) string { return a[k] }

// Event records one runtime event: an invoke entry, a callback
// dispatch, a fault, or a clean return.
type Event struct {
	PC          uint64
	Tags        Tags
	Name        string
	Detail      string
	Annotations Annotations
	Timestamp   time.Time
}

// NewEvent creates an Event tagged with category, timestamped now.
func NewEvent(pc uint64, category Tag, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{category},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) { e.Tags.Add(tag) }

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations.Set(k, v)
}

// PrimaryTag returns the event's primary tag with a "#" prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// ToStruct renders the event as a structpb.Struct, suitable for
// embedding in any protobuf message (or for direct JSON-ish
// serialization via protojson) without this package needing its own
// generated .proto schema.
func (e *Event) ToStruct() (*structpb.Struct, error) {
	fields := map[string]any{
		"pc":        float64(e.PC),
		"tags":      e.Tags.Strings(),
		"name":      e.Name,
		"detail":    e.Detail,
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
	}
	if len(e.Annotations) > 0 {
		ann := make(map[string]any, len(e.Annotations))
		for k, v := range e.Annotations {
			ann[k] = v
		}
		fields["annotations"] = ann
	}
	return structpb.NewStruct(fields)
}

// ToTimestamp renders the event's timestamp as a timestamppb.Timestamp.
func (e *Event) ToTimestamp() *timestamppb.Timestamp {
	return timestamppb.New(e.Timestamp)
}

// DefaultEnricher adds supplementary tags and annotations based on an
// event's primary category.
func DefaultEnricher(e *Event) {
	if len(e.Tags) == 0 {
		return
	}
	switch e.Tags[0] {
	case Fault:
		e.Annotate("severity", "fatal")
	case CallbackDispatch:
		e.AddTag(Interrupt)
	}
}

// Session is one recorded invoke/execute run, identified by a UUID so
// multiple dumped sessions can be distinguished on disk or compared in
// the replay TUI.
type Session struct {
	ID uuid.UUID

	mu     sync.Mutex
	events []*Event
}

// NewSession starts a fresh, empty recording session.
func NewSession() *Session {
	return &Session{ID: uuid.New()}
}

// Record appends e to the session.
func (s *Session) Record(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a snapshot of the recorded events in order.
func (s *Session) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event{}, s.events...)
}

// OnEvent adapts Record to the signature internal/log.Logger.SetOnEvent
// expects, so a Session can be wired directly into the logger as its
// trace callback.
func (s *Session) OnEvent(pc uint64, category, name, detail string) {
	e := NewEvent(pc, Tag(category), name, detail)
	DefaultEnricher(e)
	s.Record(e)
}
