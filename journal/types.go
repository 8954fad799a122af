package journal

import (
	"strings"
	"time"

	"golang.org/x/xerrors"
)

var (
	// DefaultDisabledEvents lists the journal events disabled by
	// default, usually because they are considered noisy.
	DefaultDisabledEvents = DisabledEvents{
		EventType{System: "taskmgr", Event: "task_updated"},
	}
)

// DisabledEvents is the set of event types whose journaling is suppressed.
type DisabledEvents []EventType

// ParseDisabledEvents parses a string of the form: "system1:event1,system1:event2[,...]"
// into a DisabledEvents object, returning an error if the string failed to parse.
//
// It sanitizes strings via strings.TrimSpace.
func ParseDisabledEvents(s string) (DisabledEvents, error) {
	s = strings.TrimSpace(s)
	ret := DisabledEvents{}
	if len(s) == 0 {
		return ret, nil
	}
	for _, evt := range strings.Split(s, ",") {
		evt = strings.TrimSpace(evt)
		parts := strings.Split(evt, ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, xerrors.Errorf("invalid event type: %q", evt)
		}
		ret = append(ret, EventType{System: parts[0], Event: parts[1]})
	}
	return ret, nil
}

// EventType represents the signature of an event.
type EventType struct {
	System string
	Event  string

	enabled bool

	// safe is set when the EventType was obtained from a registry.
	safe bool
}

func (et EventType) String() string {
	return et.System + ":" + et.Event
}

// Enabled returns whether this event type is enabled in the journaling
// subsystem. Callers should check this before building an expensive entry.
//
// All event types are enabled by default, and specific event types can only
// be disabled at Journal construction time.
func (et EventType) Enabled() bool {
	return et.safe && et.enabled
}

// Journal represents an audit trail of scheduler actions.
//
// Every entry is tagged with a timestamp, a system name, and an event name.
// The supplied data can be any JSON serializable value.
type Journal interface {
	EventTypeRegistry

	// RecordEvent records this event to the journal, if and only if the
	// EventType is enabled. If so, it calls the supplier function to obtain
	// the payload to record.
	//
	// Implementations MUST recover from panics raised by the supplier function.
	RecordEvent(evtType EventType, supplier func() interface{})

	// Close closes this journal for further writing.
	Close() error
}

// Event represents a journal entry.
type Event struct {
	EventType

	Timestamp time.Time
	Data      interface{}
}
