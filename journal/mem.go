package journal

import (
	"sync"

	"github.com/raulk/clock"
)

// MemJournal keeps every recorded event in memory. It backs the status
// history in tests and short lived tools that have no journal directory.
type MemJournal struct {
	EventTypeRegistry

	clk clock.Clock

	lk     sync.Mutex
	events []Event
}

var _ Journal = (*MemJournal)(nil)

func NewMemJournal(clk clock.Clock, disabled DisabledEvents) *MemJournal {
	return &MemJournal{
		EventTypeRegistry: NewEventTypeRegistry(disabled),
		clk:               clk,
	}
}

func (m *MemJournal) RecordEvent(evtType EventType, supplier func() interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("recovered from panic while recording journal event; type=%s, err=%v", evtType, r)
		}
	}()

	if !evtType.Enabled() {
		return
	}

	evt := Event{
		EventType: evtType,
		Timestamp: m.clk.Now(),
		Data:      supplier(),
	}

	m.lk.Lock()
	m.events = append(m.events, evt)
	m.lk.Unlock()
}

// Events returns a copy of the events recorded so far, optionally filtered to
// the given event names.
func (m *MemJournal) Events(names ...string) []Event {
	m.lk.Lock()
	defer m.lk.Unlock()

	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if len(names) == 0 {
			out = append(out, e)
			continue
		}
		for _, n := range names {
			if e.Event == n {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (m *MemJournal) Close() error {
	return nil
}
