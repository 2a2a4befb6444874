package sdh

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Event is a set of pending hotplug notifications. Each slot owns two bits:
// Inserted(slot) and Removed(slot).
type Event uint32

// EventAll selects every slot's insert and remove bits.
const EventAll Event = 1<<(2*MaxSlots) - 1

// Inserted returns the insert bit for slot.
func Inserted(slot int) Event {
	if slot < 0 || slot >= MaxSlots {
		return 0
	}
	return 1 << (2 * slot)
}

// Removed returns the remove bit for slot.
func Removed(slot int) Event {
	if slot < 0 || slot >= MaxSlots {
		return 0
	}
	return 1 << (2*slot + 1)
}

// Has reports whether any bit in mask is set.
func (e Event) Has(mask Event) bool {
	return e&mask != 0
}

// String lists the set bits, e.g. "inserted(0)|removed(1)".
func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	var b strings.Builder
	for slot := 0; slot < MaxSlots; slot++ {
		for _, ev := range [...]struct {
			bit  Event
			name string
		}{{Inserted(slot), "inserted("}, {Removed(slot), "removed("}} {
			if e&ev.bit == 0 {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('|')
			}
			b.WriteString(ev.name)
			b.WriteString(strconv.Itoa(slot))
			b.WriteByte(')')
		}
	}
	return b.String()
}

// EventSet is a coalescing set of pending events shared between interrupt
// context and the hotplug task.
//
// Post never blocks and never fails. Posting a bit that is already pending
// is a no-op, so bursts of the same event collapse into one. The set has a
// single consumer.
type EventSet struct {
	mu      sync.Mutex
	pending Event
	wake    chan struct{}
}

// NewEventSet creates an empty event set.
func NewEventSet() *EventSet {
	return &EventSet{wake: make(chan struct{}, 1)}
}

// Post merges e into the pending set and wakes the consumer.
func (s *EventSet) Post(e Event) {
	if e == 0 {
		return
	}
	s.mu.Lock()
	s.pending |= e
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the pending set without clearing it.
func (s *EventSet) Pending() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// TakeAny clears and returns the pending bits in mask without blocking.
func (s *EventSet) TakeAny(mask Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.pending & mask
	s.pending &^= matched
	return matched
}

// WaitAny blocks until at least one bit in mask is pending, then clears and
// returns the matched bits. A post that happens before the call is always
// observed. It returns early only when ctx is done.
func (s *EventSet) WaitAny(ctx context.Context, mask Event) (Event, error) {
	for {
		if matched := s.TakeAny(mask); matched != 0 {
			return matched, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.wake:
		}
	}
}
