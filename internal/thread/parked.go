package thread

import (
	lru "github.com/hashicorp/golang-lru"

	"ticketdesk/threads/internal/event"
)

const DefaultParkLimit = 512

// parkedSet buffers mutations that reached the engine before the comment they
// target. Entries are coalesced per entity and per field, so only the newest
// content, reaction and attachment state is kept for each id. When more than
// limit entities are waiting the oldest entity is dropped.
type parkedSet struct {
	limit int
	cache *lru.Cache
}

type parkedEntry map[string]event.Event

func newParkedSet(limit int) *parkedSet {
	if limit <= 0 {
		limit = DefaultParkLimit
	}
	return &parkedSet{limit: limit, cache: mustCache(limit)}
}

// Park stores ev, replacing an earlier event for the same field unless the
// earlier one carries a higher revision. It reports whether an entity was
// evicted to make room.
func (p *parkedSet) Park(ev event.Event) bool {
	field := ev.Kind.Field()
	if field == "" || ev.EntityID == "" {
		return false
	}
	entry := parkedEntry{}
	if existing, ok := p.cache.Peek(ev.EntityID); ok {
		entry = existing.(parkedEntry)
	}
	if prev, ok := entry[field]; ok && prev.Revision > ev.Revision {
		return false
	}
	entry[field] = ev
	return p.cache.Add(ev.EntityID, entry)
}

// Take removes and returns the parked events for id in a stable field order.
func (p *parkedSet) Take(id string) []event.Event {
	raw, ok := p.cache.Peek(id)
	if !ok {
		return nil
	}
	p.cache.Remove(id)
	entry := raw.(parkedEntry)
	out := make([]event.Event, 0, len(entry))
	for _, field := range []string{"content", "reactions", "attachments"} {
		if ev, ok := entry[field]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func (p *parkedSet) Drop(id string) {
	p.cache.Remove(id)
}

// Len counts parked entities, not events.
func (p *parkedSet) Len() int {
	return p.cache.Len()
}

func (p *parkedSet) Has(id string) bool {
	return p.cache.Contains(id)
}

func (p *parkedSet) clone() *parkedSet {
	out := newParkedSet(p.limit)
	for _, key := range p.cache.Keys() {
		raw, ok := p.cache.Peek(key)
		if !ok {
			continue
		}
		src := raw.(parkedEntry)
		entry := make(parkedEntry, len(src))
		for field, ev := range src {
			entry[field] = ev
		}
		out.cache.Add(key, entry)
	}
	return out
}
