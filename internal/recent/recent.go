// Package recent keeps a bounded set of filenames handled during the current
// process lifetime.
//
// The set is a cache in front of the delivery store so that a discovery cycle
// does not query the store for every file still sitting on the card. It is not
// authoritative: after a restart it is empty and the store decides.
package recent

import "container/list"

const DefaultCapacity = 1000

// Set is a fixed-capacity LRU set. It is not safe for concurrent use; the
// ingest loop is its only owner.
type Set struct {
	capacity int
	order    *list.List // front = most recent
	items    map[string]*list.Element
}

func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Contains reports membership and refreshes the entry's recency.
func (s *Set) Contains(name string) bool {
	el, ok := s.items[name]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

// Add inserts name, evicting the least recently used entry when full.
func (s *Set) Add(name string) {
	if el, ok := s.items[name]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.items[name] = s.order.PushFront(name)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
}

func (s *Set) Len() int {
	return s.order.Len()
}
