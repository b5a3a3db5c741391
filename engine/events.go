package engine

import (
	"strings"
	"sync"

	"github.com/tomyedwab/fbdriver/dberrors"
)

// eventSink collects the events a transaction posts. Savepoint marks remember
// how many events were posted when the savepoint was set.
type eventSink struct {
	mu         sync.Mutex
	posted     []string
	marks      []savepointMark
	suppressed int
}

type savepointMark struct {
	name string
	pos  int
}

func (s *eventSink) post(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressed > 0 {
		return
	}
	s.posted = append(s.posted, name)
}

func (s *eventSink) suppress(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.suppressed++
	} else {
		s.suppressed--
	}
}

func (s *eventSink) savepoint(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, savepointMark{name: name, pos: len(s.posted)})
}

func (s *eventSink) find(name string) int {
	for i := len(s.marks) - 1; i >= 0; i-- {
		if strings.EqualFold(s.marks[i].name, name) {
			return i
		}
	}
	return -1
}

// rollbackTo discards the events posted after the savepoint. The savepoint
// itself stays defined.
func (s *eventSink) rollbackTo(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.find(name); i >= 0 {
		s.posted = s.posted[:s.marks[i].pos]
		s.marks = s.marks[:i+1]
	}
}

// release forgets the savepoint and every savepoint set after it.
func (s *eventSink) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.find(name); i >= 0 {
		s.marks = s.marks[:i]
	}
}

// take returns the posted counts and clears the sink.
func (s *eventSink) take() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.posted))
	for _, name := range s.posted {
		counts[name]++
	}
	s.posted = nil
	s.marks = nil
	return counts
}

func (s *eventSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = nil
	s.marks = nil
}

// eventHub delivers committed events to the subscriptions of one database.
type eventHub struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	notify func(counts map[string]int)
}

func newEventHub(notify func(map[string]int)) *eventHub {
	return &eventHub{subs: map[*subscription]struct{}{}, notify: notify}
}

// subscription is a queued event request. It implements api.EventHandle.
type subscription struct {
	hub      *eventHub
	names    map[string]bool
	callback func(map[string]int)
	onCancel func(*subscription)
}

func (h *eventHub) subscribe(names []string, callback func(map[string]int)) (*subscription, error) {
	if len(names) == 0 {
		return nil, dberrors.Interfacef("at least one event name is required")
	}
	s := &subscription{hub: h, names: map[string]bool{}, callback: callback}
	for _, n := range names {
		s.names[n] = true
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s, nil
}

// deliver hands each subscription the counts of the names it registered.
// Callbacks run under the read lock, so once Cancel returns no callback is
// running or will run.
func (h *eventHub) deliver(counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		mine := map[string]int{}
		for name, n := range counts {
			if s.names[name] {
				mine[name] = n
			}
		}
		if len(mine) == 0 {
			continue
		}
		s.callback(mine)
		if h.notify != nil {
			h.notify(mine)
		}
	}
}

func (s *subscription) Cancel() error {
	s.hub.mu.Lock()
	_, ok := s.hub.subs[s]
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	if ok && s.onCancel != nil {
		s.onCancel(s)
	}
	return nil
}
