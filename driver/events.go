package driver

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/dberrors"
)

// EventCollector counts database events. Begin subscribes; Wait returns the
// counts collected since the previous Wait.
type EventCollector struct {
	conn  *Connection
	names []string

	mu      sync.Mutex
	handle  api.EventHandle
	counts  map[string]int
	queue   []map[string]int
	changed chan struct{}
	started bool
	closed  bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func newEventCollector(c *Connection, names []string) *EventCollector {
	ec := &EventCollector{
		conn:    c,
		names:   append([]string(nil), names...),
		counts:  make(map[string]int, len(names)),
		changed: make(chan struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, n := range names {
		ec.counts[n] = 0
	}
	return ec
}

// Names are the registered event names.
func (ec *EventCollector) Names() []string { return ec.names }

// Begin subscribes to the events and starts collecting.
func (ec *EventCollector) Begin() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.closed {
		return dberrors.Interface("Event collector is closed")
	}
	if ec.started {
		return dberrors.Interface("Event collection already started")
	}
	h, err := ec.conn.att.QueueEvents(ec.names, ec.enqueue)
	if err != nil {
		return err
	}
	ec.handle, ec.started = h, true
	ec.wg.Add(1)
	go ec.drain()
	ec.conn.logger.Debug("event collection started", "events", ec.names)
	return nil
}

// enqueue is the engine callback. It runs while the engine delivers a
// commit, so it only queues the counts.
func (ec *EventCollector) enqueue(counts map[string]int) {
	ec.mu.Lock()
	ec.queue = append(ec.queue, counts)
	ec.mu.Unlock()
	select {
	case ec.notify <- struct{}{}:
	default:
	}
}

func (ec *EventCollector) drain() {
	defer ec.wg.Done()
	for {
		select {
		case <-ec.done:
			return
		case <-ec.notify:
		}
		ec.mu.Lock()
		for _, counts := range ec.queue {
			for name, n := range counts {
				ec.counts[name] += n
			}
		}
		ec.queue = nil
		close(ec.changed)
		ec.changed = make(chan struct{})
		ec.mu.Unlock()
	}
}

func (ec *EventCollector) pendingLocked() bool {
	for _, n := range ec.counts {
		if n > 0 {
			return true
		}
	}
	return false
}

func (ec *EventCollector) takeLocked() map[string]int {
	out := maps.Clone(ec.counts)
	for name := range ec.counts {
		ec.counts[name] = 0
	}
	return out
}

// Wait blocks until an event was counted, timeout expires (timeout <= 0
// waits without limit), the context ends or the collector closes. It returns
// the counts of every registered name and resets them.
func (ec *EventCollector) Wait(ctx context.Context, timeout time.Duration) (map[string]int, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		ec.mu.Lock()
		if !ec.started {
			ec.mu.Unlock()
			return nil, dberrors.Interface("Event collection not initialized (begin() not called).")
		}
		if ec.pendingLocked() || ec.closed {
			out := ec.takeLocked()
			ec.mu.Unlock()
			return out, nil
		}
		changed := ec.changed
		ec.mu.Unlock()

		select {
		case <-changed:
		case <-ec.done:
		case <-expired:
			ec.mu.Lock()
			out := ec.takeLocked()
			ec.mu.Unlock()
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Flush drops the counts collected so far.
func (ec *EventCollector) Flush() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.queue = nil
	ec.takeLocked()
}

// IsClosed reports whether Close was called.
func (ec *EventCollector) IsClosed() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.closed
}

// Close cancels the subscription and stops collecting. Counts do not change
// after it returns.
func (ec *EventCollector) Close() error {
	err := ec.shutdown()
	ec.conn.forgetCollector(ec)
	return err
}

func (ec *EventCollector) shutdown() error {
	ec.mu.Lock()
	if ec.closed {
		ec.mu.Unlock()
		return nil
	}
	ec.closed = true
	h := ec.handle
	ec.mu.Unlock()

	var err error
	if h != nil {
		err = h.Cancel()
	}
	close(ec.done)
	ec.wg.Wait()
	return err
}
