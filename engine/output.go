package engine

import (
	"context"
	"sync"
	"time"
)

// jobOutput queues the lines a service job writes until the client reads
// them. Every line is handed out once.
type jobOutput struct {
	mu          sync.Mutex
	lines       []string
	done        bool
	err         error
	errReported bool
	changed     chan struct{}
}

func newJobOutput() *jobOutput {
	return &jobOutput{changed: make(chan struct{})}
}

// wake releases readers waiting for a change. Callers hold o.mu.
func (o *jobOutput) wake() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *jobOutput) add(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	o.lines = append(o.lines, line)
	o.wake()
}

// finish marks the end of the output. err is returned once to the reader
// after the last line.
func (o *jobOutput) finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	o.done, o.err = true, err
	o.wake()
}

// running reports whether lines may still be read.
func (o *jobOutput) running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.done || len(o.lines) > 0
}

// next returns the next line. It waits up to timeout for one, or without
// limit when timeout is not positive.
func (o *jobOutput) next(ctx context.Context, timeout time.Duration) (string, bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		o.mu.Lock()
		if len(o.lines) > 0 {
			line := o.lines[0]
			o.lines = o.lines[1:]
			o.mu.Unlock()
			return line, true, nil
		}
		if o.done {
			var err error
			if !o.errReported {
				err, o.errReported = o.err, true
			}
			o.mu.Unlock()
			return "", false, err
		}
		changed := o.changed
		o.mu.Unlock()

		select {
		case <-changed:
		case <-expired:
			return "", false, nil
		case <-ctx.Done():
			return "", false, mapError(ctx.Err())
		}
	}
}
