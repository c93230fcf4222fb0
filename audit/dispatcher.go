package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Recorder is the minimal surface the auth service needs to emit audit
// entries. *Service satisfies it synchronously; *Dispatcher satisfies it
// asynchronously.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Dispatcher decouples audit emission from the caller with a buffered
// channel and a single drain goroutine. Intended for callers that treat
// audit writes as best-effort fire-and-forget; when the buffer is full,
// entries are dropped and counted rather than blocking the request path.
type Dispatcher struct {
	sink      Recorder
	ch        chan Entry
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the drain goroutine over sink with the given buffer.
func NewDispatcher(sink Recorder, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Entry, buffer),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case entry := <-d.ch:
			_ = d.sink.Record(context.Background(), entry)
		case <-d.done:
			// Drain whatever is already buffered before exiting.
			for {
				select {
				case entry := <-d.ch:
					_ = d.sink.Record(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}

// Record enqueues the entry without blocking. Full-buffer drops are counted.
func (d *Dispatcher) Record(_ context.Context, entry Entry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	select {
	case d.ch <- entry:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many entries were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close stops the dispatcher after draining buffered entries.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}
