package memorybroker

import "sync"

// pump moves items from an unbounded buffer to out on its own goroutine, so
// the broker never blocks on a slow reader while holding its lock.
type pump[T any] struct {
	out chan T

	mu       sync.Mutex
	items    []T
	finished bool
	wake     chan struct{}
	abort    chan struct{}
	aborted  bool
}

// newPump feeds out and closes it when the pump ends
func newPump[T any](out chan T) *pump[T] {
	p := &pump[T]{
		out:   out,
		wake:  make(chan struct{}, 1),
		abort: make(chan struct{}),
	}
	go p.run()
	return p
}

// push queues an item; it never blocks
func (p *pump[T]) push(item T) {
	p.mu.Lock()
	if p.finished || p.aborted {
		p.mu.Unlock()
		return
	}
	p.items = append(p.items, item)
	p.mu.Unlock()
	p.signal()
}

// finish stops accepting items; out closes once the buffer is drained
func (p *pump[T]) finish() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
	p.signal()
}

// stop closes out without draining
func (p *pump[T]) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.aborted {
		p.aborted = true
		close(p.abort)
	}
}

func (p *pump[T]) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pump[T]) run() {
	defer close(p.out)

	for {
		p.mu.Lock()
		if p.aborted {
			p.mu.Unlock()
			return
		}
		if len(p.items) == 0 {
			finished := p.finished
			p.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-p.wake:
			case <-p.abort:
				return
			}
			continue
		}
		item := p.items[0]
		var zero T
		p.items[0] = zero
		p.items = p.items[1:]
		p.mu.Unlock()

		select {
		case p.out <- item:
		case <-p.abort:
			return
		}
	}
}
