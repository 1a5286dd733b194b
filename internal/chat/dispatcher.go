package chat

import "sync"

// dispatcher runs callbacks one at a time, in posting order, on a single
// goroutine. Listeners therefore never run concurrently with each other.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	runner sync.Once
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	d.runner.Do(func() { go d.run() })
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			select {
			case <-d.done:
				return
			default:
			}
			fn()
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() {
		close(d.done)
		d.mu.Lock()
		d.queue = nil
		d.mu.Unlock()
	})
}
