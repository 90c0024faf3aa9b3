package transport

import (
	"sync"

	"github.com/dreamware/spine/internal/cluster"
)

// mailbox queues envelopes for one subscription and delivers them in order
// on a dedicated goroutine. The queue is unbounded so a handler that
// publishes to its own topic cannot deadlock the publisher.
type mailbox struct {
	handler   Handler
	onDeliver func()

	mu    sync.Mutex
	queue []cluster.Envelope

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newMailbox(h Handler, onDeliver func()) *mailbox {
	m := &mailbox{
		handler:   h,
		onDeliver: onDeliver,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) push(env cluster.Envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (cluster.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return cluster.Envelope{}, false
	}
	env := m.queue[0]
	m.queue[0] = cluster.Envelope{}
	m.queue = m.queue[1:]
	return env, true
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			env, ok := m.pop()
			if !ok {
				break
			}
			select {
			case <-m.done:
				return
			default:
			}
			m.handler(env)
			if m.onDeliver != nil {
				m.onDeliver()
			}
		}
	}
}

// stop ends delivery. It does not wait for an in-flight handler, so a
// handler may unsubscribe itself.
func (m *mailbox) stop() {
	m.once.Do(func() { close(m.done) })
}
