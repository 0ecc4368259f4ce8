package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

// Memory is an in-process relay with the same ack/nack contract as the
// broker-backed drivers. Messages survive handler failures but not process
// restarts.
type Memory struct {
	mu         sync.Mutex
	queue      [][]byte
	inflight   int
	ready      chan struct{}
	retryDelay time.Duration
}

// NewMemory creates a relay that redelivers nacked messages after retryDelay.
func NewMemory(retryDelay time.Duration) *Memory {
	return &Memory{ready: make(chan struct{}, 1), retryDelay: retryDelay}
}

func (m *Memory) Publish(_ context.Context, fact models.ClickFact) error {
	body, err := encodeFact(fact)
	if err != nil {
		return err
	}
	m.push(body)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Pending reports queued plus received-but-unsettled messages.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) + m.inflight
}

func (m *Memory) push(body []byte) {
	m.mu.Lock()
	m.queue = append(m.queue, body)
	m.mu.Unlock()
	m.signal()
}

func (m *Memory) requeue(body []byte) {
	m.mu.Lock()
	m.inflight--
	m.queue = append(m.queue, body)
	m.mu.Unlock()
	m.signal()
}

func (m *Memory) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *Memory) pop() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	body := m.queue[0]
	m.queue = m.queue[1:]
	m.inflight++
	return body, true
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		body, ok := m.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-m.ready:
				continue
			}
		}

		d := &memoryDelivery{m: m, body: body}
		fact, err := decodeFact(body)
		if err != nil {
			slog.Error("dropping malformed relay message", "error", err)
			d.Ack(ctx)
			continue
		}
		if err := Dispatch(ctx, d, fact, h); err != nil {
			slog.Error("relay settle failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

type memoryDelivery struct {
	m       *Memory
	body    []byte
	settled bool
}

func (d *memoryDelivery) Ack(context.Context) error {
	if d.settled {
		return nil
	}
	d.settled = true
	d.m.mu.Lock()
	d.m.inflight--
	d.m.mu.Unlock()
	return nil
}

// Nack with requeue keeps the message counted as pending until it is back
// on the queue.
func (d *memoryDelivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.Ack(ctx)
	}
	if d.settled {
		return nil
	}
	d.settled = true
	time.AfterFunc(d.m.retryDelay, func() { d.m.requeue(d.body) })
	return nil
}
