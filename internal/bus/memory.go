package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/automagik-dev/omni-sub005/internal/domain/event"
)

// Memory is a full in-process Bus: a retained log with per-durable read
// positions. It backs tests and deployments without a broker; the semantics
// (at-least-once, per-subscription ordering, startFrom policies) match the
// Kafka adapter.
type Memory struct {
	mu        sync.Mutex
	cond      *sync.Cond
	log       []event.Event
	positions map[string]int // durable name -> next index to read
	wg        sync.WaitGroup
}

func NewMemory() *Memory {
	m := &Memory{positions: make(map[string]int)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) Publish(_ context.Context, ev event.Event) error {
	if ev.Type == "" {
		return fmt.Errorf("publish: event type is empty")
	}

	m.mu.Lock()
	m.log = append(m.log, ev)
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}

func (m *Memory) Subscribe(sub Subscription, h Handler) (Handle, error) {
	if sub.Subject == "" {
		return nil, fmt.Errorf("subscribe: subject filter is empty")
	}
	if !sub.Ephemeral && sub.Durable == "" {
		return nil, fmt.Errorf("subscribe: durable name required for non-ephemeral subscription")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe: handler is nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &memSub{bus: m, sub: sub, handler: h, ctx: ctx, cancel: cancel}

	m.mu.Lock()
	switch sub.StartFrom {
	case First:
		s.pos = 0
	default: // Last and New both start at "now" on first attach
		s.pos = len(m.log)
	}
	if !sub.Ephemeral {
		// A committed position always dominates the startFrom policy.
		if pos, ok := m.positions[sub.Durable]; ok {
			s.pos = pos
		}
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go s.run()
	return s, nil
}

// Close detaches nothing by itself; it only waits for unsubscribed consumers
// to drain. Callers unsubscribe handles first.
func (m *Memory) Close() {
	m.wg.Wait()
}

type memSub struct {
	bus     *Memory
	sub     Subscription
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	pos     int
}

func (s *memSub) Unsubscribe() error {
	s.cancel()
	s.bus.cond.Broadcast()
	return nil
}

func (s *memSub) run() {
	defer s.bus.wg.Done()

	for {
		s.bus.mu.Lock()
		for s.pos >= len(s.bus.log) && s.ctx.Err() == nil {
			s.bus.cond.Wait()
		}
		if s.ctx.Err() != nil {
			s.bus.mu.Unlock()
			return
		}
		ev := s.bus.log[s.pos]
		s.bus.mu.Unlock()

		if !MatchSubject(s.sub.Subject, ev.Type) {
			s.advance()
			continue
		}

		if err := s.handler(s.ctx, ev); err != nil {
			// No ack: redeliver the same event after a short pause.
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		s.advance()
	}
}

func (s *memSub) advance() {
	s.bus.mu.Lock()
	s.pos++
	if !s.sub.Ephemeral {
		s.bus.positions[s.sub.Durable] = s.pos
	}
	s.bus.mu.Unlock()
}
