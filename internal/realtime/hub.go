package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const defaultQueueSize = 256

type envelope struct {
	event string
	data  []byte
}

// Hub is an in-process broker. Each subscription owns a FIFO queue and a
// delivery goroutine, so events on one channel reach handlers in publish order.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: map[string]map[*subscription]struct{}{}}
}

// Publish marshals payload and delivers it to every subscriber of channel.
func (h *Hub) Publish(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return h.PublishRaw(ctx, channel, event, data)
}

// PublishRaw delivers an already encoded payload. It blocks while a
// subscriber queue is full, until ctx is done.
func (h *Hub) PublishRaw(ctx context.Context, channel, event string, data []byte) error {
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs[channel]))
	for s := range h.subs[channel] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		select {
		case s.queue <- envelope{event: event, data: data}:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

func (h *Hub) add(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.name]
	if set == nil {
		set = map[*subscription]struct{}{}
		h.subs[s.name] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.name]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.name)
	}
}

// Client returns a Broker view of the hub for one consumer.
func (h *Hub) Client() *HubClient {
	return &HubClient{hub: h, subs: map[string]*subscription{}}
}

// HubClient holds at most one subscription per channel name.
type HubClient struct {
	hub *Hub

	mu   sync.Mutex
	subs map[string]*subscription
}

// Subscribe registers with the hub immediately, so events published from now
// on are queued, but handlers only start running once ack has returned.
func (c *HubClient) Subscribe(name string, ack func(error)) Channel {
	c.mu.Lock()
	if old, ok := c.subs[name]; ok {
		c.hub.remove(old)
		old.close()
	}
	s := &subscription{
		name:     name,
		logger:   c.hub.logger,
		handlers: map[string][]Handler{},
		queue:    make(chan envelope, defaultQueueSize),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.subs[name] = s
	c.mu.Unlock()

	c.hub.add(s)
	go s.run()
	go func() {
		if ack != nil {
			ack(nil)
		}
		close(s.ready)
	}()
	return s
}

func (c *HubClient) Unsubscribe(name string) {
	c.mu.Lock()
	s, ok := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.hub.remove(s)
	s.close()
}

// Close drops every subscription held by the client.
func (c *HubClient) Close() {
	c.mu.Lock()
	names := make([]string, 0, len(c.subs))
	for name := range c.subs {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.Unsubscribe(name)
	}
}

type subscription struct {
	name   string
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	queue     chan envelope
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Bind(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

func (s *subscription) UnbindAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = map[string][]Handler{}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscription) run() {
	select {
	case <-s.ready:
	case <-s.done:
		return
	}
	for {
		select {
		case <-s.done:
			return
		case env := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.mu.RLock()
			hs := append([]Handler(nil), s.handlers[env.event]...)
			s.mu.RUnlock()
			for _, h := range hs {
				s.invoke(h, env)
			}
		}
	}
}

func (s *subscription) invoke(h Handler, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("realtime handler panicked", "channel", s.name, "event", env.event, "panic", r)
		}
	}()
	h(env.data)
}
