package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"taskrelay/internal/domain"
)

// DefaultSettleDelay is how long after the broker acknowledges a subscription
// the manager waits before treating the channel as able to deliver.
const DefaultSettleDelay = 100 * time.Millisecond

const defaultFetchTimeout = 10 * time.Second

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MessageFetcher hydrates a message announced by id.
type MessageFetcher interface {
	GetMessage(ctx context.Context, id string) (domain.Message, error)
}

type FetcherFunc func(ctx context.Context, id string) (domain.Message, error)

func (f FetcherFunc) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return f(ctx, id)
}

// Callbacks receive events for the current target. Nil callbacks are skipped.
type Callbacks struct {
	OnMessage         func(domain.Message)
	OnWorkflowStatus  func(WorkflowStatusPayload)
	OnTitle           func(TitleUpdatePayload)
	OnRecommendations func(RecommendationsPayload)
	OnStateChange     func(State)
	OnError           func(error)
}

type Options struct {
	SettleDelay  time.Duration
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

type pendingEvent struct {
	event string
	data  []byte
}

// Manager keeps a single subscription for one client. Every Connect and
// Disconnect starts a new epoch; handlers carry the epoch they were bound
// under and drop their event once it is no longer current.
type Manager struct {
	broker  Broker
	fetcher MessageFetcher
	cb      Callbacks
	settle  time.Duration
	fetchTO time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	epoch   uint64
	name    string
	channel Channel
	err     error
	pending []pendingEvent
	timer   *time.Timer
	// cancelFetch aborts the hydration in flight, if any.
	cancelFetch context.CancelFunc

	// deliverMu serialises deliveries. It is always acquired before mu and
	// never while mu is held, so Connect and Disconnect never wait on a fetch.
	deliverMu sync.Mutex
}

func NewManager(broker Broker, fetcher MessageFetcher, cb Callbacks, opts Options) *Manager {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		broker:  broker,
		fetcher: fetcher,
		cb:      cb,
		settle:  opts.SettleDelay,
		fetchTO: opts.FetchTimeout,
		logger:  opts.Logger,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the last subscription error, cleared by the next Connect.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Channel returns the current channel name, or "" when disconnected.
func (m *Manager) Channel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Connect tears down any current subscription and subscribes to the channel
// of the given target.
func (m *Manager) Connect(targetID string, target TargetType) error {
	if err := validTarget(target, targetID); err != nil {
		return err
	}
	name := ChannelName(target, targetID)

	m.mu.Lock()
	m.teardownLocked()
	m.epoch++
	ep := m.epoch
	m.name = name
	m.err = nil
	m.state = StateConnecting
	ch := m.broker.Subscribe(name, func(err error) { m.onAck(ep, err) })
	m.channel = ch
	m.bindLocked(ch, ep, target)
	m.mu.Unlock()

	m.notifyState(StateConnecting)
	return nil
}

// Disconnect unbinds every handler and unsubscribes. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev := m.state
	m.teardownLocked()
	m.epoch++
	m.state = StateDisconnected
	m.mu.Unlock()
	if prev != StateDisconnected {
		m.notifyState(StateDisconnected)
	}
}

// ReportError records a transport failure for the current subscription and
// returns to Disconnected.
func (m *Manager) ReportError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.teardownLocked()
	m.epoch++
	m.err = err
	m.state = StateDisconnected
	m.mu.Unlock()
	m.notifyError(err)
	m.notifyState(StateDisconnected)
}

func (m *Manager) teardownLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = nil
	if m.cancelFetch != nil {
		m.cancelFetch()
		m.cancelFetch = nil
	}
	if m.channel != nil {
		m.channel.UnbindAll()
		m.broker.Unsubscribe(m.name)
	}
	m.channel = nil
	m.name = ""
}

func (m *Manager) bindLocked(ch Channel, ep uint64, target TargetType) {
	bind := func(event string) {
		ch.Bind(event, func(data []byte) { m.receive(ep, event, data) })
	}
	switch target {
	case TargetWorkUnit:
		bind(EventNewMessage)
		bind(EventWorkflowStatus)
		bind(EventTitleUpdate)
	case TargetCollection:
		bind(EventRecommendationsUpdated)
		bind(EventTitleUpdate)
	}
}

func (m *Manager) onAck(ep uint64, err error) {
	m.mu.Lock()
	if ep != m.epoch || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.teardownLocked()
		m.epoch++
		m.err = err
		m.state = StateDisconnected
		m.mu.Unlock()
		m.logger.Warn("realtime subscription rejected", "error", err)
		m.notifyError(err)
		m.notifyState(StateDisconnected)
		return
	}
	m.timer = time.AfterFunc(m.settle, func() { m.settled(ep) })
	m.mu.Unlock()
}

func (m *Manager) settled(ep uint64) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if ep != m.epoch || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.timer = nil
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.notifyState(StateConnected)
	for _, p := range queued {
		if !m.current(ep) {
			return
		}
		m.deliver(ep, p.event, p.data)
	}
}

func (m *Manager) receive(ep uint64, event string, data []byte) {
	if !m.current(ep) {
		return
	}
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateConnecting:
		m.pending = append(m.pending, pendingEvent{event: event, data: data})
		m.mu.Unlock()
		return
	case StateDisconnected:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.deliver(ep, event, data)
}

func (m *Manager) current(ep uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ep == m.epoch
}

// hydrate fetches an announced message. The fetch is cancelled when the
// subscription it was started under is torn down.
func (m *Manager) hydrate(ep uint64, id string) (domain.Message, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTO)
	defer cancel()
	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		return domain.Message{}, false
	}
	m.cancelFetch = cancel
	m.mu.Unlock()

	msg, err := m.fetcher.GetMessage(ctx, id)

	m.mu.Lock()
	stale := ep != m.epoch
	if !stale {
		m.cancelFetch = nil
	}
	m.mu.Unlock()
	if stale {
		return domain.Message{}, false
	}
	if err != nil {
		m.logger.Warn("hydrate message failed", "message_id", id, "error", err)
		return domain.Message{}, false
	}
	return msg, true
}

func (m *Manager) deliver(ep uint64, event string, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("realtime callback panicked", "event", event, "panic", r)
		}
	}()
	switch event {
	case EventNewMessage:
		var p NewMessagePayload
		if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
			m.logger.Warn("invalid new-message payload", "error", err)
			return
		}
		if m.fetcher == nil || m.cb.OnMessage == nil {
			return
		}
		msg, ok := m.hydrate(ep, p.MessageID)
		if !ok {
			return
		}
		m.cb.OnMessage(msg)
	case EventWorkflowStatus:
		var p WorkflowStatusPayload
		if !m.decode(event, data, &p) || m.cb.OnWorkflowStatus == nil {
			return
		}
		m.cb.OnWorkflowStatus(p)
	case EventTitleUpdate:
		var p TitleUpdatePayload
		if !m.decode(event, data, &p) || m.cb.OnTitle == nil {
			return
		}
		m.cb.OnTitle(p)
	case EventRecommendationsUpdated:
		var p RecommendationsPayload
		if !m.decode(event, data, &p) || m.cb.OnRecommendations == nil {
			return
		}
		m.cb.OnRecommendations(p)
	}
}

func (m *Manager) decode(event string, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		m.logger.Warn("invalid realtime payload", "event", event, "error", err)
		return false
	}
	return true
}

func (m *Manager) notifyState(s State) {
	if m.cb.OnStateChange == nil {
		return
	}
	defer m.recoverCallback("state")
	m.cb.OnStateChange(s)
}

func (m *Manager) notifyError(err error) {
	if m.cb.OnError == nil {
		return
	}
	defer m.recoverCallback("error")
	m.cb.OnError(err)
}

func (m *Manager) recoverCallback(kind string) {
	if r := recover(); r != nil {
		m.logger.Error("realtime callback panicked", "callback", kind, "panic", r)
	}
}
