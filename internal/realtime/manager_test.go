package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/realtime"
)

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string][]realtime.Handler
}

func (c *fakeChannel) Bind(event string, h realtime.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *fakeChannel) UnbindAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = map[string][]realtime.Handler{}
}

func (c *fakeChannel) bound(event string) []realtime.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Handler(nil), c.handlers[event]...)
}

type fakeBroker struct {
	mu    sync.Mutex
	log   []string
	acks  map[string]func(error)
	chans map[string]*fakeChannel
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{acks: map[string]func(error){}, chans: map[string]*fakeChannel{}}
}

func (b *fakeBroker) Subscribe(name string, ack func(error)) realtime.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, "sub:"+name)
	ch := &fakeChannel{handlers: map[string][]realtime.Handler{}}
	b.chans[name] = ch
	b.acks[name] = ack
	return ch
}

func (b *fakeBroker) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, "unsub:"+name)
	delete(b.chans, name)
	delete(b.acks, name)
}

func (b *fakeBroker) channel(name string) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chans[name]
}

// Ack confirms a subscription and, like a real transport, may be followed
// immediately by an event on the same goroutine.
func (b *fakeBroker) Ack(name string, err error) {
	b.mu.Lock()
	ack := b.acks[name]
	b.mu.Unlock()
	if ack != nil {
		ack(err)
	}
}

func (b *fakeBroker) Emit(t *testing.T, name, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ch := b.channel(name)
	if ch == nil {
		return
	}
	for _, h := range ch.bound(event) {
		h(data)
	}
}

func (b *fakeBroker) Log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.log...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recorder struct {
	mu       sync.Mutex
	statuses []string
	messages []domain.Message
	titles   []string
	recs     []realtime.RecommendationsPayload
	errs     []error
}

func (r *recorder) callbacks() realtime.Callbacks {
	return realtime.Callbacks{
		OnMessage: func(m domain.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, m)
		},
		OnWorkflowStatus: func(p realtime.WorkflowStatusPayload) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, p.Status)
		},
		OnTitle: func(p realtime.TitleUpdatePayload) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.titles = append(r.titles, p.Title)
		},
		OnRecommendations: func(p realtime.RecommendationsPayload) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.recs = append(r.recs, p)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *recorder) Messages() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages...)
}

func status(s string) realtime.WorkflowStatusPayload {
	return realtime.WorkflowStatusPayload{WorkUnitID: "wu-1", Status: s}
}

func connected(t *testing.T, b *fakeBroker, m *realtime.Manager, id string, target realtime.TargetType) {
	t.Helper()
	if err := m.Connect(id, target); err != nil {
		t.Fatalf("connect: %v", err)
	}
	b.Ack(realtime.ChannelName(target, id), nil)
	waitFor(t, "connected", func() bool { return m.State() == realtime.StateConnected })
}

func TestChannelName(t *testing.T) {
	if got := realtime.ChannelName(realtime.TargetWorkUnit, "42"); got != "task-42" {
		t.Fatalf("unexpected work unit channel %q", got)
	}
	if got := realtime.ChannelName(realtime.TargetCollection, "7"); got != "workspace-7" {
		t.Fatalf("unexpected collection channel %q", got)
	}
	m := realtime.NewManager(newFakeBroker(), nil, realtime.Callbacks{}, realtime.Options{})
	if err := m.Connect("", realtime.TargetWorkUnit); err == nil {
		t.Fatalf("expected error for empty target id")
	}
	if err := m.Connect("x", realtime.TargetType("planet")); err == nil {
		t.Fatalf("expected error for unknown target type")
	}
}

func TestConnectResubscribes(t *testing.T) {
	b := newFakeBroker()
	rec := &recorder{}
	m := realtime.NewManager(b, nil, rec.callbacks(), realtime.Options{SettleDelay: 5 * time.Millisecond})
	connected(t, b, m, "x", realtime.TargetWorkUnit)

	stale := b.channel("task-x").bound(realtime.EventWorkflowStatus)
	if len(stale) != 1 {
		t.Fatalf("expected one workflow-status handler, got %d", len(stale))
	}
	connected(t, b, m, "y", realtime.TargetWorkUnit)

	log := b.Log()
	want := []string{"sub:task-x", "unsub:task-x", "sub:task-y"}
	if len(log) != len(want) {
		t.Fatalf("unexpected broker log %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("unexpected broker log %v", log)
		}
	}

	data, _ := json.Marshal(status("running"))
	stale[0](data)
	b.Emit(t, "task-x", realtime.EventWorkflowStatus, status("running"))
	b.Emit(t, "task-y", realtime.EventWorkflowStatus, status("completed"))
	waitFor(t, "status", func() bool { return len(rec.Statuses()) > 0 })
	if got := rec.Statuses(); len(got) != 1 || got[0] != "completed" {
		t.Fatalf("expected only events for y, got %v", got)
	}
	if m.Channel() != "task-y" {
		t.Fatalf("unexpected channel %q", m.Channel())
	}
}

func TestSettleDelayKeepsEarlyEvents(t *testing.T) {
	b := newFakeBroker()
	rec := &recorder{}
	m := realtime.NewManager(b, nil, rec.callbacks(), realtime.Options{SettleDelay: 50 * time.Millisecond})
	if err := m.Connect("wu-1", realtime.TargetWorkUnit); err != nil {
		t.Fatal(err)
	}
	if m.State() != realtime.StateConnecting {
		t.Fatalf("expected connecting before ack, got %s", m.State())
	}
	b.Ack("task-wu-1", nil)
	b.Emit(t, "task-wu-1", realtime.EventWorkflowStatus, status("queued"))
	b.Emit(t, "task-wu-1", realtime.EventWorkflowStatus, status("running"))
	if m.State() != realtime.StateConnecting {
		t.Fatalf("expected connecting inside settle window, got %s", m.State())
	}
	if len(rec.Statuses()) != 0 {
		t.Fatalf("events delivered before settle window elapsed")
	}
	waitFor(t, "queued events", func() bool { return len(rec.Statuses()) == 2 })
	got := rec.Statuses()
	if got[0] != "queued" || got[1] != "running" {
		t.Fatalf("events out of order: %v", got)
	}
	b.Emit(t, "task-wu-1", realtime.EventWorkflowStatus, status("completed"))
	if got := rec.Statuses(); len(got) != 3 || got[2] != "completed" {
		t.Fatalf("expected live delivery after settle, got %v", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	b := newFakeBroker()
	m := realtime.NewManager(b, nil, realtime.Callbacks{}, realtime.Options{SettleDelay: time.Millisecond})
	m.Disconnect()
	m.Disconnect()
	if m.State() != realtime.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}
	connected(t, b, m, "c1", realtime.TargetCollection)
	m.Disconnect()
	m.Disconnect()
	if m.State() != realtime.StateDisconnected || m.Channel() != "" {
		t.Fatalf("expected clean disconnected state")
	}
	unsubs := 0
	for _, entry := range b.Log() {
		if entry == "unsub:workspace-c1" {
			unsubs++
		}
	}
	if unsubs != 1 {
		t.Fatalf("expected a single unsubscribe, got log %v", b.Log())
	}
}

func TestDisconnectDuringSettleDropsQueue(t *testing.T) {
	b := newFakeBroker()
	rec := &recorder{}
	m := realtime.NewManager(b, nil, rec.callbacks(), realtime.Options{SettleDelay: 20 * time.Millisecond})
	if err := m.Connect("wu-1", realtime.TargetWorkUnit); err != nil {
		t.Fatal(err)
	}
	b.Ack("task-wu-1", nil)
	b.Emit(t, "task-wu-1", realtime.EventWorkflowStatus, status("running"))
	m.Disconnect()
	time.Sleep(60 * time.Millisecond)
	if len(rec.Statuses()) != 0 || m.State() != realtime.StateDisconnected {
		t.Fatalf("no event should fire after disconnect, got %v state=%s", rec.Statuses(), m.State())
	}
}

func TestNewMessageHydration(t *testing.T) {
	b := newFakeBroker()
	rec := &recorder{}
	fetcher := realtime.FetcherFunc(func(ctx context.Context, id string) (domain.Message, error) {
		if id == "missing" {
			return domain.Message{}, errors.New("gone")
		}
		return domain.Message{ID: id, WorkUnitID: "wu-1", Body: "hello", Role: domain.RoleAgent}, nil
	})
	m := realtime.NewManager(b, fetcher, rec.callbacks(), realtime.Options{SettleDelay: time.Millisecond})
	connected(t, b, m, "wu-1", realtime.TargetWorkUnit)

	b.Emit(t, "task-wu-1", realtime.EventNewMessage, realtime.NewMessagePayload{MessageID: "missing", WorkUnitID: "wu-1"})
	b.Emit(t, "task-wu-1", realtime.EventNewMessage, realtime.NewMessagePayload{MessageID: "m-2", WorkUnitID: "wu-1"})
	b.Emit(t, "task-wu-1", realtime.EventWorkflowStatus, status("completed"))

	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m-2" || msgs[0].Body != "hello" {
		t.Fatalf("unexpected hydrated messages %+v", msgs)
	}
	if got := rec.Statuses(); len(got) != 1 {
		t.Fatalf("status after failed hydration should still arrive, got %v", got)
	}
}

func TestSubscriptionErrorIsState(t *testing.T) {
	b := newFakeBroker()
	rec := &recorder{}
	m := realtime.NewManager(b, nil, rec.callbacks(), realtime.Options{SettleDelay: time.Millisecond})
	if err := m.Connect("wu-1", realtime.TargetWorkUnit); err != nil {
		t.Fatal(err)
	}
	b.Ack("task-wu-1", errors.New("auth rejected"))
	if m.State() != realtime.StateDisconnected || m.Err() == nil {
		t.Fatalf("expected disconnected with error, got %s %v", m.State(), m.Err())
	}
	rec.mu.Lock()
	n := len(rec.errs)
	rec.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected error callback")
	}
	log := b.Log()
	if log[len(log)-1] != "unsub:task-wu-1" {
		t.Fatalf("rejected subscription should be released, log %v", log)
	}
	if err := m.Connect("wu-1", realtime.TargetWorkUnit); err != nil || m.Err() != nil {
		t.Fatalf("reconnect should clear error: %v %v", err, m.Err())
	}
}

func TestCallbackPanicDoesNotStopDelivery(t *testing.T) {
	b := newFakeBroker()
	var mu sync.Mutex
	var titles []string
	m := realtime.NewManager(b, nil, realtime.Callbacks{
		OnTitle: func(p realtime.TitleUpdatePayload) {
			if p.Title == "boom" {
				panic("render failed")
			}
			mu.Lock()
			titles = append(titles, p.Title)
			mu.Unlock()
		},
	}, realtime.Options{SettleDelay: time.Millisecond})
	connected(t, b, m, "c1", realtime.TargetCollection)
	b.Emit(t, "workspace-c1", realtime.EventTitleUpdate, realtime.TitleUpdatePayload{TargetID: "wu-1", Title: "boom"})
	b.Emit(t, "workspace-c1", realtime.EventTitleUpdate, realtime.TitleUpdatePayload{TargetID: "wu-1", Title: "ok"})
	mu.Lock()
	defer mu.Unlock()
	if len(titles) != 1 || titles[0] != "ok" {
		t.Fatalf("unexpected titles %v", titles)
	}
}

func TestManagerOverHub(t *testing.T) {
	hub := realtime.NewHub(nil)
	client := hub.Client()
	defer client.Close()
	rec := &recorder{}
	m := realtime.NewManager(client, nil, rec.callbacks(), realtime.Options{SettleDelay: 20 * time.Millisecond})
	if err := m.Connect("wu-1", realtime.TargetWorkUnit); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := hub.Publish(ctx, "task-wu-1", realtime.EventWorkflowStatus, status("running")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == realtime.StateConnected })
	if err := hub.Publish(ctx, "task-wu-1", realtime.EventWorkflowStatus, status("completed")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "statuses", func() bool { return len(rec.Statuses()) == 2 })
	if got := rec.Statuses(); got[0] != "running" || got[1] != "completed" {
		t.Fatalf("unexpected order %v", got)
	}

	m.Disconnect()
	if n := hub.Subscribers("task-wu-1"); n != 0 {
		t.Fatalf("expected no subscribers after disconnect, got %d", n)
	}
}

func TestPublishersJoinErrors(t *testing.T) {
	hub := realtime.NewHub(nil)
	failing := publisherFunc(func(context.Context, string, string, any) error { return errors.New("down") })
	err := realtime.Publishers{hub, nil, failing}.Publish(context.Background(), "task-1", realtime.EventTitleUpdate, realtime.TitleUpdatePayload{})
	if err == nil {
		t.Fatalf("expected joined error")
	}
}

type publisherFunc func(ctx context.Context, channel, event string, payload any) error

func (f publisherFunc) Publish(ctx context.Context, channel, event string, payload any) error {
	return f(ctx, channel, event, payload)
}

// blockingFetcher parks every GetMessage call until release is closed.
type blockingFetcher struct {
	entered chan string
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{entered: make(chan string, 4), release: make(chan struct{})}
}

func (f *blockingFetcher) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	f.entered <- id
	<-f.release
	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	return domain.Message{ID: id, WorkUnitID: "wu-1", Role: domain.RoleAgent}, nil
}

func (f *blockingFetcher) CtxErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctxErr
}

func disconnectWithin(t *testing.T, m *realtime.Manager, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("Disconnect did not return within %s", d)
	}
}

func TestSettleDrainRacingLiveEvent(t *testing.T) {
	b := newFakeBroker()
	f := newBlockingFetcher()
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	m := realtime.NewManager(b, f, realtime.Callbacks{
		OnMessage:        func(msg domain.Message) { record("message:" + msg.ID) },
		OnWorkflowStatus: func(p realtime.WorkflowStatusPayload) { record("status:" + p.Status) },
	}, realtime.Options{SettleDelay: 5 * time.Millisecond})

	if err := m.Connect("wu-1", realtime.TargetWorkUnit); err != nil {
		t.Fatal(err)
	}
	b.Ack("task-wu-1", nil)
	b.Emit(t, "task-wu-1", realtime.EventNewMessage, realtime.NewMessagePayload{MessageID: "m-1", WorkUnitID: "wu-1"})

	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("queued message was never hydrated")
	}
	emitted := make(chan struct{})
	go func() {
		b.Emit(t, "task-wu-1", realtime.EventWorkflowStatus, status("running"))
		close(emitted)
	}()
	time.Sleep(10 * time.Millisecond)
	close(f.release)

	waitFor(t, "both events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	<-emitted
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if got[0] != "message:m-1" || got[1] != "status:running" {
		t.Fatalf("queued event should precede live event, got %v", got)
	}
	disconnectWithin(t, m, time.Second)
}

func TestRetargetDuringHydration(t *testing.T) {
	b := newFakeBroker()
	f := newBlockingFetcher()
	rec := &recorder{}
	m := realtime.NewManager(b, f, rec.callbacks(), realtime.Options{SettleDelay: 5 * time.Millisecond})
	connected(t, b, m, "x", realtime.TargetWorkUnit)

	go b.Emit(t, "task-x", realtime.EventNewMessage, realtime.NewMessagePayload{MessageID: "m-x", WorkUnitID: "x"})
	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("hydration for x never started")
	}

	connectDone := make(chan error, 1)
	go func() { connectDone <- m.Connect("y", realtime.TargetWorkUnit) }()
	select {
	case err := <-connectDone:
		if err != nil {
			t.Fatalf("connect y: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Connect blocked on an in-flight hydration")
	}
	b.Ack("task-y", nil)
	time.Sleep(20 * time.Millisecond)
	close(f.release)

	waitFor(t, "y connected", func() bool { return m.State() == realtime.StateConnected })
	b.Emit(t, "task-y", realtime.EventWorkflowStatus, realtime.WorkflowStatusPayload{WorkUnitID: "y", Status: "running"})
	if got := rec.Statuses(); len(got) != 1 || got[0] != "running" {
		t.Fatalf("expected y status after retarget, got %v", got)
	}
	if msgs := rec.Messages(); len(msgs) != 0 {
		t.Fatalf("message for x delivered after retarget: %+v", msgs)
	}
	if !errors.Is(f.CtxErr(), context.Canceled) {
		t.Fatalf("expected hydration for x to be cancelled, got %v", f.CtxErr())
	}
	disconnectWithin(t, m, time.Second)
}

func TestDisconnectDuringHydrationDoesNotWait(t *testing.T) {
	b := newFakeBroker()
	f := newBlockingFetcher()
	rec := &recorder{}
	m := realtime.NewManager(b, f, rec.callbacks(), realtime.Options{SettleDelay: time.Millisecond})
	connected(t, b, m, "wu-1", realtime.TargetWorkUnit)

	go b.Emit(t, "task-wu-1", realtime.EventNewMessage, realtime.NewMessagePayload{MessageID: "m-1", WorkUnitID: "wu-1"})
	<-f.entered
	disconnectWithin(t, m, time.Second)
	close(f.release)
	time.Sleep(10 * time.Millisecond)
	if msgs := rec.Messages(); len(msgs) != 0 {
		t.Fatalf("message delivered after disconnect: %+v", msgs)
	}
}
