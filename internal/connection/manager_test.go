package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []string
	connected bool
	sendErr   error
	events    chan TransportEvent
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		events:    make(chan TransportEvent, 64),
	}
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeWith(nil)
	return nil
}

// closeWith simulates the connection going away, reporting err first when set.
func (f *fakeTransport) closeWith(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
		if err != nil {
			f.events <- TransportEvent{Kind: TransportError, Err: err}
		}
		f.events <- TransportEvent{Kind: TransportClose, Err: err}
		close(f.events)
	})
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Events() <-chan TransportEvent {
	return f.events
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) deliver(text string) {
	f.events <- TransportEvent{Kind: TransportMessage, Data: []byte(text)}
}

// fakeDialer hands out transports in order.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	dials      int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.transports) == 0 {
		return nil, errors.New("no transport")
	}
	t := d.transports[0]
	d.transports = d.transports[1:]
	return t, nil
}

// fakeClock fires timers only when told to.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	fn      func()
	d       time.Duration
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: fn, d: d}
	c.timers = append(c.timers, t)
	return t
}

// FireAll runs every timer that is neither stopped nor fired.
func (c *fakeClock) FireAll() int {
	c.mu.Lock()
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()

	n := 0
	for _, t := range timers {
		t.mu.Lock()
		active := !t.stopped && !t.fired
		t.fired = true
		t.mu.Unlock()
		if active {
			t.fn()
			n++
		}
	}
	return n
}

// fakeElement records what the binding displays.
type fakeElement struct {
	mu       sync.Mutex
	value    string
	displays int
	onChange []func(string)
}

func (e *fakeElement) Display(value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	e.displays++
}

func (e *fakeElement) OnChange(fn func(string)) {
	e.onChange = append(e.onChange, fn)
}

func (e *fakeElement) Value() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

func (e *fakeElement) edit(value string) {
	for _, fn := range e.onChange {
		fn(value)
	}
}

// recordingRequest counts its resolutions.
type recordingRequest struct {
	sendOnce
	mu        sync.Mutex
	responses []string
	timeouts  int
}

func (r *recordingRequest) Serialize() string {
	return fmt.Sprintf("GET %d probe", r.id)
}

func (r *recordingRequest) OnResponse(payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, payload)
}

func (r *recordingRequest) OnTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
}

func (r *recordingRequest) resolutions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses) + r.timeouts
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager returns a manager whose dialer hands out the given transports.
func newTestManager(transports ...*fakeTransport) (*manager, *fakeClock) {
	clock := &fakeClock{}
	m := NewManager("ws://peer/api/v1/binding",
		WithLogger(testLogger()),
		WithDialer(&fakeDialer{transports: transports}),
		WithClock(clock),
	).(*manager)
	return m, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestManager_ReadonlyUnsolicitedUpdate(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	el := &fakeElement{}
	b := m.BindReadonly(el, "wifi.status")

	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	m.handleMessage("UPD wifi.status Connected")

	if el.Value() != "Connected" {
		t.Errorf("element = %q, want %q", el.Value(), "Connected")
	}
	if b.Value() != "Connected" {
		t.Errorf("Value() = %q, want %q", b.Value(), "Connected")
	}
	if got := m.Stats().Updates; got != 1 {
		t.Errorf("Stats().Updates = %d, want 1", got)
	}
}

func TestManager_SetAcknowledged(t *testing.T) {
	for _, ack := range []string{"1 ", "1"} {
		t.Run(fmt.Sprintf("ack %q", ack), func(t *testing.T) {
			ft := newFakeTransport()
			m, _ := newTestManager(ft)

			el := &fakeElement{}
			b := m.Bind(el, "stored.number")

			var committed []Update
			b.AddListener(EditCommitted, func(u Update) { committed = append(committed, u) })

			if err := m.Connect(context.Background(), ""); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer m.Disconnect()

			m.handleMessage("0 7")
			if el.Value() != "7" {
				t.Fatalf("element after GET = %q, want %q", el.Value(), "7")
			}

			el.edit("42")

			sent := ft.Sent()
			if len(sent) != 2 || sent[1] != "SET 1 stored.number 42" {
				t.Fatalf("sent = %q, want second frame %q", sent, "SET 1 stored.number 42")
			}
			if el.Value() != "7" {
				t.Errorf("element before ack = %q, want %q", el.Value(), "7")
			}
			if p := b.Pending(); len(p) != 1 || p[0] != "42" {
				t.Errorf("Pending() = %q, want [42]", p)
			}

			m.handleMessage(ack)

			if el.Value() != "42" {
				t.Errorf("element = %q, want %q", el.Value(), "42")
			}
			if b.Value() != "42" {
				t.Errorf("Value() = %q, want %q", b.Value(), "42")
			}
			if p := b.Pending(); len(p) != 0 {
				t.Errorf("Pending() = %q, want empty", p)
			}
			if len(committed) != 1 || committed[0].RequestID != 1 || committed[0].Value != "42" {
				t.Errorf("committed = %+v, want one commit of 42 for request 1", committed)
			}
		})
	}
}

func TestManager_BindWhileConnectedFetches(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	// Bound while connected: the initial GET takes ID 0.
	el := &fakeElement{}
	b := m.Bind(el, "stored.number")
	m.handleMessage("0 1")

	if err := b.LocalEdit("42"); err != nil {
		t.Fatalf("LocalEdit failed: %v", err)
	}

	sent := ft.Sent()
	want := []string{"GET 0 stored.number", "SET 1 stored.number 42"}
	if len(sent) != len(want) {
		t.Fatalf("sent = %q, want %q", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i], want[i])
		}
	}
}

func TestManager_SetTimeoutKeepsValue(t *testing.T) {
	ft := newFakeTransport()
	m, clock := newTestManager(ft)

	el := &fakeElement{}
	b := m.Bind(el, "stored.number")
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()
	m.handleMessage("0 5")

	var failed []Update
	b.AddListener(EditFailed, func(u Update) { failed = append(failed, u) })

	el.edit("6")
	if n := clock.FireAll(); n != 1 {
		t.Fatalf("fired %d timers, want 1", n)
	}

	if el.Value() != "5" {
		t.Errorf("element = %q, want %q", el.Value(), "5")
	}
	if b.Value() != "5" {
		t.Errorf("Value() = %q, want %q", b.Value(), "5")
	}
	if p := b.Pending(); len(p) != 0 {
		t.Errorf("Pending() = %q, want empty", p)
	}
	if len(failed) != 1 || failed[0].Value != "6" || failed[0].RequestID != 1 {
		t.Errorf("failed = %+v, want one failure of 6 for request 1", failed)
	}
	if st := m.Stats(); st.InFlight != 0 || st.Timeouts != 1 {
		t.Errorf("Stats() = %+v, want InFlight 0 and Timeouts 1", st)
	}

	// A late ack is dropped.
	m.handleMessage("1 ")
	if b.Value() != "5" {
		t.Errorf("Value() after late ack = %q, want %q", b.Value(), "5")
	}
	if got := m.Stats().Dropped; got != 1 {
		t.Errorf("Stats().Dropped = %d, want 1", got)
	}
}

func TestManager_GetTimeoutChangesNothing(t *testing.T) {
	ft := newFakeTransport()
	m, clock := newTestManager(ft)

	el := &fakeElement{}
	b := m.BindReadonly(el, "ethernet.status")
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	clock.FireAll()

	if el.displays != 0 {
		t.Errorf("element displayed %d times, want 0", el.displays)
	}
	if b.Value() != "" {
		t.Errorf("Value() = %q, want empty", b.Value())
	}
	if got := m.Stats().InFlight; got != 0 {
		t.Errorf("Stats().InFlight = %d, want 0", got)
	}
}

func TestManager_DroppedMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"response to unknown request", "7 hello"},
		{"update for unknown binding", "UPD nope value"},
		{"no separator", "garbage"},
		{"update without value", "UPD wifi.status"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			m, _ := newTestManager(ft)
			el := &fakeElement{}
			m.BindReadonly(el, "wifi.status")
			if err := m.Connect(context.Background(), ""); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer m.Disconnect()

			m.handleMessage(tt.msg)

			if got := m.Stats().Dropped; got != 1 {
				t.Errorf("Stats().Dropped = %d, want 1", got)
			}
			if el.displays != 0 {
				t.Errorf("element displayed %d times, want 0", el.displays)
			}
			if got := m.Stats().InFlight; got != 1 {
				t.Errorf("Stats().InFlight = %d, want 1 (initial GET untouched)", got)
			}
		})
	}
}

func TestManager_RemoteUpdateWinsOverPendingSet(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	el := &fakeElement{}
	b := m.Bind(el, "stored.number")
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()
	m.handleMessage("0 1")

	el.edit("42")
	m.handleMessage("UPD stored.number 99")

	if el.Value() != "99" {
		t.Errorf("element = %q, want %q", el.Value(), "99")
	}
	if p := b.Pending(); len(p) != 1 || p[0] != "42" {
		t.Errorf("Pending() = %q, want [42]", p)
	}

	// The ack is applied last and so wins.
	m.handleMessage("1")
	if el.Value() != "42" {
		t.Errorf("element after ack = %q, want %q", el.Value(), "42")
	}

	// A GET response overwrites as well.
	if err := b.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	el.edit("43")
	m.handleMessage("2 7")
	if el.Value() != "7" {
		t.Errorf("element after get = %q, want %q", el.Value(), "7")
	}
	if p := b.Pending(); len(p) != 1 || p[0] != "43" {
		t.Errorf("Pending() = %q, want [43]", p)
	}
}

func TestManager_MultiplePendingEditsKeepOrder(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	el := &fakeElement{}
	b := m.Bind(el, "stored.number")
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	el.edit("1")
	el.edit("2")
	el.edit("3")

	got := b.Pending()
	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("Pending() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Pending()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	m.handleMessage("2") // ack for "2"
	if el.Value() != "2" {
		t.Errorf("element = %q, want %q", el.Value(), "2")
	}
	if got := b.Pending(); len(got) != 2 || got[0] != "1" || got[1] != "3" {
		t.Errorf("Pending() = %q, want [1 3]", got)
	}
}

func TestManager_DisconnectDrainsInFlight(t *testing.T) {
	ft := newFakeTransport()
	m, clock := newTestManager(ft)
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	const n = 5
	reqs := make([]*recordingRequest, n)
	for i := range reqs {
		reqs[i] = &recordingRequest{}
		if _, err := m.SendRequest(reqs[i]); err != nil {
			t.Fatalf("SendRequest %d failed: %v", i, err)
		}
	}
	if got := m.Stats().InFlight; got != n {
		t.Fatalf("Stats().InFlight = %d, want %d", got, n)
	}

	var closes int
	var mu sync.Mutex
	m.AddListener(EventClose, func(ev Event) {
		mu.Lock()
		closes++
		mu.Unlock()
		if ev.Err != nil {
			t.Errorf("close event Err = %v, want nil for Disconnect", ev.Err)
		}
	})

	m.Disconnect()

	for i, r := range reqs {
		if r.timeouts != 1 || len(r.responses) != 0 {
			t.Errorf("request %d: timeouts=%d responses=%d, want 1 and 0", i, r.timeouts, len(r.responses))
		}
	}
	if st := m.Stats(); st.InFlight != 0 || st.Drained != n || st.State != "disconnected" {
		t.Errorf("Stats() = %+v, want InFlight 0, Drained %d, disconnected", st, n)
	}

	// Timers were cancelled; nothing resolves twice.
	if fired := clock.FireAll(); fired != 0 {
		t.Errorf("fired %d timers after drain, want 0", fired)
	}
	for i, r := range reqs {
		if r.resolutions() != 1 {
			t.Errorf("request %d resolved %d times, want 1", i, r.resolutions())
		}
	}

	waitFor(t, "close listener", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closes == 1
	})

	// Disconnect is idempotent.
	m.Disconnect()
}

func TestManager_TransportCloseDrainsAndNotifies(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	el := &fakeElement{}
	b := m.Bind(el, "stored.number")
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.handleMessage("0 10")
	el.edit("11")

	var (
		mu     sync.Mutex
		events []string
	)
	m.AddListener(EventError, func(ev Event) {
		mu.Lock()
		events = append(events, "error:"+ev.Err.Error())
		mu.Unlock()
	})
	m.AddListener(EventClose, func(ev Event) {
		mu.Lock()
		events = append(events, "close")
		mu.Unlock()
	})

	ft.closeWith(errors.New("connection reset"))

	waitFor(t, "drain after close", func() bool {
		return m.Stats().InFlight == 0 && len(b.Pending()) == 0
	})

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "error:connection reset" || events[1] != "close" {
		t.Errorf("events = %q, want [error:connection reset close]", events)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if el.Value() != "10" {
		t.Errorf("element = %q, want %q", el.Value(), "10")
	}
}

func TestManager_ReconnectReplaysOneGetPerBinding(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	m, _ := newTestManager(first, second)

	m.BindReadonly(&fakeElement{}, "wifi.status")
	m.BindReadonly(&fakeElement{}, "ethernet.status")
	m.Bind(&fakeElement{}, "stored.number")

	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	assertGets(t, first.Sent(), []string{"wifi.status", "ethernet.status", "stored.number"}, 0)

	first.closeWith(errors.New("peer went away"))
	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })

	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer m.Disconnect()

	// IDs keep counting across connections.
	assertGets(t, second.Sent(), []string{"wifi.status", "ethernet.status", "stored.number"}, 3)
}

// assertGets checks that sent holds exactly one GET per name, with IDs
// starting at firstID, in any order.
func assertGets(t *testing.T, sent []string, names []string, firstID uint64) {
	t.Helper()

	if len(sent) != len(names) {
		t.Fatalf("sent %d frames %q, want %d", len(sent), sent, len(names))
	}

	want := make(map[string]bool)
	for _, name := range names {
		want[name] = true
	}
	ids := make(map[uint64]bool)
	for _, frame := range sent {
		var id uint64
		var name string
		if _, err := fmt.Sscanf(frame, "GET %d %s", &id, &name); err != nil {
			t.Fatalf("frame %q is not a GET: %v", frame, err)
		}
		if !want[name] {
			t.Errorf("unexpected or duplicate GET for %q", name)
		}
		delete(want, name)
		ids[id] = true
	}
	for i := uint64(0); i < uint64(len(names)); i++ {
		if !ids[firstID+i] {
			t.Errorf("missing request id %d in %q", firstID+i, sent)
		}
	}
}

func TestManager_NotConnected(t *testing.T) {
	m, _ := newTestManager()

	el := &fakeElement{value: "typed"}
	b := m.Bind(el, "stored.number")

	_, err := m.SendRequest(&recordingRequest{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendRequest error = %v, want ErrNotConnected", err)
	}

	el.edit("42")
	if p := b.Pending(); len(p) != 0 {
		t.Errorf("Pending() = %q, want empty", p)
	}
	if el.Value() != "" {
		t.Errorf("element = %q, want repaint with authoritative empty value", el.Value())
	}
}

func TestManager_ReadonlyRejectsEdits(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)
	b := m.BindReadonly(&fakeElement{}, "wifi.status")
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	if err := b.LocalEdit("x"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("LocalEdit error = %v, want ErrReadOnly", err)
	}
	if got := len(ft.Sent()); got != 1 {
		t.Errorf("sent %d frames, want 1 (initial GET only)", got)
	}
}

func TestManager_RequestSentOnce(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	req := &recordingRequest{}
	id, err := m.SendRequest(req)
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if got, ok := req.ID(); !ok || got != id {
		t.Errorf("ID() = %d, %v, want %d, true", got, ok, id)
	}

	if _, err := m.SendRequest(req); !errors.Is(err, ErrAlreadySent) {
		t.Errorf("second SendRequest error = %v, want ErrAlreadySent", err)
	}
	if got := len(ft.Sent()); got != 1 {
		t.Errorf("sent %d frames, want 1", got)
	}
}

func TestManager_SendFailureResolvesRequest(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	ft.mu.Lock()
	ft.sendErr = errors.New("broken pipe")
	ft.mu.Unlock()

	req := &recordingRequest{}
	if _, err := m.SendRequest(req); err == nil {
		t.Fatal("SendRequest succeeded, want error")
	}
	if req.timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", req.timeouts)
	}
	if got := m.Stats().InFlight; got != 0 {
		t.Errorf("Stats().InFlight = %d, want 0", got)
	}
}

func TestManager_EveryRequestResolvesExactlyOnce(t *testing.T) {
	ft := newFakeTransport()
	m, clock := newTestManager(ft)
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	reqs := make([]*recordingRequest, 30)
	for i := range reqs {
		reqs[i] = &recordingRequest{}
		if _, err := m.SendRequest(reqs[i]); err != nil {
			t.Fatalf("SendRequest %d failed: %v", i, err)
		}
	}

	// Answer every third, time out the rest of the first half, drain the remainder.
	for i := 0; i < len(reqs); i += 3 {
		m.handleMessage(fmt.Sprintf("%d ok", i))
	}
	clock.timers = clock.timers[:15]
	clock.FireAll()
	for i := 0; i < len(reqs); i += 3 {
		m.handleMessage(fmt.Sprintf("%d late", i))
	}
	m.Disconnect()

	for i, r := range reqs {
		if got := r.resolutions(); got != 1 {
			t.Errorf("request %d resolved %d times, want 1", i, got)
		}
		if i%3 == 0 && len(r.responses) != 1 {
			t.Errorf("request %d: responses = %q, want one", i, r.responses)
		}
	}
	if got := m.Stats().InFlight; got != 0 {
		t.Errorf("Stats().InFlight = %d, want 0", got)
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	clock := &fakeClock{}
	m := NewManager("ws://peer",
		WithLogger(testLogger()),
		WithDialer(&fakeDialer{err: errors.New("connection refused")}),
		WithClock(clock),
	)

	var errs []error
	m.AddListener(EventError, func(ev Event) { errs = append(errs, ev.Err) })

	if err := m.Connect(context.Background(), ""); err == nil {
		t.Fatal("Connect succeeded, want error")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if len(errs) != 1 {
		t.Errorf("error listeners called %d times, want 1", len(errs))
	}
}

func TestManager_ConnectTwice(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(context.Background(), ""); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect error = %v, want ErrAlreadyConnected", err)
	}
}

// gatedDialer blocks each Dial until its gate is released.
type gatedDialer struct {
	dialing chan *fakeTransport
	release chan struct{}
}

func newGatedDialer() *gatedDialer {
	return &gatedDialer{
		dialing: make(chan *fakeTransport, 4),
		release: make(chan struct{}),
	}
}

func (d *gatedDialer) Dial(ctx context.Context, url string) (Transport, error) {
	ft := newFakeTransport()
	d.dialing <- ft
	<-d.release
	return ft, nil
}

func TestManager_LateCloseDoesNotCancelReconnect(t *testing.T) {
	first := newFakeTransport()
	m, _ := newTestManager(first)
	m.BindReadonly(&fakeElement{}, "wifi.status")
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var (
		mu     sync.Mutex
		closes []error
	)
	m.AddListener(EventClose, func(ev Event) {
		mu.Lock()
		closes = append(closes, ev.Err)
		mu.Unlock()
	})

	// The error arrives, but the close is still in flight.
	lost := errors.New("connection reset")
	first.events <- TransportEvent{Kind: TransportError, Err: lost}
	waitFor(t, "disconnected after error", func() bool { return m.State() == StateDisconnected })

	gd := newGatedDialer()
	m.dialer = gd

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "") }()
	second := <-gd.dialing

	first.closeWith(nil)
	waitFor(t, "first transport drained", func() bool { return m.Stats().InFlight == 0 })
	if m.State() != StateConnecting {
		t.Errorf("State() during dial = %v, want connecting", m.State())
	}

	close(gd.release)
	if err := <-done; err != nil {
		t.Fatalf("Connect after error = %v, want nil", err)
	}
	if m.State() != StateConnected || !second.IsConnected() {
		t.Errorf("State() = %v, new transport connected = %v", m.State(), second.IsConnected())
	}
	assertGets(t, second.Sent(), []string{"wifi.status"}, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(closes) != 0 {
		t.Errorf("close listeners called with %v, want no call for the replaced transport", closes)
	}
}

func TestManager_DisconnectDuringDialThenConnect(t *testing.T) {
	gd := newGatedDialer()
	m := NewManager("ws://peer",
		WithLogger(testLogger()),
		WithDialer(gd),
		WithClock(&fakeClock{}),
	).(*manager)

	firstDone := make(chan error, 1)
	go func() { firstDone <- m.Connect(context.Background(), "") }()
	stale := <-gd.dialing

	m.Disconnect()

	secondDone := make(chan error, 1)
	go func() { secondDone <- m.Connect(context.Background(), "") }()
	fresh := <-gd.dialing

	close(gd.release)

	if err := <-firstDone; !errors.Is(err, ErrNotConnected) {
		t.Errorf("first Connect = %v, want ErrNotConnected", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second Connect = %v, want nil", err)
	}
	if stale.IsConnected() {
		t.Error("transport dialed before Disconnect should be closed")
	}
	if !fresh.IsConnected() || m.State() != StateConnected {
		t.Errorf("State() = %v, fresh connected = %v, want connected", m.State(), fresh.IsConnected())
	}
	m.Disconnect()
}

func TestManager_MessagesThroughTransport(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	el := &fakeElement{}
	m.BindReadonly(el, "wifi.status")
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	ft.deliver("0 Searching")
	ft.deliver("UPD wifi.status Connected")

	waitFor(t, "update applied", func() bool { return el.Value() == "Connected" })
	if got := m.Stats().Responses; got != 1 {
		t.Errorf("Stats().Responses = %d, want 1", got)
	}
}

func TestBinding_ListenersRunInOrder(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)
	b := m.BindReadonly(&fakeElement{}, "wifi.status")
	if err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	var order []int
	for i := 0; i < 3; i++ {
		b.AddListener(RemoteUpdate, func(u Update) {
			if u.Name != "wifi.status" || u.Value != "up" {
				t.Errorf("update = %+v, want wifi.status=up", u)
			}
			order = append(order, i)
		})
	}

	m.handleMessage("UPD wifi.status up")

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("listener order = %v, want [0 1 2]", order)
	}
}

func TestManager_BindingsSorted(t *testing.T) {
	m, _ := newTestManager()
	m.BindReadonly(&fakeElement{}, "wifi.status")
	m.Bind(&fakeElement{}, "stored.number")
	m.BindReadonly(&fakeElement{}, "ethernet.status")

	got := m.Bindings()
	want := []string{"ethernet.status", "stored.number", "wifi.status"}
	if len(got) != len(want) {
		t.Fatalf("Bindings() returned %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name() != want[i] {
			t.Errorf("Bindings()[%d] = %q, want %q", i, got[i].Name(), want[i])
		}
	}

	b, ok := m.Binding("stored.number")
	if !ok || b.Mode() != ModeEditable {
		t.Errorf("Binding(stored.number) = %v, %v, want editable binding", b, ok)
	}
}
