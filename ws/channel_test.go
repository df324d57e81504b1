package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickstream/models"
	"tickstream/utils"
)

type frame struct {
	mt   int
	data []byte
	err  error
}

type fakeConn struct {
	frames chan frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan frame, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.frames:
		return fr.mt, fr.data, fr.err
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) text(s string) { f.frames <- frame{mt: websocket.TextMessage, data: []byte(s)} }
func (f *fakeConn) fail()         { f.frames <- frame{err: errors.New("connection reset")} }

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	dials [][]string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, keys []string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, append([]string(nil), keys...))
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) lastKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		return nil
	}
	return d.dials[len(d.dials)-1]
}

func startChannel(t *testing.T, d Dialer, steps ...time.Duration) *Channel {
	t.Helper()
	ch := NewChannel(d, utils.NewLadderBackOff(steps...), 64, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go ch.Run(ctx)
	t.Cleanup(cancel)
	return ch
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

func waitState(t *testing.T, ch *Channel, want models.ConnectionState) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return ch.State() == want })
}

func nextEvent(t *testing.T, ch *Channel) models.Event {
	t.Helper()
	select {
	case ev := <-ch.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func TestChannel_ConnectsAndDeliversEvents(t *testing.T) {
	d := &fakeDialer{}
	ch := startChannel(t, d, time.Millisecond)

	if ch.State() != models.Disconnected {
		t.Fatalf("expected initial state disconnected, got %s", ch.State())
	}
	if err := ch.Open([]string{"NSE_FO|1", " ", "NSE_FO|2", "NSE_FO|1"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, ch, models.Connected)

	keys := d.lastKeys()
	if len(keys) != 2 || keys[0] != "NSE_FO|1" || keys[1] != "NSE_FO|2" {
		t.Errorf("expected normalized keys, got %v", keys)
	}

	conn := d.lastConn()
	conn.text("pong")
	conn.text(`{"type":"tick","instrumentKey":"NSE_FO|1","ltp":100,"ts":1000}`)

	ev := nextEvent(t, ch)
	if ev.Kind != models.KindTick || ev.Tick.InstrumentKey != "NSE_FO|1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Epoch != ch.Epoch() {
		t.Errorf("event epoch %d, current %d", ev.Epoch, ch.Epoch())
	}
}

func TestChannel_DecodeFailureKeepsConnection(t *testing.T) {
	d := &fakeDialer{}
	ch := startChannel(t, d, time.Millisecond)
	ch.Open([]string{"A"})
	waitState(t, ch, models.Connected)

	conn := d.lastConn()
	conn.text(`{"type":"tick",`)
	conn.text(`{"type":"trade","optionType":"CE","txId":"t1","ts":5}`)

	ev := nextEvent(t, ch)
	if ev.Kind != models.KindTrade || ev.Trade.TxID != "t1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ch.State() != models.Connected {
		t.Errorf("decode failure changed state to %s", ch.State())
	}
	if d.dialCount() != 1 {
		t.Errorf("decode failure caused a redial")
	}
}

func TestChannel_ReconnectsWithSameKeys(t *testing.T) {
	d := &fakeDialer{}
	ch := startChannel(t, d, 5*time.Millisecond)

	var mu sync.Mutex
	var attempts []int
	ch.OnReconnectScheduled = func(attempt int, _ time.Duration) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	}

	ch.Open([]string{"A", "B"})
	waitState(t, ch, models.Connected)
	first := d.lastConn()

	first.fail()
	waitFor(t, "redial", func() bool { return d.dialCount() == 2 })
	waitState(t, ch, models.Connected)

	keys := d.lastKeys()
	if len(keys) != 2 || keys[0] != "A" || keys[1] != "B" {
		t.Errorf("retry used keys %v", keys)
	}
	if !first.isClosed() {
		t.Error("failed connection was not closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Errorf("expected one scheduled retry, got %v", attempts)
	}
}

func TestChannel_ConsecutiveFailuresBackOff(t *testing.T) {
	d := &fakeDialer{fail: true}
	ch := NewChannel(d, utils.NewExponentialBackoff(time.Millisecond, 8*time.Millisecond), 8, nil)

	type sched struct {
		attempt int
		delay   time.Duration
		dials   int
	}
	got := make(chan sched, 64)
	ch.OnReconnectScheduled = func(attempt int, delay time.Duration) {
		got <- sched{attempt, delay, d.dialCount()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)
	ch.Open([]string{"A"})

	var prev time.Duration
	for k := 1; k <= 6; k++ {
		var s sched
		select {
		case s = <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for retry %d", k)
		}
		if s.attempt != k {
			t.Errorf("retry %d reported attempt %d", k, s.attempt)
		}
		if s.dials != k {
			t.Errorf("after %d failures saw %d connection attempts", k, s.dials)
		}
		if s.delay < prev {
			t.Errorf("delay decreased: %v after %v", s.delay, prev)
		}
		if s.delay > 8*time.Millisecond {
			t.Errorf("delay %v above cap", s.delay)
		}
		prev = s.delay
	}
	if prev != 8*time.Millisecond {
		t.Errorf("expected delays to reach the cap, last was %v", prev)
	}
}

func TestChannel_CloseCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{fail: true}
	ch := startChannel(t, d, 30*time.Millisecond)

	scheduled := make(chan struct{}, 8)
	ch.OnReconnectScheduled = func(int, time.Duration) { scheduled <- struct{}{} }

	ch.Open([]string{"A"})
	select {
	case <-scheduled:
	case <-time.After(2 * time.Second):
		t.Fatal("no retry scheduled")
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ch.State() != models.Disconnected {
		t.Fatalf("expected disconnected after Close, got %s", ch.State())
	}

	dials := d.dialCount()
	time.Sleep(100 * time.Millisecond)
	if d.dialCount() != dials {
		t.Errorf("reconnect fired after Close: %d -> %d dials", dials, d.dialCount())
	}
	if ch.State() != models.Disconnected {
		t.Errorf("state changed after Close: %s", ch.State())
	}

	// Open starts again from the backoff floor.
	d.mu.Lock()
	d.fail = false
	d.mu.Unlock()
	ch.Open([]string{"A"})
	waitState(t, ch, models.Connected)
}

func TestChannel_OpenReplacesSubscription(t *testing.T) {
	d := &fakeDialer{}
	ch := startChannel(t, d, time.Millisecond)

	ch.Open([]string{"A"})
	waitState(t, ch, models.Connected)
	old := d.lastConn()
	oldEpoch := ch.Epoch()

	ch.Open([]string{"B"})
	waitFor(t, "second dial", func() bool { return d.dialCount() == 2 })
	waitState(t, ch, models.Connected)

	if !old.isClosed() {
		t.Error("superseded connection still open")
	}
	if ch.Epoch() <= oldEpoch {
		t.Errorf("epoch did not advance: %d -> %d", oldEpoch, ch.Epoch())
	}
	if keys := d.lastKeys(); len(keys) != 1 || keys[0] != "B" {
		t.Errorf("expected new keys [B], got %v", keys)
	}

	d.lastConn().text(`{"type":"tick","instrumentKey":"B","ltp":1,"ts":1}`)
	ev := nextEvent(t, ch)
	if ev.Tick.InstrumentKey != "B" || ev.Epoch != ch.Epoch() {
		t.Errorf("unexpected event %+v (epoch %d)", ev, ch.Epoch())
	}
}

func TestChannel_EmptyKeysTearsDown(t *testing.T) {
	d := &fakeDialer{}
	ch := startChannel(t, d, time.Millisecond)

	ch.Open([]string{"A"})
	waitState(t, ch, models.Connected)
	conn := d.lastConn()

	ch.Open(nil)
	waitState(t, ch, models.Disconnected)
	waitFor(t, "close", conn.isClosed)

	time.Sleep(20 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Errorf("empty open should not dial, saw %d dials", d.dialCount())
	}
}

func TestChannel_StopsOnContextCancel(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(d, utils.NewLadderBackOff(time.Millisecond), 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	ch.Open([]string{"A"})
	waitState(t, ch, models.Connected)
	cancel()
	<-done

	if ch.State() != models.Disconnected {
		t.Errorf("expected disconnected after stop, got %s", ch.State())
	}
	if !d.lastConn().isClosed() {
		t.Error("connection left open after stop")
	}
	if err := ch.Open([]string{"A"}); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
}
