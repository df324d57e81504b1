package ws

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tickstream/metrics"
	"tickstream/models"
	"tickstream/parser"
	"tickstream/utils"
)

var ErrChannelClosed = errors.New("channel is not running")

// Channel keeps one logical streaming connection for a key set alive,
// reconnecting with the configured backoff after every transport failure.
//
// All state transitions happen on the goroutine running Run. Events carry
// the epoch of the connection that produced them; Open and Close advance
// the epoch before anything else so consumers can discard trailing events
// from a superseded connection.
type Channel struct {
	dialer Dialer
	policy backoff.BackOff
	logger *zap.SugaredLogger

	cmds    chan command
	results chan dialResult
	drops   chan dropSignal
	events  chan models.Event
	states  chan models.ConnectionState
	done    chan struct{}
	started atomic.Bool

	state atomic.Int32
	epoch atomic.Uint64

	// OnReconnectScheduled is called on the channel goroutine each time a
	// retry timer is armed. attempt counts consecutive failures from 1.
	OnReconnectScheduled func(attempt int, delay time.Duration)

	// owned by the Run goroutine
	keys    []string
	current *session
	timer   *time.Timer
	attempt int
}

type session struct {
	id     string
	epoch  uint64
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
}

type command struct {
	open bool
	keys []string
	ack  chan struct{}
}

type dialResult struct {
	epoch uint64
	conn  Conn
	err   error
}

type dropSignal struct {
	epoch uint64
	err   error
}

// NewChannel creates a channel. bufferSize bounds the decoded event queue.
func NewChannel(dialer Dialer, policy backoff.BackOff, bufferSize int, logger *zap.SugaredLogger) *Channel {
	if logger == nil {
		logger = utils.Logger
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Channel{
		dialer:  dialer,
		policy:  policy,
		logger:  logger.With("component", "ws_channel"),
		cmds:    make(chan command, 16),
		results: make(chan dialResult, 1),
		drops:   make(chan dropSignal, 1),
		events:  make(chan models.Event, bufferSize),
		states:  make(chan models.ConnectionState, 16),
		done:    make(chan struct{}),
	}
}

// Events returns decoded tick, trade and status events. Heartbeats are
// consumed by the channel. The channel is never closed.
func (c *Channel) Events() <-chan models.Event { return c.events }

// States returns connection state transitions. Under backpressure the
// oldest undelivered transitions are dropped; State is always current.
func (c *Channel) States() <-chan models.ConnectionState { return c.states }

func (c *Channel) State() models.ConnectionState {
	return models.ConnectionState(c.state.Load())
}

// Epoch identifies the connection whose events are current.
func (c *Channel) Epoch() uint64 { return c.epoch.Load() }

// Open replaces the subscription with keys. An empty key set tears the
// connection down without reconnecting.
func (c *Channel) Open(keys []string) error {
	c.epoch.Add(1)
	return c.send(command{open: true, keys: models.NormalizeKeys(keys)})
}

// Close tears the connection down and cancels any pending reconnect. It
// returns once the channel goroutine has applied the teardown.
func (c *Channel) Close() error {
	c.epoch.Add(1)
	ack := make(chan struct{})
	if err := c.send(command{ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-c.done:
		return nil
	}
}

func (c *Channel) send(cmd command) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// Run drives the state machine until ctx is cancelled. Commands issued
// before Run starts are queued.
func (c *Channel) Run(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	defer close(c.done)
	defer c.teardown()

	for {
		var timerC <-chan time.Time
		if c.timer != nil {
			timerC = c.timer.C
		}

		select {
		case <-ctx.Done():
			return

		case cmd := <-c.cmds:
			if cmd.open && len(cmd.keys) > 0 {
				c.open(ctx, cmd.keys)
			} else {
				c.teardown()
			}
			if cmd.ack != nil {
				close(cmd.ack)
			}

		case r := <-c.results:
			c.handleDial(ctx, r)

		case d := <-c.drops:
			if c.current == nil || c.current.epoch != d.epoch {
				continue
			}
			c.logger.Warnw("Stream connection lost", "conn_id", c.current.id, "epoch", d.epoch, "error", d.err)
			c.fail(d.err)

		case <-timerC:
			c.timer = nil
			if len(c.keys) > 0 {
				c.connect(ctx)
			}
		}
	}
}

func (c *Channel) open(ctx context.Context, keys []string) {
	c.teardown()
	c.keys = keys
	c.connect(ctx)
}

// teardown returns the channel to Disconnected with no pending retry and
// the backoff at its floor.
func (c *Channel) teardown() {
	c.stopTimer()
	c.dropSession()
	c.keys = nil
	c.attempt = 0
	c.policy.Reset()
	c.setState(models.Disconnected)
}

func (c *Channel) connect(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:     uuid.New().String(),
		epoch:  c.epoch.Add(1),
		ctx:    sctx,
		cancel: cancel,
	}
	c.current = sess
	c.setState(models.Connecting)
	metrics.IncrementConnectAttempts()

	keys := append([]string(nil), c.keys...)
	c.logger.Infow("Connecting stream", "conn_id", sess.id, "epoch", sess.epoch, "keys", keys)

	go func() {
		conn, err := c.dialer.Dial(sctx, keys)
		select {
		case c.results <- dialResult{epoch: sess.epoch, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (c *Channel) handleDial(ctx context.Context, r dialResult) {
	sess := c.current
	if sess == nil || sess.epoch != r.epoch || r.epoch != c.epoch.Load() {
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}
	if r.err != nil {
		c.logger.Warnw("Stream connect failed", "conn_id", sess.id, "epoch", sess.epoch, "error", r.err)
		c.fail(r.err)
		return
	}

	sess.conn = r.conn
	c.attempt = 0
	c.policy.Reset()
	c.setState(models.Connected)
	c.logger.Infow("Stream connected", "conn_id", sess.id, "epoch", sess.epoch)

	go c.readLoop(ctx, sess)
}

// fail handles a transport failure of the current session: exactly one
// retry is scheduled with the last requested key set.
func (c *Channel) fail(err error) {
	c.dropSession()
	c.setState(models.Disconnected)

	delay := c.policy.NextBackOff()
	if delay == backoff.Stop {
		c.policy.Reset()
		delay = c.policy.NextBackOff()
	}
	c.attempt++
	c.stopTimer()
	c.timer = time.NewTimer(delay)

	metrics.IncrementReconnects()
	c.logger.Infow("Reconnect scheduled", "attempt", c.attempt, "delay", delay, "cause", err)
	if c.OnReconnectScheduled != nil {
		c.OnReconnectScheduled(c.attempt, delay)
	}
}

func (c *Channel) dropSession() {
	if c.current == nil {
		return
	}
	c.current.cancel()
	if c.current.conn != nil {
		c.current.conn.Close()
	}
	c.current = nil
}

func (c *Channel) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) readLoop(ctx context.Context, sess *session) {
	for {
		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			select {
			case c.drops <- dropSignal{epoch: sess.epoch, err: err}:
			case <-sess.ctx.Done():
			case <-ctx.Done():
			}
			return
		}
		if c.epoch.Load() != sess.epoch {
			return
		}

		ev, err := parser.Decode(mt, data)
		if err != nil {
			metrics.IncrementDecodeFailures()
			c.logger.Debugw("Dropping undecodable message", "conn_id", sess.id, "error", err)
			continue
		}
		if ev.Kind == models.KindHeartbeat || ev.Kind == models.KindUnknown {
			continue
		}
		ev.Epoch = sess.epoch

		select {
		case c.events <- ev:
		case <-sess.ctx.Done():
			return
		}
	}
}

func (c *Channel) setState(s models.ConnectionState) {
	if models.ConnectionState(c.state.Swap(int32(s))) == s {
		return
	}
	metrics.SetConnectionState(int(s))
	for {
		select {
		case c.states <- s:
			return
		default:
		}
		select {
		case <-c.states:
		default:
		}
	}
}
