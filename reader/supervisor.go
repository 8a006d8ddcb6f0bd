package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/alisitki/quantlab/internal/metrics"
	"github.com/alisitki/quantlab/internal/queue"
	"github.com/alisitki/quantlab/logger"
	"github.com/alisitki/quantlab/models"
)

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 60 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultPingTimeout       = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second

	maxLoggedFrame = 256
)

// State is the connection lifecycle phase of a Supervisor.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Publisher accepts normalized events, blocking while full.
type Publisher interface {
	Put(ctx context.Context, ev models.Event) error
}

// Recorder counts normalized events and dropped frames.
type Recorder interface {
	Record(kind models.StreamKind)
	RecordDrop()
}

// Options configures one exchange connection.
type Options struct {
	Symbols           []string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	HandshakeTimeout  time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		o.MaxReconnectDelay = defaultMaxReconnectDelay
		if o.MaxReconnectDelay < o.ReconnectDelay {
			o.MaxReconnectDelay = o.ReconnectDelay
		}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = defaultPingTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Supervisor owns one long-lived exchange connection. It connects,
// subscribes, feeds every frame through the exchange normalizer into the
// queue, and reconnects with exponential backoff after transport failures.
// Events from one Supervisor are published in frame arrival order.
type Supervisor struct {
	exchange Exchange
	opts     Options
	queue    Publisher
	runtime  Recorder

	dialer  *websocket.Dialer
	backoff *backoff.Backoff

	state   atomic.Int32
	running atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	dropLog *rate.Limiter
	log     *logger.Entry

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) bool
}

func NewSupervisor(exchange Exchange, opts Options, q Publisher, rt Recorder) *Supervisor {
	opts.applyDefaults()

	s := &Supervisor{
		exchange: exchange,
		opts:     opts,
		queue:    q,
		runtime:  rt,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		backoff: &backoff.Backoff{
			Min:    opts.ReconnectDelay,
			Max:    opts.MaxReconnectDelay,
			Factor: 2,
			Jitter: false,
		},
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 3),
		log: logger.GetLogger().WithComponent("supervisor").WithFields(logger.Fields{
			"exchange": exchange.Name(),
		}),
		now:  time.Now,
		wait: waitForReconnect,
	}
	s.setState(Disconnected)
	return s
}

func (s *Supervisor) Name() string { return s.exchange.Name() }

func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) Running() bool { return s.running.Load() }

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	metrics.SetConnectionState(s.exchange.Name(), int(st))
}

// Start runs the connect, read and reconnect cycle until Stop is called or
// ctx is cancelled. Transport failures never end the loop. It returns
// ctx.Err() on cancellation, queue.ErrClosed if the queue is closed under
// it, and nil after Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s supervisor already running", s.exchange.Name())
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.running.Store(false)
		s.setState(Disconnected)
		s.log.Info("supervisor stopped")
	}()

	s.log.WithFields(logger.Fields{
		"symbols":             s.opts.Symbols,
		"reconnect_delay":     s.opts.ReconnectDelay.String(),
		"max_reconnect_delay": s.opts.MaxReconnectDelay.String(),
	}).Info("starting supervisor")

	for s.running.Load() {
		err := s.runSession(runCtx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.running.Load() {
			return nil
		}
		if errors.Is(err, queue.ErrClosed) {
			s.log.Warn("event queue closed, supervisor exiting")
			return err
		}

		metrics.IncrementReconnect(s.exchange.Name())
		delay := s.backoff.Duration()
		entry := s.log.WithFields(logger.Fields{"retry_in": delay.String()})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("session ended, reconnecting")

		if s.wait(runCtx, delay) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
	}
	return nil
}

// Stop asks the running loop to exit and closes the open connection. A frame
// already being handled may still be published.
func (s *Supervisor) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	cancel, conn := s.cancel, s.conn
	s.mu.Unlock()

	s.log.Info("stopping supervisor")
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (s *Supervisor) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Supervisor) runSession(ctx context.Context) error {
	sub, err := s.exchange.Subscription(s.opts.Symbols)
	if err != nil {
		return fmt.Errorf("build subscription: %w", err)
	}

	s.setState(Connecting)
	conn, resp, err := s.dialer.DialContext(ctx, sub.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("dial: %w", err)
	}

	s.setConn(conn)
	sessionDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()
	defer func() {
		close(sessionDone)
		s.setConn(nil)
		conn.Close()
		s.setState(Disconnected)
	}()

	if len(sub.Request) > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.opts.HandshakeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, sub.Request); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		conn.SetWriteDeadline(time.Time{})
	}

	s.setState(Connected)
	s.backoff.Reset()
	s.log.WithFields(logger.Fields{"streams": len(sub.Streams)}).Info("connected")

	// The deadline only moves on reads, so a Put blocked for longer than idle
	// fails the next read and the session is rebuilt.
	idle := s.opts.PingInterval + s.opts.PingTimeout
	extend := func() { conn.SetReadDeadline(time.Now().Add(idle)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.PingTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	pingCancel := startPingLoop(ctx, conn, s.opts.PingInterval, s.opts.PingTimeout, s.log)
	defer pingCancel()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || !s.running.Load() {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		extend()

		if err := s.handleFrame(ctx, frame); err != nil {
			return err
		}
	}
}

// handleFrame normalizes one frame and publishes its events. Only a failure
// to publish is returned; undecodable frames are counted and skipped.
func (s *Supervisor) handleFrame(ctx context.Context, frame []byte) error {
	recv := s.now().UnixMilli()

	events, err := s.exchange.Normalize(frame, recv)
	if err != nil {
		s.recordDrop(err, frame)
		return nil
	}

	for _, ev := range events {
		if err := s.queue.Put(ctx, ev); err != nil {
			return err
		}
		s.runtime.Record(ev.Kind())
	}
	return nil
}

func (s *Supervisor) recordDrop(err error, frame []byte) {
	reason := dropReason(err)
	s.runtime.RecordDrop()
	metrics.EmitDropMetric(logger.GetLogger(), s.exchange.Name(), reason, "")

	if !s.dropLog.Allow() {
		return
	}
	if len(frame) > maxLoggedFrame {
		frame = frame[:maxLoggedFrame]
	}
	s.log.WithError(err).WithFields(logger.Fields{
		"reason": string(reason),
		"frame":  string(frame),
	}).Warn("dropping frame")
}

func dropReason(err error) metrics.DropReason {
	switch {
	case errors.Is(err, ErrUnknownStream):
		return metrics.DropUnknownStream
	case errors.Is(err, ErrValidation):
		return metrics.DropValidation
	default:
		return metrics.DropDecode
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// startPingLoop sends a ping every interval. A ping that cannot be written
// within timeout closes the connection so the read loop fails over.
func startPingLoop(ctx context.Context, conn *websocket.Conn, interval, timeout time.Duration, log *logger.Entry) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
					if pingCtx.Err() == nil {
						log.WithError(err).Warn("failed to send websocket ping")
					}
					conn.Close()
					return
				}
			}
		}
	}()
	return cancel
}
