// Package offline buffers mutations while no member is reachable and
// drives the reconnection loop.
//
// The Manager is online until the room reports connectivity loss. While
// offline, or while anything is still queued, every outgoing mutation is
// appended to a FIFO queue. Reconnection attempts back off geometrically
// from a base delay up to a ceiling and stop after a bounded number of
// attempts; after that only ForceReconnect tries again. A successful
// reconnection flushes the queue in order, dequeuing each operation only
// once every connected member acknowledged it.
package offline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/matchsync/config"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/replication"
	"github.com/mossy-p/matchsync/internal/transport"
	"github.com/sethvargo/go-retry"
)

// ErrOperationExhausted marks an operation dropped after too many failed
// deliveries.
var ErrOperationExhausted = errors.New("queued operation exhausted its retries")

// Phase is the reconnection state.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
)

// ReconnectionState is reset to idle on success and becomes failed once
// the attempt ceiling is reached.
type ReconnectionState struct {
	Phase       Phase     `json:"phase"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"lastAttempt"`
}

// Operation is a mutation waiting for delivery.
type Operation struct {
	ID         string              `json:"id"`
	EntityRef  string              `json:"entityRef"`
	Message    replication.Message `json:"message"`
	CreatedAt  time.Time           `json:"createdAt"`
	RetryCount int                 `json:"retryCount"`
}

// Broadcaster sends a payload to every connected member.
type Broadcaster interface {
	Broadcast(payload []byte) (int, error)
}

// Deliverer sends a message and waits for its acknowledgments.
type Deliverer interface {
	Deliver(ctx context.Context, msg replication.Message) error
}

// Reconnector re-establishes the room.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// ReconnectFunc adapts a function to Reconnector.
type ReconnectFunc func(ctx context.Context) error

func (f ReconnectFunc) Reconnect(ctx context.Context) error { return f(ctx) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a reconnection error that no further attempt can fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Config tunes a Manager.
type Config struct {
	Reconnect           config.ReconnectConfig
	AckTimeout          time.Duration
	MaxOperationRetries int
	// AutoSync sends mutations as they are submitted. When false they are
	// queued until Flush.
	AutoSync bool
}

// Manager owns the offline queue and the reconnection state.
type Manager struct {
	cfg         Config
	broadcaster Broadcaster
	deliverer   Deliverer
	reconnector Reconnector
	log         *logger.Logger
	now         func() time.Time

	submitMu sync.Mutex

	mu         sync.Mutex
	queue      []*Operation
	online     bool
	flushing   bool
	restores   uint64
	state      ReconnectionState
	generation uint64
	cancelLoop context.CancelFunc
	attempting bool
	closed     bool
	listener   Listener
	wg         sync.WaitGroup
}

// NewManager creates an online, idle Manager.
func NewManager(cfg Config, b Broadcaster, d Deliverer, r Reconnector, log *logger.Logger) *Manager {
	if cfg.Reconnect.MaxAttempts < 1 {
		cfg.Reconnect.MaxAttempts = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		broadcaster: b,
		deliverer:   d,
		reconnector: r,
		log:         log,
		now:         time.Now,
		online:      true,
		state:       ReconnectionState{Phase: PhaseIdle},
	}
}

func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// Submit sends msg to the room, or queues it when it cannot go out now.
// Queueing while online with auto sync on starts a flush so pending
// operations never wait for the next connectivity change.
func (m *Manager) Submit(msg replication.Message, entityRef string) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	op := &Operation{
		ID:        uuid.New().String(),
		EntityRef: entityRef,
		Message:   msg,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	if !m.online || m.flushing || len(m.queue) > 0 || !m.cfg.AutoSync {
		m.queue = append(m.queue, op)
		size := len(m.queue)
		flush := m.startFlushLocked()
		m.mu.Unlock()
		m.queued(op, size, flush)
		return nil
	}
	restores := m.restores
	m.mu.Unlock()

	data, err := replication.Encode(msg)
	if err != nil {
		return err
	}
	sent, err := m.broadcaster.Broadcast(data)
	if sent > 0 {
		if err != nil {
			m.log.Warn().Err(err).Uint64("seq", msg.Sequence).Msg("partial broadcast")
		}
		return nil
	}
	m.log.Debug().Err(err).Uint64("seq", msg.Sequence).Msg("broadcast reached nobody, queueing")

	m.mu.Lock()
	m.queue = append(m.queue, op)
	size := len(m.queue)
	// A restore since the broadcast found the queue empty and flushed nothing.
	flush := m.restores != restores && m.startFlushLocked()
	m.mu.Unlock()
	m.queued(op, size, flush)
	return nil
}

func (m *Manager) queued(op *Operation, size int, flush bool) {
	m.log.Debug().Str("op", op.ID).Uint64("seq", op.Message.Sequence).Int("queued", size).Msg("operation queued")
	m.emit(Event{Type: EventOperationQueued, Operation: *op})
	if flush {
		m.flushInBackground()
	}
}

// HandleConnectivityLost switches to offline and starts reconnecting.
func (m *Manager) HandleConnectivityLost() {
	m.mu.Lock()
	wasOnline := m.online
	m.online = false
	m.mu.Unlock()

	if wasOnline {
		m.log.Warn().Msg("connectivity lost")
		m.emit(Event{Type: EventWentOffline})
	}
	m.startReconnect(false)
}

// HandleSignalingLost starts reconnecting without going offline; peer
// connections may still be up.
func (m *Manager) HandleSignalingLost() {
	m.startReconnect(false)
}

// HandleConnectivityRestored ends any reconnection loop, goes back online
// and flushes the queue when auto sync is on.
func (m *Manager) HandleConnectivityRestored() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.stopLoopLocked(false)
	m.state = ReconnectionState{Phase: PhaseIdle, LastAttempt: m.state.LastAttempt}
	m.mu.Unlock()

	m.comeOnline()
}

// ForceReconnect cancels any backoff wait, resets the attempt counter and
// attempts immediately, also after the loop gave up.
func (m *Manager) ForceReconnect() {
	m.startReconnect(true)
}

// Flush delivers queued operations in order, each awaiting its
// acknowledgments. An operation failing more than MaxOperationRetries
// times is dropped. Flush stops early when nobody is connected.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return nil
	}
	m.flushing = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return nil
		}
		op := m.queue[0]
		m.mu.Unlock()

		deliverCtx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
		err := m.deliverer.Deliver(deliverCtx, op.Message)
		cancel()

		if err == nil {
			m.mu.Lock()
			m.removeLocked(op)
			processed := *op
			m.mu.Unlock()

			m.log.Debug().Str("op", op.ID).Uint64("seq", op.Message.Sequence).Msg("operation delivered")
			m.emit(Event{Type: EventOperationProcessed, Operation: processed})
			continue
		}

		if ctx.Err() != nil || errors.Is(err, transport.ErrNotConnected) {
			m.mu.Lock()
			m.flushing = false
			m.mu.Unlock()
			return fmt.Errorf("flushing offline queue: %w", err)
		}

		m.mu.Lock()
		op.RetryCount++
		exhausted := op.RetryCount > m.cfg.MaxOperationRetries
		if exhausted {
			m.removeLocked(op)
		}
		dropped := *op
		m.mu.Unlock()

		m.log.Warn().Err(err).Str("op", op.ID).Int("retries", dropped.RetryCount).Msg("operation delivery failed")
		if exhausted {
			m.emit(Event{Type: EventOperationDropped, Operation: dropped,
				Err: fmt.Errorf("%w: %s: %w", ErrOperationExhausted, op.ID, err)})
		}
	}
}

// ClearQueue discards every queued operation and returns how many there
// were.
func (m *Manager) ClearQueue() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	m.queue = nil
	m.log.Info().Int("discarded", n).Msg("offline queue cleared")
	return n
}

// Reset abandons any reconnection and returns to online and idle, as
// after leaving a room. Queued operations stay until the next flush.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLoopLocked(true)
	m.state = ReconnectionState{Phase: PhaseIdle}
	m.online = true
}

func (m *Manager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Queue returns a copy of the queued operations in delivery order.
func (m *Manager) Queue() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]Operation, 0, len(m.queue))
	for _, op := range m.queue {
		ops = append(ops, *op)
	}
	return ops
}

func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manager) ReconnectionState() ReconnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close stops the reconnection loop and waits for it to exit. The queue
// is kept.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.stopLoopLocked(true)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) startReconnect(force bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	switch {
	case force:
		m.stopLoopLocked(true)
	case m.state.Phase != PhaseIdle:
		// Already reconnecting, or given up until forced.
		m.mu.Unlock()
		return
	}

	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelLoop = cancel
	m.attempting = false
	m.state = ReconnectionState{Phase: PhaseReconnecting, LastAttempt: m.state.LastAttempt}
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info().Bool("forced", force).Msg("reconnection started")
	m.emit(Event{Type: EventReconnectionStarted})
	go m.reconnectLoop(ctx, cancel, gen)
}

// stopLoopLocked retires the running loop. Unless interrupt is set, an
// attempt in flight runs to completion and its result is discarded; only
// a backoff wait is cut short.
func (m *Manager) stopLoopLocked(interrupt bool) {
	m.generation++
	if m.cancelLoop != nil && (interrupt || !m.attempting) {
		m.cancelLoop()
	}
	m.cancelLoop = nil
}

func (m *Manager) reconnectLoop(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer m.wg.Done()
	defer cancel()

	err := retry.Do(ctx, NewBackoff(m.cfg.Reconnect), func(ctx context.Context) error {
		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return context.Canceled
		}
		m.attempting = true
		m.state.Attempts++
		m.state.LastAttempt = m.now()
		attempt := m.state.Attempts
		m.mu.Unlock()

		m.log.Info().Int("attempt", attempt).Int("max", m.cfg.Reconnect.MaxAttempts).Msg("reconnection attempt")
		err := m.reconnector.Reconnect(ctx)

		m.mu.Lock()
		current := m.generation == gen
		if current {
			m.attempting = false
		}
		m.mu.Unlock()

		var permanent *permanentError
		switch {
		case !current:
			return context.Canceled
		case err == nil:
			return nil
		case errors.As(err, &permanent), ctx.Err() != nil:
			return err
		default:
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")
			return retry.RetryableError(err)
		}
	})

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.cancelLoop = nil
	if err != nil {
		m.state.Phase = PhaseFailed
		attempts := m.state.Attempts
		m.mu.Unlock()

		m.log.Error().Err(err).Int("attempts", attempts).Msg("reconnection failed")
		m.emit(Event{Type: EventReconnectionFailed, Attempts: attempts, Err: err})
		return
	}
	m.state = ReconnectionState{Phase: PhaseIdle, LastAttempt: m.state.LastAttempt}
	m.mu.Unlock()

	m.comeOnline()
}

// comeOnline marks the manager online and flushes the queue in the
// background when auto sync is on.
func (m *Manager) comeOnline() {
	m.mu.Lock()
	wasOnline := m.online
	m.online = true
	m.restores++
	flush := m.startFlushLocked()
	m.mu.Unlock()

	if !wasOnline {
		m.log.Info().Msg("back online")
		m.emit(Event{Type: EventBackOnline})
	}
	if flush {
		m.flushInBackground()
	}
}

// startFlushLocked reports whether a background flush should start and
// registers it with the wait group.
func (m *Manager) startFlushLocked() bool {
	if !m.online || !m.cfg.AutoSync || m.flushing || m.closed || len(m.queue) == 0 {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) flushInBackground() {
	go func() {
		defer m.wg.Done()
		err := m.Flush(context.Background())
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrNotConnected):
			m.log.Debug().Err(err).Msg("offline queue flush waiting for peers")
		default:
			m.log.Warn().Err(err).Msg("offline queue flush stopped")
		}
	}()
}

func (m *Manager) removeLocked(op *Operation) {
	for i, queued := range m.queue {
		if queued == op {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener(ev)
	}
}

// NewBackoff returns the reconnection schedule: base·factor^(n-1) before
// attempt n+1, capped at the maximum delay, for at most MaxAttempts
// attempts in total.
func NewBackoff(cfg config.ReconnectConfig) retry.Backoff {
	attempt := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))
		attempt++
		if math.IsInf(delay, 0) || delay > float64(cfg.MaxDelay) {
			return cfg.MaxDelay, false
		}
		return time.Duration(delay), false
	})

	retries := cfg.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), retry.WithCappedDuration(cfg.MaxDelay, next))
}

// Schedule lists the delays NewBackoff waits between attempts.
func Schedule(cfg config.ReconnectConfig) []time.Duration {
	b := NewBackoff(cfg)
	var delays []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			return delays
		}
		delays = append(delays, d)
	}
}
