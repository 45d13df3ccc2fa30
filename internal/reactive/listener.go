package reactive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeChannel is the NOTIFY channel the schema triggers publish on.
const ChangeChannel = "forge_changes"

// Notification is one delivery from the listener. Lagged reports how many
// notifications were dropped before this one because the buffer was full;
// consumers must treat any positive value as "anything may have changed".
// A notification may carry only a lag count, with an empty payload.
type Notification struct {
	Payload string
	Lagged  int64
}

// Listener holds one dedicated connection in LISTEN mode and fans
// notifications into a bounded channel. On any connection error it backs off
// and reconnects (1s doubling to 30s); notifications emitted while
// disconnected are lost, which consumers compensate for via the lag signal.
type Listener struct {
	pool    *pgxpool.Pool
	channel string

	out  chan Notification
	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	pending  int64 // dropped (or potentially missed) notifications not yet reported
	flushing bool
}

// NewListener builds a listener for one NOTIFY channel.
func NewListener(pool *pgxpool.Pool, channel string, buffer int) *Listener {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Listener{
		pool:    pool,
		channel: channel,
		out:     make(chan Notification, buffer),
		quit:    make(chan struct{}),
	}
}

// Notifications returns the delivery channel. It closes when Run returns.
func (l *Listener) Notifications() <-chan Notification {
	return l.out
}

// Run listens until ctx is cancelled, reconnecting on failure. Call it once.
func (l *Listener) Run(ctx context.Context) error {
	defer func() {
		close(l.quit)
		l.wg.Wait()
		close(l.out)
	}()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.ErrorContext(ctx, "change listener disconnected",
			"channel", l.channel,
			"error", err,
			"reconnect_in", backoff)

		// The gap while disconnected may have dropped notifications.
		l.markLag(1)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// listen pins a connection, issues LISTEN, and pumps notifications until the
// connection fails.
func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		return fmt.Errorf("listen on %s: %w", l.channel, err)
	}
	slog.InfoContext(ctx, "change listener connected", "channel", l.channel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.deliver(notification.Payload)
	}
}

// deliver pushes a notification without blocking the pump. A full buffer
// drops the payload and raises the lag count; the count piggybacks on the
// next delivery, and a flusher guarantees it surfaces even when the stream
// goes quiet right after the drop.
func (l *Listener) deliver(payload string) {
	l.mu.Lock()
	n := Notification{Payload: payload, Lagged: l.pending}
	select {
	case l.out <- n:
		l.pending = 0
		l.mu.Unlock()
		return
	default:
	}
	l.pending++
	lagged := l.pending
	l.mu.Unlock()

	slog.Warn("change listener buffer full, notification dropped",
		"channel", l.channel,
		"lagged", lagged)
	l.flushLag()
}

// markLag records potentially missed notifications and makes sure the count
// reaches the consumer.
func (l *Listener) markLag(n int64) {
	l.mu.Lock()
	l.pending += n
	l.mu.Unlock()
	l.flushLag()
}

// flushLag starts, at most one at a time, a goroutine that blocks until the
// outstanding lag count is delivered as a payload-free notification. The
// piggyback path alone is not enough: a burst that ends in a drop would
// otherwise never report the drop and subscribers would stay stale.
func (l *Listener) flushLag() {
	l.mu.Lock()
	if l.flushing || l.pending == 0 {
		l.mu.Unlock()
		return
	}
	l.flushing = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			l.mu.Lock()
			lagged := l.pending
			if lagged == 0 {
				l.flushing = false
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()

			select {
			case l.out <- Notification{Lagged: lagged}:
				l.mu.Lock()
				l.pending -= lagged
				l.mu.Unlock()
			case <-l.quit:
				l.mu.Lock()
				l.flushing = false
				l.mu.Unlock()
				return
			}
		}
	}()
}
