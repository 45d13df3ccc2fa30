package reactive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvNotification(t *testing.T, l *Listener) Notification {
	t.Helper()
	select {
	case n := <-l.Notifications():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return Notification{}
	}
}

func TestDeliver_PassesPayloadThrough(t *testing.T) {
	l := NewListener(nil, ChangeChannel, 4)
	l.deliver("items:INSERT:r1")

	n := recvNotification(t, l)
	assert.Equal(t, "items:INSERT:r1", n.Payload)
	assert.Zero(t, n.Lagged)
}

// A burst that ends in a drop must still report the drop: the lag count may
// not wait for a next delivery that never comes.
func TestDeliver_TerminalDropSurfacesLag(t *testing.T) {
	l := NewListener(nil, ChangeChannel, 1)
	l.deliver("items:INSERT:r1")
	l.deliver("items:INSERT:r2") // buffer full, dropped

	first := recvNotification(t, l)
	assert.Equal(t, "items:INSERT:r1", first.Payload)
	assert.Zero(t, first.Lagged)

	lag := recvNotification(t, l)
	assert.Empty(t, lag.Payload)
	assert.Positive(t, lag.Lagged)
}

// Lag recorded around a reconnect reaches the consumer even when the channel
// stays quiet afterward.
func TestMarkLag_SurfacesWithoutFurtherTraffic(t *testing.T) {
	l := NewListener(nil, ChangeChannel, 4)
	l.markLag(1)

	lag := recvNotification(t, l)
	assert.Empty(t, lag.Payload)
	assert.Equal(t, int64(1), lag.Lagged)
}

// Once the lag has been reported, the stream is clean again.
func TestDeliver_LagDoesNotRepeat(t *testing.T) {
	l := NewListener(nil, ChangeChannel, 1)
	l.deliver("items:INSERT:r1")
	l.deliver("items:INSERT:r2") // dropped

	seenLag := false
	for range 2 {
		if recvNotification(t, l).Lagged > 0 {
			seenLag = true
		}
	}
	require.True(t, seenLag)

	l.deliver("items:INSERT:r3")
	n := recvNotification(t, l)
	assert.Equal(t, "items:INSERT:r3", n.Payload)
	assert.Zero(t, n.Lagged)
}
