package router

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/bridge/internal/connmgr"
	"github.com/openclaw/bridge/internal/envelope"
	"github.com/openclaw/bridge/internal/event"
	"github.com/openclaw/bridge/internal/queue"
)

type fakeConn struct {
	mu       sync.Mutex
	received []*envelope.Envelope
	fail     bool
}

func (f *fakeConn) Deliver(env *envelope.Envelope) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	f.received = append(f.received, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	for i, e := range f.received {
		out[i] = e.ID
	}
	return out
}

func newRouter(queueLimit int) (*Router, *queue.Store, *event.Ring) {
	ring := event.NewRing(100)
	rec := event.NewRecorder(ring, zerolog.Nop())
	q := queue.NewStore(queueLimit, rec)
	return New(connmgr.New(), q, rec), q, ring
}

func env(id string) *envelope.Envelope {
	return envelope.New(id, "agent-client", "openclaw-server", "command", nil, "", time.Now())
}

func TestRouteDeliversToAllConnections(t *testing.T) {
	r, _, _ := newRouter(10)
	c1, c2 := &fakeConn{}, &fakeConn{}
	r.Attach("openclaw-server", c1)
	r.Attach("openclaw-server", c2)

	res := r.Route(env("m1"))
	assert.Equal(t, Result{DeliveredTo: 2, Queued: false}, res)
	assert.Equal(t, []string{"m1"}, c1.ids())
	assert.Equal(t, []string{"m1"}, c2.ids())
}

func TestRouteQueuesWhenOffline(t *testing.T) {
	r, q, ring := newRouter(10)

	res := r.Route(env("m1"))
	assert.Equal(t, Result{DeliveredTo: 0, Queued: true}, res)
	assert.Equal(t, 1, q.Depth("openclaw-server"))

	var sawWarn bool
	for _, ev := range ring.Snapshot(0) {
		if ev.Type == "envelope_queued" {
			sawWarn = true
			assert.Equal(t, event.LevelWarn, ev.Level)
		}
	}
	assert.True(t, sawWarn)
}

func TestWriteFailureDoesNotAbortFanout(t *testing.T) {
	r, q, _ := newRouter(10)
	bad := &fakeConn{fail: true}
	good := &fakeConn{}
	r.Attach("openclaw-server", bad)
	r.Attach("openclaw-server", good)

	res := r.Route(env("m1"))
	assert.Equal(t, Result{DeliveredTo: 1, Queued: false}, res)
	assert.Equal(t, []string{"m1"}, good.ids())
	// Failed writes are not requeued.
	assert.Equal(t, 0, q.Depth("openclaw-server"))
}

func TestAllWritesFailingFallsBackToQueue(t *testing.T) {
	r, q, ring := newRouter(10)
	bad := &fakeConn{fail: true}
	r.Attach("openclaw-server", bad)

	// The only connection dies under the fanout: the recipient counts as
	// offline, so the envelope must be queued, never dropped on the floor.
	res := r.Route(env("m1"))
	assert.Equal(t, Result{DeliveredTo: 0, Queued: true}, res)
	assert.Equal(t, 1, q.Depth("openclaw-server"))

	var sawQueued bool
	for _, ev := range ring.Snapshot(0) {
		if ev.Type == "envelope_queued" {
			sawQueued = true
		}
	}
	assert.True(t, sawQueued)

	// The queued envelope is drained by the next healthy connection.
	good := &fakeConn{}
	drained := r.Attach("openclaw-server", good)
	require.Len(t, drained, 1)
	assert.Equal(t, "m1", drained[0].ID)
}

func TestAttachDrainsQueueInOrder(t *testing.T) {
	r, q, _ := newRouter(10)

	for i := 0; i < 3; i++ {
		r.Route(env(fmt.Sprintf("m%d", i)))
	}
	require.Equal(t, 3, q.Depth("openclaw-server"))

	c := &fakeConn{}
	drained := r.Attach("openclaw-server", c)
	require.Len(t, drained, 3)
	assert.Equal(t, "m0", drained[0].ID)
	assert.Equal(t, "m1", drained[1].ID)
	assert.Equal(t, "m2", drained[2].ID)
	assert.Equal(t, 0, q.Depth("openclaw-server"))

	// Envelopes routed after attach go straight to the connection.
	res := r.Route(env("m3"))
	assert.Equal(t, Result{DeliveredTo: 1, Queued: false}, res)
	assert.Equal(t, []string{"m3"}, c.ids())
}

func TestDetachReturnsToQueueing(t *testing.T) {
	r, q, _ := newRouter(10)
	c := &fakeConn{}
	r.Attach("openclaw-server", c)
	r.Detach("openclaw-server", c)

	res := r.Route(env("m1"))
	assert.Equal(t, Result{DeliveredTo: 0, Queued: true}, res)
	assert.Equal(t, 1, q.Depth("openclaw-server"))
	assert.Empty(t, c.ids())
}

func TestConcurrentRouteAndAttachLosesNothing(t *testing.T) {
	r, q, _ := newRouter(1000)
	const n = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			r.Route(env(fmt.Sprintf("m%d", i)))
		}
	}()

	c := &fakeConn{}
	time.Sleep(time.Millisecond)
	drained := r.Attach("openclaw-server", c)
	wg.Wait()

	// Every envelope was either drained from the queue or delivered live.
	assert.Equal(t, n, len(drained)+len(c.ids()))
	assert.Equal(t, 0, q.Depth("openclaw-server"))
}
