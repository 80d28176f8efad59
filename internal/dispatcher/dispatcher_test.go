package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/i474232898/weather-data-aggregation/internal/observability"
	"github.com/i474232898/weather-data-aggregation/internal/protocol"
	"github.com/i474232898/weather-data-aggregation/internal/replica"
	"github.com/i474232898/weather-data-aggregation/internal/store"
)

// fakeProber reports addresses in down as unreachable.
type fakeProber struct {
	mu    sync.Mutex
	down  map[string]bool
	calls []string
}

func (p *fakeProber) Probe(_ context.Context, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, addr)
	if p.down[addr] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProber) setDown(addr string, down bool) {
	p.mu.Lock()
	p.down[addr] = down
	p.mu.Unlock()
}

func (p *fakeProber) probed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type stubReplica struct {
	id, addr string
}

func (r stubReplica) ID() string                     { return r.id }
func (r stubReplica) Addr() string                   { return r.addr }
func (r stubReplica) Accept(net.Conn) (int64, error) { return 0, nil }
func (r stubReplica) Stop() error                    { return nil }

func stubs(ids ...string) []Replica {
	out := make([]Replica, len(ids))
	for i, id := range ids {
		out[i] = stubReplica{id: id, addr: id + ":1"}
	}
	return out
}

func TestNew_RequiresReplicas(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.ErrorIs(t, err, ErrNoReplicas)
}

func TestSelectReplica_StaysOnReachable(t *testing.T) {
	p := &fakeProber{down: map[string]bool{}}
	d, err := New(Config{Prober: p}, stubs("a", "b", "c"), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r, err := d.SelectReplica(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", r.ID())
	}
}

func TestSelectReplica_SkipsUnreachable(t *testing.T) {
	p := &fakeProber{down: map[string]bool{"a:1": true}}
	d, err := New(Config{Prober: p, BreakerFailures: 100}, stubs("a", "b", "c"), nil)
	require.NoError(t, err)

	r, err := d.SelectReplica(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", r.ID())

	// The index now rests on b; a is not probed again while b answers.
	p.setDown("a:1", false)
	r, err = d.SelectReplica(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", r.ID())
	assert.Equal(t, []string{"a:1", "b:1", "b:1"}, p.probed())
}

func TestSelectReplica_WrapsAround(t *testing.T) {
	p := &fakeProber{down: map[string]bool{"c:1": true}}
	d, err := New(Config{Prober: p, BreakerFailures: 100}, stubs("a", "b", "c"), nil)
	require.NoError(t, err)
	d.next = 2

	r, err := d.SelectReplica(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", r.ID())
}

func TestSelectReplica_NoneAvailable(t *testing.T) {
	p := &fakeProber{down: map[string]bool{"a:1": true, "b:1": true}}
	d, err := New(Config{Prober: p, BreakerFailures: 100}, stubs("a", "b"), observability.NewMetricsForTesting())
	require.NoError(t, err)

	_, err = d.SelectReplica(context.Background())
	require.ErrorIs(t, err, ErrNoReplicaAvailable)
	// One full pass, each replica at most once.
	assert.Len(t, p.probed(), 2)
}

func TestSelectReplica_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	p := &fakeProber{down: map[string]bool{"a:1": true}}
	d, err := New(Config{Prober: p, BreakerFailures: 2, BreakerTimeout: time.Hour}, stubs("a", "b"), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d.next = 0
		_, err := d.SelectReplica(context.Background())
		require.NoError(t, err)
	}
	state, ok := d.BreakerState("a")
	require.True(t, ok)
	assert.Equal(t, gobreaker.StateOpen, state)

	// With the breaker open, a is skipped without a dial.
	before := len(p.probed())
	d.next = 0
	r, err := d.SelectReplica(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", r.ID())
	assert.Equal(t, []string{"b:1"}, p.probed()[before:])

	_, ok = d.BreakerState("zzz")
	assert.False(t, ok)
}

// gatedProber fails its first probe and holds its second until released.
type gatedProber struct {
	calls   *atomic.Int64
	blocked chan struct{}
	release chan struct{}
}

func (p *gatedProber) Probe(context.Context, string) error {
	switch p.calls.Inc() {
	case 1:
		return errors.New("connection refused")
	case 2:
		close(p.blocked)
		<-p.release
	}
	return nil
}

func TestSelectReplica_HalfOpenTrialDoesNotRejectConcurrentCallers(t *testing.T) {
	p := &gatedProber{
		calls:   atomic.NewInt64(0),
		blocked: make(chan struct{}),
		release: make(chan struct{}),
	}
	d, err := New(Config{Prober: p, BreakerFailures: 1, BreakerTimeout: 20 * time.Millisecond}, stubs("a"), nil)
	require.NoError(t, err)

	_, err = d.SelectReplica(context.Background())
	require.ErrorIs(t, err, ErrNoReplicaAvailable)
	state, _ := d.BreakerState("a")
	require.Equal(t, gobreaker.StateOpen, state)

	require.Eventually(t, func() bool {
		state, _ := d.BreakerState("a")
		return state == gobreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	trial := make(chan error, 1)
	go func() {
		_, err := d.SelectReplica(context.Background())
		trial <- err
	}()
	select {
	case <-p.blocked:
	case <-time.After(time.Second):
		t.Fatal("half-open trial never started")
	}

	// The trial is still in flight; a second caller must not be turned away.
	r, err := d.SelectReplica(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", r.ID())

	close(p.release)
	require.NoError(t, <-trial)
	state, _ = d.BreakerState("a")
	assert.Equal(t, gobreaker.StateClosed, state)
}

func TestNew_DialTimeoutDefaultsFromProber(t *testing.T) {
	d, err := New(Config{Prober: TCPProber{Timeout: 50 * time.Millisecond}}, stubs("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, d.probeTimeout)

	d, err = New(Config{Prober: &fakeProber{down: map[string]bool{}}}, stubs("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultProbeTimeout, d.probeTimeout)

	d, err = New(Config{Prober: TCPProber{Timeout: 50 * time.Millisecond}, ProbeTimeout: 3 * time.Second}, stubs("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d.probeTimeout)
}

// cluster starts n replicas over one shared store behind a dispatcher.
func cluster(t *testing.T, n int) (*Dispatcher, []*replica.Node) {
	t.Helper()

	shared := store.New(store.Options{})
	metrics := observability.NewMetricsForTesting()
	nodes := make([]*replica.Node, n)
	replicas := make([]Replica, n)
	for i := range nodes {
		nodes[i] = replica.New(replica.Config{
			ID:            string(rune('a' + i)),
			Addr:          "127.0.0.1:0",
			Expiry:        store.DefaultExpiry,
			AcceptTimeout: 20 * time.Millisecond,
			ConnTimeout:   2 * time.Second,
		}, shared, metrics)
		require.NoError(t, nodes[i].Start())
		replicas[i] = nodes[i]
	}

	d, err := New(Config{
		Addr:          "127.0.0.1:0",
		AcceptTimeout: 20 * time.Millisecond,
		Prober:        TCPProber{Timeout: 200 * time.Millisecond},
	}, replicas, metrics)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Shutdown() })
	return d, nodes
}

func roundTrip(t *testing.T, addr string, req *protocol.Request) *protocol.Response {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))

	br := bufio.NewReader(conn)
	_, err = protocol.ReadHandshake(br)
	require.NoError(t, err)
	require.NoError(t, req.Write(conn))

	resp, err := protocol.ReadResponse(br)
	require.NoError(t, err)
	return resp
}

func TestDispatcher_FailoverKeepsData(t *testing.T) {
	d, nodes := cluster(t, 3)

	put := protocol.NewRequest(protocol.MethodPut, "")
	put.Header.Set(protocol.HeaderSource, "producer-1")
	put.Header.Set(protocol.HeaderLamportClock, "1")
	put.Body = []byte(`{"id":"IDS60901","air_temp":13.3}`)
	resp := roundTrip(t, d.Addr(), put)
	require.Equal(t, protocol.StatusCreated, resp.Status)
	assert.Greater(t, d.ClusterClock(), int64(0))

	require.NoError(t, nodes[0].Stop())

	get := protocol.NewRequest(protocol.MethodGet, "")
	get.Header.Set(protocol.HeaderStationID, "IDS60901")
	resp = roundTrip(t, d.Addr(), get)
	require.Equal(t, protocol.StatusOK, resp.Status)
	assert.JSONEq(t, `{"id":"IDS60901","air_temp":13.3}`, string(resp.Body))

	r, err := d.SelectReplica(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, nodes[0].ID(), r.ID())
}

func TestDispatcher_AllReplicasDown(t *testing.T) {
	d, nodes := cluster(t, 2)
	for _, n := range nodes {
		require.NoError(t, n.Stop())
	}

	conn, err := net.DialTimeout("tcp", d.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))

	br := bufio.NewReader(conn)
	_, err = protocol.ReadHandshake(br)
	require.ErrorIs(t, err, protocol.ErrServiceUnavailable)
}

func TestDispatcher_UnavailableResponseCarriesNoClock(t *testing.T) {
	p := &fakeProber{down: map[string]bool{"a:1": true}}
	d, err := New(Config{Prober: p}, stubs("a"), nil)
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	go d.HandleConn(server)

	resp, err := protocol.ReadResponse(bufio.NewReader(client))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, protocol.NoClock, resp.Lamport)
}

func TestDispatcher_ShutdownStopsReplicas(t *testing.T) {
	d, nodes := cluster(t, 2)
	addr := d.Addr()
	require.NoError(t, d.Shutdown())

	for _, n := range nodes {
		assert.Equal(t, replica.Stopped, n.State())
	}
	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}
