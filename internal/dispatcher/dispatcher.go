package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/atomic"

	"github.com/i474232898/weather-data-aggregation/internal/lamport"
	"github.com/i474232898/weather-data-aggregation/internal/observability"
	"github.com/i474232898/weather-data-aggregation/internal/protocol"
)

var (
	// ErrNoReplicaAvailable is returned when a full probing pass finds no
	// reachable replica.
	ErrNoReplicaAvailable = errors.New("no replica available")
	// ErrNoReplicas is returned by New when the replica list is empty.
	ErrNoReplicas = errors.New("dispatcher needs at least one replica")
)

// Replica is the part of a replica node the dispatcher routes to.
type Replica interface {
	ID() string
	Addr() string
	Accept(conn net.Conn) (int64, error)
	Stop() error
}

// Config configures a Dispatcher.
type Config struct {
	Addr          string
	AcceptTimeout time.Duration
	Prober        Prober
	// ProbeTimeout bounds one reachability check when routing a
	// connection. Defaults to the TCPProber's timeout.
	ProbeTimeout time.Duration
	// BreakerTimeout is how long a replica's breaker stays open before a
	// probe is allowed again.
	BreakerTimeout time.Duration
	// BreakerFailures is the number of consecutive failed probes that opens
	// a replica's breaker.
	BreakerFailures uint32
}

type member struct {
	replica Replica
	circuit *gobreaker.CircuitBreaker
}

// Dispatcher is the cluster's single front door: it probes replicas in
// round-robin order and hands each client connection to a reachable one.
type Dispatcher struct {
	addr          string
	acceptTimeout time.Duration
	prober        Prober
	probeTimeout  time.Duration
	members       []member
	clock         *lamport.Clock
	metrics       *observability.Metrics

	mu   sync.Mutex
	next int

	lnMu     sync.Mutex
	ln       *net.TCPListener
	down     *atomic.Bool
	loopDone chan struct{}
	conns    sync.WaitGroup
}

// New creates a dispatcher over replicas, in order.
func New(cfg Config, replicas []Replica, metrics *observability.Metrics) (*Dispatcher, error) {
	if len(replicas) == 0 {
		return nil, ErrNoReplicas
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = time.Second
	}
	if cfg.Prober == nil {
		cfg.Prober = TCPProber{Timeout: DefaultProbeTimeout}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
		if tp, ok := cfg.Prober.(TCPProber); ok && tp.Timeout > 0 {
			cfg.ProbeTimeout = tp.Timeout
		}
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}

	members := make([]member, 0, len(replicas))
	for _, r := range replicas {
		failures := cfg.BreakerFailures
		cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        r.ID(),
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("dispatcher: replica %s breaker %s -> %s", name, from, to)
			},
		})
		members = append(members, member{replica: r, circuit: cb})
	}

	return &Dispatcher{
		addr:          cfg.Addr,
		acceptTimeout: cfg.AcceptTimeout,
		prober:        cfg.Prober,
		probeTimeout:  cfg.ProbeTimeout,
		members:       members,
		clock:         lamport.New(),
		metrics:       metrics,
		down:          atomic.NewBool(true),
	}, nil
}

// SelectReplica probes replicas starting at the current index, at most once
// each, and returns the first reachable one. The index stays on that replica
// for the next call. No lock is held while probing.
func (d *Dispatcher) SelectReplica(ctx context.Context) (Replica, error) {
	d.mu.Lock()
	start := d.next
	d.mu.Unlock()

	n := len(d.members)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if d.reachable(ctx, d.members[idx]) {
			d.mu.Lock()
			d.next = idx
			d.mu.Unlock()
			return d.members[idx].replica, nil
		}
	}
	return nil, ErrNoReplicaAvailable
}

// reachable probes through the replica's breaker; an open breaker counts as
// unreachable without dialling. While a half-open trial is in flight, other
// callers probe directly and leave the breaker's counts alone.
func (d *Dispatcher) reachable(ctx context.Context, m member) bool {
	_, err := m.circuit.Execute(func() (interface{}, error) {
		return nil, d.prober.Probe(ctx, m.replica.Addr())
	})
	if err == nil {
		return true
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return d.prober.Probe(ctx, m.replica.Addr()) == nil
	}
	if d.metrics != nil && !errors.Is(err, gobreaker.ErrOpenState) {
		d.metrics.ProbeFailures.WithLabelValues(m.replica.ID()).Inc()
	}
	return false
}

// ClusterClock returns the dispatcher's merged view of replica clocks.
func (d *Dispatcher) ClusterClock() int64 {
	return d.clock.Time()
}

// Replicas returns the managed replicas in order.
func (d *Dispatcher) Replicas() []Replica {
	out := make([]Replica, len(d.members))
	for i, m := range d.members {
		out[i] = m.replica
	}
	return out
}

// BreakerState returns the breaker state of the replica with id.
func (d *Dispatcher) BreakerState(id string) (gobreaker.State, bool) {
	for _, m := range d.members {
		if m.replica.ID() == id {
			return m.circuit.State(), true
		}
	}
	return gobreaker.StateClosed, false
}

// Addr returns the bound listen address once started, else the configured one.
func (d *Dispatcher) Addr() string {
	d.lnMu.Lock()
	defer d.lnMu.Unlock()

	if d.ln != nil {
		return d.ln.Addr().String()
	}
	return d.addr
}

// Start binds the dispatcher's listener and runs its accept loop in its own
// goroutine.
func (d *Dispatcher) Start() error {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("dispatcher listen on %s: %w", d.addr, err)
	}

	d.lnMu.Lock()
	d.ln = ln.(*net.TCPListener)
	d.loopDone = make(chan struct{})
	d.lnMu.Unlock()
	d.down.Store(false)

	log.Printf("dispatcher: listening on %s with %d replicas", ln.Addr(), len(d.members))
	go d.acceptLoop(d.ln, d.loopDone)
	return nil
}

func (d *Dispatcher) acceptLoop(ln *net.TCPListener, done chan struct{}) {
	defer close(done)

	for !d.down.Load() {
		if err := ln.SetDeadline(time.Now().Add(d.acceptTimeout)); err != nil && errors.Is(err, net.ErrClosed) {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("dispatcher: accept: %v", err)
			continue
		}

		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.HandleConn(conn)
		}()
	}
}

// HandleConn routes one client connection. With no reachable replica it
// answers 503 with a clock of -1 and closes the connection.
func (d *Dispatcher) HandleConn(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(len(d.members)+1)*d.probeTimeout)
	defer cancel()

	r, err := d.SelectReplica(ctx)
	if err == nil {
		var clock int64
		clock, err = r.Accept(conn)
		if err == nil {
			d.clock.Adjust(clock)
			if d.metrics != nil {
				d.metrics.Dispatches.WithLabelValues("routed").Inc()
				d.metrics.ClusterClock.Set(float64(d.clock.Time()))
			}
			return
		}
		log.Printf("dispatcher: hand-off to replica %s failed: %v", r.ID(), err)
	}

	if d.metrics != nil {
		d.metrics.Dispatches.WithLabelValues("unavailable").Inc()
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(d.acceptTimeout))
	resp := &protocol.Response{Status: protocol.StatusServiceUnavailable, Lamport: protocol.NoClock}
	if err := resp.Write(conn); err != nil {
		log.Printf("dispatcher: write 503 to %s: %v", conn.RemoteAddr(), err)
	}
}

// Shutdown stops every managed replica and closes the dispatcher's listener.
// Connections already handed to replicas run to completion.
func (d *Dispatcher) Shutdown() error {
	d.down.Store(true)

	var errs []error
	for _, m := range d.members {
		if err := m.replica.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop replica %s: %w", m.replica.ID(), err))
		}
	}

	d.lnMu.Lock()
	ln, done := d.ln, d.loopDone
	d.ln = nil
	d.lnMu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
		<-done
	}
	d.conns.Wait()

	log.Println("dispatcher: shut down")
	return errors.Join(errs...)
}
