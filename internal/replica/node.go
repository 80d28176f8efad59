package replica

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/i474232898/weather-data-aggregation/internal/lamport"
	"github.com/i474232898/weather-data-aggregation/internal/observability"
	"github.com/i474232898/weather-data-aggregation/internal/protocol"
	"github.com/i474232898/weather-data-aggregation/internal/weather"
)

var (
	// ErrStopped is returned when a connection is handed to a stopped node.
	ErrStopped = errors.New("replica is stopped")
	// ErrAlreadyStarted is returned by Start on a running node.
	ErrAlreadyStarted = errors.New("replica already started")
)

// State is the lifecycle state of a node.
type State int

const (
	Stopped State = iota
	Starting
	Listening
	Processing
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Defaults for Config fields left zero.
const (
	DefaultAcceptTimeout = time.Second
	DefaultConnTimeout   = 30 * time.Second
)

// Config configures a Node.
type Config struct {
	ID   string
	Addr string
	// Expiry decides between 201 and 200 on PUT. Zero takes the store's
	// liveness window.
	Expiry        time.Duration
	AcceptTimeout time.Duration
	ConnTimeout   time.Duration
	// Clock supplies wall time for producer liveness. Nil means the real clock.
	Clock clockwork.Clock
}

// Node is one replica: it accepts connections, runs the request protocol
// against its Lamport clock and delegates storage to its store.
type Node struct {
	id    string
	addr  string
	store weather.Store
	clock *lamport.Clock
	wall  clockwork.Clock

	expiry        time.Duration
	acceptTimeout time.Duration
	connTimeout   time.Duration

	metrics *observability.Metrics

	mu       sync.Mutex
	state    State
	ln       *net.TCPListener
	down     *atomic.Bool
	inflight *atomic.Int64
	loopDone chan struct{}
}

// New creates a stopped node that owns store.
func New(cfg Config, store weather.Store, metrics *observability.Metrics) *Node {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = DefaultConnTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = store.Expiry()
	}

	return &Node{
		id:            cfg.ID,
		addr:          cfg.Addr,
		store:         store,
		clock:         lamport.New(),
		wall:          cfg.Clock,
		expiry:        cfg.Expiry,
		acceptTimeout: cfg.AcceptTimeout,
		connTimeout:   cfg.ConnTimeout,
		metrics:       metrics,
		down:          atomic.NewBool(true),
		inflight:      atomic.NewInt64(0),
	}
}

// ID returns the node's identifier.
func (n *Node) ID() string { return n.id }

// Addr returns the bound listen address once started, else the configured one.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ln != nil {
		return n.ln.Addr().String()
	}
	return n.addr
}

// Clock returns the node's current Lamport time.
func (n *Node) Clock() int64 { return n.clock.Time() }

// State reports the lifecycle state. A listening node with connections in
// flight reports Processing.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == Listening && n.inflight.Load() > 0 {
		return Processing
	}
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Start binds the listener and runs the accept loop in its own goroutine.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.state != Stopped {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.state = Starting
	n.mu.Unlock()

	ln, err := net.Listen("tcp", n.addr)
	if err != nil {
		n.setState(Stopped)
		return fmt.Errorf("replica %s listen on %s: %w", n.id, n.addr, err)
	}

	n.mu.Lock()
	n.ln = ln.(*net.TCPListener)
	n.loopDone = make(chan struct{})
	n.state = Listening
	n.mu.Unlock()
	n.down.Store(false)
	n.resync()

	log.Printf("replica %s: listening on %s at clock %d", n.id, ln.Addr(), n.clock.Time())
	go n.acceptLoop(n.ln, n.loopDone)
	return nil
}

// acceptLoop polls accept with a short deadline so the down flag is seen
// promptly.
func (n *Node) acceptLoop(ln *net.TCPListener, done chan struct{}) {
	defer close(done)

	for !n.down.Load() {
		if err := ln.SetDeadline(time.Now().Add(n.acceptTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
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
			log.Printf("replica %s: accept: %v", n.id, err)
			continue
		}
		if _, err := n.Accept(conn); err != nil {
			log.Printf("replica %s: %v", n.id, err)
		}
	}
}

// Accept takes over conn: it sends the handshake, ticks the clock and
// processes the single request in a new goroutine. It returns the clock value
// after the tick. The dispatcher hands its client connections over here.
//
// The announced clock is never below a Lamport value already in the store, so
// a client that merges it can read everything stored.
func (n *Node) Accept(conn net.Conn) (int64, error) {
	if n.down.Load() {
		return 0, ErrStopped
	}

	n.inflight.Inc()
	n.resync()
	_ = conn.SetDeadline(time.Now().Add(n.connTimeout))
	if err := protocol.WriteHandshake(conn, n.clock.Time()); err != nil {
		n.inflight.Dec()
		conn.Close()
		return 0, fmt.Errorf("handshake with %s: %w", conn.RemoteAddr(), err)
	}
	clock := n.clock.Tick()
	n.observeClock()

	go func() {
		defer n.inflight.Dec()
		defer conn.Close()
		n.serve(conn)
	}()
	return clock, nil
}

// Stop sets the down flag and closes the listener. Connections already being
// processed run to completion.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.state == Stopped || n.state == Stopping {
		n.mu.Unlock()
		return nil
	}
	n.state = Stopping
	ln, done := n.ln, n.loopDone
	n.mu.Unlock()

	n.down.Store(true)
	var err error
	if ln != nil {
		err = ln.Close()
		<-done
	}

	n.mu.Lock()
	n.ln = nil
	n.state = Stopped
	n.mu.Unlock()

	log.Printf("replica %s: stopped", n.id)
	return err
}

// Reset clears the node's store. Administrative use only.
func (n *Node) Reset() {
	n.store.Clear()
}

func (n *Node) serve(conn net.Conn) {
	br := bufio.NewReader(conn)

	var resp *protocol.Response
	method := "invalid"

	req, err := protocol.ReadRequest(br)
	if errors.Is(err, io.EOF) {
		// Peer hung up after the handshake, as reachability probes do.
		return
	}
	if err != nil {
		log.Printf("replica %s: bad request from %s: %v", n.id, conn.RemoteAddr(), err)
		resp = n.status(protocol.StatusBadRequest)
	} else {
		method = req.Method
		resp = n.Handle(req)
	}

	if n.metrics != nil {
		n.metrics.Requests.WithLabelValues(n.id, method, fmt.Sprint(int(resp.Status))).Inc()
	}
	if err := resp.Write(conn); err != nil {
		log.Printf("replica %s: write response to %s: %v", n.id, conn.RemoteAddr(), err)
	}
}

func (n *Node) observeClock() {
	if n.metrics != nil {
		n.metrics.ReplicaClock.WithLabelValues(n.id).Set(float64(n.clock.Time()))
	}
}
