package dispatcher

import (
	"context"
	"net"
	"time"
)

// DefaultProbeTimeout bounds a single reachability check.
const DefaultProbeTimeout = time.Second

// Prober checks whether a replica address is reachable. Swapping it out lets
// a real health-check protocol replace the connect probe.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// TCPProber treats a replica as reachable when a TCP connect succeeds.
type TCPProber struct {
	Timeout time.Duration
}

// Probe connects to addr and closes the connection straight away.
func (p TCPProber) Probe(ctx context.Context, addr string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
