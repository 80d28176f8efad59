// Package client holds the two external drivers of the cluster: the Producer
// that uploads station readings and the Reader that queries them. Both speak
// the text protocol to the dispatcher and keep their own Lamport clock.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/i474232898/weather-data-aggregation/internal/lamport"
	"github.com/i474232898/weather-data-aggregation/internal/protocol"
)

// DefaultTimeout bounds one connect-handshake-request-response exchange.
const DefaultTimeout = 30 * time.Second

// exchange runs one connection against addr: it reads the handshake, merges
// the announced clock, sends the request built for the merged clock value and
// merges the clock carried by the response.
func exchange(ctx context.Context, addr string, timeout time.Duration, clock *lamport.Clock, build func(lc int64) *protocol.Request) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	announced, err := protocol.ReadHandshake(br)
	if err != nil {
		return nil, err
	}
	lc := clock.Adjust(announced)

	if err := build(lc).Write(conn); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	resp, err := protocol.ReadResponse(br)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Lamport != protocol.NoClock {
		clock.Adjust(resp.Lamport)
	}
	return resp, nil
}
