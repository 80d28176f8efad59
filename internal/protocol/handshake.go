package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// WriteHandshake sends the clock announcement a replica emits on accept.
func WriteHandshake(w io.Writer, lamport int64) error {
	_, err := fmt.Fprintf(w, "%s: %d\r\n", HeaderLamport, lamport)
	return err
}

// ReadHandshake reads the replica's clock announcement. A 503 status line in
// its place yields ErrServiceUnavailable.
func ReadHandshake(br *bufio.Reader) (int64, error) {
	line, err := textproto.NewReader(br).ReadLine()
	if err != nil {
		return 0, fmt.Errorf("read handshake: %w", err)
	}

	if strings.HasPrefix(line, "HTTP/") {
		status, err := parseStatusLine(line)
		if err != nil {
			return 0, err
		}
		if status == StatusServiceUnavailable {
			return 0, ErrServiceUnavailable
		}
		return 0, malformed("unexpected status %d in handshake", status)
	}

	name, value, ok := strings.Cut(line, ":")
	if !ok || strings.TrimSpace(name) != HeaderLamport {
		return 0, malformed("handshake %q", line)
	}
	clock, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, malformed("handshake clock %q", value)
	}
	return clock, nil
}
