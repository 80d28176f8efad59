// Package protocol implements the line-oriented request/response framing
// spoken between producers, readers, the dispatcher and replicas.
//
// A connection carries exactly one exchange. The replica first announces its
// clock with a handshake line ("Lamport: <n>"), then reads one request and
// writes one response:
//
//	PUT /weather.json HTTP/1.1
//	Content-Length: 42
//	LamportClock: 7
//	Source: 5f0c...
//
//	{"id":"IDS60901","air_temp":23.5}
package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

// Version is the protocol token carried on request and status lines.
const Version = "HTTP/1.1"

// Header names as they appear on the wire.
const (
	HeaderContentLength = "Content-Length"
	HeaderContentType   = "Content-Type"
	HeaderLamportClock  = "LamportClock"
	HeaderLamport       = "Lamport"
	HeaderSource        = "Source"
	HeaderStationID     = "StationID"
)

// Methods understood by replicas.
const (
	MethodGet = "GET"
	MethodPut = "PUT"
)

// DefaultPath is the resource producers and readers address.
const DefaultPath = "/weather.json"

// MaxBodySize bounds Content-Length.
const MaxBodySize = 1 << 20

// NoClock is the Lamport value sent when no replica could answer.
const NoClock int64 = -1

var (
	// ErrMalformed reports broken request lines, headers or body framing.
	ErrMalformed = errors.New("malformed message")
	// ErrServiceUnavailable is returned to clients when the dispatcher found
	// no replica and answered 503 in place of a handshake.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Status is a response status code.
type Status int

const (
	StatusOK                  Status = 200
	StatusCreated             Status = 201
	StatusNoContent           Status = 204
	StatusBadRequest          Status = 400
	StatusInternalServerError Status = 500
	StatusServiceUnavailable  Status = 503
)

// Text returns the reason phrase for the status.
func (s Status) Text() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusCreated:
		return "Created"
	case StatusNoContent:
		return "No Content"
	case StatusBadRequest:
		return "Bad Request"
	case StatusInternalServerError:
		return "Internal Server Error"
	case StatusServiceUnavailable:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}

func (s Status) String() string {
	return strconv.Itoa(int(s)) + " " + s.Text()
}

// Success reports whether the status is 2xx.
func (s Status) Success() bool {
	return s >= 200 && s < 300
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
