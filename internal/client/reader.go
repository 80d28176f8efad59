package client

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/weather-data-aggregation/internal/lamport"
	"github.com/i474232898/weather-data-aggregation/internal/protocol"
	"github.com/i474232898/weather-data-aggregation/internal/weather"
)

// Reader queries the cluster for station readings.
type Reader struct {
	id      string
	clock   *lamport.Clock
	policy  RetryPolicy
	timeout time.Duration
}

// NewReader creates a reader. A zero policy falls back to ReaderPolicy.
func NewReader(policy RetryPolicy, timeout time.Duration) *Reader {
	if policy == (RetryPolicy{}) {
		policy = ReaderPolicy
	}
	return &Reader{
		id:      uuid.NewString(),
		clock:   lamport.New(),
		policy:  policy,
		timeout: timeout,
	}
}

// ID returns the source identifier sent with every query.
func (r *Reader) ID() string { return r.id }

// Clock returns the reader's Lamport time.
func (r *Reader) Clock() int64 { return r.clock.Time() }

// Query fetches the reading for stationID from addr, or the cluster's most
// recently updated station when stationID is empty. ok is false when there is
// no data, when the cluster stays unavailable after every retry, or when the
// reply cannot be decoded. Undecodable replies are not retried.
func (r *Reader) Query(ctx context.Context, addr, stationID string) (doc weather.Document, ok bool) {
	var resp *protocol.Response
	err := retry(ctx, r.policy, func(ctx context.Context) error {
		var err error
		resp, err = exchange(ctx, addr, r.timeout, r.clock, func(lc int64) *protocol.Request {
			req := protocol.NewRequest(protocol.MethodGet, protocol.DefaultPath)
			req.Header.Set(protocol.HeaderLamportClock, strconv.FormatInt(lc, 10))
			req.Header.Set(protocol.HeaderSource, r.id)
			if stationID != "" {
				req.Header.Set(protocol.HeaderStationID, stationID)
			}
			return req
		})
		if errors.Is(err, protocol.ErrMalformed) {
			return permanent(err)
		}
		return err
	}, func(n int, err error) {
		log.Printf("reader %s: attempt %d/%d failed: %v", r.id, n, r.policy.MaxAttempts, err)
	})
	if err != nil {
		log.Printf("reader %s: giving up: %v", r.id, err)
		return nil, false
	}

	switch resp.Status {
	case protocol.StatusNoContent, protocol.StatusServiceUnavailable:
		return nil, false
	}
	if len(resp.Body) == 0 {
		log.Printf("reader %s: %s without a body", r.id, resp.Status)
		return nil, false
	}

	doc, err = weather.DecodeDocument(resp.Body)
	if err != nil {
		log.Printf("reader %s: decode response: %v", r.id, err)
		return nil, false
	}
	return doc, true
}
