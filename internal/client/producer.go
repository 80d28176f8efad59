package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/weather-data-aggregation/internal/lamport"
	"github.com/i474232898/weather-data-aggregation/internal/protocol"
	"github.com/i474232898/weather-data-aggregation/internal/weather"
)

// ErrNoDocument is returned by Upload before a reading has been loaded.
var ErrNoDocument = errors.New("producer has no document loaded")

// Producer uploads one station reading to the cluster.
type Producer struct {
	id      string
	clock   *lamport.Clock
	policy  RetryPolicy
	timeout time.Duration
	body    []byte
}

// NewProducer creates a producer with a fresh source identifier. A zero
// policy falls back to ProducerPolicy.
func NewProducer(policy RetryPolicy, timeout time.Duration) *Producer {
	if policy == (RetryPolicy{}) {
		policy = ProducerPolicy
	}
	return &Producer{
		id:      uuid.NewString(),
		clock:   lamport.New(),
		policy:  policy,
		timeout: timeout,
	}
}

// ID returns the source identifier sent with every upload.
func (p *Producer) ID() string { return p.id }

// Clock returns the producer's Lamport time.
func (p *Producer) Clock() int64 { return p.clock.Time() }

// Load sets the reading to upload. The document must name its station.
func (p *Producer) Load(doc weather.Document) error {
	if _, err := doc.StationID(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	p.body = b
	return nil
}

// LoadFile reads the reading to upload from path.
func (p *Producer) LoadFile(path string) error {
	doc, err := weather.LoadFile(path)
	if err != nil {
		return err
	}
	return p.Load(doc)
}

// Upload sends the loaded reading to addr and returns the status the replica
// answered with. Transport failures and an unavailable cluster are retried
// under the producer's policy; any received status ends the upload.
func (p *Producer) Upload(ctx context.Context, addr string) (protocol.Status, error) {
	if p.body == nil {
		return 0, ErrNoDocument
	}

	var status protocol.Status
	err := retry(ctx, p.policy, func(ctx context.Context) error {
		resp, err := exchange(ctx, addr, p.timeout, p.clock, p.request)
		if err != nil {
			return err
		}
		status = resp.Status
		return nil
	}, func(n int, err error) {
		log.Printf("producer %s: upload attempt %d failed: %v; retrying in %s", p.id, n, err, p.policy.Backoff)
	})
	if err != nil {
		return 0, err
	}

	switch status {
	case protocol.StatusOK, protocol.StatusCreated:
		log.Printf("producer %s: upload accepted: %s", p.id, status)
	case protocol.StatusInternalServerError:
		log.Printf("producer %s: upload rejected, invalid reading: %s", p.id, status)
	case protocol.StatusServiceUnavailable:
		log.Printf("producer %s: upload failed, service unavailable: %s", p.id, status)
	default:
		log.Printf("producer %s: unexpected status: %s", p.id, status)
	}
	return status, nil
}

func (p *Producer) request(lc int64) *protocol.Request {
	req := protocol.NewRequest(protocol.MethodPut, protocol.DefaultPath)
	req.Header.Set(protocol.HeaderLamportClock, strconv.FormatInt(lc, 10))
	req.Header.Set(protocol.HeaderSource, p.id)
	req.Header.Set(protocol.HeaderContentType, "application/json")
	req.Body = p.body
	return req
}
