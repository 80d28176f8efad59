package store

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/i474232898/weather-data-aggregation/internal/weather"
)

var (
	// ErrNotFound is returned when no record satisfies a lookup.
	ErrNotFound = errors.New("no weather data for station")
)

// DefaultExpiry is how long a producer's records stay valid without a new write.
const DefaultExpiry = 30 * time.Second

// Options configures a RecordStore.
type Options struct {
	// Dir holds the persisted files. Empty keeps the store in memory only.
	Dir string
	// Expiry is the producer liveness window. Zero means DefaultExpiry.
	Expiry time.Duration
	// Clock supplies wall time for sweeps. Nil means the real clock.
	Clock clockwork.Clock
}

// SweepResult summarises one expiry pass.
type SweepResult struct {
	ExpiredSources  []string
	RemovedRecords  int
	RemovedStations int
}

// Stats is a point-in-time view of the store's size.
type Stats struct {
	Stations int `json:"stations"`
	Records  int `json:"records"`
	Sources  int `json:"sources"`
}

// RecordStore is a concurrency-safe, file-backed store of station records and
// producer liveness.
//
// Every mutation, including a sweep, runs under one write lock, so a sweep can
// never drop a record whose producer renewed its liveness concurrently.
type RecordStore struct {
	mu sync.RWMutex

	// key: station id, value: records in append order
	stations map[string][]weather.Record
	// key: producer source id, value: last accepted write in unix millis
	lastSeen map[string]int64
	latest   string
	highest  int64

	// persistMu orders file writes. It is taken while mu is still held and
	// never the other way round.
	persistMu sync.Mutex
	dirty     *atomic.Bool

	dir    string
	expiry time.Duration
	clock  clockwork.Clock
}

// New creates a RecordStore and restores any state persisted in opts.Dir.
func New(opts Options) *RecordStore {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	s := &RecordStore{
		stations: make(map[string][]weather.Record),
		lastSeen: make(map[string]int64),
		dirty:    atomic.NewBool(false),
		dir:      opts.Dir,
		expiry:   opts.Expiry,
		clock:    opts.Clock,
	}
	if s.dir != "" {
		s.load()
	}
	return s
}

// Expiry returns the liveness window.
func (s *RecordStore) Expiry() time.Duration {
	return s.expiry
}

// Save appends rec to the station, makes it the latest station and persists.
func (s *RecordStore) Save(stationID string, rec weather.Record) {
	s.mu.Lock()
	s.appendLocked(stationID, rec)
	s.commit()
}

// RecordLiveness upserts the producer's last-seen time and persists.
func (s *RecordStore) RecordLiveness(source string, at time.Time) {
	s.mu.Lock()
	s.lastSeen[source] = at.UnixMilli()
	s.commit()
}

// Ingest records liveness and appends rec under a single lock, then persists.
func (s *RecordStore) Ingest(stationID string, rec weather.Record, seenAt time.Time) (time.Time, bool) {
	s.mu.Lock()

	prevMS, hadPrev := s.lastSeen[rec.Source]
	s.lastSeen[rec.Source] = seenAt.UnixMilli()
	s.appendLocked(stationID, rec)
	s.commit()

	if !hadPrev {
		return time.Time{}, false
	}
	return time.UnixMilli(prevMS), true
}

func (s *RecordStore) appendLocked(stationID string, rec weather.Record) {
	s.stations[stationID] = append(s.stations[stationID], rec)
	s.latest = stationID
	if rec.Lamport > s.highest {
		s.highest = rec.Lamport
	}
}

// recomputeHighestLocked rescans every record for the largest Lamport value.
func (s *RecordStore) recomputeHighestLocked() {
	s.highest = 0
	for _, recs := range s.stations {
		for _, r := range recs {
			if r.Lamport > s.highest {
				s.highest = r.Lamport
			}
		}
	}
}

// LastSeen returns the producer's last accepted write time.
func (s *RecordStore) LastSeen(source string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.lastSeen[source]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// HighestLamport returns the largest Lamport value stored, or 0.
func (s *RecordStore) HighestLamport() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.highest
}

// Get returns a copy of the station's records in append order.
func (s *RecordStore) Get(stationID string) ([]weather.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.stations[stationID]
	if !ok || len(recs) == 0 {
		return nil, ErrNotFound
	}
	out := make([]weather.Record, len(recs))
	copy(out, recs)
	return out, nil
}

// LatestFor returns the station's record with the highest Lamport value not
// above maxLamport. Among equal values the later append wins.
func (s *RecordStore) LatestFor(stationID string, maxLamport int64) (weather.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  weather.Record
		found bool
	)
	for _, r := range s.stations[stationID] {
		if r.Lamport > maxLamport {
			continue
		}
		if !found || r.Lamport >= best.Lamport {
			best = r
			found = true
		}
	}
	if !found {
		return weather.Record{}, ErrNotFound
	}
	return best, nil
}

// LatestStationID returns the station of the most recent write, or "".
func (s *RecordStore) LatestStationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latest
}

// Stats reports the number of stations, records and live producers.
func (s *RecordStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Stations: len(s.stations), Sources: len(s.lastSeen)}
	for _, recs := range s.stations {
		st.Records += len(recs)
	}
	return st
}

// Sweep removes every producer whose liveness is older than the expiry window
// together with all of its records, and drops stations left empty.
func (s *RecordStore) Sweep() SweepResult {
	s.mu.Lock()

	now := s.clock.Now()
	var res SweepResult

	expired := make(map[string]struct{})
	for source, ms := range s.lastSeen {
		if now.Sub(time.UnixMilli(ms)) > s.expiry {
			expired[source] = struct{}{}
			res.ExpiredSources = append(res.ExpiredSources, source)
			delete(s.lastSeen, source)
		}
	}

	if len(expired) > 0 {
		for stationID, recs := range s.stations {
			kept := recs[:0:0]
			for _, r := range recs {
				if _, gone := expired[r.Source]; gone {
					res.RemovedRecords++
					continue
				}
				kept = append(kept, r)
			}
			if len(kept) == 0 {
				delete(s.stations, stationID)
				res.RemovedStations++
				continue
			}
			s.stations[stationID] = kept
		}
		s.recomputeHighestLocked()
	}

	if len(expired) == 0 && !s.dirty.Load() {
		s.mu.Unlock()
		return res
	}
	s.commit()
	return res
}

// Clear empties the store. Used for administrative resets and tests.
func (s *RecordStore) Clear() {
	s.mu.Lock()
	s.stations = make(map[string][]weather.Record)
	s.lastSeen = make(map[string]int64)
	s.latest = ""
	s.highest = 0
	s.commit()

	log.Println("store: cleared all records")
}
