package weather

import "time"

// Store is the contract a replica needs from its record store.
type Store interface {
	// Ingest records the producer's liveness at seenAt and appends rec to the
	// station, as one unit. It returns the producer's previous liveness, if any.
	Ingest(stationID string, rec Record, seenAt time.Time) (prev time.Time, hadPrev bool)
	LatestFor(stationID string, maxLamport int64) (Record, error)
	LatestStationID() string
	HighestLamport() int64
	// Expiry is the producer liveness window.
	Expiry() time.Duration
	Clear()
}
