package store

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/i474232898/weather-data-aggregation/internal/weather"
)

const (
	dataFile         = "data.json"
	dataBackupFile   = "data_backup.json"
	senderFile       = "sender.json"
	senderBackupFile = "sender_backup.json"
)

type snapshot struct {
	stations []byte
	senders  []byte
}

// commit serializes the current state, releases s.mu and writes the files.
// Callers must hold s.mu for writing. Snapshots reach disk in the order they
// were taken.
func (s *RecordStore) commit() {
	if s.dir == "" {
		s.mu.Unlock()
		return
	}

	snap, err := s.encodeLocked()
	s.persistMu.Lock()
	s.mu.Unlock()
	defer s.persistMu.Unlock()

	if err != nil {
		s.dirty.Store(true)
		log.Printf("store: encode state: %v", err)
		return
	}
	if err := s.writeSnapshot(snap); err != nil {
		s.dirty.Store(true)
		log.Printf("store: persist state to %s: %v", s.dir, err)
		return
	}
	s.dirty.Store(false)
}

func (s *RecordStore) encodeLocked() (snapshot, error) {
	stations, err := json.Marshal(s.stations)
	if err != nil {
		return snapshot{}, fmt.Errorf("encode stations: %w", err)
	}
	senders, err := json.Marshal(s.lastSeen)
	if err != nil {
		return snapshot{}, fmt.Errorf("encode senders: %w", err)
	}
	return snapshot{stations: stations, senders: senders}, nil
}

// writeSnapshot refreshes the backup first and then the canonical file, each
// through a temp file and rename, so at least one of the pair is always whole.
func (s *RecordStore) writeSnapshot(snap snapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	files := []struct {
		name string
		data []byte
	}{
		{dataBackupFile, snap.stations},
		{dataFile, snap.stations},
		{senderBackupFile, snap.senders},
		{senderFile, snap.senders},
	}
	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(s.dir, f.name), f.data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// load restores state from disk, falling back to the backup file and then to
// an empty store.
func (s *RecordStore) load() {
	stations, _ := loadJSON[map[string][]weather.Record](filepath.Join(s.dir, dataFile), filepath.Join(s.dir, dataBackupFile))
	senders, _ := loadJSON[map[string]int64](filepath.Join(s.dir, senderFile), filepath.Join(s.dir, senderBackupFile))

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, recs := range stations {
		if len(recs) > 0 {
			s.stations[id] = recs
		}
	}
	for source, ms := range senders {
		s.lastSeen[source] = ms
	}

	// Records and liveness live in separate files. A source whose records
	// survived without its liveness entry starts a fresh window now, so the
	// sweep can still expire it.
	now := s.clock.Now().UnixMilli()
	orphans := 0
	for _, recs := range s.stations {
		for _, r := range recs {
			if _, ok := s.lastSeen[r.Source]; !ok {
				s.lastSeen[r.Source] = now
				orphans++
			}
		}
	}
	if orphans > 0 {
		log.Printf("store: %d producers had records but no liveness entry; their window starts now", orphans)
		s.dirty.Store(true)
	}

	// The pointer itself is not persisted; the station holding the highest
	// Lamport value is the closest stand-in.
	highest := int64(math.MinInt64)
	for id, recs := range s.stations {
		for _, r := range recs {
			if r.Lamport > highest {
				highest = r.Lamport
				s.latest = id
			}
		}
	}
	s.recomputeHighestLocked()

	if len(s.stations) > 0 || len(s.lastSeen) > 0 {
		log.Printf("store: restored %d stations and %d producers from %s", len(s.stations), len(s.lastSeen), s.dir)
	}
}

func loadJSON[T any](path, backup string) (T, bool) {
	v, err := readJSON[T](path)
	if err == nil {
		return v, true
	}
	if !os.IsNotExist(err) {
		log.Printf("store: read %s: %v; trying backup", path, err)
	}

	v, err = readJSON[T](backup)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("store: read backup %s: %v", backup, err)
		}
		var zero T
		return zero, false
	}
	log.Printf("store: recovered state from backup %s", backup)
	return v, true
}

func readJSON[T any](path string) (T, error) {
	var v T
	b, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
