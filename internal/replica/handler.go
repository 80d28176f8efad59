package replica

import (
	"errors"
	"log"

	"github.com/go-playground/validator/v10"

	"github.com/i474232898/weather-data-aggregation/internal/protocol"
	"github.com/i474232898/weather-data-aggregation/internal/store"
	"github.com/i474232898/weather-data-aggregation/internal/weather"
)

var validate = validator.New()

// Handle runs one decoded request through the clock rules and the store and
// returns the response to send.
func (n *Node) Handle(req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodPut:
		return n.handlePut(req)
	case protocol.MethodGet:
		return n.handleGet(req)
	default:
		return n.status(protocol.StatusBadRequest)
	}
}

func (n *Node) handlePut(req *protocol.Request) *protocol.Response {
	source := req.Header.Get(protocol.HeaderSource)
	if err := validate.Var(source, "required,max=256"); err != nil {
		log.Printf("replica %s: PUT without usable %s header", n.id, protocol.HeaderSource)
		return n.status(protocol.StatusBadRequest)
	}

	observed, ok, err := req.Lamport()
	if err != nil {
		return n.status(protocol.StatusBadRequest)
	}
	n.resync()
	n.merge(observed, ok)

	recordClock := observed
	if !ok {
		recordClock = n.clock.Time()
	}

	doc, err := weather.DecodeDocument(req.Body)
	if err != nil {
		log.Printf("replica %s: PUT from %s: %v", n.id, source, err)
		return n.status(protocol.StatusInternalServerError)
	}
	stationID, err := doc.StationID()
	if err == nil {
		err = validate.Var(stationID, "max=128")
	}
	if err != nil {
		log.Printf("replica %s: PUT from %s: %v", n.id, source, err)
		return n.status(protocol.StatusInternalServerError)
	}

	now := n.wall.Now()
	prev, hadPrev := n.store.Ingest(stationID, weather.Record{
		Lamport: recordClock,
		Source:  source,
		Data:    doc,
	}, now)

	if !hadPrev || now.Sub(prev) > n.expiry {
		return n.status(protocol.StatusCreated)
	}
	return n.status(protocol.StatusOK)
}

func (n *Node) handleGet(req *protocol.Request) *protocol.Response {
	observed, ok, err := req.Lamport()
	if err != nil {
		return n.status(protocol.StatusBadRequest)
	}
	resynced := n.resync()
	n.merge(observed, ok)

	// A reader that sends no clock makes no causal claim and sees everything
	// this node knows. After a re-sync the node's own clock is the bound.
	bound := observed
	if !ok || resynced {
		bound = n.clock.Time()
	}

	stationID := req.Header.Get(protocol.HeaderStationID)
	if stationID == "" {
		stationID = n.store.LatestStationID()
	}
	if stationID == "" {
		return n.status(protocol.StatusNoContent)
	}

	rec, err := n.store.LatestFor(stationID, bound)
	if errors.Is(err, store.ErrNotFound) {
		return n.status(protocol.StatusNoContent)
	}
	if err != nil {
		log.Printf("replica %s: GET %s: %v", n.id, stationID, err)
		return n.status(protocol.StatusInternalServerError)
	}

	resp, err := protocol.JSONResponse(protocol.StatusOK, n.clock.Time(), rec.Data)
	if err != nil {
		log.Printf("replica %s: encode %s: %v", n.id, stationID, err)
		return n.status(protocol.StatusInternalServerError)
	}
	return resp
}

// merge applies the receive rule for a peer clock, then ticks.
func (n *Node) merge(observed int64, ok bool) {
	if ok {
		n.clock.Adjust(observed)
	}
	n.clock.Tick()
	n.observeClock()
}

// resync lifts the node's clock above every Lamport value in its store. A
// restarted node starts at zero and a node sharing a store never saw writes
// that went through its peers; both would otherwise bound reads below data
// they hold. It reports whether the clock moved.
func (n *Node) resync() bool {
	highest := n.store.HighestLamport()
	if highest <= n.clock.Time() {
		return false
	}
	n.clock.Adjust(highest)
	n.observeClock()
	log.Printf("replica %s: clock re-synchronised to %d from stored data", n.id, n.clock.Time())
	return true
}

func (n *Node) status(s protocol.Status) *protocol.Response {
	return &protocol.Response{Status: s, Lamport: n.clock.Time()}
}
