package weather

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidDocument is returned when a payload is not a JSON object.
	ErrInvalidDocument = errors.New("invalid weather document")
	// ErrMissingStationID is returned when a document carries no usable "id".
	ErrMissingStationID = errors.New("weather document has no station id")
)

// StationIDField is the document field naming the station.
const StationIDField = "id"

// Document is a station reading as uploaded by a producer: a flat or nested
// JSON object. The "id" field names the station.
type Document map[string]any

// StationID returns the document's "id" field. Numeric ids are formatted
// without a fractional part when they are whole numbers.
func (d Document) StationID() (string, error) {
	raw, ok := d[StationIDField]
	if !ok || raw == nil {
		return "", ErrMissingStationID
	}

	var id string
	switch v := raw.(type) {
	case string:
		id = v
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		id = v.String()
	default:
		return "", fmt.Errorf("%w: id has type %T", ErrMissingStationID, raw)
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrMissingStationID
	}
	return id, nil
}

// DecodeDocument parses a JSON object.
func DecodeDocument(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc == nil {
		return nil, ErrInvalidDocument
	}
	return doc, nil
}

// Record is one stored reading. Records are immutable once appended and are
// ordered by Lamport only.
type Record struct {
	Lamport int64    `json:"lamport"`
	Source  string   `json:"source"`
	Data    Document `json:"data"`
}
