package weather

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ParseText converts the plain reading format used by station feeds into a
// Document. Each non-blank line is "key: value", split on the first colon.
// Values are kept as strings.
func ParseText(b []byte) (Document, error) {
	doc := Document{}

	sc := bufio.NewScanner(bytes.NewReader(b))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return nil, fmt.Errorf("%w: line %d has no key: %q", ErrInvalidDocument, line, text)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("%w: line %d has an empty key", ErrInvalidDocument, line)
		}
		doc[key] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrInvalidDocument)
	}
	return doc, nil
}

// LoadFile reads a reading from disk. Files ending in .json are decoded as
// JSON, anything else as the "key: value" text format.
func LoadFile(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return DecodeDocument(b)
	}
	return ParseText(b)
}

// FormatText renders a Document in the "key: value" format, keys sorted with
// the station id first.
func FormatText(doc Document) []byte {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == StationIDField || keys[j] == StationIDField {
			return keys[i] == StationIDField
		}
		return keys[i] < keys[j]
	})

	var b bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, formatValue(doc[k]))
	}
	return b.Bytes()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
