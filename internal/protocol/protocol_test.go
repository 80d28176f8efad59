package protocol

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestReadRequest_Put(t *testing.T) {
	body := `{"id":"IDS60901","air_temp":23.5}`
	raw := "PUT /weather.json HTTP/1.1\r\n" +
		"Content-Length: 33\r\n" +
		"LamportClock: 1\r\n" +
		"Source: producer-a\r\n" +
		"\r\n" + body

	req, err := ReadRequest(reader(raw))
	require.NoError(t, err)

	assert.Equal(t, MethodPut, req.Method)
	assert.Equal(t, "/weather.json", req.Path)
	assert.Equal(t, "producer-a", req.Header.Get(HeaderSource))
	assert.Equal(t, body, string(req.Body))

	clock, ok, err := req.Lamport()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), clock)
}

func TestReadRequest_GetWithoutBody(t *testing.T) {
	raw := "get /weather.json HTTP/1.1\r\nStationID: IDS60901\r\n\r\n"

	req, err := ReadRequest(reader(raw))
	require.NoError(t, err)

	assert.Equal(t, MethodGet, req.Method)
	assert.Equal(t, "IDS60901", req.Header.Get(HeaderStationID))
	assert.Empty(t, req.Body)

	_, ok, err := req.Lamport()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadRequest_Malformed(t *testing.T) {
	tests := map[string]string{
		"empty request line":   "\r\n\r\n",
		"single token":         "GET\r\n\r\n",
		"bad protocol":         "GET / FTP/1.0\r\n\r\n",
		"bad header line":      "GET / HTTP/1.1\r\nno colon here\r\n\r\n",
		"bad content length":   "PUT / HTTP/1.1\r\nContent-Length: abc\r\n\r\n",
		"negative length":      "PUT / HTTP/1.1\r\nContent-Length: -4\r\n\r\n",
		"oversized body":       "PUT / HTTP/1.1\r\nContent-Length: 2000000\r\n\r\n",
		"short body":           "PUT / HTTP/1.1\r\nContent-Length: 10\r\n\r\n{}",
		"unterminated headers": "GET / HTTP/1.1\r\nSource: a\r\n",
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadRequest(reader(raw))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRequest_LamportInvalid(t *testing.T) {
	req := NewRequest(MethodGet, "")
	req.Header.Set(HeaderLamportClock, "soon")

	_, _, err := req.Lamport()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRequest_WriteUsesWireHeaderNames(t *testing.T) {
	req := NewRequest(MethodPut, "")
	req.Header.Set(HeaderLamportClock, "4")
	req.Header.Set(HeaderStationID, "IDS60901")
	req.Header.Set(HeaderSource, "a")
	req.Body = []byte(`{"id":"IDS60901"}`)

	var b bytes.Buffer
	require.NoError(t, req.Write(&b))

	out := b.String()
	assert.True(t, strings.HasPrefix(out, "PUT /weather.json HTTP/1.1\r\n"))
	assert.Contains(t, out, "LamportClock: 4\r\n")
	assert.Contains(t, out, "StationID: IDS60901\r\n")
	assert.Contains(t, out, "Content-Length: 17\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"+`{"id":"IDS60901"}`))

	decoded, err := ReadRequest(bufio.NewReader(&b))
	require.NoError(t, err)
	assert.Equal(t, req.Body, decoded.Body)
	assert.Equal(t, "IDS60901", decoded.Header.Get(HeaderStationID))
}

func TestResponse_WriteAndRead(t *testing.T) {
	resp, err := JSONResponse(StatusOK, 12, map[string]any{"id": "IDS60901", "air_temp": 23.5})
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, resp.Write(&b))
	assert.True(t, strings.HasPrefix(b.String(), "HTTP/1.1 200 OK\r\nLamport: 12\r\n"))
	assert.Contains(t, b.String(), "Content-Type: application/json\r\n")

	got, err := ReadResponse(bufio.NewReader(&b))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, got.Status)
	assert.Equal(t, int64(12), got.Lamport)
	assert.JSONEq(t, `{"id":"IDS60901","air_temp":23.5}`, string(got.Body))
}

func TestResponse_NoBody(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, (&Response{Status: StatusServiceUnavailable, Lamport: NoClock}).Write(&b))
	assert.Equal(t, "HTTP/1.1 503 Service Unavailable\r\nLamport: -1\r\n\r\n", b.String())

	got, err := ReadResponse(bufio.NewReader(&b))
	require.NoError(t, err)
	assert.Equal(t, StatusServiceUnavailable, got.Status)
	assert.Equal(t, NoClock, got.Lamport)
	assert.Empty(t, got.Body)
}

func TestReadResponse_Malformed(t *testing.T) {
	_, err := ReadResponse(reader("garbage\r\n\r\n"))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ReadResponse(reader("HTTP/1.1 abc OK\r\n\r\n"))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ReadResponse(reader("HTTP/1.1 200 OK\r\nLamport: x\r\n\r\n"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "201 Created", StatusCreated.String())
	assert.Equal(t, "204 No Content", StatusNoContent.String())
	assert.Equal(t, "500 Internal Server Error", StatusInternalServerError.String())
	assert.True(t, StatusCreated.Success())
	assert.False(t, StatusServiceUnavailable.Success())
}

func TestHandshake(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteHandshake(&b, 41))
	assert.Equal(t, "Lamport: 41\r\n", b.String())

	clock, err := ReadHandshake(bufio.NewReader(&b))
	require.NoError(t, err)
	assert.Equal(t, int64(41), clock)
}

func TestHandshake_ServiceUnavailable(t *testing.T) {
	_, err := ReadHandshake(reader("HTTP/1.1 503 Service Unavailable\r\nLamport: -1\r\n\r\n"))
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestHandshake_Malformed(t *testing.T) {
	for _, raw := range []string{"Clock: 4\r\n", "Lamport: four\r\n", "HTTP/1.1 200 OK\r\n"} {
		_, err := ReadHandshake(reader(raw))
		require.ErrorIs(t, err, ErrMalformed, raw)
	}

	_, err := ReadHandshake(reader(""))
	require.Error(t, err)
}
