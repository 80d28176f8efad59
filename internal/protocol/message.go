package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
)

// wireNames maps canonical header keys back to the spelling used on the wire.
var wireNames = map[string]string{
	textproto.CanonicalMIMEHeaderKey(HeaderLamportClock): HeaderLamportClock,
	textproto.CanonicalMIMEHeaderKey(HeaderStationID):    HeaderStationID,
}

func wireName(key string) string {
	if n, ok := wireNames[key]; ok {
		return n
	}
	return key
}

// Request is one decoded client request.
type Request struct {
	Method string
	Path   string
	Header textproto.MIMEHeader
	Body   []byte
}

// NewRequest builds a request with an empty header block.
func NewRequest(method, path string) *Request {
	if path == "" {
		path = DefaultPath
	}
	return &Request{
		Method: method,
		Path:   path,
		Header: make(textproto.MIMEHeader),
	}
}

// Lamport returns the LamportClock header. ok is false when the header is absent.
func (r *Request) Lamport() (clock int64, ok bool, err error) {
	v := r.Header.Get(HeaderLamportClock)
	if v == "" {
		return 0, false, nil
	}
	clock, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false, malformed("%s header %q", HeaderLamportClock, v)
	}
	return clock, true, nil
}

// Write encodes the request. Content-Length is set from Body.
func (r *Request) Write(w io.Writer) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", r.Method, r.Path, Version)

	h := make(textproto.MIMEHeader, len(r.Header)+1)
	for k, vs := range r.Header {
		h[k] = append([]string(nil), vs...)
	}
	if len(r.Body) > 0 {
		h.Set(HeaderContentLength, strconv.Itoa(len(r.Body)))
	} else {
		h.Del(HeaderContentLength)
	}
	writeHeader(&b, h)
	b.WriteString("\r\n")
	b.Write(r.Body)

	_, err := w.Write(b.Bytes())
	return err
}

// ReadRequest decodes one request: request line, header block, and exactly
// Content-Length bytes of body.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 3 {
		return nil, malformed("request line %q", line)
	}
	if len(fields) == 3 && !strings.HasPrefix(fields[2], "HTTP/") {
		return nil, malformed("protocol %q", fields[2])
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, malformed("headers: %v", err)
	}

	body, err := readBody(br, header)
	if err != nil {
		return nil, err
	}

	return &Request{
		Method: strings.ToUpper(fields[0]),
		Path:   fields[1],
		Header: header,
		Body:   body,
	}, nil
}

// Response is one replica or dispatcher response.
type Response struct {
	Status      Status
	Lamport     int64
	ContentType string
	Body        []byte
}

// JSONResponse builds a response whose body is v as indented JSON.
func JSONResponse(status Status, lamport int64, v any) (*Response, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:      status,
		Lamport:     lamport,
		ContentType: "application/json",
		Body:        body,
	}, nil
}

// Write encodes the response.
func (r *Response) Write(w io.Writer) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s\r\n", Version, r.Status)
	fmt.Fprintf(&b, "%s: %d\r\n", HeaderLamport, r.Lamport)
	if len(r.Body) > 0 {
		ct := r.ContentType
		if ct == "" {
			ct = "application/json"
		}
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderContentType, ct)
		fmt.Fprintf(&b, "%s: %d\r\n", HeaderContentLength, len(r.Body))
	}
	b.WriteString("\r\n")
	b.Write(r.Body)

	_, err := w.Write(b.Bytes())
	return err
}

// ReadResponse decodes a response written by Response.Write.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read status line: %w", err)
	}
	status, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(header) > 0) {
		return nil, malformed("headers: %v", err)
	}

	resp := &Response{
		Status:      status,
		Lamport:     NoClock,
		ContentType: header.Get(HeaderContentType),
	}
	if v := header.Get(HeaderLamport); v != "" {
		clock, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, malformed("%s header %q", HeaderLamport, v)
		}
		resp.Lamport = clock
	}

	resp.Body, err = readBody(br, header)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func parseStatusLine(line string) (Status, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, malformed("status line %q", line)
	}
	code, _, _ := strings.Cut(strings.TrimSpace(rest), " ")
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 || n > 999 {
		return 0, malformed("status code in %q", line)
	}
	return Status(n), nil
}

func readBody(br *bufio.Reader, header textproto.MIMEHeader) ([]byte, error) {
	v := header.Get(HeaderContentLength)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return nil, malformed("%s %q", HeaderContentLength, v)
	}
	if n > MaxBodySize {
		return nil, malformed("body of %d bytes exceeds %d", n, MaxBodySize)
	}
	if n == 0 {
		return nil, nil
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, malformed("body: %v", err)
	}
	return body, nil
}

func writeHeader(b *bytes.Buffer, h textproto.MIMEHeader) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(b, "%s: %s\r\n", wireName(k), v)
		}
	}
}
