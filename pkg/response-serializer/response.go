package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
)

// Response is an in-memory snapshot of an HTTP response.
// Snapshots are what gets stored in (and served from) the cache,
// so that a stored entry never shares state with a response in flight.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// FromHTTP reads the full body of res and returns a snapshot of it.
// The body of res is closed.
func FromHTTP(res *http.Response) (*Response, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")
	return &Response{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Checksum returns the CRC32 checksum of the body.
func (r *Response) Checksum() uint32 {
	return crc32.ChecksumIEEE(r.Body)
}

// ToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
func ToBytes(r *Response) ([]byte, error) {
	res := &http.Response{
		StatusCode:    r.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("serialize response: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes converts a byte slice created by ToBytes back to a response.
func FromBytes(b []byte) (*Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, fmt.Errorf("deserialize response: %w", err)
	}
	return FromHTTP(res)
}
