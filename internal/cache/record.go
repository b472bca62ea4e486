package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Duplicate buffers resp's body and returns an independent stored copy. resp
// stays fully readable by the caller afterwards.
func Duplicate(resp *http.Response) (*Response, error) {
	var body []byte
	if resp.Body != nil && resp.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			resp.Body = io.NopCloser(bytes.NewReader(body))
			return nil, fmt.Errorf("buffer response body: %w", err)
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	stored := &Response{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now().UTC(),
	}
	if stored.Header == nil {
		stored.Header = make(http.Header)
	}
	stored.Header.Del("Content-Length")
	return stored, nil
}

// HTTP materialises a fresh *http.Response for one cache hit. The stored copy
// is never handed out directly, so callers may mutate or drain the result.
func (r *Response) HTTP(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// record is the persisted form shared by every on-disk driver.
type record struct {
	Key      Key
	Response Response
}

func encodeRecord(key Key, resp *Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(record{Key: key, Response: *resp}); err != nil {
		return nil, fmt.Errorf("encode cache record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (record, error) {
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		return record{}, fmt.Errorf("decode cache record: %w", err)
	}
	return rec, nil
}
