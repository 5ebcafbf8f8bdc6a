// Package transport is the byte-stream fetch capability used by every
// network-facing component: the version check, activation, status reports,
// firmware images and content files.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// MaxAPIResponseSize bounds reads of JSON API responses. Firmware images
// and content files are streamed and never read through ReadAll.
const MaxAPIResponseSize int64 = 1 << 20

// ErrBodyTooLarge is returned by ReadAll when a body exceeds its limit.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Request describes one fetch.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body is sent as-is. A nil body sends no content.
	Body []byte
	// Compressed allows the server to zstd-encode the response. Leave it
	// off for downloads whose declared length must match the bytes read.
	Compressed bool
}

// Response is an open response stream. The caller must Close Body.
type Response struct {
	StatusCode int
	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64
	Header        http.Header
	Body          io.ReadCloser
}

// Close releases the response body.
func (r *Response) Close() error { return r.Body.Close() }

// Transport opens response streams.
type Transport interface {
	Open(ctx context.Context, req *Request) (*Response, error)
}

// HTTP is a Transport over net/http.
type HTTP struct {
	client *http.Client
}

// NewHTTP wraps client. A nil client uses http.DefaultClient.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

// Open sends req and returns the response stream for any status code.
func (h *HTTP) Open(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.Compressed {
		httpReq.Header.Set("Accept-Encoding", "zstd")
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}

	out := &Response{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		Header:        resp.Header,
		Body:          resp.Body,
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "zstd") {
		decoder, err := zstd.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("opening zstd response stream: %w", err)
		}
		out.Body = &zstdBody{decoder: decoder, raw: resp.Body}
		out.ContentLength = -1
	}
	return out, nil
}

type zstdBody struct {
	decoder *zstd.Decoder
	raw     io.ReadCloser
}

func (z *zstdBody) Read(p []byte) (int, error) { return z.decoder.Read(p) }

func (z *zstdBody) Close() error {
	z.decoder.Close()
	return z.raw.Close()
}

// ReadAll reads the body up to limit bytes and closes it.
func ReadAll(resp *Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// ErrorBody reads a short diagnostic excerpt of an error response and
// closes it. Read errors are ignored.
func ErrorBody(resp *Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return strings.TrimSpace(string(data))
}
