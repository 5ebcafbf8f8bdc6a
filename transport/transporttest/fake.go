// Package transporttest provides an in-memory transport.Transport for
// tests of components that download through it.
package transporttest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/st-keller/ota-client/transport"
)

// Route is the canned response for one URL.
type Route struct {
	StatusCode int
	Body       []byte
	// ContentLength overrides the declared length. Zero declares
	// len(Body); -1 declares an unknown length.
	ContentLength int64
	// Partial delivers only the first Deliver bytes of Body.
	Partial bool
	Deliver int
	// ReadErr is returned once the delivered bytes are exhausted, instead
	// of io.EOF.
	ReadErr error
	// OpenErr fails Open itself.
	OpenErr error
}

// Fake serves Routes by URL. Unknown URLs answer 404.
type Fake struct {
	mu       sync.Mutex
	routes   map[string]Route
	requests []transport.Request
	readHook func(n int)

	delivered atomic.Int64
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{routes: make(map[string]Route)}
}

// Handle sets the response for url.
func (f *Fake) Handle(url string, route Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = route
}

// OnRead installs a hook called after every Read of any body with the
// number of bytes returned.
func (f *Fake) OnRead(hook func(n int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readHook = hook
}

// Requests returns a copy of every request received, in order.
func (f *Fake) Requests() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.requests...)
}

// RequestsFor counts requests to url.
func (f *Fake) RequestsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.URL == url {
			n++
		}
	}
	return n
}

// BytesDelivered is the total number of body bytes read by clients.
func (f *Fake) BytesDelivered() int64 { return f.delivered.Load() }

func (f *Fake) Open(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	recorded := *req
	recorded.Header = req.Header.Clone()
	recorded.Body = append([]byte(nil), req.Body...)
	f.requests = append(f.requests, recorded)
	route, ok := f.routes[req.URL]
	hook := f.readHook
	f.mu.Unlock()

	if !ok {
		route = Route{StatusCode: http.StatusNotFound}
	}
	if route.OpenErr != nil {
		return nil, route.OpenErr
	}

	data := route.Body
	if route.Partial && route.Deliver < len(data) {
		data = data[:route.Deliver]
	}
	length := route.ContentLength
	if length == 0 {
		length = int64(len(route.Body))
	}
	status := route.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	return &transport.Response{
		StatusCode:    status,
		ContentLength: length,
		Header:        http.Header{},
		Body: &fakeBody{
			Reader: bytes.NewReader(data),
			err:    route.ReadErr,
			hook:   hook,
			count:  &f.delivered,
		},
	}, nil
}

type fakeBody struct {
	*bytes.Reader
	err   error
	hook  func(int)
	count *atomic.Int64
}

func (b *fakeBody) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	b.count.Add(int64(n))
	if b.hook != nil && n > 0 {
		b.hook(n)
	}
	if err == io.EOF && b.err != nil {
		return n, b.err
	}
	return n, err
}

func (b *fakeBody) Close() error { return nil }
