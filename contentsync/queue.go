// Package contentsync installs auxiliary content files (images, audio,
// fonts) announced by the update server while the device keeps running.
//
// A Queue owns one pre-allocated download buffer and processes tasks
// strictly one at a time in FIFO order. Each task is skipped when the file
// already holds the expected content, otherwise downloaded into the buffer,
// verified, written to a temporary sibling and moved into place.
package contentsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/st-keller/ota-client/clock"
	"github.com/st-keller/ota-client/digest"
	"github.com/st-keller/ota-client/standard"
	"github.com/st-keller/ota-client/transport"
)

const (
	// DefaultBufferSize is the largest file a queue accepts by default.
	DefaultBufferSize = 1 << 20
	// Capacity is the number of tasks that may wait at once.
	Capacity = 16

	defaultTaskGap     = time.Second
	deleteAttempts     = 5
	deleteRetryDelay   = 200 * time.Millisecond
	tempSuffix         = ".tmp"
	progressReportSize = 64 << 10
)

var (
	// ErrQueueFull rejects an Add while Capacity tasks are pending.
	ErrQueueFull = errors.New("content queue full")
	// ErrClosed rejects an Add after Close.
	ErrClosed = errors.New("content queue closed")
	// ErrSizeExceeded fails a task whose body does not fit the buffer.
	ErrSizeExceeded = errors.New("content exceeds buffer capacity")
	// ErrHashMismatch fails a task whose content does not match the
	// expected hash, before or after installation.
	ErrHashMismatch = errors.New("content hash mismatch")
	// ErrReplaceFailed fails a task whose file could not be put in place.
	ErrReplaceFailed = errors.New("content replace failed")
	// ErrInvalidTask rejects a task without URL or path.
	ErrInvalidTask = errors.New("content task needs url and path")
)

// Task is one content file to install.
type Task struct {
	URL  string
	Path string
	// Expected is the content hash. Zero means the server gave none.
	Expected digest.Sum
}

// TaskError wraps the failure of one task.
type TaskError struct {
	Task Task
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("content %s: %v", e.Task.Path, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Result is the outcome of one task.
type Result struct {
	Task Task
	// Skipped is set when the installed file already matched.
	Skipped bool
	// Bytes is the number of body bytes downloaded.
	Bytes int64
	// Err is a *TaskError when the task failed.
	Err error
}

// Progress reports download progress of the current task.
type Progress struct {
	Task     Task
	Received int64
	// Total is -1 when the server declared no length.
	Total int64
}

type config struct {
	bufferSize int
	taskGap    time.Duration
	clock      clock.Clock
	logs       *standard.RecentLogs
	tracker    *standard.ConnectivityTracker
	onResult   func(Result)
	onIdle     func()
}

// Option configures a Queue.
type Option func(*config)

// WithBufferSize sets the download buffer size, the largest acceptable file.
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithTaskGap sets the pause between consecutive tasks.
func WithTaskGap(gap time.Duration) Option {
	return func(c *config) {
		if gap >= 0 {
			c.taskGap = gap
		}
	}
}

// WithClock sets the time source for pauses and retry waits.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

// WithLogs sets the log sink.
func WithLogs(logs *standard.RecentLogs) Option {
	return func(c *config) { c.logs = logs }
}

// WithConnectivity records downloads in tracker.
func WithConnectivity(tracker *standard.ConnectivityTracker) Option {
	return func(c *config) { c.tracker = tracker }
}

// OnResult sets a callback invoked on the worker after every task.
func OnResult(fn func(Result)) Option {
	return func(c *config) { c.onResult = fn }
}

// OnIdle sets a callback invoked on the worker each time the queue drains.
func OnIdle(fn func()) Option {
	return func(c *config) { c.onIdle = fn }
}

// Queue is the content download service. Construct it once and share it;
// all methods are safe for concurrent use.
type Queue struct {
	transport transport.Transport
	fs        FS
	config    config

	ctx    context.Context
	cancel context.CancelFunc

	// buffer holds the single download buffer while no worker owns it.
	buffer   chan []byte
	progress chan Progress

	mu      sync.Mutex
	pending []Task
	busy    bool
	idle    chan struct{}
	closed  bool
}

// New creates a queue and allocates its buffer.
func New(t transport.Transport, fsys FS, opts ...Option) *Queue {
	cfg := config{
		bufferSize: DefaultBufferSize,
		taskGap:    defaultTaskGap,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clock.Real()
	}
	if cfg.logs == nil {
		cfg.logs = standard.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		transport: t,
		fs:        fsys,
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		buffer:    make(chan []byte, 1),
		progress:  make(chan Progress, 1),
		idle:      make(chan struct{}),
	}
	close(q.idle)
	q.buffer <- make([]byte, cfg.bufferSize)
	return q
}

// BufferSize returns the capacity of the download buffer.
func (q *Queue) BufferSize() int { return q.config.bufferSize }

// Add enqueues task and starts processing if the queue is idle.
func (q *Queue) Add(task Task) error {
	if task.URL == "" || task.Path == "" {
		return ErrInvalidTask
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(q.pending) >= Capacity {
		return ErrQueueFull
	}
	q.pending = append(q.pending, task)

	if !q.busy {
		q.busy = true
		q.idle = make(chan struct{})
		go q.run(q.idle)
	}
	return nil
}

// Len returns the number of tasks waiting, excluding the one running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether a worker is processing tasks.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Progress returns the single-consumer progress channel. Reports are
// dropped while the consumer is behind.
func (q *Queue) Progress() <-chan Progress { return q.progress }

// Wait blocks until the queue is idle or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops pending tasks, cancels the running one and rejects further
// Adds. It does not wait for the worker; use Wait.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
	q.cancel()
}

func (q *Queue) run(idle chan struct{}) {
	// Taking the buffer makes this goroutine its only user until it is
	// handed back.
	buf := <-q.buffer
	defer func() { q.buffer <- buf }()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.busy = false
			close(idle)
			q.mu.Unlock()
			if q.config.onIdle != nil {
				q.config.onIdle()
			}
			return
		}
		task := q.pending[0]
		q.pending[0] = Task{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		result := q.process(buf, task)
		q.report(result)

		if q.Len() > 0 && q.config.taskGap > 0 {
			select {
			case <-q.config.clock.After(q.config.taskGap):
			case <-q.ctx.Done():
			}
		}
	}
}

func (q *Queue) report(result Result) {
	logs := q.config.logs
	switch {
	case result.Err != nil:
		logs.Error("Content download failed", map[string]any{
			"url":   result.Task.URL,
			"path":  result.Task.Path,
			"error": result.Err.Error(),
		})
	case result.Skipped:
		logs.Info("Content already up to date", map[string]any{"path": result.Task.Path})
	default:
		logs.Info("Content installed", map[string]any{
			"path":  result.Task.Path,
			"bytes": result.Bytes,
		})
	}
	if q.config.onResult != nil {
		q.config.onResult(result)
	}
}

func (q *Queue) process(buf []byte, task Task) Result {
	result := Result{Task: task}
	fail := func(err error) Result {
		result.Err = &TaskError{Task: task, Err: err}
		return result
	}

	if q.upToDate(task) {
		result.Skipped = true
		return result
	}

	start := q.config.clock.Now()
	n, err := q.download(buf, task)
	if q.config.tracker != nil {
		latency := q.config.clock.Now().Sub(start)
		if err != nil {
			q.config.tracker.TrackFailure("content", task.URL, latency, err.Error())
		} else {
			q.config.tracker.TrackSuccess("content", task.URL, latency)
		}
	}
	result.Bytes = int64(n)
	if err != nil {
		return fail(err)
	}
	content := buf[:n]

	if !task.Expected.IsZero() {
		if got := digest.Bytes(task.Expected.Algorithm, content); !got.Equal(task.Expected) {
			return fail(fmt.Errorf("%w: downloaded %s, want %s", ErrHashMismatch, got.Hex(), task.Expected.Hex()))
		}
	}

	if err := q.replace(task.Path, content); err != nil {
		return fail(err)
	}

	if !task.Expected.IsZero() {
		got, err := q.hashFile(task.Path, task.Expected.Algorithm)
		if err != nil {
			return fail(fmt.Errorf("%w: reading installed file: %v", ErrHashMismatch, err))
		}
		if !got.Equal(task.Expected) {
			return fail(fmt.Errorf("%w: installed %s, want %s", ErrHashMismatch, got.Hex(), task.Expected.Hex()))
		}
	}
	return result
}

// upToDate reports whether the target already exists with the expected
// content. An existing target with no expected hash counts as up to date.
func (q *Queue) upToDate(task Task) bool {
	if _, err := q.fs.Stat(task.Path); err != nil {
		return false
	}
	if task.Expected.IsZero() {
		return true
	}
	got, err := q.hashFile(task.Path, task.Expected.Algorithm)
	return err == nil && got.Equal(task.Expected)
}

// hashFile streams the file through the hash with constant memory.
func (q *Queue) hashFile(path string, alg digest.Algorithm) (digest.Sum, error) {
	file, err := q.fs.Open(path)
	if err != nil {
		return digest.Sum{}, err
	}
	defer file.Close()
	return digest.Reader(alg, file)
}

// download reads the body of task into buf and returns its length.
func (q *Queue) download(buf []byte, task Task) (int, error) {
	resp, err := q.transport.Open(q.ctx, &transport.Request{Method: http.MethodGet, URL: task.URL})
	if err != nil {
		return 0, &transport.Error{URL: task.URL, Err: err}
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &transport.Error{URL: task.URL, StatusCode: resp.StatusCode}
	}
	total := resp.ContentLength
	if total > int64(len(buf)) {
		return 0, fmt.Errorf("%w: declared %d bytes, buffer holds %d", ErrSizeExceeded, total, len(buf))
	}

	n := 0
	lastReport := 0
	for n < len(buf) {
		read, err := resp.Body.Read(buf[n:])
		n += read
		if n-lastReport >= progressReportSize {
			q.sendProgress(Progress{Task: task, Received: int64(n), Total: total})
			lastReport = n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, &transport.Error{URL: task.URL, Err: err}
		}
	}

	if n == len(buf) {
		var probe [1]byte
		if extra, _ := io.ReadFull(resp.Body, probe[:]); extra > 0 {
			return n, fmt.Errorf("%w: body larger than %d bytes", ErrSizeExceeded, len(buf))
		}
	}
	if total >= 0 && int64(n) != total {
		return n, &transport.Error{URL: task.URL, Err: fmt.Errorf("received %d of %d bytes", n, total)}
	}
	q.sendProgress(Progress{Task: task, Received: int64(n), Total: total})
	return n, nil
}

func (q *Queue) sendProgress(p Progress) {
	select {
	case q.progress <- p:
	default:
	}
}

// replace installs content at path on a file system whose rename cannot
// overwrite: write a temporary sibling, delete the target, rename.
//
// Deleting the target while a reader holds it open can fail or race with
// the reader reopening it. Deletion is retried a few times and the rename
// is attempted even when deletion was never confirmed.
func (q *Queue) replace(path string, content []byte) error {
	tmp := path + tempSuffix
	if err := q.fs.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		q.config.logs.Warn("Removing stale temp file failed", map[string]any{
			"path":  tmp,
			"error": err.Error(),
		})
	}

	w, err := q.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrReplaceFailed, tmp, err)
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrReplaceFailed, tmp, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrReplaceFailed, tmp, err)
	}

	deleted := false
	var lastErr error
	for attempt := 1; attempt <= deleteAttempts; attempt++ {
		err := q.fs.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			deleted = true
			break
		}
		lastErr = err
		if attempt < deleteAttempts {
			select {
			case <-q.config.clock.After(deleteRetryDelay):
			case <-q.ctx.Done():
				return fmt.Errorf("%w: %v", ErrReplaceFailed, q.ctx.Err())
			}
		}
	}
	if !deleted {
		q.config.logs.Warn("Could not confirm removal of old content, renaming anyway", map[string]any{
			"path":     path,
			"attempts": deleteAttempts,
			"error":    lastErr.Error(),
		})
	}

	if err := q.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: renaming %s: %v", ErrReplaceFailed, tmp, err)
	}
	return nil
}
