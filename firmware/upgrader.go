package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/st-keller/ota-client/clock"
	"github.com/st-keller/ota-client/standard"
	"github.com/st-keller/ota-client/transport"
)

// Progress is one upgrade progress report.
type Progress struct {
	// Percent is Received*100/Total.
	Percent int
	// BytesPerSecond is the throughput since the previous report.
	BytesPerSecond int64
	Received       int64
	Total          int64
	// Done is set on the final report of a fully received image.
	Done bool
}

// ProgressCallback receives progress on the upgrading goroutine.
type ProgressCallback func(Progress)

// Config holds the upgrader configuration.
type Config struct {
	// CurrentVersion is logged next to the incoming image's version.
	CurrentVersion string
	// ChunkSize is the read and write unit. Default 512.
	ChunkSize int
	// ProgressInterval is the minimum time between progress reports.
	// Default 1s.
	ProgressInterval time.Duration

	ProgressCallback ProgressCallback
	Logs             *standard.RecentLogs
	Connectivity     *standard.ConnectivityTracker
	Clock            clock.Clock
}

func defaultConfig() Config {
	return Config{
		ChunkSize:        512,
		ProgressInterval: time.Second,
	}
}

// Option configures an Upgrader.
type Option func(*Config)

// WithCurrentVersion sets the running version for logging.
func WithCurrentVersion(version string) Option {
	return func(c *Config) { c.CurrentVersion = version }
}

// WithChunkSize sets the read/write unit. Values below 1 are ignored.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.ChunkSize = size
		}
	}
}

// WithProgressInterval sets the minimum time between progress reports.
func WithProgressInterval(interval time.Duration) Option {
	return func(c *Config) {
		if interval > 0 {
			c.ProgressInterval = interval
		}
	}
}

// WithProgressCallback sets a callback invoked with every progress report.
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) { c.ProgressCallback = callback }
}

// WithLogs sets the log sink.
func WithLogs(logs *standard.RecentLogs) Option {
	return func(c *Config) { c.Logs = logs }
}

// WithConnectivity records image downloads in tracker.
func WithConnectivity(tracker *standard.ConnectivityTracker) Option {
	return func(c *Config) { c.Connectivity = tracker }
}

// WithClock sets the time source for progress throttling.
func WithClock(c clock.Clock) Option {
	return func(cfg *Config) { cfg.Clock = c }
}

// Upgrader installs firmware images. One upgrade runs at a time.
type Upgrader struct {
	transport transport.Transport
	store     Store
	config    Config
	progress  chan Progress
	running   atomic.Bool
}

// NewUpgrader creates an Upgrader writing into store.
func NewUpgrader(t transport.Transport, store Store, opts ...Option) *Upgrader {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logs == nil {
		config.Logs = standard.Discard()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Upgrader{
		transport: t,
		store:     store,
		config:    config,
		progress:  make(chan Progress, 1),
	}
}

// Progress returns the single-consumer progress channel. Reports are
// dropped when the consumer falls behind.
func (u *Upgrader) Progress() <-chan Progress { return u.progress }

// Upgrade downloads the image at url into the inactive bank and selects it
// for the next boot. It returns only after the boot-target decision is
// final. On any error the boot target is unchanged and the call may be
// retried from the start.
func (u *Upgrader) Upgrade(ctx context.Context, url string) error {
	if !u.running.CompareAndSwap(false, true) {
		return ErrUpgradeInProgress
	}
	defer u.running.Store(false)

	start := u.config.Clock.Now()
	err := u.upgrade(ctx, url)
	if u.config.Connectivity != nil {
		latency := u.config.Clock.Now().Sub(start)
		if err != nil {
			u.config.Connectivity.TrackFailure("firmware", url, latency, err.Error())
		} else {
			u.config.Connectivity.TrackSuccess("firmware", url, latency)
		}
	}
	if err != nil {
		u.config.Logs.Error("Firmware upgrade failed", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func (u *Upgrader) upgrade(ctx context.Context, url string) error {
	logs := u.config.Logs
	logs.Info("Upgrading firmware", map[string]any{"url": url})

	bank, err := u.store.Inactive()
	if err != nil {
		return &StorageError{Op: "select bank", Err: err}
	}

	resp, err := u.transport.Open(ctx, &transport.Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return &transport.Error{URL: url, Err: err}
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		return &transport.Error{URL: url, StatusCode: resp.StatusCode}
	}
	total := resp.ContentLength
	if total <= 0 {
		return &transport.Error{URL: url, StatusCode: resp.StatusCode, Err: ErrUnknownLength}
	}
	if total < ImageProbeSize {
		return &ImageError{Field: "length", Reason: fmt.Sprintf("declared %d bytes, header alone is %d", total, ImageProbeSize)}
	}

	tracker := progressTracker{
		upgrader: u,
		total:    total,
		last:     u.config.Clock.Now(),
	}
	body := io.LimitReader(resp.Body, total)

	// Only the header is buffered before a session exists, so an image that
	// is not recognizable never touches the bank.
	probe := make([]byte, ImageProbeSize)
	if _, err := io.ReadFull(body, probe); err != nil {
		return readError(url, err)
	}
	tracker.add(ImageProbeSize)

	info, err := ParseImageHeader(probe)
	if err != nil {
		return err
	}
	logs.Info("Firmware image recognized", map[string]any{
		"current_version": u.config.CurrentVersion,
		"new_version":     info.Version,
		"project":         info.ProjectName,
		"build":           info.BuildDate + " " + info.BuildTime,
		"bank":            bank.Label(),
		"size":            total,
	})

	session, err := u.store.BeginWrite(bank)
	if err != nil {
		return err
	}
	abort := func(cause error) error {
		if abortErr := session.Abort(); abortErr != nil {
			logs.Warn("Aborting firmware session failed", map[string]any{
				"bank":  bank.Label(),
				"error": abortErr.Error(),
			})
		}
		return cause
	}

	if _, err := session.Write(probe); err != nil {
		return abort(err)
	}

	chunk := make([]byte, u.config.ChunkSize)
	for tracker.received < total {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		n, err := body.Read(chunk)
		if n > 0 {
			if _, werr := session.Write(chunk[:n]); werr != nil {
				return abort(werr)
			}
			tracker.add(int64(n))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return abort(&transport.Error{URL: url, Err: err})
		}
	}
	if tracker.received < total {
		return abort(fmt.Errorf("%w: received %d of %d bytes", ErrTruncated, tracker.received, total))
	}
	tracker.finish()

	if err := session.Finalize(); err != nil {
		return err
	}
	if err := u.store.SetBootTarget(bank, info.Version); err != nil {
		return err
	}

	logs.Info("Firmware upgrade successful", map[string]any{
		"version": info.Version,
		"bank":    bank.Label(),
	})
	return nil
}

func readError(url string, err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: stream ended inside the image header", ErrTruncated)
	}
	return &transport.Error{URL: url, Err: err}
}

type progressTracker struct {
	upgrader *Upgrader
	total    int64
	received int64
	recent   int64
	last     time.Time
}

func (p *progressTracker) add(n int64) {
	p.received += n
	p.recent += n
	now := p.upgrader.config.Clock.Now()
	if now.Sub(p.last) >= p.upgrader.config.ProgressInterval {
		p.report(now, false)
	}
}

func (p *progressTracker) finish() {
	p.report(p.upgrader.config.Clock.Now(), true)
}

func (p *progressTracker) report(now time.Time, done bool) {
	elapsed := now.Sub(p.last)
	var rate int64
	if elapsed > 0 {
		rate = int64(float64(p.recent) / elapsed.Seconds())
	}
	progress := Progress{
		Percent:        int(p.received * 100 / p.total),
		BytesPerSecond: rate,
		Received:       p.received,
		Total:          p.total,
		Done:           done,
	}
	p.last = now
	p.recent = 0

	if cb := p.upgrader.config.ProgressCallback; cb != nil {
		cb(progress)
	}
	// Replace a report the consumer has not taken yet.
	select {
	case p.upgrader.progress <- progress:
		return
	default:
	}
	select {
	case <-p.upgrader.progress:
	default:
	}
	select {
	case p.upgrader.progress <- progress:
	default:
	}
}
