package ota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/st-keller/ota-client/clock"
	"github.com/st-keller/ota-client/manifest"
	"github.com/st-keller/ota-client/settings"
	"github.com/st-keller/ota-client/standard"
)

// DefaultReportPeriod is the status heartbeat interval.
const DefaultReportPeriod = 60 * time.Second

// StatusSender posts one status report. *Client implements it.
type StatusSender interface {
	ReportStatus(ctx context.Context) error
}

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	Period time.Duration
	Clock  clock.Clock
	Logs   *standard.RecentLogs
	// Busy reports foreground interaction; reports are skipped while it
	// returns true.
	Busy func() bool
	// OnReport observes the result of every report that was sent.
	OnReport func(error)
}

// Reporter sends the status heartbeat on a fixed period. Reports that come
// due while one is still in flight are dropped, not queued.
type Reporter struct {
	sender   StatusSender
	settings settings.Store
	config   ReporterConfig

	inFlight atomic.Bool
	// work is the hand-off from the ticker to the long-lived worker.
	work chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	ticker  *clock.Ticker
	done    sync.WaitGroup
}

// NewReporter returns a stopped Reporter.
func NewReporter(sender StatusSender, store settings.Store, config ReporterConfig) *Reporter {
	if config.Period <= 0 {
		config.Period = DefaultReportPeriod
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logs == nil {
		config.Logs = standard.Discard()
	}
	return &Reporter{
		sender:   sender,
		settings: store,
		config:   config,
		work:     make(chan struct{}, 1),
	}
}

// Start begins the periodic reports. The first report is sent one period
// after Start.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("reporter already running")
	}
	r.running = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.ticker = r.config.Clock.NewTicker(r.config.Period)

	r.done.Add(2)
	go r.worker(ctx)
	go r.tickLoop(ctx, r.ticker)

	r.config.Logs.Info("Status reporter started", map[string]any{"period": r.config.Period.String()})
	return nil
}

// Stop halts the ticker and waits for the worker to exit. A report in
// flight is cancelled.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.ticker.Stop()
	r.cancel()
	r.mu.Unlock()

	r.done.Wait()
	r.config.Logs.Info("Status reporter stopped", nil)
}

// Trigger requests a report now, subject to the same guards as a periodic
// one.
func (r *Reporter) Trigger() {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if running {
		r.tick()
	}
}

func (r *Reporter) tickLoop(ctx context.Context, ticker *clock.Ticker) {
	defer r.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reporter) tick() {
	if r.config.Busy != nil && r.config.Busy() {
		r.config.Logs.Debug("Status report skipped: device busy", nil)
		return
	}
	if r.settings != nil && r.settings.Open(StatusNamespace, false).GetInt(manifest.StatusReport, 1) == 0 {
		r.config.Logs.Debug("Status report disabled by settings", nil)
		return
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		r.config.Logs.Debug("Status report skipped: previous report in flight", nil)
		return
	}
	select {
	case r.work <- struct{}{}:
	default:
		r.inFlight.Store(false)
	}
}

func (r *Reporter) worker(ctx context.Context) {
	defer r.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.work:
			err := r.sender.ReportStatus(ctx)
			r.inFlight.Store(false)
			if err != nil && ctx.Err() == nil {
				r.config.Logs.WarnNoTrigger("Status report failed", map[string]any{"error": err.Error()})
			}
			if r.config.OnReport != nil {
				r.config.OnReport(err)
			}
		}
	}
}
