package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/st-keller/ota-client/activation"
	"github.com/st-keller/ota-client/clock"
	"github.com/st-keller/ota-client/contentsync"
	"github.com/st-keller/ota-client/manifest"
	"github.com/st-keller/ota-client/settings"
	"github.com/st-keller/ota-client/standard"
	"github.com/st-keller/ota-client/status"
	"github.com/st-keller/ota-client/transport"
)

// Settings namespaces and keys read or written by the Client.
const (
	WifiNamespace      = "wifi"
	OTAURLKey          = "ota_url"
	BindingCodeKey     = "binding_code"
	OTANamespace       = "ota"
	CustomContentKey   = "custom"
	MQTTNamespace      = "mqtt"
	WebsocketNamespace = "websocket"
	StatusNamespace    = "status"
	GeneralNamespace   = "settings"
)

// URLs shorter than this are treated as unset.
const minServerURLLength = 10

// connectivityService names the update server in connectivity reports.
const connectivityService = "ota"

// Config holds the static client configuration.
type Config struct {
	// CheckURL is the version check endpoint. A non-empty wifi/ota_url
	// setting overrides it.
	CheckURL string
	// StatusURL defaults to CheckURL + "/status".
	StatusURL string
	// ContentDir receives auxiliary content files.
	ContentDir string

	CurrentVersion string
	Application    standard.ApplicationInfo
	Board          standard.BoardInfo
	Language       string
	// UserAgent defaults to "<board type>/<current version>".
	UserAgent string
	// CompressedResponses lets the server zstd-encode JSON responses.
	CompressedResponses bool
}

// Validate checks that the required fields are present.
func (c Config) Validate() error {
	if c.CheckURL == "" {
		return fmt.Errorf("CheckURL required")
	}
	if c.CurrentVersion == "" {
		return fmt.Errorf("CurrentVersion required")
	}
	if c.ContentDir == "" {
		return fmt.Errorf("ContentDir required")
	}
	if c.Board.Type == "" {
		return fmt.Errorf("Board.Type required")
	}
	return nil
}

func (c Config) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return c.Board.Type + "/" + c.CurrentVersion
}

// TimeSetter applies the server time to the device clock.
type TimeSetter interface {
	SetTime(t time.Time) error
}

// TimeSetterFunc adapts a function such as clock.SetSystemTime.
type TimeSetterFunc func(time.Time) error

func (f TimeSetterFunc) SetTime(t time.Time) error { return f(t) }

// ContentSink accepts auxiliary content downloads. contentsync.Queue is
// the production implementation.
type ContentSink interface {
	Add(task contentsync.Task) error
	Busy() bool
}

// Option configures a Client.
type Option func(*Client)

// WithSigner signs activation challenges. Without one the payload is sent
// unsigned.
func WithSigner(signer activation.Signer) Option {
	return func(c *Client) { c.signer = signer }
}

// WithTimeSetter applies server_time sections.
func WithTimeSetter(setter TimeSetter) Option {
	return func(c *Client) { c.timeSetter = setter }
}

// WithContentSink forwards custom content items.
func WithContentSink(sink ContentSink) Option {
	return func(c *Client) { c.content = sink }
}

// WithSystemInfo overrides the body of the version check. A provider that
// returns nil makes the check a GET.
func WithSystemInfo(provider func() *standard.SystemInfo) Option {
	return func(c *Client) { c.systemInfo = provider }
}

// WithLogs sets the log sink.
func WithLogs(logs *standard.RecentLogs) Option {
	return func(c *Client) { c.logs = logs }
}

// WithConnectivity records server calls in tracker.
func WithConnectivity(tracker *standard.ConnectivityTracker) Option {
	return func(c *Client) { c.connectivity = tracker }
}

// WithCertificates adds a certificates section to the status report.
func WithCertificates(monitor *standard.CertificateMonitor) Option {
	return func(c *Client) { c.certificates = monitor }
}

// WithClock sets the clock used for latency measurement.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// Client talks to the update server.
type Client struct {
	config    Config
	transport transport.Transport
	settings  settings.Store
	identity  standard.Identity

	signer       activation.Signer
	timeSetter   TimeSetter
	content      ContentSink
	systemInfo   func() *standard.SystemInfo
	logs         *standard.RecentLogs
	connectivity *standard.ConnectivityTracker
	certificates *standard.CertificateMonitor
	clock        clock.Clock
	status       *status.Registry

	background sync.WaitGroup
}

// New creates a Client. The status registry starts with the logs,
// connectivity and firmware sections, plus certificates when a monitor is
// configured.
func New(config Config, t transport.Transport, store settings.Store, id standard.Identity, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if t == nil || store == nil {
		return nil, errors.New("transport and settings store required")
	}

	c := &Client{
		config:    config,
		transport: t,
		settings:  store,
		identity:  id,
		clock:     clock.Real(),
		status:    status.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logs == nil {
		c.logs = standard.Discard()
	}
	if c.connectivity == nil {
		c.connectivity = standard.NewConnectivityTracker(c.clock)
	}
	if c.systemInfo == nil {
		c.systemInfo = func() *standard.SystemInfo {
			return standard.AutoDetect(c.identity, c.config.Application, c.config.Board, c.config.Language, "")
		}
	}

	if err := c.registerStatusSections(); err != nil {
		return nil, fmt.Errorf("registering status sections: %w", err)
	}
	return c, nil
}

func (c *Client) registerStatusSections() error {
	if err := c.status.Register("logs", func() any { return c.logs.Summary(5) }); err != nil {
		return err
	}
	if err := c.status.Register("connectivity", func() any { return c.connectivity.Summary() }); err != nil {
		return err
	}
	if err := c.status.Register("firmware", func() any {
		return map[string]any{"version": c.config.CurrentVersion}
	}); err != nil {
		return err
	}
	if c.certificates == nil {
		return nil
	}
	return c.status.Register("certificates", func() any {
		if err := c.certificates.Scan(); err != nil {
			c.logs.WarnNoTrigger("Certificate scan failed", map[string]any{"error": err.Error()})
		}
		return c.certificates.Summary()
	})
}

// Logs returns the client's log sink.
func (c *Client) Logs() *standard.RecentLogs { return c.logs }

// Connectivity returns the tracker of server calls.
func (c *Client) Connectivity() *standard.ConnectivityTracker { return c.connectivity }

// Status returns the registry that builds the status report. Callers add
// their own sections with Register.
func (c *Client) Status() *status.Registry { return c.status }

// CheckURL returns the effective version check URL.
func (c *Client) CheckURL() (string, error) {
	url := c.settings.Open(WifiNamespace, false).GetString(OTAURLKey, "")
	if url == "" {
		url = c.config.CheckURL
	}
	if len(url) < minServerURLLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	return url, nil
}

// CheckVersion asks the server for the current manifest and applies its
// side effects: transport settings, server time and custom content. The
// returned manifest has been evaluated against the running version.
func (c *Client) CheckVersion(ctx context.Context) (*manifest.Manifest, error) {
	url, err := c.CheckURL()
	if err != nil {
		return nil, err
	}

	var body []byte
	if info := c.systemInfo(); info != nil {
		body, err = json.Marshal(info)
		if err != nil {
			return nil, fmt.Errorf("encoding system info: %w", err)
		}
	}
	method := http.MethodGet
	if len(body) > 0 {
		method = http.MethodPost
	}

	resp, err := c.open(ctx, method, url, body, http.StatusOK)
	if err != nil {
		c.logs.ErrorNoTrigger("Version check failed", map[string]any{"url": url, "error": err.Error()})
		return nil, err
	}
	data, err := transport.ReadAll(resp, transport.MaxAPIResponseSize)
	if err != nil {
		return nil, c.readFailure(url, err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		c.logs.ErrorNoTrigger("Version check returned an unusable manifest", map[string]any{"url": url, "error": err.Error()})
		return nil, &ProtocolError{URL: url, Err: err}
	}
	for _, warning := range m.Warnings {
		c.logs.WarnNoTrigger("Ignored manifest entry", map[string]any{"detail": warning})
	}

	if m.HasMQTTConfig() {
		c.applySection(MQTTNamespace, m.MQTT)
	}
	if m.HasWebsocketConfig() {
		c.applySection(WebsocketNamespace, m.Websocket)
	}
	c.applyServerTime(m)
	m.Evaluate(c.config.CurrentVersion)

	logContext := map[string]any{
		"current_version": c.config.CurrentVersion,
		"new_version":     m.HasNewVersion(),
		"activation":      m.HasActivationChallenge() || m.HasActivationCode(),
	}
	if m.Firmware != nil {
		logContext["server_version"] = m.Firmware.Version
	}
	c.logs.Info("Version check complete", logContext)

	if len(m.Custom) > 0 && c.contentEnabled(0) {
		c.forwardContent(m.Custom, "check")
	}
	return m, nil
}

// ActivationResult is the outcome of one activation attempt.
type ActivationResult int

const (
	ActivationFailed ActivationResult = iota
	Activated
	ActivationPending
)

func (r ActivationResult) String() string {
	switch r {
	case Activated:
		return "activated"
	case ActivationPending:
		return "pending"
	default:
		return "failed"
	}
}

// Activate answers the activation challenge of m. A 202 from the server
// means the operator has not confirmed the device yet.
func (c *Client) Activate(ctx context.Context, m *manifest.Manifest) (ActivationResult, error) {
	base, err := c.CheckURL()
	if err != nil {
		return ActivationFailed, err
	}
	var challenge string
	if m != nil && m.Activation != nil {
		challenge = m.Activation.Challenge
	}
	payload, err := activation.BuildPayload(c.identity.SerialNumber, challenge, c.signer)
	if err != nil {
		return ActivationFailed, err
	}

	url := joinURL(base, "activate")
	resp, err := c.open(ctx, http.MethodPost, url, payload, http.StatusOK, http.StatusAccepted)
	if err != nil {
		c.logs.WarnNoTrigger("Activation failed", map[string]any{"url": url, "error": err.Error()})
		return ActivationFailed, err
	}
	resp.Close()

	if resp.StatusCode == http.StatusAccepted {
		c.logs.Info("Activation pending", nil)
		return ActivationPending, nil
	}
	c.logs.Info("Device activated", map[string]any{"serial_number": c.identity.SerialNumber})
	return Activated, nil
}

// Wait blocks until background processing of status responses finishes.
func (c *Client) Wait() { c.background.Wait() }

// open sends a request and accepts only the listed status codes. Anything
// else is drained into a ServerError.
func (c *Client) open(ctx context.Context, method, url string, body []byte, accepted ...int) (*transport.Response, error) {
	req := &transport.Request{
		Method:     method,
		URL:        url,
		Header:     c.headers(),
		Body:       body,
		Compressed: c.config.CompressedResponses,
	}

	start := c.clock.Now()
	resp, err := c.transport.Open(ctx, req)
	latency := c.clock.Now().Sub(start)
	if err != nil {
		c.connectivity.TrackFailure(connectivityService, url, latency, err.Error())
		return nil, &TransportError{URL: url, Err: err}
	}

	for _, code := range accepted {
		if resp.StatusCode == code {
			c.connectivity.TrackSuccess(connectivityService, url, latency)
			return resp, nil
		}
	}
	serverErr := &ServerError{URL: url, StatusCode: resp.StatusCode, Body: transport.ErrorBody(resp)}
	c.connectivity.TrackFailure(connectivityService, url, latency, serverErr.Error())
	return nil, serverErr
}

func (c *Client) readFailure(url string, err error) error {
	c.logs.ErrorNoTrigger("Reading server response failed", map[string]any{"url": url, "error": err.Error()})
	if errors.Is(err, transport.ErrBodyTooLarge) {
		return &ProtocolError{URL: url, Err: err}
	}
	return &TransportError{URL: url, Err: err}
}

func (c *Client) headers() http.Header {
	h := make(http.Header)
	if c.identity.HasSerialNumber() {
		h.Set("Activation-Version", "2")
		h.Set("Serial-Number", c.identity.SerialNumber)
	} else {
		h.Set("Activation-Version", "1")
	}
	h.Set("Device-Id", c.identity.MAC)
	h.Set("Client-Id", c.identity.UUID)
	if code := c.settings.Open(WifiNamespace, false).GetString(BindingCodeKey, ""); code != "" {
		h.Set("Binding-Code", code)
	}
	h.Set("User-Agent", c.config.userAgent())
	if c.config.Language != "" {
		h.Set("Accept-Language", c.config.Language)
	}
	h.Set("Content-Type", "application/json")
	return h
}

// applySection persists an opaque section, writing only changed keys.
func (c *Client) applySection(namespace string, section manifest.Section) {
	ns := c.settings.Open(namespace, true)
	written := 0
	for _, key := range section.Keys() {
		value := section[key]
		var changed bool
		var err error
		if value.IsString {
			changed, err = settings.UpdateString(ns, key, value.String)
		} else {
			changed, err = settings.UpdateInt(ns, key, value.Int)
		}
		if err != nil {
			c.logs.Warn("Persisting server setting failed", map[string]any{
				"namespace": namespace,
				"key":       key,
				"error":     err.Error(),
			})
			continue
		}
		if changed {
			written++
		}
	}
	if written > 0 {
		c.logs.Debug("Server settings updated", map[string]any{"namespace": namespace, "keys": written})
	}
}

func (c *Client) applyServerTime(m *manifest.Manifest) {
	if !m.HasServerTime() || c.timeSetter == nil {
		return
	}
	t := m.ServerTime.Time()
	if err := c.timeSetter.SetTime(t); err != nil {
		c.logs.Warn("Setting device clock failed", map[string]any{"error": err.Error()})
		return
	}
	c.logs.Debug("Device clock set from server", map[string]any{"time": t.UTC().Format(time.RFC3339)})
}

func (c *Client) contentEnabled(fallback int) bool {
	return c.settings.Open(OTANamespace, false).GetInt(CustomContentKey, fallback) != 0
}

// forwardContent queues content items under ContentDir. A batch that
// arrives while the sink is still downloading is dropped; the server
// repeats it on a later response.
func (c *Client) forwardContent(items []manifest.Item, source string) int {
	if c.content == nil {
		return 0
	}
	if c.content.Busy() {
		c.logs.WarnNoTrigger("Content downloads in progress, skipping batch", map[string]any{
			"source": source,
			"items":  len(items),
		})
		return 0
	}

	added := 0
	for _, item := range items {
		task := contentsync.Task{
			URL:      item.URL,
			Path:     filepath.Join(c.config.ContentDir, item.BaseName()),
			Expected: item.Expected,
		}
		if err := c.content.Add(task); err != nil {
			c.logs.Warn("Content item rejected", map[string]any{
				"url":   item.URL,
				"path":  task.Path,
				"error": err.Error(),
			})
			if errors.Is(err, contentsync.ErrQueueFull) || errors.Is(err, contentsync.ErrClosed) {
				break
			}
			continue
		}
		added++
	}
	c.logs.Info("Content items queued", map[string]any{"source": source, "queued": added, "received": len(items)})
	return added
}

func joinURL(base, elem string) string {
	if strings.HasSuffix(base, "/") {
		return base + elem
	}
	return base + "/" + elem
}
