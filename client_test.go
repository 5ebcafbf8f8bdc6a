package ota

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/st-keller/ota-client/activation"
	"github.com/st-keller/ota-client/contentsync"
	"github.com/st-keller/ota-client/digest"
	"github.com/st-keller/ota-client/manifest"
	"github.com/st-keller/ota-client/settings"
	"github.com/st-keller/ota-client/standard"
	"github.com/st-keller/ota-client/transport"
	"github.com/st-keller/ota-client/transport/transporttest"
)

const checkURL = "https://ota.example.com/v1/ota"

var testIdentity = standard.Identity{
	MAC:          "aa:bb:cc:dd:ee:ff",
	UUID:         "6f1c2a7e-0000-4000-8000-000000000001",
	SerialNumber: "SN-0042",
}

func testConfig() Config {
	return Config{
		CheckURL:       checkURL,
		CurrentVersion: "1.2.0",
		ContentDir:     "/data/content",
		Board:          standard.BoardInfo{Type: "devkit", Name: "devkit-v1"},
		Language:       "en-US",
	}
}

func newTestClient(t *testing.T, tr transport.Transport, store settings.Store, opts ...Option) *Client {
	t.Helper()
	c, err := New(testConfig(), tr, store, testIdentity, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// fakeSink records content tasks.
type fakeSink struct {
	mu    sync.Mutex
	tasks []contentsync.Task
	busy  bool
	limit int
}

func (s *fakeSink) Add(task contentsync.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.tasks) >= s.limit {
		return contentsync.ErrQueueFull
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *fakeSink) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *fakeSink) Tasks() []contentsync.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contentsync.Task(nil), s.tasks...)
}

// countingStore counts setter calls across every namespace.
type countingStore struct {
	settings.Store
	mu     sync.Mutex
	writes int
}

func (s *countingStore) Open(name string, readWrite bool) settings.Namespace {
	return &countingNamespace{Namespace: s.Store.Open(name, readWrite), store: s}
}

func (s *countingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type countingNamespace struct {
	settings.Namespace
	store *countingStore
}

func (n *countingNamespace) count() {
	n.store.mu.Lock()
	n.store.writes++
	n.store.mu.Unlock()
}

func (n *countingNamespace) SetString(key, value string) error {
	n.count()
	return n.Namespace.SetString(key, value)
}

func (n *countingNamespace) SetInt(key string, value int) error {
	n.count()
	return n.Namespace.SetInt(key, value)
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"check url", func(c *Config) { c.CheckURL = "" }},
		{"version", func(c *Config) { c.CurrentVersion = "" }},
		{"content dir", func(c *Config) { c.ContentDir = "" }},
		{"board", func(c *Config) { c.Board.Type = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an incomplete config")
			}
		})
	}
	if err := testConfig().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestCheckVersionSendsIdentity(t *testing.T) {
	fake := transporttest.New()
	fake.Handle(checkURL, transporttest.Route{Body: []byte(`{"firmware":{"version":"1.3.0","url":"https://fw.example.com/1.3.0.bin"}}`)})
	store := settings.NewMemory()
	store.Open(WifiNamespace, true).SetString(BindingCodeKey, "B-77")

	c := newTestClient(t, fake, store)
	m, err := c.CheckVersion(context.Background())
	if err != nil {
		t.Fatalf("CheckVersion: %v", err)
	}
	if !m.HasNewVersion() {
		t.Error("1.3.0 not reported as new against 1.2.0")
	}

	reqs := fake.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	for header, want := range map[string]string{
		"Activation-Version": "2",
		"Serial-Number":      "SN-0042",
		"Device-Id":          testIdentity.MAC,
		"Client-Id":          testIdentity.UUID,
		"Binding-Code":       "B-77",
		"User-Agent":         "devkit/1.2.0",
		"Accept-Language":    "en-US",
		"Content-Type":       "application/json",
	} {
		if got := req.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	var info standard.SystemInfo
	if err := json.Unmarshal(req.Body, &info); err != nil {
		t.Fatalf("body is not system info: %v", err)
	}
	if info.MACAddress != testIdentity.MAC || info.UUID != testIdentity.UUID || info.Board.Type != "devkit" {
		t.Errorf("system info = %+v", info)
	}
}

func TestCheckVersionWithoutBodyUsesGET(t *testing.T) {
	fake := transporttest.New()
	fake.Handle(checkURL, transporttest.Route{Body: []byte(`{}`)})

	id := testIdentity
	id.SerialNumber = ""
	c, err := New(testConfig(), fake, settings.NewMemory(), id,
		WithSystemInfo(func() *standard.SystemInfo { return nil }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CheckVersion(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := fake.Requests()[0]
	if req.Method != http.MethodGet || len(req.Body) != 0 {
		t.Errorf("method = %s, body = %q; want GET without body", req.Method, req.Body)
	}
	if req.Header.Get("Activation-Version") != "1" || req.Header.Get("Serial-Number") != "" {
		t.Errorf("serial headers = %v", req.Header)
	}
	if req.Header.Get("Binding-Code") != "" {
		t.Error("empty binding code sent")
	}
}

func TestCheckURLOverride(t *testing.T) {
	const override = "https://override.example.com/ota"
	fake := transporttest.New()
	fake.Handle(override, transporttest.Route{Body: []byte(`{}`)})
	store := settings.NewMemory()
	store.Open(WifiNamespace, true).SetString(OTAURLKey, override)

	c := newTestClient(t, fake, store)
	if _, err := c.CheckVersion(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fake.RequestsFor(override) != 1 || fake.RequestsFor(checkURL) != 0 {
		t.Errorf("requests = %+v", fake.Requests())
	}

	store.Open(WifiNamespace, true).SetString(OTAURLKey, "http://x")
	if _, err := c.CheckVersion(context.Background()); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("err = %v, want ErrInvalidURL", err)
	}
	if len(fake.Requests()) != 1 {
		t.Error("request sent to an invalid URL")
	}
}

func TestCheckVersionErrors(t *testing.T) {
	t.Run("transport", func(t *testing.T) {
		fake := transporttest.New()
		fake.Handle(checkURL, transporttest.Route{OpenErr: errors.New("connection refused")})
		c := newTestClient(t, fake, settings.NewMemory())
		_, err := c.CheckVersion(context.Background())
		var te *TransportError
		if !errors.As(err, &te) || te.URL != checkURL {
			t.Errorf("err = %v, want TransportError", err)
		}
		summary := c.Connectivity().Summary()["outbound_connections"].([]map[string]any)
		if len(summary) != 1 || summary[0]["success_rate_1h"].(float64) != 0 {
			t.Errorf("connectivity = %v", summary)
		}
	})

	t.Run("status", func(t *testing.T) {
		fake := transporttest.New()
		fake.Handle(checkURL, transporttest.Route{StatusCode: http.StatusServiceUnavailable, Body: []byte("maintenance")})
		c := newTestClient(t, fake, settings.NewMemory())
		_, err := c.CheckVersion(context.Background())
		var se *ServerError
		if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable || se.Body != "maintenance" {
			t.Errorf("err = %v, want ServerError 503", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		fake := transporttest.New()
		fake.Handle(checkURL, transporttest.Route{Body: []byte("<html>")})
		c := newTestClient(t, fake, settings.NewMemory())
		_, err := c.CheckVersion(context.Background())
		var pe *ProtocolError
		if !errors.As(err, &pe) || !errors.Is(err, manifest.ErrMalformed) {
			t.Errorf("err = %v, want ProtocolError wrapping ErrMalformed", err)
		}
	})

	t.Run("broken stream", func(t *testing.T) {
		fake := transporttest.New()
		fake.Handle(checkURL, transporttest.Route{Body: []byte(`{"firm`), ReadErr: io.ErrUnexpectedEOF})
		c := newTestClient(t, fake, settings.NewMemory())
		_, err := c.CheckVersion(context.Background())
		var te *TransportError
		if !errors.As(err, &te) || !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("err = %v, want TransportError", err)
		}
	})
}

func TestCheckVersionPersistsChangedSettings(t *testing.T) {
	fake := transporttest.New()
	fake.Handle(checkURL, transporttest.Route{Body: []byte(`{
		"mqtt": {"endpoint": "mqtt.example.com", "port": 8883, "nested": {"x": 1}},
		"websocket": {"url": "wss://ws.example.com", "version": 3}
	}`)})
	store := &countingStore{Store: settings.NewMemory()}
	c := newTestClient(t, fake, store)

	m, err := c.CheckVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !m.HasMQTTConfig() || !m.HasWebsocketConfig() {
		t.Error("sections not reported")
	}
	if store.Writes() != 4 {
		t.Errorf("first check wrote %d keys, want 4", store.Writes())
	}
	mqtt := store.Open(MQTTNamespace, false)
	if mqtt.GetString("endpoint", "") != "mqtt.example.com" || mqtt.GetInt("port", 0) != 8883 {
		t.Errorf("mqtt keys = %v", mqtt.Keys())
	}
	if mqtt.Has("nested") {
		t.Error("non-scalar value persisted")
	}
	if store.Open(WebsocketNamespace, false).GetString("url", "") != "wss://ws.example.com" {
		t.Error("websocket url not persisted")
	}

	if _, err := c.CheckVersion(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.Writes() != 4 {
		t.Errorf("unchanged check rewrote settings: %d writes", store.Writes())
	}
}

func TestCheckVersionAppliesServerTime(t *testing.T) {
	fake := transporttest.New()
	fake.Handle(checkURL, transporttest.Route{Body: []byte(`{"server_time":{"timestamp":1700000000000,"timezone_offset":480}}`)})
	var got time.Time
	c := newTestClient(t, fake, settings.NewMemory(), WithTimeSetter(TimeSetterFunc(func(t time.Time) error {
		got = t
		return nil
	})))

	if _, err := c.CheckVersion(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := time.UnixMilli(1700000000000 + 480*60*1000)
	if !got.Equal(want) {
		t.Errorf("clock set to %v, want %v", got, want)
	}
}

func TestCheckVersionForce(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		want bool
	}{
		{"older", `{"firmware":{"version":"1.0.0","url":"https://fw/a.bin","force":0}}`, false},
		{"older forced", `{"firmware":{"version":"1.0.0","url":"https://fw/a.bin","force":1}}`, true},
		{"same", `{"firmware":{"version":"1.2.0","url":"https://fw/a.bin"}}`, false},
		{"forced without url", `{"firmware":{"version":"1.0.0","force":1}}`, false},
		{"newer arity", `{"firmware":{"version":"1.2.0.1","url":"https://fw/a.bin"}}`, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fake := transporttest.New()
			fake.Handle(checkURL, transporttest.Route{Body: []byte(tc.body)})
			m, err := newTestClient(t, fake, settings.NewMemory()).CheckVersion(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if m.HasNewVersion() != tc.want {
				t.Errorf("HasNewVersion = %v, want %v", m.HasNewVersion(), tc.want)
			}
		})
	}
}

const customBody = `{"custom":[
	{"url":"https://cdn.example.com/logo.bin","path":"/assets/img/logo.bin","md5":"d41d8cd98f00b204e9800998ecf8427e"},
	{"url":"https://cdn.example.com/font.bin","path":"font.bin"}
]}`

func TestCheckVersionCustomContent(t *testing.T) {
	fake := transporttest.New()
	fake.Handle(checkURL, transporttest.Route{Body: []byte(customBody)})
	store := settings.NewMemory()
	sink := &fakeSink{}
	c := newTestClient(t, fake, store, WithContentSink(sink))

	if _, err := c.CheckVersion(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.Tasks()) != 0 {
		t.Fatal("content forwarded on check while ota/custom is unset")
	}

	store.Open(OTANamespace, true).SetInt(CustomContentKey, 1)
	if _, err := c.CheckVersion(context.Background()); err != nil {
		t.Fatal(err)
	}
	tasks := sink.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].Path != filepath.Join("/data/content", "logo.bin") || tasks[0].URL != "https://cdn.example.com/logo.bin" {
		t.Errorf("task 0 = %+v", tasks[0])
	}
	if tasks[0].Expected.Algorithm != digest.MD5 || tasks[0].Expected.Hex() != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("task 0 hash = %v", tasks[0].Expected)
	}
	if !tasks[1].Expected.IsZero() || tasks[1].Path != filepath.Join("/data/content", "font.bin") {
		t.Errorf("task 1 = %+v", tasks[1])
	}
}

func TestForwardContentSkipsBusySinkAndStopsWhenFull(t *testing.T) {
	items := []manifest.Item{
		{URL: "https://cdn/a", Path: "a.bin"},
		{URL: "https://cdn/b", Path: "b.bin"},
		{URL: "https://cdn/c", Path: "c.bin"},
	}

	busy := &fakeSink{busy: true}
	c := newTestClient(t, transporttest.New(), settings.NewMemory(), WithContentSink(busy))
	if n := c.forwardContent(items, "test"); n != 0 || len(busy.Tasks()) != 0 {
		t.Errorf("busy sink received %d tasks", n)
	}

	full := &fakeSink{limit: 2}
	c = newTestClient(t, transporttest.New(), settings.NewMemory(), WithContentSink(full))
	if n := c.forwardContent(items, "test"); n != 2 {
		t.Errorf("queued %d, want 2", n)
	}
}

func TestActivate(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	signer, err := activation.NewHMACSigner(secret)
	if err != nil {
		t.Fatal(err)
	}
	m, err := manifest.Parse([]byte(`{"activation":{"code":"123456","challenge":"c-1"}}`))
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		status int
		want   ActivationResult
	}{
		{http.StatusOK, Activated},
		{http.StatusAccepted, ActivationPending},
		{http.StatusForbidden, ActivationFailed},
	} {
		t.Run(tc.want.String(), func(t *testing.T) {
			fake := transporttest.New()
			fake.Handle(checkURL+"/activate", transporttest.Route{StatusCode: tc.status})
			c := newTestClient(t, fake, settings.NewMemory(), WithSigner(signer))

			got, err := c.Activate(context.Background(), m)
			if got != tc.want {
				t.Errorf("result = %v, want %v", got, tc.want)
			}
			var se *ServerError
			if tc.want == ActivationFailed && !errors.As(err, &se) {
				t.Errorf("err = %v, want ServerError", err)
			}
			if tc.want != ActivationFailed && err != nil {
				t.Errorf("err = %v", err)
			}

			req := fake.Requests()[0]
			if req.Method != http.MethodPost {
				t.Errorf("method = %s", req.Method)
			}
			var payload activation.Payload
			if err := json.Unmarshal(req.Body, &payload); err != nil {
				t.Fatal(err)
			}
			mac := hmac.New(sha256.New, secret)
			mac.Write([]byte("c-1"))
			if payload.HMAC != hex.EncodeToString(mac.Sum(nil)) || payload.SerialNumber != "SN-0042" || payload.Challenge != "c-1" {
				t.Errorf("payload = %+v", payload)
			}
		})
	}
}

func TestActivateURLWithTrailingSlash(t *testing.T) {
	fake := transporttest.New()
	fake.Handle("https://ota.example.com/v1/ota/activate", transporttest.Route{})
	cfg := testConfig()
	cfg.CheckURL = "https://ota.example.com/v1/ota/"
	c, err := New(cfg, fake, settings.NewMemory(), testIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if result, err := c.Activate(context.Background(), nil); result != Activated || err != nil {
		t.Errorf("Activate = %v, %v", result, err)
	}
	var payload activation.Payload
	json.Unmarshal(fake.Requests()[0].Body, &payload)
	if payload.Algorithm != activation.AlgorithmNone {
		t.Errorf("unsigned payload algorithm = %q", payload.Algorithm)
	}
}

func TestReportStatusPayload(t *testing.T) {
	fake := transporttest.New()
	fake.Handle(checkURL+"/status", transporttest.Route{StatusCode: http.StatusNoContent})
	c := newTestClient(t, fake, settings.NewMemory())
	c.Logs().WarnNoTrigger("battery low", map[string]any{"level": 9})
	if err := c.Status().Register("battery", func() any { return map[string]int{"level": 9} }); err != nil {
		t.Fatal(err)
	}

	if err := c.ReportStatus(context.Background()); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}

	var payload struct {
		Status map[string]json.RawMessage `json:"status"`
		Board  standard.BoardInfo         `json:"board"`
	}
	if err := json.Unmarshal(fake.Requests()[0].Body, &payload); err != nil {
		t.Fatal(err)
	}
	for _, section := range []string{"logs", "connectivity", "firmware", "battery"} {
		if _, ok := payload.Status[section]; !ok {
			t.Errorf("status section %q missing", section)
		}
	}
	if !strings.Contains(string(payload.Status["logs"]), "battery low") {
		t.Errorf("logs section = %s", payload.Status["logs"])
	}
	if payload.Board.Type != "devkit" {
		t.Errorf("board = %+v", payload.Board)
	}
}

func TestReportStatusCodes(t *testing.T) {
	for _, tc := range []struct {
		status int
		ok     bool
	}{
		{http.StatusOK, true},
		{http.StatusAccepted, true},
		{http.StatusNoContent, true},
		{http.StatusBadRequest, false},
		{http.StatusInternalServerError, false},
	} {
		fake := transporttest.New()
		fake.Handle(checkURL+"/status", transporttest.Route{StatusCode: tc.status})
		err := newTestClient(t, fake, settings.NewMemory()).ReportStatus(context.Background())
		if (err == nil) != tc.ok {
			t.Errorf("status %d: err = %v", tc.status, err)
		}
	}
}

func TestReportStatusAppliesResponse(t *testing.T) {
	fake := transporttest.New()
	fake.Handle(checkURL+"/status", transporttest.Route{Body: []byte(`{
		"server_time": {"timestamp": 1700000000000},
		"settings": {
			"status": {"report": 0, "deepSleep": 1, "unknown": 5},
			"volume": 40,
			"theme": "dark"
		},
		"custom": [{"url":"https://cdn.example.com/bg.bin","path":"/x/bg.bin"}]
	}`)})
	store := settings.NewMemory()
	sink := &fakeSink{}
	var clockSet time.Time
	c := newTestClient(t, fake, store, WithContentSink(sink), WithTimeSetter(TimeSetterFunc(func(t time.Time) error {
		clockSet = t
		return nil
	})))

	if err := c.ReportStatus(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	if !clockSet.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("clock set to %v", clockSet)
	}
	status := store.Open(StatusNamespace, false)
	if status.GetInt("report", -1) != 0 || status.GetInt("deepSleep", -1) != 1 || status.Has("unknown") {
		t.Errorf("status keys = %v", status.Keys())
	}
	general := store.Open(GeneralNamespace, false)
	if general.GetInt("volume", 0) != 40 || general.GetString("theme", "") != "dark" {
		t.Errorf("settings keys = %v", general.Keys())
	}
	tasks := sink.Tasks()
	if len(tasks) != 1 || tasks[0].Path != filepath.Join("/data/content", "bg.bin") {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestReportStatusHonorsCustomSetting(t *testing.T) {
	fake := transporttest.New()
	fake.Handle(checkURL+"/status", transporttest.Route{Body: []byte(customBody)})
	store := settings.NewMemory()
	store.Open(OTANamespace, true).SetInt(CustomContentKey, 0)
	sink := &fakeSink{}
	c := newTestClient(t, fake, store, WithContentSink(sink))

	if err := c.ReportStatus(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if len(sink.Tasks()) != 0 {
		t.Error("content forwarded with ota/custom = 0")
	}
}

func TestReportStatusURLOverride(t *testing.T) {
	const statusURL = "https://status.example.com/report"
	fake := transporttest.New()
	fake.Handle(statusURL, transporttest.Route{StatusCode: http.StatusAccepted})
	cfg := testConfig()
	cfg.StatusURL = statusURL
	c, err := New(cfg, fake, settings.NewMemory(), testIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ReportStatus(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fake.RequestsFor(statusURL) != 1 {
		t.Errorf("requests = %+v", fake.Requests())
	}
}

func TestClientOverHTTP(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ota", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path+" "+r.Header.Get("Client-Id"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"firmware":{"version":"2.0.0","url":"https://fw.example.com/2.bin"},"activation":{"challenge":"abc"}}`)
	})
	mux.HandleFunc("/v1/ota/activate", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/ota/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig()
	cfg.CheckURL = srv.URL + "/v1/ota"
	c, err := New(cfg, transport.NewHTTP(srv.Client()), settings.NewMemory(), testIdentity)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	m, err := c.CheckVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !m.HasNewVersion() || !m.HasActivationChallenge() {
		t.Errorf("manifest = %+v", m)
	}
	if result, err := c.Activate(ctx, m); result != ActivationPending || err != nil {
		t.Errorf("Activate = %v, %v", result, err)
	}
	if err := c.ReportStatus(ctx); err != nil {
		t.Errorf("ReportStatus: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"POST /v1/ota " + testIdentity.UUID,
		"POST /v1/ota/activate",
		"POST /v1/ota/status",
	}
	if strings.Join(seen, "\n") != strings.Join(want, "\n") {
		t.Errorf("server saw:\n%s\nwant:\n%s", strings.Join(seen, "\n"), strings.Join(want, "\n"))
	}
}
