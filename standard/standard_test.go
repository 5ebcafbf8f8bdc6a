package standard

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/st-keller/ota-client/clock"
	"github.com/st-keller/ota-client/settings"
)

func TestRecentLogsRing(t *testing.T) {
	var out bytes.Buffer
	logs := NewRecentLogs(3, slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug})))

	triggered := 0
	logs.SetTriggerFunc(func() { triggered++ })

	logs.Info("check started", map[string]any{"url": "https://ota.example.com"})
	logs.Warn("check failed", map[string]any{"attempt": 1})
	logs.Debug("waiting", map[string]any{"delay": "10s"})
	logs.Error("retries exhausted", map[string]any{"attempts": 10})
	logs.WarnNoTrigger("status post failed", map[string]any{"code": 500})

	entries := logs.Entries()
	if len(entries) != 3 {
		t.Fatalf("retained %d entries, want 3", len(entries))
	}
	if entries[0].Message != "waiting" || entries[2].Message != "status post failed" {
		t.Errorf("ring order = %q .. %q", entries[0].Message, entries[2].Message)
	}
	if triggered != 2 {
		t.Errorf("trigger fired %d times, want 2", triggered)
	}

	text := out.String()
	for _, want := range []string{"check started", "url=https://ota.example.com", "level=ERROR", "attempts=10"} {
		if !strings.Contains(text, want) {
			t.Errorf("slog output missing %q:\n%s", want, text)
		}
	}
}

func TestRecentLogsSummary(t *testing.T) {
	logs := NewRecentLogs(10, nil)
	logs.Info("a", nil)
	logs.ErrorNoTrigger("b", map[string]any{"n": 1})
	logs.ErrorNoTrigger("c", map[string]any{"n": 2})
	logs.WarnNoTrigger("d", map[string]any{"n": 3})

	summary := logs.Summary(2)
	stats := summary["stats"].(map[string]any)
	if stats["errors_count"] != 2 || stats["warnings_count"] != 1 || stats["info_count"] != 1 {
		t.Errorf("stats = %v", stats)
	}
	problems := summary["recent_problems"].([]LogEntry)
	if len(problems) != 2 || problems[0].Message != "d" || problems[1].Message != "c" {
		t.Errorf("recent problems = %+v", problems)
	}
}

func TestConnectivityTracker(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker := NewConnectivityTracker(fake)

	for i := 0; i < 9; i++ {
		tracker.TrackSuccess("check", "https://ota.example.com", 20*time.Millisecond)
	}
	tracker.TrackFailure("check", "https://ota.example.com", time.Second, "status 503")

	outbound := tracker.Summary()["outbound_connections"].([]map[string]any)
	if len(outbound) != 1 {
		t.Fatalf("connections = %d", len(outbound))
	}
	conn := outbound[0]
	if conn["total_calls_1h"] != 10 || conn["success_rate_1h"] != 0.9 || conn["status"] != "degraded" {
		t.Errorf("summary = %v", conn)
	}
	if errs := conn["recent_errors"].([]string); len(errs) != 1 || errs[0] != "status 503" {
		t.Errorf("recent errors = %v", errs)
	}

	fake.Advance(2 * time.Hour)
	if outbound := tracker.Summary()["outbound_connections"].([]map[string]any); len(outbound) != 0 {
		t.Errorf("calls older than the window survived: %v", outbound)
	}
}

func TestLoadIdentityPersistsUUID(t *testing.T) {
	store := settings.NewMemory()
	first, err := LoadIdentity(store, IdentityOptions{MAC: "AA:BB:CC:DD:EE:FF"})
	if err != nil {
		t.Fatal(err)
	}
	if first.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("MAC = %q", first.MAC)
	}
	if first.UUID == "" || first.HasSerialNumber() {
		t.Errorf("identity = %+v", first)
	}

	second, err := LoadIdentity(store, IdentityOptions{MAC: "aa:bb:cc:dd:ee:ff"})
	if err != nil {
		t.Fatal(err)
	}
	if second.UUID != first.UUID {
		t.Errorf("uuid changed across loads: %q then %q", first.UUID, second.UUID)
	}
}

func TestLoadIdentitySerialNumber(t *testing.T) {
	dir := t.TempDir()
	serialFile := filepath.Join(dir, "serial")
	if err := os.WriteFile(serialFile, []byte("SN-0042\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := LoadIdentity(settings.NewMemory(), IdentityOptions{MAC: "aa:bb:cc:dd:ee:ff", SerialFile: serialFile})
	if err != nil {
		t.Fatal(err)
	}
	if id.SerialNumber != "SN-0042" {
		t.Errorf("serial from file = %q", id.SerialNumber)
	}

	id, err = LoadIdentity(settings.NewMemory(), IdentityOptions{MAC: "aa:bb:cc:dd:ee:ff", SerialFile: filepath.Join(dir, "missing")})
	if err != nil {
		t.Fatalf("missing serial file: %v", err)
	}
	if id.HasSerialNumber() {
		t.Errorf("serial = %q, want none", id.SerialNumber)
	}

	id, err = LoadIdentity(settings.NewMemory(), IdentityOptions{MAC: "aa:bb:cc:dd:ee:ff", SerialNumber: "SN-1", SerialFile: serialFile})
	if err != nil {
		t.Fatal(err)
	}
	if id.SerialNumber != "SN-1" {
		t.Errorf("explicit serial = %q", id.SerialNumber)
	}
}

func TestAutoDetect(t *testing.T) {
	id := Identity{MAC: "aa:bb:cc:dd:ee:ff", UUID: "u"}
	info := AutoDetect(id, ApplicationInfo{Name: "agent", Version: "1.0.0"}, BoardInfo{Type: "linux", Name: "test"}, "en-US", "bank_a")
	if info.MACAddress != id.MAC || info.UUID != "u" || info.Application.Version != "1.0.0" || info.OTA.Label != "bank_a" {
		t.Errorf("system info = %+v", info)
	}
	if info.Runtime.Type == "" || info.Runtime.PID == 0 {
		t.Errorf("runtime info = %+v", info.Runtime)
	}
}

func writeCertificate(t *testing.T, path string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device"},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCertificateMonitor(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	clientPath := filepath.Join(dir, "client.pem")
	caPath := filepath.Join(dir, "ca.pem")
	writeCertificate(t, clientPath, now.Add(10*24*time.Hour))
	writeCertificate(t, caPath, now.Add(-24*time.Hour))

	monitor := NewCertificateMonitor(clock.Fake(now), map[string]string{
		"client": clientPath,
		"ca":     caPath,
		"key":    "",
	})
	if err := monitor.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	expiring := monitor.GetExpiringCertificates(30)
	if len(expiring) != 1 || expiring[0].Purpose != "client" || !expiring[0].ExpiryWarning {
		t.Errorf("expiring = %+v", expiring)
	}
	expired := monitor.GetExpiredCertificates()
	if len(expired) != 1 || expired[0].Purpose != "ca" {
		t.Errorf("expired = %+v", expired)
	}
	if summary := monitor.Summary(); len(summary) != 2 {
		t.Errorf("summary = %v", summary)
	}

	broken := NewCertificateMonitor(clock.Fake(now), map[string]string{"client": filepath.Join(dir, "missing.pem")})
	if err := broken.Scan(); err == nil {
		t.Error("Scan of a missing file succeeded")
	}
	if _, ok := broken.Summary()["scan_error"]; !ok {
		t.Error("summary lacks scan_error")
	}
}
