package standard

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/st-keller/ota-client/clock"
)

// CertificateMonitor tracks expiry of the PEM certificates the transport
// presents or trusts, so the heartbeat can warn before mTLS breaks.
type CertificateMonitor struct {
	clock     clock.Clock
	paths     map[string]string // purpose -> path
	mu        sync.RWMutex
	certs     map[string]*CertificateInfo
	lastScan  time.Time
	scanError error
}

// CertificateInfo holds parsed certificate metadata.
type CertificateInfo struct {
	Path            string    `json:"path"`
	Purpose         string    `json:"purpose"`
	Subject         string    `json:"subject"`
	Issuer          string    `json:"issuer"`
	ValidFrom       time.Time `json:"valid_from"`
	ValidUntil      time.Time `json:"valid_until"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	IsExpired       bool      `json:"is_expired"`
	ExpiryWarning   bool      `json:"expiry_warning"` // less than 30 days left
}

// NewCertificateMonitor watches the given files, keyed by purpose
// ("client", "ca"). Empty paths are ignored.
func NewCertificateMonitor(c clock.Clock, paths map[string]string) *CertificateMonitor {
	if c == nil {
		c = clock.Real()
	}
	watched := make(map[string]string, len(paths))
	for purpose, path := range paths {
		if path != "" {
			watched[purpose] = path
		}
	}
	return &CertificateMonitor{
		clock: c,
		paths: watched,
		certs: make(map[string]*CertificateInfo),
	}
}

// Scan re-reads every watched file. Unreadable files are skipped and the
// last such failure is returned.
func (cm *CertificateMonitor) Scan() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.certs = make(map[string]*CertificateInfo)
	cm.lastScan = cm.clock.Now()
	cm.scanError = nil

	for purpose, path := range cm.paths {
		info, err := parseCertificateFile(path, cm.lastScan)
		if err != nil {
			cm.scanError = fmt.Errorf("failed to parse %s: %w", path, err)
			continue
		}
		info.Purpose = purpose
		cm.certs[purpose] = info
	}
	return cm.scanError
}

// Summary returns the last scan per purpose.
func (cm *CertificateMonitor) Summary() map[string]any {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	certData := make(map[string]any, len(cm.certs))
	for purpose, info := range cm.certs {
		certData[purpose] = map[string]any{
			"file":              filepath.Base(info.Path),
			"subject":           info.Subject,
			"issuer":            info.Issuer,
			"valid_until":       info.ValidUntil.Format(time.RFC3339),
			"days_until_expiry": info.DaysUntilExpiry,
			"is_expired":        info.IsExpired,
			"expiry_warning":    info.ExpiryWarning,
		}
	}
	if cm.scanError != nil {
		certData["scan_error"] = cm.scanError.Error()
	}
	return certData
}

// GetExpiringCertificates returns unexpired certificates with at most
// withinDays left, ordered by expiry.
func (cm *CertificateMonitor) GetExpiringCertificates(withinDays int) []*CertificateInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var expiring []*CertificateInfo
	for _, cert := range cm.certs {
		if cert.DaysUntilExpiry <= withinDays && !cert.IsExpired {
			expiring = append(expiring, cert)
		}
	}
	sort.Slice(expiring, func(i, j int) bool { return expiring[i].ValidUntil.Before(expiring[j].ValidUntil) })
	return expiring
}

// GetExpiredCertificates returns all expired certificates.
func (cm *CertificateMonitor) GetExpiredCertificates() []*CertificateInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var expired []*CertificateInfo
	for _, cert := range cm.certs {
		if cert.IsExpired {
			expired = append(expired, cert)
		}
	}
	return expired
}

// parseCertificateFile parses the first PEM certificate in path.
func parseCertificateFile(path string, now time.Time) (*CertificateInfo, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	daysUntilExpiry := int(cert.NotAfter.Sub(now).Hours() / 24)
	isExpired := now.After(cert.NotAfter)

	return &CertificateInfo{
		Path:            path,
		Subject:         cert.Subject.String(),
		Issuer:          cert.Issuer.String(),
		ValidFrom:       cert.NotBefore,
		ValidUntil:      cert.NotAfter,
		DaysUntilExpiry: daysUntilExpiry,
		IsExpired:       isExpired,
		ExpiryWarning:   daysUntilExpiry <= 30 && !isExpired,
	}, nil
}
