package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// TLSFiles names the PEM files for mutual TLS. All empty means server-auth
// TLS against the system roots.
type TLSFiles struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// Enabled reports whether any file is set.
func (f TLSFiles) Enabled() bool {
	return f.CertPath != "" || f.KeyPath != "" || f.CAPath != ""
}

// BuildHTTP2Client creates an HTTP client that negotiates HTTP/2. With
// TLSFiles set it presents the client certificate and trusts only the given
// CA (mTLS 1.3). timeout bounds each whole request; zero means none.
func BuildHTTP2Client(files TLSFiles, timeout time.Duration) (*http.Client, error) {
	if !files.Enabled() {
		base := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        4,
			IdleConnTimeout:     90 * time.Second,
		}
		if err := http2.ConfigureTransport(base); err != nil {
			return nil, fmt.Errorf("configuring HTTP/2: %w", err)
		}
		return &http.Client{Transport: base, Timeout: timeout}, nil
	}

	if files.CertPath == "" {
		return nil, fmt.Errorf("certPath required")
	}
	if files.KeyPath == "" {
		return nil, fmt.Errorf("keyPath required")
	}
	if files.CAPath == "" {
		return nil, fmt.Errorf("caPath required")
	}

	clientCert, err := tls.LoadX509KeyPair(files.CertPath, files.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(files.CAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS13,
	}

	return &http.Client{
		Transport: &http2.Transport{TLSClientConfig: tlsConfig},
		Timeout:   timeout,
	}, nil
}
