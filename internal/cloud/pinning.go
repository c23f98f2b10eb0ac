package cloud

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// newTLSConfig builds a TLS config that pins the peer's leaf certificate to a
// SHA-256 fingerprint. An empty fingerprint disables pinning entirely.
func newTLSConfig(certFingerprint string) *tls.Config {
	if certFingerprint == "" {
		return nil
	}

	expected := strings.ToLower(strings.ReplaceAll(certFingerprint, ":", ""))
	return &tls.Config{
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no peer certificate presented")
			}
			sum := sha256.Sum256(rawCerts[0])
			got := hex.EncodeToString(sum[:])
			if got != expected {
				return fmt.Errorf("certificate fingerprint mismatch: got %s", got)
			}
			return nil
		},
	}
}

// newHTTPClient builds the engine HTTP client, pinned when a fingerprint is
// configured
func newHTTPClient(certFingerprint string, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if cfg := newTLSConfig(certFingerprint); cfg != nil {
		client.Transport = &http.Transport{TLSClientConfig: cfg}
	}
	return client
}
