// Package security provides device identity, request signing and rate
// limiting used by the cloud session.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"
)

// DeviceFingerprint returns a stable per-machine identifier. The fingerprint
// binds a cloud session to one host and must not change across restarts.
//
// The primary source is the OS machine id (host.HostID). When that is
// unavailable the fingerprint degrades to a narrower hash of platform and
// hostname rather than failing: activation must always be possible.
func DeviceFingerprint(log zerolog.Logger) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	info, err := host.Info()
	if err != nil || info.HostID == "" {
		log.Warn().Err(err).Msg("Machine id unavailable, using fallback fingerprint")
		return hashFields(runtime.GOOS, hostname)
	}

	return hashFields(info.HostID, runtime.GOOS, runtime.GOARCH, hostname, fmt.Sprintf("%d", runtime.NumCPU()))
}

func hashFields(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0}) // field separator so ("ab","c") != ("a","bc")
	}
	return hex.EncodeToString(h.Sum(nil))
}
