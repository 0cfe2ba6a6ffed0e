// Package hardware discovers a stable identifier for the device the
// process is running on. The identifier is the password half of the
// content-key derivation in internal/keyderiv; it is never itself a
// secret, only the hardware binding anchor.
package hardware

import (
	"bufio"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// fallbackDevID is returned when every probe source is exhausted.
// Production deployments should treat this as a configuration error
// rather than a usable device identity.
const fallbackDevID = "DEV_HW_ID_123456789"

const cpuSerialSentinel = "0000000000000000"

// candidateSource yields a raw, untagged candidate value plus the tag
// it should be prefixed with if the candidate is accepted.
type candidateSource struct {
	tag    string
	lookup func() (string, bool)
}

// DevID returns the first non-empty, trimmed identifier yielded by the
// configured probe sources, prefixed with an origin tag so that values
// from different sources never collide. If every source fails, a fixed
// development identifier is returned and a warning is logged; callers
// that need a hard failure in production should check IsFallback.
func DevID(logger *logrus.Logger) string {
	for _, src := range sources() {
		if val, ok := src.lookup(); ok {
			val = strings.TrimSpace(val)
			if val != "" {
				return src.tag + val
			}
		}
	}

	if logger != nil {
		logger.Warn("hardware: no device identifier source succeeded, using fallback identity")
	}
	return fallbackDevID
}

// IsFallback reports whether the given identifier is the fixed
// development fallback, i.e. no real probe source succeeded.
func IsFallback(id string) bool {
	return id == fallbackDevID
}

func sources() []candidateSource {
	return []candidateSource{
		{tag: "MACHINE_", lookup: func() (string, bool) { return readFirstLine("/etc/machine-id") }},
		{tag: "DBUS_", lookup: func() (string, bool) { return readFirstLine("/var/lib/dbus/machine-id") }},
		{tag: "CPU_", lookup: cpuSerial},
	}
}

func readFirstLine(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return scanner.Text(), true
	}
	return "", false
}

// cpuSerial reads /proc/cpuinfo looking for a "Serial" field, excluding
// the all-zero sentinel some platforms report when no serial is burned
// in (notably early Raspberry Pi boards without a real unique ID).
func cpuSerial() (string, bool) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "Serial") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		serial := strings.TrimSpace(line[idx+1:])
		if serial != "" && serial != cpuSerialSentinel {
			return serial, true
		}
	}
	return "", false
}
