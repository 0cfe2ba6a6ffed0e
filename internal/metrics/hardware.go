package metrics

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// aesISA returns the name of the hardware AES instruction set this
// CPU exposes, and whether it is present at all. It's a pure
// diagnostic: the AEAD package always uses Go's constant-time software
// fallback when hardware support is absent, so this never gates
// correctness, only the abby_hardware_acceleration_enabled gauge.
func aesISA() (isa string, present bool) {
	switch runtime.GOARCH {
	case "amd64", "386":
		return "aes-ni", cpu.X86.HasAES
	case "arm64":
		return "armv8-ce", cpu.ARM64.HasAES
	case "s390x":
		return "s390x-km", cpu.S390X.HasAES
	default:
		return "none", false
	}
}

// RecordHardwareAcceleration samples CPU AES support and publishes it
// on the hardware acceleration gauge.
func (m *Metrics) RecordHardwareAcceleration() {
	isa, present := aesISA()
	m.SetHardwareAcceleration(isa, present)
}
