package crypto

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the running CPU supports AES
// hardware acceleration, via golang.org/x/sys/cpu feature detection.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// HardwareAccel reports whether hardware support is present and the
// corresponding config toggle for this architecture is on.
type HardwareAccel struct {
	EnableAESNI    bool
	EnableARMv8AES bool
}

// Enabled reports whether AES hardware acceleration is supported by this CPU
// and enabled for its architecture by config.
func (h HardwareAccel) Enabled() bool {
	if !HasAESHardwareSupport() {
		return false
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		return h.EnableAESNI
	case "arm64":
		return h.EnableARMv8AES
	default:
		return true
	}
}

// Info returns a diagnostics snapshot suitable for a status/debug endpoint.
func (h HardwareAccel) Info() map[string]interface{} {
	return map[string]interface{}{
		"aes_hardware_support":         HasAESHardwareSupport(),
		"architecture":                 runtime.GOARCH,
		"goos":                         runtime.GOOS,
		"go_version":                   runtime.Version(),
		"aes_ni_enabled":               h.EnableAESNI,
		"armv8_aes_enabled":            h.EnableARMv8AES,
		"hardware_acceleration_active": h.Enabled(),
	}
}
