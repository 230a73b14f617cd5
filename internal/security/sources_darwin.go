//go:build darwin

package security

import (
	"os/exec"
	"strings"
)

// PlatformSources returns the hardware sources available on macOS.
func PlatformSources() []HardwareSource {
	return []HardwareSource{
		SourceFunc("platform_uuid", func() (string, error) { return ioregValue("IOPlatformUUID") }),
		SourceFunc("platform_serial", func() (string, error) { return ioregValue("IOPlatformSerialNumber") }),
		SourceFunc("cpu", func() (string, error) {
			out, err := exec.Command("sysctl", "-n", "machdep.cpu.brand_string").Output()
			return strings.TrimSpace(string(out)), err
		}),
		macSource{},
	}
}

// ioregValue reads one property of the platform expert device.
func ioregValue(key string) (string, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, `"`+key+`"`) {
			continue
		}
		_, v, ok := strings.Cut(line, "=")
		if ok {
			return strings.Trim(strings.TrimSpace(v), `"`), nil
		}
	}
	return "", errNotAvailable
}
