//go:build linux

package security

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PlatformSources returns the hardware sources available on Linux.
func PlatformSources() []HardwareSource {
	return []HardwareSource{
		fileSource{name: "machine_id", paths: []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}},
		fileSource{name: "product_uuid", paths: []string{"/sys/class/dmi/id/product_uuid"}, parse: strings.ToLower},
		fileSource{name: "cpu", paths: []string{"/proc/cpuinfo"}, parse: cpuModel},
		SourceFunc("disk_serial", blockDeviceSerial),
		macSource{},
	}
}

func cpuModel(cpuinfo string) string {
	for _, key := range []string{"model name", "Hardware", "cpu model", "Processor"} {
		if v := keyValueLine(key)(cpuinfo); v != "" {
			return v
		}
	}
	return ""
}

// blockDeviceSerial returns the serial of the first physical block device in
// name order. Virtual devices (loop, ram, zram, dm) have no device/serial.
func blockDeviceSerial() (string, error) {
	matches, err := filepath.Glob("/sys/block/*/device/serial")
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		if serial := strings.TrimSpace(string(data)); serial != "" {
			return serial, nil
		}
	}
	return "", errNotAvailable
}
