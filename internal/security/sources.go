package security

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
)

var errNotAvailable = errors.New("not available")

// sourceFunc adapts a function to HardwareSource.
type sourceFunc struct {
	name string
	fn   func() (string, error)
}

func (s sourceFunc) Name() string           { return s.name }
func (s sourceFunc) Query() (string, error) { return s.fn() }

// SourceFunc returns a HardwareSource backed by fn.
func SourceFunc(name string, fn func() (string, error)) HardwareSource {
	return sourceFunc{name: name, fn: fn}
}

// StaticSource returns a HardwareSource that always reports value.
func StaticSource(name, value string) HardwareSource {
	return SourceFunc(name, func() (string, error) { return value, nil })
}

// fileSource reads the first readable file of paths and extracts a value.
type fileSource struct {
	name  string
	paths []string
	parse func(string) string
}

func (s fileSource) Name() string { return s.name }

func (s fileSource) Query() (string, error) {
	var lastErr error = errNotAvailable
	for _, p := range s.paths {
		data, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		value := string(data)
		if s.parse != nil {
			value = s.parse(value)
		}
		if value = strings.TrimSpace(value); value != "" {
			return value, nil
		}
	}
	return "", lastErr
}

// macSource reports the hardware address of the primary network interface.
type macSource struct{}

func (macSource) Name() string { return "mac" }

func (macSource) Query() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	if mac := primaryMAC(interfaces); mac != "" {
		return mac, nil
	}
	return "", fmt.Errorf("no valid MAC address found")
}

// virtualPrefixes name interfaces created by container, VM and VPN software.
var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "vmnet", "vboxnet", "tun", "tap",
	"utun", "awdl", "llw", "bridge", "zt", "tailscale", "wg",
}

// primaryMAC returns the hardware address of the lowest-index physical
// interface. The up flag is ignored so the result survives a cable being
// unplugged or an adapter being disabled.
func primaryMAC(interfaces []net.Interface) string {
	sorted := make([]net.Interface, len(interfaces))
	copy(sorted, interfaces)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	for _, iface := range sorted {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 || isVirtual(iface.Name) {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "00:00:00:00:00:00" {
			return strings.ToLower(mac)
		}
	}
	return ""
}

func isVirtual(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// runtimeSource is the CPU fallback for platforms without a richer source.
type runtimeSource struct{}

func (runtimeSource) Name() string { return "cpu" }

func (runtimeSource) Query() (string, error) {
	return runtime.GOOS + "-" + runtime.GOARCH, nil
}

// keyValueLine returns the value of the first "key : value" line in text.
func keyValueLine(key string) func(string) string {
	return func(text string) string {
		for _, line := range strings.Split(text, "\n") {
			k, v, ok := strings.Cut(line, ":")
			if ok && strings.TrimSpace(k) == key {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
}
