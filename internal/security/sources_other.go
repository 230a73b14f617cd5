//go:build !linux && !darwin && !windows

package security

// PlatformSources returns the fallback sources for platforms without a
// dedicated implementation.
func PlatformSources() []HardwareSource {
	return []HardwareSource{
		runtimeSource{},
		macSource{},
	}
}
