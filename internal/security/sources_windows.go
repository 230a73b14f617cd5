//go:build windows

package security

import (
	"os"
	"strconv"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// PlatformSources returns the hardware sources available on Windows.
func PlatformSources() []HardwareSource {
	return []HardwareSource{
		SourceFunc("machine_guid", machineGUID),
		SourceFunc("cpu", func() (string, error) { return os.Getenv("PROCESSOR_IDENTIFIER"), nil }),
		SourceFunc("volume_serial", systemVolumeSerial),
		macSource{},
	}
}

func machineGUID() (string, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE,
		`SOFTWARE\Microsoft\Cryptography`,
		registry.QUERY_VALUE|registry.WOW64_64KEY)
	if err != nil {
		return "", err
	}
	defer key.Close()

	guid, _, err := key.GetStringValue("MachineGuid")
	return guid, err
}

func systemVolumeSerial() (string, error) {
	drive := os.Getenv("SystemDrive")
	if drive == "" {
		drive = "C:"
	}
	root, err := windows.UTF16PtrFromString(drive + `\`)
	if err != nil {
		return "", err
	}

	var serial uint32
	if err := windows.GetVolumeInformation(root, nil, 0, &serial, nil, nil, nil, 0); err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(serial), 16), nil
}
