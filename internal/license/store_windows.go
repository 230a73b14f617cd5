//go:build windows

package license

import (
	"os"

	"golang.org/x/sys/windows"
)

// replaceFile clears the hidden attribute on an existing destination first;
// replacing a hidden file is refused otherwise.
func replaceFile(from, to string) error {
	if p, err := windows.UTF16PtrFromString(to); err == nil {
		if attrs, err := windows.GetFileAttributes(p); err == nil && attrs&windows.FILE_ATTRIBUTE_HIDDEN != 0 {
			_ = windows.SetFileAttributes(p, attrs&^windows.FILE_ATTRIBUTE_HIDDEN)
		}
	}
	return os.Rename(from, to)
}

func hideFile(path string) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return
	}
	_ = windows.SetFileAttributes(p, attrs|windows.FILE_ATTRIBUTE_HIDDEN)
}
