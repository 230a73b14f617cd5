//go:build !windows

package license

import "os"

func replaceFile(from, to string) error {
	return os.Rename(from, to)
}

// hideFile is a no-op: the leading dot already hides the file.
func hideFile(string) {}
