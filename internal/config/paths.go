package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// StorageLocation is one directory that holds a redundant copy of the trial
// record. Slot feeds the obfuscated file name so each location gets its own.
type StorageLocation struct {
	Slot string
	Dir  string
}

// ResolveStorageLocations returns the directories used for redundant copies in
// priority order. Explicit overrides win; otherwise the user profile, temp and
// cache directories of the current platform are used. Locations whose base
// directory cannot be determined are skipped.
func ResolveStorageLocations(overrides []string) ([]StorageLocation, error) {
	if len(overrides) > 0 {
		locations := make([]StorageLocation, 0, len(overrides))
		for i, dir := range overrides {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve storage dir %q: %w", dir, err)
			}
			locations = append(locations, StorageLocation{
				Slot: fmt.Sprintf("slot%d", i),
				Dir:  abs,
			})
		}
		return locations, nil
	}

	logger := slog.Default()
	var locations []StorageLocation

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		locations = append(locations, StorageLocation{Slot: SlotHome, Dir: home})
	} else {
		logger.Warn("Home directory unavailable for trial storage", slog.Any("error", err))
	}

	if tmp := os.TempDir(); tmp != "" {
		locations = append(locations, StorageLocation{Slot: SlotTemp, Dir: tmp})
	}

	if cache, err := os.UserCacheDir(); err == nil && cache != "" {
		locations = append(locations, StorageLocation{Slot: SlotCache, Dir: cache})
	} else {
		logger.Warn("Cache directory unavailable for trial storage", slog.Any("error", err))
	}

	if len(locations) == 0 {
		return nil, fmt.Errorf("no storage locations available")
	}

	return locations, nil
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
