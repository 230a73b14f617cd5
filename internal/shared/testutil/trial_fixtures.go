package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"trialguard/internal/config"
	"trialguard/internal/security"
)

// FastKDFCost keeps scrypt cheap enough for unit tests.
const FastKDFCost = 1024

// TrialConfig returns a trial configuration whose storage lives in three
// fresh directories under t.TempDir.
func TrialConfig(t *testing.T) config.TrialConfig {
	t.Helper()

	root := t.TempDir()
	cfg := config.DefaultTrialConfig()
	cfg.AppName = "FixtureApp"
	cfg.StorageDirs = []string{
		filepath.Join(root, "home"),
		filepath.Join(root, "temp"),
		filepath.Join(root, "cache"),
	}
	cfg.KDF.N = FastKDFCost
	return cfg
}

// MachineSources returns deterministic hardware sources for one fake machine.
func MachineSources(machine string) []security.HardwareSource {
	return []security.HardwareSource{
		security.StaticSource("machine_id", machine+"-machine-id"),
		security.StaticSource("cpu", "Fixture CPU @ 3.00GHz"),
		security.StaticSource("mac", "02:00:00:00:00:01"),
	}
}

// FixedTime is the reference instant used by trial tests.
var FixedTime = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// CorruptFile overwrites path with bytes that cannot decrypt.
func CorruptFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("not a trial record"), 0600); err != nil {
		t.Fatalf("failed to corrupt %s: %v", path, err)
	}
}

// CopyFile copies src over dst, used to replay an older trial copy.
func CopyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("failed to read %s: %v", src, err)
	}
	if err := os.WriteFile(dst, data, 0600); err != nil {
		t.Fatalf("failed to write %s: %v", dst, err)
	}
}
