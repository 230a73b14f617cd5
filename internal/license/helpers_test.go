package license

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"trialguard/internal/config"
	"trialguard/internal/security"
	"trialguard/internal/shared/testutil"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testKeys(t *testing.T, fingerprint, app string) *security.TrialKeys {
	t.Helper()
	cfg := security.DefaultEncryptionConfig()
	cfg.SCryptN = testutil.FastKDFCost
	keys, err := security.DeriveKeys(fingerprint, app, cfg)
	require.NoError(t, err)
	return keys
}

func testFingerprint(t *testing.T, machine string) *security.Fingerprint {
	t.Helper()
	svc := security.NewFingerprintService(
		security.WithSources(testutil.MachineSources(machine)...),
		security.WithWeakComponents(func() []string { return nil }),
		security.WithFingerprintLogger(discardLogger),
	)
	fp, err := svc.Compute()
	require.NoError(t, err)
	return fp
}

type machineFixture struct {
	machine *StateMachine
	store   *EncryptedStore
	fp      *security.Fingerprint
	keys    *security.TrialKeys
	clock   *ManualClock
}

func newMachineFixture(t *testing.T, cfg config.TrialConfig, machine string, clock *ManualClock) *machineFixture {
	t.Helper()

	fp := testFingerprint(t, machine)
	keys := testKeys(t, fp.ID, cfg.AppName)
	locations, err := config.ResolveStorageLocations(cfg.StorageDirs)
	require.NoError(t, err)

	store := NewEncryptedStore(cfg.AppName, locations, fp, keys, cfg.ReadPolicy, discardLogger)
	sm := NewStateMachine(cfg.AppName, cfg.Duration, clock, store,
		NewTamperDetector(cfg.ClockSkewTolerance), fp, keys, discardLogger)

	return &machineFixture{machine: sm, store: store, fp: fp, keys: keys, clock: clock}
}

// readRecord returns the candidate record currently on disk.
func (f *machineFixture) readRecord(t *testing.T) *TrialRecord {
	t.Helper()
	read, err := f.store.Read(context.Background())
	require.NoError(t, err)
	return read.Record
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

type guardFixture struct {
	guard *Guard
	out   *bytes.Buffer
	clock *ManualClock
	exits *exitRecorder
}

func newGuardFixture(t *testing.T, cfg config.TrialConfig, machine string, consent bool, opts ...Option) *guardFixture {
	t.Helper()

	f := &guardFixture{
		out:   &bytes.Buffer{},
		clock: NewManualClock(testutil.FixedTime),
		exits: &exitRecorder{},
	}
	all := append([]Option{
		WithClock(f.clock),
		WithHardwareSources(testutil.MachineSources(machine)...),
		WithConsent(consent),
		WithOutput(f.out),
		WithExitFunc(f.exits.exit),
		WithLogger(discardLogger),
	}, opts...)

	g, err := NewGuard(cfg, all...)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	f.guard = g
	return f
}
