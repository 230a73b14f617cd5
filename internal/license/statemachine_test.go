package license

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trialguard/internal/config"
	apperrors "trialguard/internal/errors"
	"trialguard/internal/shared/testutil"
)

func activeFixture(t *testing.T) *machineFixture {
	t.Helper()
	f := newMachineFixture(t, testutil.TrialConfig(t), "a", NewManualClock(testutil.FixedTime))
	eval, err := f.machine.Activate(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, StateActive, eval.State)
	return f
}

func TestStateMachineFreshInstall(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, testutil.TrialConfig(t), "a", NewManualClock(testutil.FixedTime))

	eval, err := f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, eval.State)
	assert.Nil(t, eval.Record)

	for _, p := range f.store.Paths() {
		assert.False(t, config.FileExists(p), "check must not create a trial")
	}
}

func TestStateMachineActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("declined writes nothing", func(t *testing.T) {
		f := newMachineFixture(t, testutil.TrialConfig(t), "a", NewManualClock(testutil.FixedTime))

		eval, err := f.machine.Activate(ctx, false)
		assert.True(t, errors.Is(err, apperrors.ErrActivationDeclined))
		require.NotNil(t, eval)
		assert.Equal(t, StateUninitialized, eval.State)
		assert.Nil(t, f.readRecord(t))
	})

	t.Run("consent starts the trial", func(t *testing.T) {
		f := activeFixture(t)

		for _, p := range f.store.Paths() {
			assert.True(t, config.FileExists(p))
		}
		rec := f.readRecord(t)
		require.NotNil(t, rec)
		assert.Equal(t, f.fp.ID, rec.InstallationID)
		assert.Equal(t, testutil.FixedTime, rec.ActivatedAt)
		assert.Equal(t, testutil.FixedTime.Add(config.DefaultTrialDuration), rec.ExpiresAt)
	})

	t.Run("second activation is refused", func(t *testing.T) {
		f := activeFixture(t)
		f.clock.Advance(time.Hour)

		eval, err := f.machine.Activate(ctx, true)
		assert.True(t, errors.Is(err, apperrors.ErrAlreadyActivated))
		assert.Equal(t, StateActive, eval.State)
		assert.Equal(t, testutil.FixedTime, f.readRecord(t).ActivatedAt)
	})

	t.Run("tampered data blocks activation", func(t *testing.T) {
		f := activeFixture(t)
		for _, p := range f.store.Paths() {
			testutil.CorruptFile(t, p)
		}

		eval, err := f.machine.Activate(ctx, true)
		assert.True(t, errors.Is(err, apperrors.ErrAlreadyActivated))
		assert.Equal(t, StateTampered, eval.State)
	})

	t.Run("storage unavailable", func(t *testing.T) {
		cfg := testutil.TrialConfig(t)
		for _, dir := range cfg.StorageDirs {
			require.NoError(t, os.WriteFile(dir, []byte("x"), 0600))
		}
		f := newMachineFixture(t, cfg, "a", NewManualClock(testutil.FixedTime))

		eval, err := f.machine.Activate(ctx, true)
		assert.Nil(t, eval)
		assert.True(t, errors.Is(err, apperrors.ErrStorageWrite))
	})
}

func TestStateMachineCheckRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	f := activeFixture(t)

	f.clock.Advance(5 * time.Hour)
	eval, err := f.machine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, eval.State)
	assert.Equal(t, testutil.FixedTime, f.readRecord(t).LastSeenAt, "evaluate is read-only")

	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, eval.State)
	assert.Equal(t, testutil.FixedTime.Add(5*time.Hour), f.readRecord(t).LastSeenAt)
}

func TestStateMachineExpiry(t *testing.T) {
	ctx := context.Background()
	f := activeFixture(t)

	f.clock.Advance(config.DefaultTrialDuration - time.Minute)
	eval, err := f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, eval.State)

	f.clock.Advance(time.Minute)
	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, eval.State)
	expiredAt := f.readRecord(t).ExpiredAt
	assert.Equal(t, testutil.FixedTime.Add(config.DefaultTrialDuration), expiredAt)

	f.clock.Advance(24 * time.Hour)
	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, eval.State)
	assert.Equal(t, expiredAt, f.readRecord(t).ExpiredAt, "first observation is kept")

	eval, err = f.machine.Activate(ctx, true)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyActivated))
	assert.Equal(t, StateExpired, eval.State)
}

func TestStateMachineClockRollback(t *testing.T) {
	ctx := context.Background()
	f := activeFixture(t)

	f.clock.Advance(10 * time.Hour)
	_, err := f.machine.Check(ctx)
	require.NoError(t, err)

	// within tolerance
	f.clock.Set(testutil.FixedTime.Add(9*time.Hour + 30*time.Minute))
	eval, err := f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, eval.State)

	f.clock.Set(testutil.FixedTime.Add(2 * time.Hour))
	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)
	assert.True(t, eval.Flags.Has(FlagClockRollback))

	// restoring the clock does not clear the flag
	f.clock.Set(testutil.FixedTime.Add(11 * time.Hour))
	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)
	assert.Equal(t, TamperFlags{FlagClockRollback}, f.readRecord(t).TamperFlags)
}

func TestStateMachineRollbackAfterExpiry(t *testing.T) {
	ctx := context.Background()
	f := activeFixture(t)

	f.clock.Advance(config.DefaultTrialDuration + time.Hour)
	eval, err := f.machine.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, StateExpired, eval.State)

	f.clock.Set(testutil.FixedTime.Add(time.Hour))
	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, StateActive, eval.State)
	assert.Equal(t, StateTampered, eval.State)
}

func TestStateMachineCorruptCopy(t *testing.T) {
	ctx := context.Background()
	f := activeFixture(t)

	testutil.CorruptFile(t, f.store.Paths()[2])

	eval, err := f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)
	assert.Equal(t, TamperFlags{FlagChecksumMismatch}, eval.Flags)

	read, err := f.store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.RedundantCopies, read.ValidCount(), "flags are written to every copy")

	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)
}

func TestStateMachineReplayedCopy(t *testing.T) {
	ctx := context.Background()
	f := activeFixture(t)

	stale, err := os.ReadFile(f.store.Paths()[0])
	require.NoError(t, err)

	f.clock.Advance(30 * time.Hour)
	_, err = f.machine.Check(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.store.Paths()[1], stale, 0600))

	// the newest copy wins, so an old copy cannot win back time
	eval, err := f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, eval.State)
	assert.Empty(t, eval.Flags)
	assert.Equal(t, testutil.FixedTime.Add(30*time.Hour), eval.Record.LastSeenAt)

	f.clock.Set(testutil.FixedTime.Add(5 * time.Hour))
	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)
	assert.True(t, eval.Flags.Has(FlagClockRollback))
}

func TestStateMachineConflictingCopy(t *testing.T) {
	ctx := context.Background()
	cfg := testutil.TrialConfig(t)
	clock := NewManualClock(testutil.FixedTime)
	f := newMachineFixture(t, cfg, "a", clock)

	// a second trial started later, planted next to the real one
	clock.Advance(48 * time.Hour)
	_, err := f.machine.Activate(ctx, true)
	require.NoError(t, err)
	forged, err := os.ReadFile(f.store.Paths()[1])
	require.NoError(t, err)
	for _, p := range f.store.Paths() {
		require.NoError(t, os.Remove(p))
	}

	clock.Set(testutil.FixedTime)
	_, err = f.machine.Activate(ctx, true)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.store.Paths()[1], forged, 0600))

	eval, err := f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)
	assert.True(t, eval.Flags.Has(FlagDataInconsistency))
}

func TestStateMachineUnwritableLocation(t *testing.T) {
	ctx := context.Background()
	f := activeFixture(t)

	// the cache slot keeps its copy but rejects every write and delete
	locked := f.store.Paths()[2]
	write := f.store.write
	f.store.write = func(path string, data []byte) error {
		if path == locked {
			return os.ErrPermission
		}
		return write(path, data)
	}
	f.store.remove = func(path string) error {
		if path == locked {
			return os.ErrPermission
		}
		return os.Remove(path)
	}

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		eval, err := f.machine.Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateActive, eval.State, "check %d", i+1)
		assert.Empty(t, eval.Flags, "check %d", i+1)
	}

	read, err := f.store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.RedundantCopies, read.ValidCount())
	assert.False(t, read.Inconsistent)
	assert.Equal(t, testutil.FixedTime.Add(3*time.Hour), read.Record.LastSeenAt)
	assert.Equal(t, testutil.FixedTime, read.Copies[2].Record.LastSeenAt, "locked copy is left behind")

	f.clock.Advance(config.DefaultTrialDuration)
	eval, err := f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, eval.State)

	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, eval.State, "stale copy without expiry is still superseded")
}

func TestStateMachinePartialRedundancyLoss(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < config.RedundantCopies; i++ {
		t.Run(fmt.Sprintf("copy %d deleted", i), func(t *testing.T) {
			f := activeFixture(t)
			require.NoError(t, os.Remove(f.store.Paths()[i]))

			f.clock.Advance(time.Hour)
			eval, err := f.machine.Check(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateActive, eval.State)
			assert.Empty(t, eval.Flags)
			assert.True(t, config.FileExists(f.store.Paths()[i]), "check restores the missing copy")
		})
	}

	t.Run("two copies deleted", func(t *testing.T) {
		f := activeFixture(t)
		require.NoError(t, os.Remove(f.store.Paths()[0]))
		require.NoError(t, os.Remove(f.store.Paths()[2]))

		eval, err := f.machine.Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateActive, eval.State)
		assert.Empty(t, eval.Flags)
	})

	t.Run("all copies deleted", func(t *testing.T) {
		f := activeFixture(t)
		for _, p := range f.store.Paths() {
			require.NoError(t, os.Remove(p))
		}

		eval, err := f.machine.Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateUninitialized, eval.State)
		assert.Empty(t, eval.Flags)
	})
}

func TestStateMachineEvaluateKeepsTamper(t *testing.T) {
	ctx := context.Background()
	f := activeFixture(t)

	var (
		mu   sync.Mutex
		seen []Transition
	)
	f.machine.OnTransition(func(_ context.Context, tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr)
	})

	f.clock.Advance(10 * time.Hour)
	_, err := f.machine.Check(ctx)
	require.NoError(t, err)

	f.clock.Set(testutil.FixedTime.Add(5 * time.Hour))
	eval, err := f.machine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)
	assert.Equal(t, TamperFlags{FlagClockRollback}, f.readRecord(t).TamperFlags)

	f.clock.Set(testutil.FixedTime.Add(11 * time.Hour))
	eval, err = f.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)
	eval, err = f.machine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, StateActive, seen[0].From)
	assert.Equal(t, StateTampered, seen[0].To)
}

func TestStateMachineCopiedToAnotherMachine(t *testing.T) {
	ctx := context.Background()
	cfg := testutil.TrialConfig(t)
	clock := NewManualClock(testutil.FixedTime)

	a := newMachineFixture(t, cfg, "a", clock)
	_, err := a.machine.Activate(ctx, true)
	require.NoError(t, err)

	b := newMachineFixture(t, cfg, "b", clock)
	for i, p := range a.store.Paths() {
		testutil.CopyFile(t, p, b.store.Paths()[i])
	}

	eval, err := b.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTampered, eval.State)
	assert.Equal(t, TamperFlags{FlagMachineMismatch}, eval.Flags)

	// the tombstone now decrypts on b and keeps it tampered
	rec := b.readRecord(t)
	require.NotNil(t, rec)
	assert.Equal(t, TamperFlags{FlagMachineMismatch}, rec.TamperFlags)

	eval, err = b.machine.Activate(ctx, true)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyActivated))
	assert.Equal(t, StateTampered, eval.State)

	// a is unaffected
	eval, err = a.machine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, eval.State)
}

func TestStateMachineObservers(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, testutil.TrialConfig(t), "a", NewManualClock(testutil.FixedTime))

	var (
		mu   sync.Mutex
		seen []Transition
	)
	f.machine.OnTransition(func(_ context.Context, tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr)
	})

	_, err := f.machine.Check(ctx)
	require.NoError(t, err)
	_, err = f.machine.Activate(ctx, true)
	require.NoError(t, err)
	_, err = f.machine.Check(ctx)
	require.NoError(t, err)

	f.clock.Advance(config.DefaultTrialDuration)
	_, err = f.machine.Check(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, StateUninitialized, seen[0].From)
	assert.Equal(t, StateActive, seen[0].To)
	assert.Equal(t, StateActive, seen[1].From)
	assert.Equal(t, StateExpired, seen[1].To)
}

func TestStateMachineConcurrentChecks(t *testing.T) {
	ctx := context.Background()
	f := activeFixture(t)
	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eval, err := f.machine.Check(ctx)
			if err == nil && eval.State != StateActive {
				err = errors.New("unexpected state " + eval.State.String())
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	read, err := f.store.Read(ctx)
	require.NoError(t, err)
	assert.False(t, read.Inconsistent)
}
