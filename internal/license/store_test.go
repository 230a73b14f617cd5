package license

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trialguard/internal/config"
	apperrors "trialguard/internal/errors"
	"trialguard/internal/shared/testutil"
)

func newTestStore(t *testing.T, cfg config.TrialConfig, machine string) (*EncryptedStore, *TrialRecord) {
	t.Helper()
	fp := testFingerprint(t, machine)
	keys := testKeys(t, fp.ID, cfg.AppName)
	locations, err := config.ResolveStorageLocations(cfg.StorageDirs)
	require.NoError(t, err)

	store := NewEncryptedStore(cfg.AppName, locations, fp, keys, cfg.ReadPolicy, discardLogger)
	return store, newRecord(cfg.AppName, fp.ID, testutil.FixedTime, cfg.Duration)
}

func TestEncryptedStorePaths(t *testing.T) {
	cfg := testutil.TrialConfig(t)
	store, _ := newTestStore(t, cfg, "a")
	other, _ := newTestStore(t, cfg, "b")

	paths := store.Paths()
	require.Len(t, paths, config.RedundantCopies)
	for i, p := range paths {
		assert.Equal(t, cfg.StorageDirs[i], filepath.Dir(p))
		assert.True(t, filepath.Base(p)[0] == '.', "copies are hidden files")
		assert.NotContains(t, p, cfg.AppName)
	}
	assert.NotEqual(t, filepath.Base(paths[0]), filepath.Base(paths[1]))
	assert.NotEqual(t, paths, other.Paths())
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testutil.TrialConfig(t)
	store, rec := newTestStore(t, cfg, "a")

	empty, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty.Record)
	assert.False(t, empty.Present())

	require.NoError(t, store.Write(ctx, rec))

	for _, p := range store.Paths() {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		raw, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), rec.InstallationID)
	}

	read, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.RedundantCopies, read.ValidCount())
	assert.False(t, read.Inconsistent)
	require.NotNil(t, read.Record)
	assert.True(t, rec.Equal(read.Record))
	assert.True(t, read.Record.VerifyChecksum(store.keys))

	leftovers, err := filepath.Glob(filepath.Join(cfg.StorageDirs[0], ".tg-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestEncryptedStoreCorruptCopy(t *testing.T) {
	ctx := context.Background()
	cfg := testutil.TrialConfig(t)
	store, rec := newTestStore(t, cfg, "a")
	require.NoError(t, store.Write(ctx, rec))

	testutil.CorruptFile(t, store.Paths()[0])

	read, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, read.ValidCount())
	assert.Equal(t, 1, read.CorruptCount())
	assert.Equal(t, CopyCorrupt, read.Copies[0].Status)
	assert.True(t, rec.Equal(read.Record))
}

func TestEncryptedStoreOtherMachineCannotDecrypt(t *testing.T) {
	ctx := context.Background()
	cfg := testutil.TrialConfig(t)
	storeA, rec := newTestStore(t, cfg, "a")
	storeB, _ := newTestStore(t, cfg, "b")
	require.NoError(t, storeA.Write(ctx, rec))

	for i, p := range storeA.Paths() {
		testutil.CopyFile(t, p, storeB.Paths()[i])
	}

	read, err := storeB.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, read.Record)
	assert.Equal(t, 0, read.ValidCount())
	assert.Equal(t, config.RedundantCopies, read.CorruptCount())
	assert.True(t, read.Present())
}

func TestEncryptedStoreReadPolicies(t *testing.T) {
	ctx := context.Background()

	// plant writes base to every path, then other at path[1]
	plant := func(t *testing.T, policy string, base func(*TrialRecord) *TrialRecord, other func(*TrialRecord) *TrialRecord) (*EncryptedStore, *TrialRecord, *TrialRecord) {
		cfg := testutil.TrialConfig(t)
		cfg.ReadPolicy = policy
		store, rec := newTestStore(t, cfg, "a")

		planted := other(rec.Clone())
		require.NoError(t, store.Write(ctx, planted))
		saved, err := os.ReadFile(store.Paths()[1])
		require.NoError(t, err)

		main := base(rec.Clone())
		require.NoError(t, store.Write(ctx, main))
		require.NoError(t, os.WriteFile(store.Paths()[1], saved, 0600))
		return store, main, planted
	}
	seenLater := func(r *TrialRecord) *TrialRecord {
		r.LastSeenAt = r.LastSeenAt.Add(5 * time.Hour)
		return r
	}
	same := func(r *TrialRecord) *TrialRecord { return r }
	// a restarted trial: different activation, seen more recently
	restarted := func(r *TrialRecord) *TrialRecord {
		r.ActivatedAt = r.ActivatedAt.Add(48 * time.Hour)
		r.ExpiresAt = r.ExpiresAt.Add(48 * time.Hour)
		r.LastSeenAt = r.ActivatedAt
		return r
	}

	t.Run("first valid tolerates a stale copy", func(t *testing.T) {
		store, newer, _ := plant(t, config.ReadPolicyFirstValid, seenLater, same)
		read, err := store.Read(ctx)
		require.NoError(t, err)
		assert.False(t, read.Inconsistent)
		assert.True(t, newer.Equal(read.Record))
	})

	t.Run("first valid prefers the newest copy", func(t *testing.T) {
		store, older, newer := plant(t, config.ReadPolicyFirstValid, same, seenLater)
		read, err := store.Read(ctx)
		require.NoError(t, err)
		assert.False(t, read.Inconsistent)
		assert.True(t, newer.Equal(read.Record))
		assert.False(t, older.Equal(read.Record))
	})

	t.Run("first valid flags a conflicting copy", func(t *testing.T) {
		store, _, forged := plant(t, config.ReadPolicyFirstValid, same, restarted)
		read, err := store.Read(ctx)
		require.NoError(t, err)
		assert.True(t, read.Inconsistent)
		assert.True(t, forged.Equal(read.Record))
	})

	t.Run("stale copy missing expiry is superseded", func(t *testing.T) {
		expired := func(r *TrialRecord) *TrialRecord {
			r.LastSeenAt = r.ExpiresAt
			r.ExpiredAt = r.ExpiresAt
			return r
		}
		store, newer, _ := plant(t, config.ReadPolicyFirstValid, expired, same)
		read, err := store.Read(ctx)
		require.NoError(t, err)
		assert.False(t, read.Inconsistent)
		assert.True(t, newer.Equal(read.Record))
	})

	t.Run("majority outvotes a conflicting copy", func(t *testing.T) {
		store, real, _ := plant(t, config.ReadPolicyMajority, same, restarted)
		read, err := store.Read(ctx)
		require.NoError(t, err)
		assert.False(t, read.Inconsistent)
		assert.True(t, real.Equal(read.Record))
	})

	t.Run("majority without agreement", func(t *testing.T) {
		store, real, forged := plant(t, config.ReadPolicyMajority, same, restarted)
		require.NoError(t, os.Remove(store.Paths()[2]))

		read, err := store.Read(ctx)
		require.NoError(t, err)
		assert.True(t, read.Inconsistent)
		assert.True(t, forged.Equal(read.Record))
		assert.False(t, real.Equal(read.Record))
	})
}

func TestTrialRecordSupersedes(t *testing.T) {
	base := newRecord("App", "machine", testutil.FixedTime, config.DefaultTrialDuration)

	later := base.Clone()
	later.LastSeenAt = later.LastSeenAt.Add(time.Hour)
	flagged := later.Clone()
	flagged.TamperFlags = TamperFlags{FlagClockRollback}
	moved := base.Clone()
	moved.InstallationID = "other"

	assert.True(t, base.Supersedes(base))
	assert.True(t, later.Supersedes(base))
	assert.False(t, base.Supersedes(later), "an older copy cannot supersede a newer one")
	assert.True(t, flagged.Supersedes(later))
	assert.False(t, later.Supersedes(flagged), "flags are never dropped")
	assert.False(t, later.Supersedes(moved))
}

func TestEncryptedStoreWriteFailures(t *testing.T) {
	ctx := context.Background()

	// a regular file where a directory is expected makes MkdirAll fail
	blockDir := func(t *testing.T, dir string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(dir), 0700))
		require.NoError(t, os.WriteFile(dir, []byte("x"), 0600))
	}

	t.Run("partial failure succeeds", func(t *testing.T) {
		cfg := testutil.TrialConfig(t)
		blockDir(t, cfg.StorageDirs[1])
		store, rec := newTestStore(t, cfg, "a")

		require.NoError(t, store.Write(ctx, rec))

		read, err := store.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, read.ValidCount())
		assert.False(t, read.Inconsistent)
	})

	t.Run("all locations fail", func(t *testing.T) {
		cfg := testutil.TrialConfig(t)
		for _, dir := range cfg.StorageDirs {
			blockDir(t, dir)
		}
		store, rec := newTestStore(t, cfg, "a")

		err := store.Write(ctx, rec)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrStorageWrite))

		var writeErr *apperrors.StorageWriteError
		require.True(t, errors.As(err, &writeErr))
		assert.Len(t, writeErr.Paths, config.RedundantCopies)
	})
}

func TestEncryptedStoreReadCancelled(t *testing.T) {
	cfg := testutil.TrialConfig(t)
	store, _ := newTestStore(t, cfg, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Read(ctx)
	assert.True(t, errors.Is(err, apperrors.ErrStorageRead))
}

func TestCopyStatusString(t *testing.T) {
	assert.Equal(t, "absent", CopyAbsent.String())
	assert.Equal(t, "unreadable", CopyUnreadable.String())
	assert.Equal(t, "corrupt", CopyCorrupt.String())
	assert.Equal(t, "valid", CopyValid.String())
	assert.Equal(t, "unknown", CopyStatus(42).String())
}
