package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"trialguard/internal/config"
	apperrors "trialguard/internal/errors"
	"trialguard/internal/security"
)

// CopyStatus classifies one redundant copy after a read.
type CopyStatus int

const (
	// CopyAbsent means no file exists at the path.
	CopyAbsent CopyStatus = iota
	// CopyUnreadable means the file exists but could not be read.
	CopyUnreadable
	// CopyCorrupt means the file was read but failed authentication or parsing.
	CopyCorrupt
	// CopyValid means the file decrypted into a record.
	CopyValid
)

func (s CopyStatus) String() string {
	switch s {
	case CopyAbsent:
		return "absent"
	case CopyUnreadable:
		return "unreadable"
	case CopyCorrupt:
		return "corrupt"
	case CopyValid:
		return "valid"
	default:
		return "unknown"
	}
}

// CopyResult is the outcome of reading one storage path.
type CopyResult struct {
	Slot   string
	Path   string
	Status CopyStatus
	Record *TrialRecord
	Err    error
}

// ReadResult aggregates every copy. Record is the candidate chosen by the
// read policy, nil when no valid copy exists.
type ReadResult struct {
	Copies       []CopyResult
	Record       *TrialRecord
	Inconsistent bool
}

func (r *ReadResult) count(status CopyStatus) int {
	n := 0
	for _, c := range r.Copies {
		if c.Status == status {
			n++
		}
	}
	return n
}

// ValidCount returns the number of copies that decrypted.
func (r *ReadResult) ValidCount() int { return r.count(CopyValid) }

// CorruptCount returns the number of present copies that failed to decrypt.
func (r *ReadResult) CorruptCount() int { return r.count(CopyCorrupt) }

// Present reports whether any copy exists with content, valid or not.
func (r *ReadResult) Present() bool {
	return r.ValidCount()+r.CorruptCount() > 0
}

type storagePath struct {
	slot string
	path string
}

// EncryptedStore keeps redundant encrypted copies of the trial record.
type EncryptedStore struct {
	appName string
	paths   []storagePath
	keys    *security.TrialKeys
	policy  string
	logger  *slog.Logger

	// file operations, replaced in tests to simulate read-only locations
	write  func(path string, data []byte) error
	remove func(path string) error
}

// NewEncryptedStore creates a store writing one copy per location. File names
// are derived from the fingerprint so they are unique per machine and slot.
func NewEncryptedStore(appName string, locations []config.StorageLocation, fp *security.Fingerprint, keys *security.TrialKeys, policy string, logger *slog.Logger) *EncryptedStore {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = config.ReadPolicyFirstValid
	}

	paths := make([]storagePath, 0, len(locations))
	for _, loc := range locations {
		paths = append(paths, storagePath{
			slot: loc.Slot,
			path: filepath.Join(loc.Dir, fp.StorageName(appName, loc.Slot)),
		})
	}

	return &EncryptedStore{
		appName: appName,
		paths:   paths,
		keys:    keys,
		policy:  policy,
		logger:  logger.With(slog.String("component", "trial_store")),
		write:   writeCopy,
		remove:  os.Remove,
	}
}

// Paths returns the storage file paths in priority order.
func (s *EncryptedStore) Paths() []string {
	out := make([]string, len(s.paths))
	for i, p := range s.paths {
		out[i] = p.path
	}
	return out
}

// Write signs the record and writes identical encrypted bytes to every path.
// It succeeds if at least one path was written. Paths that fail have any
// stale copy removed when possible; a copy that survives is an older state
// of the same trial and is superseded on read.
func (s *EncryptedStore) Write(ctx context.Context, rec *TrialRecord) error {
	rec.Sign(s.keys)

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trial record: %w", err)
	}
	envelope, err := s.keys.Seal(plaintext, []byte(s.appName))
	if err != nil {
		return fmt.Errorf("failed to seal trial record: %w", err)
	}

	errs := make([]error, len(s.paths))
	var g errgroup.Group
	for i, p := range s.paths {
		g.Go(func() error {
			errs[i] = s.write(p.path, envelope)
			return nil
		})
	}
	_ = g.Wait()

	var (
		failedPaths []string
		causes      []error
	)
	for i, err := range errs {
		if err == nil {
			continue
		}
		p := s.paths[i]
		failedPaths = append(failedPaths, p.path)
		causes = append(causes, err)

		s.logger.WarnContext(ctx, "Trial copy write failed",
			slog.String("slot", p.slot),
			slog.String("error", err.Error()),
		)
		if rmErr := s.remove(p.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.WarnContext(ctx, "Stale trial copy could not be removed",
				slog.String("slot", p.slot),
				slog.String("error", rmErr.Error()),
			)
		}
	}

	if len(failedPaths) == len(s.paths) {
		return &apperrors.StorageWriteError{Paths: failedPaths, Causes: causes}
	}

	s.logger.DebugContext(ctx, "Trial record written",
		slog.Int("copies", len(s.paths)-len(failedPaths)),
		slog.Int("failed", len(failedPaths)),
	)
	return nil
}

// writeCopy writes data through a temp file and rename so a reader never
// observes a partial copy.
func writeCopy(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tg-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := replaceFile(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace trial copy: %w", err)
	}

	hideFile(path)
	return nil
}

// Read reads every copy concurrently and selects the candidate record
// according to the read policy. A store with nothing on disk returns a
// result with a nil Record and no error.
func (s *EncryptedStore) Read(ctx context.Context) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStorageRead, err)
	}

	copies := make([]CopyResult, len(s.paths))
	var g errgroup.Group
	for i, p := range s.paths {
		g.Go(func() error {
			copies[i] = s.readCopy(p)
			return nil
		})
	}
	_ = g.Wait()

	result := &ReadResult{Copies: copies}
	switch s.policy {
	case config.ReadPolicyMajority:
		result.Record, result.Inconsistent = selectMajority(copies)
	default:
		result.Record, result.Inconsistent = selectFirstValid(copies)
	}

	for _, c := range copies {
		if c.Status == CopyCorrupt || c.Status == CopyUnreadable {
			s.logger.DebugContext(ctx, "Trial copy not usable",
				slog.String("slot", c.Slot),
				slog.String("status", c.Status.String()),
				slog.Any("error", c.Err),
			)
		}
	}

	return result, nil
}

func (s *EncryptedStore) readCopy(p storagePath) CopyResult {
	res := CopyResult{Slot: p.slot, Path: p.path}

	data, err := os.ReadFile(p.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		res.Status = CopyAbsent
		return res
	case err != nil:
		res.Status = CopyUnreadable
		res.Err = err
		return res
	}

	plaintext, err := s.keys.Open(data, []byte(s.appName))
	if err != nil {
		res.Status = CopyCorrupt
		res.Err = err
		return res
	}

	var rec TrialRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		res.Status = CopyCorrupt
		res.Err = fmt.Errorf("failed to parse trial record: %w", err)
		return res
	}

	res.Status = CopyValid
	res.Record = &rec
	return res
}

// validRecords returns the valid records ordered newest last-seen first.
// Ties keep priority order.
func validRecords(copies []CopyResult) []*TrialRecord {
	var valid []*TrialRecord
	for _, c := range copies {
		if c.Status == CopyValid {
			valid = append(valid, c.Record)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].LastSeenAt.After(valid[j].LastSeenAt)
	})
	return valid
}

// selectFirstValid picks the most recently seen valid copy. Older copies of
// the same trial are tolerated; any copy it does not supersede marks the
// result inconsistent.
func selectFirstValid(copies []CopyResult) (*TrialRecord, bool) {
	valid := validRecords(copies)
	if len(valid) == 0 {
		return nil, false
	}
	candidate := valid[0]
	for _, rec := range valid[1:] {
		if !candidate.Supersedes(rec) {
			return candidate, true
		}
	}
	return candidate, false
}

// selectMajority picks the newest record that supersedes more than half of
// the valid copies, outvoting a conflicting minority. Without such a record
// the newest copy is returned and the result is inconsistent.
func selectMajority(copies []CopyResult) (*TrialRecord, bool) {
	valid := validRecords(copies)
	if len(valid) == 0 {
		return nil, false
	}

	for _, rec := range valid {
		agree := 0
		for _, other := range valid {
			if rec.Supersedes(other) {
				agree++
			}
		}
		if agree*2 > len(valid) {
			return rec, false
		}
	}
	return valid[0], true
}
