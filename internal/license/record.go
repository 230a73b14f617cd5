package license

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"trialguard/internal/security"
)

// RecordVersion is the format version written into new records.
const RecordVersion = 1

// TamperFlag names one detected anomaly.
type TamperFlag string

const (
	FlagClockRollback     TamperFlag = "CLOCK_ROLLBACK"
	FlagDataInconsistency TamperFlag = "DATA_INCONSISTENCY"
	FlagChecksumMismatch  TamperFlag = "CHECKSUM_MISMATCH"
	FlagMachineMismatch   TamperFlag = "MACHINE_MISMATCH"
)

// TamperFlags is a sorted set of flags.
type TamperFlags []TamperFlag

// Merge returns the sorted union of f and other.
func (f TamperFlags) Merge(other ...TamperFlag) TamperFlags {
	seen := make(map[TamperFlag]bool, len(f)+len(other))
	out := make(TamperFlags, 0, len(f)+len(other))
	for _, flag := range append(append(TamperFlags{}, f...), other...) {
		if flag == "" || seen[flag] {
			continue
		}
		seen[flag] = true
		out = append(out, flag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether flag is in the set.
func (f TamperFlags) Has(flag TamperFlag) bool {
	for _, v := range f {
		if v == flag {
			return true
		}
	}
	return false
}

// Strings returns the flags as plain strings.
func (f TamperFlags) Strings() []string {
	out := make([]string, len(f))
	for i, v := range f {
		out[i] = string(v)
	}
	return out
}

// TrialRecord is the persisted trial state. It is only ever stored inside
// the encrypted envelope.
type TrialRecord struct {
	Version        int         `json:"version"`
	AppName        string      `json:"app_name"`
	InstallationID string      `json:"installation_id"`
	ActivatedAt    time.Time   `json:"activated_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	LastSeenAt     time.Time   `json:"last_seen_at"`
	ExpiredAt      time.Time   `json:"expired_at"`
	TamperFlags    TamperFlags `json:"tamper_flags"`
	Checksum       string      `json:"checksum"`
}

// newRecord creates the record written on activation.
func newRecord(appName, installationID string, now time.Time, duration time.Duration) *TrialRecord {
	now = now.UTC()
	return &TrialRecord{
		Version:        RecordVersion,
		AppName:        appName,
		InstallationID: installationID,
		ActivatedAt:    now,
		ExpiresAt:      now.Add(duration),
		LastSeenAt:     now,
		TamperFlags:    TamperFlags{},
	}
}

// canonical encodes every field except the checksum in a fixed order.
func (r *TrialRecord) canonical() []byte {
	parts := []string{
		"v=" + strconv.Itoa(r.Version),
		"app=" + r.AppName,
		"id=" + r.InstallationID,
		"activated=" + unixNano(r.ActivatedAt),
		"expires=" + unixNano(r.ExpiresAt),
		"seen=" + unixNano(r.LastSeenAt),
		"expired=" + unixNano(r.ExpiredAt),
		"flags=" + strings.Join(r.TamperFlags.Strings(), ","),
	}
	return []byte(strings.Join(parts, "|"))
}

func unixNano(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

// Sign sets the checksum from the current field values.
func (r *TrialRecord) Sign(keys *security.TrialKeys) {
	r.Checksum = hex.EncodeToString(keys.MAC(r.canonical()))
}

// VerifyChecksum reports whether the stored checksum matches the fields.
func (r *TrialRecord) VerifyChecksum(keys *security.TrialKeys) bool {
	sum, err := hex.DecodeString(r.Checksum)
	if err != nil {
		return false
	}
	return keys.VerifyMAC(r.canonical(), sum)
}

// Equal compares every persisted field.
func (r *TrialRecord) Equal(o *TrialRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Version == o.Version &&
		r.AppName == o.AppName &&
		r.InstallationID == o.InstallationID &&
		r.ActivatedAt.Equal(o.ActivatedAt) &&
		r.ExpiresAt.Equal(o.ExpiresAt) &&
		r.LastSeenAt.Equal(o.LastSeenAt) &&
		r.ExpiredAt.Equal(o.ExpiredAt) &&
		strings.Join(r.TamperFlags.Strings(), ",") == strings.Join(o.TamperFlags.Strings(), ",") &&
		r.Checksum == o.Checksum
}

// Supersedes reports whether o is r or an earlier state of the same trial:
// the fields fixed at activation match, o was last seen no later than r, and
// o carries no expiry or flag that r lacks. Copies left behind by a location
// that stopped accepting writes pass this check.
func (r *TrialRecord) Supersedes(o *TrialRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Version != o.Version ||
		r.AppName != o.AppName ||
		r.InstallationID != o.InstallationID ||
		!r.ActivatedAt.Equal(o.ActivatedAt) ||
		!r.ExpiresAt.Equal(o.ExpiresAt) {
		return false
	}
	if o.LastSeenAt.After(r.LastSeenAt) {
		return false
	}
	if !o.ExpiredAt.IsZero() && !o.ExpiredAt.Equal(r.ExpiredAt) {
		return false
	}
	for _, flag := range o.TamperFlags {
		if !r.TamperFlags.Has(flag) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (r *TrialRecord) Clone() *TrialRecord {
	c := *r
	c.TamperFlags = append(TamperFlags{}, r.TamperFlags...)
	return &c
}

// IsExpired reports whether the record is past its expiry or has already been
// observed as expired.
func (r *TrialRecord) IsExpired(now time.Time) bool {
	return !r.ExpiredAt.IsZero() || !now.Before(r.ExpiresAt)
}

// Remaining returns the time left before expiry, never negative.
func (r *TrialRecord) Remaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
