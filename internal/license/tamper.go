package license

import (
	"time"

	"trialguard/internal/security"
)

// TamperDetector inspects a read result for anomalies.
type TamperDetector struct {
	tolerance time.Duration
}

// NewTamperDetector creates a detector that ignores backward clock moves up
// to tolerance.
func NewTamperDetector(tolerance time.Duration) *TamperDetector {
	if tolerance < 0 {
		tolerance = 0
	}
	return &TamperDetector{tolerance: tolerance}
}

// Detect returns the sorted set of anomalies found in read at time now.
// Stored flags on the record are not included.
func (d *TamperDetector) Detect(now time.Time, read *ReadResult, fp *security.Fingerprint, keys *security.TrialKeys) TamperFlags {
	var flags TamperFlags

	valid, corrupt := read.ValidCount(), read.CorruptCount()
	switch {
	case valid == 0 && corrupt > 0:
		// nothing authenticates under this machine's key
		flags = flags.Merge(FlagMachineMismatch)
	case valid > 0 && corrupt > 0:
		flags = flags.Merge(FlagChecksumMismatch)
	}

	if read.Inconsistent {
		flags = flags.Merge(FlagDataInconsistency)
	}

	rec := read.Record
	if rec == nil {
		return flags
	}

	if !rec.VerifyChecksum(keys) {
		flags = flags.Merge(FlagChecksumMismatch)
	}
	if !security.SecureCompare([]byte(rec.InstallationID), []byte(fp.ID)) {
		flags = flags.Merge(FlagMachineMismatch)
	}
	if now.Before(rec.LastSeenAt.Add(-d.tolerance)) || now.Before(rec.ActivatedAt.Add(-d.tolerance)) {
		flags = flags.Merge(FlagClockRollback)
	}

	return flags
}
