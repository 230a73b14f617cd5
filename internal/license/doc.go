// Package license implements the offline trial guard.
//
// A trial is activated once per machine and application, runs for a fixed
// duration and is then permanently expired. No network service is involved:
// the trial record lives in redundant encrypted files on the local machine.
//
// # Components
//
//   - Guard: the facade applications call (RequireValidTrial, IsValid, Status)
//   - StateMachine: Uninitialized, Active, Expired and Tampered transitions
//   - EncryptedStore: redundant AES-GCM copies of the TrialRecord
//   - TamperDetector: clock rollback, copy disagreement, checksum and machine checks
//   - Presenter: terminal views for each state
//
// # States
//
//	Uninitialized --activate--> Active --time passes--> Expired
//	      any state --anomaly detected--> Tampered
//
// Expired and Tampered are never left. Expiry is written back on first
// observation so moving the clock back later does not revive the trial.
// Tamper flags are persisted into every copy that can still be written.
//
// # Storage
//
// Each copy is named from a hash of the application name, the location slot
// and the machine fingerprint. Keys are derived from the fingerprint with
// scrypt, so a copy moved to another machine no longer decrypts there.
//
// # Usage
//
//	guard, err := license.NewGuard(cfg.Trial)
//	if err != nil {
//		return err
//	}
//	defer guard.Close()
//
//	if ok, _ := guard.RequireValidTrial(ctx, true); ok {
//		_ = guard.ShowTrialInfoBanner(ctx)
//	}
package license
