package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "trialguard/internal/errors"
	"trialguard/internal/security"
)

// Evaluation is the outcome of one check, activation or read-only evaluation.
type Evaluation struct {
	State  State
	Record *TrialRecord
	// Flags holds stored and freshly detected anomalies.
	Flags TamperFlags
	Now   time.Time
}

// Transition describes a change of evaluated state.
type Transition struct {
	From  State
	To    State
	Flags TamperFlags
	At    time.Time
}

// TransitionObserver is notified after a state change. Observers run outside
// the storage lock and may call back into the guard.
type TransitionObserver func(ctx context.Context, t Transition)

// StateMachine drives the trial lifecycle over an EncryptedStore.
type StateMachine struct {
	appName  string
	duration time.Duration
	clock    Clock
	store    *EncryptedStore
	detector *TamperDetector
	fp       *security.Fingerprint
	keys     *security.TrialKeys
	lock     *sync.Mutex
	logger   *slog.Logger

	obsMu     sync.Mutex
	observers []TransitionObserver
	last      State
}

// NewStateMachine wires a state machine. All guards in the process that share
// storage paths share one lock.
func NewStateMachine(appName string, duration time.Duration, clock Clock, store *EncryptedStore, detector *TamperDetector, fp *security.Fingerprint, keys *security.TrialKeys, logger *slog.Logger) *StateMachine {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		appName:  appName,
		duration: duration,
		clock:    clock,
		store:    store,
		detector: detector,
		fp:       fp,
		keys:     keys,
		lock:     lockFor(store.Paths()),
		logger:   logger.With(slog.String("component", "trial_state")),
		last:     StateUninitialized,
	}
}

// OnTransition registers an observer for state changes.
func (m *StateMachine) OnTransition(fn TransitionObserver) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Evaluate reads and classifies the stored trial. It only writes when it
// detects tamper flags that are not stored yet, so a Tampered result is never
// reversed by a later check.
func (m *StateMachine) Evaluate(ctx context.Context) (*Evaluation, error) {
	eval, err := func() (*Evaluation, error) {
		m.lock.Lock()
		defer m.lock.Unlock()

		read, err := m.store.Read(ctx)
		if err != nil {
			return nil, err
		}
		eval := m.derive(m.clock.Now(), read)
		if eval.State == StateTampered && hasUnstoredFlags(eval, read) {
			if err := m.persist(ctx, eval, read); err != nil {
				return nil, err
			}
		}
		return eval, nil
	}()
	if err != nil {
		return nil, err
	}

	m.notify(ctx, eval)
	return eval, nil
}

// Check evaluates the trial and persists the result: tamper flags on
// Tampered, the sticky expiry on Expired, a refreshed last-seen time on
// Active. Only a write that fails on every location returns an error.
func (m *StateMachine) Check(ctx context.Context) (*Evaluation, error) {
	eval, err := func() (*Evaluation, error) {
		m.lock.Lock()
		defer m.lock.Unlock()

		read, err := m.store.Read(ctx)
		if err != nil {
			return nil, err
		}
		eval := m.derive(m.clock.Now(), read)
		if err := m.persist(ctx, eval, read); err != nil {
			return nil, err
		}
		return eval, nil
	}()
	if err != nil {
		return nil, err
	}

	m.notify(ctx, eval)
	return eval, nil
}

// Activate starts a trial. Without consent it returns ErrActivationDeclined;
// if any copy already exists it returns ErrAlreadyActivated. In both cases the
// current evaluation is returned with the error.
func (m *StateMachine) Activate(ctx context.Context, consent bool) (*Evaluation, error) {
	var domainErr error

	eval, err := func() (*Evaluation, error) {
		m.lock.Lock()
		defer m.lock.Unlock()

		read, err := m.store.Read(ctx)
		if err != nil {
			return nil, err
		}
		now := m.clock.Now()

		if !consent {
			domainErr = apperrors.ErrActivationDeclined
			return m.derive(now, read), nil
		}
		if read.Present() {
			domainErr = apperrors.ErrAlreadyActivated
			return m.derive(now, read), nil
		}

		rec := newRecord(m.appName, m.fp.ID, now, m.duration)
		if err := m.store.Write(ctx, rec); err != nil {
			return nil, err
		}

		m.logger.InfoContext(ctx, "Trial activated",
			slog.Time("activated_at", rec.ActivatedAt),
			slog.Time("expires_at", rec.ExpiresAt),
		)
		return &Evaluation{State: StateActive, Record: rec.Clone(), Flags: TamperFlags{}, Now: now}, nil
	}()
	if err != nil {
		return nil, err
	}

	m.notify(ctx, eval)
	return eval, domainErr
}

// derive classifies a read result at time now.
func (m *StateMachine) derive(now time.Time, read *ReadResult) *Evaluation {
	fresh := m.detector.Detect(now, read, m.fp, m.keys)
	eval := &Evaluation{Now: now, Flags: fresh}

	rec := read.Record
	if rec != nil {
		eval.Record = rec.Clone()
		eval.Flags = rec.TamperFlags.Merge(fresh...)
	}

	switch {
	case len(eval.Flags) > 0:
		eval.State = StateTampered
	case rec == nil:
		eval.State = StateUninitialized
	case rec.IsExpired(now):
		eval.State = StateExpired
	default:
		eval.State = StateActive
	}
	return eval
}

// persist writes the consequences of eval back to storage.
func (m *StateMachine) persist(ctx context.Context, eval *Evaluation, read *ReadResult) error {
	now := eval.Now

	switch eval.State {
	case StateUninitialized:
		return nil

	case StateTampered:
		var rec *TrialRecord
		if read.Record == nil {
			// no copy decrypts: bind a tombstone to this machine
			rec = newRecord(m.appName, m.fp.ID, now, 0)
			rec.ExpiredAt = now
		} else {
			rec = read.Record.Clone()
			rec.LastSeenAt = latest(rec.LastSeenAt, now)
		}
		rec.TamperFlags = rec.TamperFlags.Merge(eval.Flags...)

		m.logger.WarnContext(ctx, "Trial tampering detected",
			slog.Any("flags", eval.Flags.Strings()),
			slog.Int("valid_copies", read.ValidCount()),
			slog.Int("corrupt_copies", read.CorruptCount()),
		)
		if err := m.store.Write(ctx, rec); err != nil {
			// state is already Tampered in memory; persisting is best effort
			m.logger.ErrorContext(ctx, "Failed to persist tamper flags", slog.String("error", err.Error()))
		}
		eval.Record = rec.Clone()
		return nil

	case StateExpired:
		rec := read.Record.Clone()
		if rec.ExpiredAt.IsZero() {
			rec.ExpiredAt = now
			m.logger.InfoContext(ctx, "Trial expired", slog.Time("expires_at", rec.ExpiresAt))
		}
		rec.LastSeenAt = latest(rec.LastSeenAt, now)
		if err := m.store.Write(ctx, rec); err != nil {
			return err
		}
		eval.Record = rec.Clone()
		return nil

	default:
		rec := read.Record.Clone()
		rec.LastSeenAt = latest(rec.LastSeenAt, now)
		if err := m.store.Write(ctx, rec); err != nil {
			return err
		}
		eval.Record = rec.Clone()
		return nil
	}
}

func (m *StateMachine) notify(ctx context.Context, eval *Evaluation) {
	m.obsMu.Lock()
	from := m.last
	if from == eval.State {
		m.obsMu.Unlock()
		return
	}
	m.last = eval.State
	observers := append([]TransitionObserver(nil), m.observers...)
	m.obsMu.Unlock()

	t := Transition{From: from, To: eval.State, Flags: eval.Flags, At: eval.Now}
	m.logger.InfoContext(ctx, "Trial state changed",
		slog.String("from", from.String()),
		slog.String("to", eval.State.String()),
	)
	for _, fn := range observers {
		fn(ctx, t)
	}
}

func hasUnstoredFlags(eval *Evaluation, read *ReadResult) bool {
	if read.Record == nil {
		return len(eval.Flags) > 0
	}
	return len(eval.Flags) > len(read.Record.TamperFlags)
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
