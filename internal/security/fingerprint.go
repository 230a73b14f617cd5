package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "trialguard/internal/errors"
)

// HardwareSource is one machine characteristic that feeds the fingerprint.
// Query returns an empty value or an error when the characteristic is not
// available on this machine.
type HardwareSource interface {
	Name() string
	Query() (string, error)
}

// Fingerprint is the stable identity of the current machine.
type Fingerprint struct {
	ID             string    `json:"id"`
	Components     []string  `json:"components"`
	Missing        []string  `json:"missing,omitempty"`
	ReducedEntropy bool      `json:"reduced_entropy"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// ShortID returns a prefix of the fingerprint suitable for logs.
func (f *Fingerprint) ShortID() string {
	if len(f.ID) < 12 {
		return f.ID
	}
	return f.ID[:12]
}

// StorageName returns the obfuscated file name used for one storage slot.
// It depends on the application, the slot and the machine so names differ
// across locations and across machines.
func (f *Fingerprint) StorageName(appName, slot string) string {
	sum := sha256.Sum256([]byte(appName + "|" + slot + "|" + f.ID))
	return "." + hex.EncodeToString(sum[:])[:24] + ".dat"
}

// FingerprintService computes the machine fingerprint once and caches it for
// the lifetime of the service.
type FingerprintService struct {
	sources    []HardwareSource
	minSources int
	weak       func() []string
	logger     *slog.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	cached *Fingerprint
}

// FingerprintOption configures a FingerprintService
type FingerprintOption func(*FingerprintService)

// WithSources replaces the platform hardware sources.
func WithSources(sources ...HardwareSource) FingerprintOption {
	return func(s *FingerprintService) {
		s.sources = sources
	}
}

// WithMinSources sets how many hardware sources must answer for the
// fingerprint to be usable.
func WithMinSources(n int) FingerprintOption {
	return func(s *FingerprintService) {
		s.minSources = n
	}
}

// WithWeakComponents replaces the user and host name components.
func WithWeakComponents(fn func() []string) FingerprintOption {
	return func(s *FingerprintService) {
		s.weak = fn
	}
}

// WithFingerprintLogger sets the logger
func WithFingerprintLogger(logger *slog.Logger) FingerprintOption {
	return func(s *FingerprintService) {
		s.logger = logger
	}
}

// NewFingerprintService creates a service over the platform hardware sources
func NewFingerprintService(opts ...FingerprintOption) *FingerprintService {
	s := &FingerprintService{
		sources:    PlatformSources(),
		minSources: 1,
		weak:       identityComponents,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "fingerprint"))
	return s
}

// Compute returns the machine fingerprint. Concurrent first calls share one
// computation; later calls return the cached value.
func (s *FingerprintService) Compute() (*Fingerprint, error) {
	s.mu.RLock()
	if s.cached != nil {
		fp := *s.cached
		s.mu.RUnlock()
		return &fp, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.group.Do("fingerprint", func() (interface{}, error) {
		fp, err := s.compute()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cached = fp
		s.mu.Unlock()
		return fp, nil
	})
	if err != nil {
		return nil, err
	}

	fp := *v.(*Fingerprint)
	return &fp, nil
}

func (s *FingerprintService) compute() (*Fingerprint, error) {
	start := time.Now()

	var (
		components []string
		names      []string
		missing    []string
	)

	for _, src := range s.sources {
		value, err := src.Query()
		value = strings.TrimSpace(value)
		if err != nil || value == "" {
			missing = append(missing, src.Name())
			s.logger.Warn("Hardware source unavailable",
				slog.String("source", src.Name()),
				slog.Any("error", err),
			)
			continue
		}
		components = append(components, src.Name()+"="+value)
		names = append(names, src.Name())
	}

	if len(names) < s.minSources {
		return nil, &apperrors.HardwareQueryError{
			Sources: missing,
			Err:     fmt.Errorf("%d of %d hardware sources answered, need %d", len(names), len(s.sources), s.minSources),
		}
	}

	sort.Strings(components)
	sort.Strings(names)
	components = append(components, s.weak()...)

	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	fp := &Fingerprint{
		ID:             hex.EncodeToString(sum[:]),
		Components:     names,
		Missing:        missing,
		ReducedEntropy: len(missing) > 0,
		GeneratedAt:    time.Now().UTC(),
	}

	s.logger.Debug("Machine fingerprint computed",
		slog.String("fingerprint", fp.ShortID()),
		slog.Int("components", len(names)),
		slog.Bool("reduced_entropy", fp.ReducedEntropy),
		slog.Duration("duration", time.Since(start)),
	)

	return fp, nil
}

// identityComponents returns the user and host names. They are weak signals
// kept alongside hardware so two accounts on one machine get distinct trials.
func identityComponents() []string {
	var out []string
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user != "" {
		out = append(out, "user="+user)
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		out = append(out, "host="+strings.ToLower(strings.TrimSpace(host)))
	}
	return out
}
