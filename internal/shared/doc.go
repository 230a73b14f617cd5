// Package shared holds helpers used by more than one trialguard package.
//
// The testutil subpackage provides trial fixtures (a config with three
// throwaway storage directories and a cheap scrypt cost, fake machines built
// from static hardware sources) and a buffered slog handler for asserting on
// log output:
//
//	cfg := testutil.TrialConfig(t)
//	guard, err := license.NewGuard(cfg,
//	    license.WithHardwareSources(testutil.MachineSources("laptop")...))
package shared
