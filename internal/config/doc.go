// Package config provides configuration loading for trialguard.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//  1. Environment variables (highest priority)
//  2. A YAML file named by TRIALGUARD_CONFIG_FILE, or trialguard.yaml
//  3. Default values from struct tags (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern TRIALGUARD_<SECTION>_<FIELD>:
//
//	TRIALGUARD_TRIAL_APP_NAME=AcmeApp
//	TRIALGUARD_TRIAL_DURATION=72h
//	TRIALGUARD_TRIAL_STORAGE_DIRS=/var/lib/acme,/tmp
//	TRIALGUARD_LOGGING_LEVEL=debug
//	TRIALGUARD_SERVER_PORT=8080
//
// # Trial Configuration
//
// TrialConfig is passed to license.NewGuard explicitly. The application name
// feeds storage file names and key derivation, so changing it starts a
// separate trial namespace.
//
// # Storage Locations
//
// ResolveStorageLocations returns the redundant copy directories: the user
// profile, the OS temp directory and the user cache directory, unless
// overridden.
package config
