package config

import "time"

// Application constants
const (
	DefaultAppName         = "TrialGuard"
	DefaultPurchaseContact = "sales@example.com"

	// Trial policy
	DefaultTrialDuration      = 72 * time.Hour
	DefaultClockSkewTolerance = 1 * time.Hour
	DefaultBannerThreshold    = 48 * time.Hour
	DefaultMinHardwareSources = 1

	// Redundant storage
	RedundantCopies      = 3
	StorageFileExtension = ".dat"
	SlotHome             = "home"
	SlotTemp             = "temp"
	SlotCache            = "cache"

	// Read policies
	ReadPolicyFirstValid = "first-valid"
	ReadPolicyMajority   = "majority"

	// Key derivation
	DefaultKDFCostN = 32768

	// Log Settings
	DefaultLogLevel = "info"
)
