package config

import (
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages engine feature toggles with gradual rollout.
// Users are bucketed by a hash of their id so a user keeps the same answer
// across sessions and restarts.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// userOverrides pins a feature for one user, for support and testing.
	userOverrides map[string]map[string]bool // userID -> feature -> enabled
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100)
	RolloutPercent int

	// StaffAlways turns the feature on for privileged callers regardless of
	// the rollout.
	StaffAlways bool
}

// Predefined feature flag names.
const (
	// Exact Poisson counting instead of the Gaussian approximation.
	FeatureExactPoisson = "sampler.exact_poisson"

	// Cross-instance live updates of open sessions.
	FeatureLiveUpdates = "sessions.live_updates"

	// Privileged callers skip the explicit start step.
	FeatureStaffAutoStart = "sessions.staff_autostart"
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment(os.Getenv)
	return ff
}

// NewFeatureFlags returns the flags with their defaults.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:      make(map[string]*Feature),
		userOverrides: make(map[string]map[string]bool),
	}
	ff.initializeDefaults()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureExactPoisson] = &Feature{
		Name:           FeatureExactPoisson,
		Description:    "Sample counts from an exact Poisson distribution",
		Enabled:        false,
		RolloutPercent: 0,
	}

	ff.features[FeatureLiveUpdates] = &Feature{
		Name:           FeatureLiveUpdates,
		Description:    "Apply remote writes to open sessions",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureStaffAutoStart] = &Feature{
		Name:           FeatureStaffAutoStart,
		Description:    "Start sessions automatically for staff",
		Enabled:        true,
		RolloutPercent: 0,
		StaffAlways:    true,
	}
}

// loadFromEnvironment loads feature flag overrides from env vars.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_SAMPLER_EXACT_POISSON=25 (25% rollout)
func (ff *FeatureFlags) loadFromEnvironment(getenv func(string) string) {
	for name, feature := range ff.features {
		val := strings.TrimSpace(getenv(featureNameToEnvKey(name)))
		if val == "" {
			continue
		}

		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
				feature.StaffAlways = false
			}
			continue
		}

		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0 || feature.StaffAlways
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "sessions.live_updates" -> "FEATURE_SESSIONS_LIVE_UPDATES"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// EnabledFor reports whether feature is on for the user. Privileged callers
// get StaffAlways features unconditionally.
func (ff *FeatureFlags) EnabledFor(featureName, userID string, staff bool) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if userID != "" {
		if overrides, ok := ff.userOverrides[userID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}
	if staff && feature.StaffAlways {
		return true
	}
	if feature.RolloutPercent >= 100 {
		return true
	}
	if feature.RolloutPercent <= 0 || userID == "" {
		return false
	}
	return inRollout(userID, featureName, feature.RolloutPercent)
}

// inRollout determines if a user is in the rollout percentage.
func inRollout(userID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(userID))
	return int(h.Sum32()%100) < percent
}

// SetUserOverride sets a feature override for a specific user.
func (ff *FeatureFlags) SetUserOverride(userID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.userOverrides[userID]; !ok {
		ff.userOverrides[userID] = make(map[string]bool)
	}
	ff.userOverrides[userID][featureName] = enabled
}

// ClearUserOverrides removes all overrides for a user.
func (ff *FeatureFlags) ClearUserOverrides(userID string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.userOverrides, userID)
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	feature.RolloutPercent = percent
	feature.Enabled = percent > 0 || feature.StaffAlways
	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature for everyone, staff included.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	feature.Enabled = false
	feature.RolloutPercent = 0
	return nil
}

// GetAllFeatures returns copies of all features sorted by name.
func (ff *FeatureFlags) GetAllFeatures() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
