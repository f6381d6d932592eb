package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	// DefaultProfile is the name of the default profile
	DefaultProfile = "default"

	// ProfilesDirName is the directory containing all profiles
	ProfilesDirName = "profiles"

	// StateDBFileName is the per-profile SQLite database
	StateDBFileName = "state.db"

	// EventsDirName is the directory hook scripts write event files into
	EventsDirName = "events"

	// ProfileEnv selects a profile when no -p flag is given
	ProfileEnv = "AGENTRELAY_PROFILE"

	// HomeEnv overrides the base directory (default ~/.agent-relay)
	HomeEnv = "AGENTRELAY_HOME"

	// SessionIDEnv is exported into every agent launched by Add so its stop
	// hook can report which session finished
	SessionIDEnv = "AGENTRELAY_SESSION_ID"
)

// GetRelayDir returns the base directory (~/.agent-relay, or $AGENTRELAY_HOME).
func GetRelayDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agent-relay"), nil
}

// GetProfilesDir returns the path to the profiles directory
func GetProfilesDir() (string, error) {
	dir, err := GetRelayDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ProfilesDirName), nil
}

// GetProfileDir returns the path to a specific profile's directory
func GetProfileDir(profile string) (string, error) {
	if profile == "" {
		profile = DefaultProfile
	}

	// Sanitize profile name (prevent path traversal)
	profile = filepath.Base(profile)
	if profile == "." || profile == ".." || profile == string(filepath.Separator) {
		return "", fmt.Errorf("invalid profile name: %s", profile)
	}

	profilesDir, err := GetProfilesDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(profilesDir, profile), nil
}

// GetStateDBPath returns the database path for profile, creating the
// profile directory if needed.
func GetStateDBPath(profile string) (string, error) {
	dir, err := GetProfileDir(profile)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	return filepath.Join(dir, StateDBFileName), nil
}

// GetEventsDir returns the directory watched for hook events.
func GetEventsDir() (string, error) {
	dir, err := GetRelayDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, EventsDirName), nil
}

// ListProfiles returns all profiles that have a database
func ListProfiles() ([]string, error) {
	profilesDir, err := GetProfilesDir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(profilesDir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	profiles := []string{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(profilesDir, entry.Name(), StateDBFileName)); err == nil {
			profiles = append(profiles, entry.Name())
		}
	}
	sort.Strings(profiles)
	return profiles, nil
}

// GetEffectiveProfile returns the profile to use, considering:
// 1. Explicitly provided profile (from -p flag)
// 2. Environment variable AGENTRELAY_PROFILE
// 3. default_profile in config.toml
// 4. Fallback to "default"
func GetEffectiveProfile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envProfile := os.Getenv(ProfileEnv); envProfile != "" {
		return envProfile
	}
	if cfg, err := LoadUserConfig(); err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfile
}
