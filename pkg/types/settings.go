package types

import (
	"errors"
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the configuration stored in the settings file or
// database. They are re-read on every poll so the rule table can be tuned
// without restarting the daemon.
type Settings struct {
	// DryRun evaluates and logs decisions without calling the device.
	DryRun bool `json:"dryRun"`
	// Pause skips rule evaluation entirely while still polling telemetry.
	Pause bool `json:"pause"`

	// SendNotifications gates every notification that isn't forced by a rule
	// or a fatal error.
	SendNotifications bool `json:"sendNotifications"`

	// Polling
	PollIntervalSeconds    int `json:"pollIntervalSeconds"`
	FastRetrySeconds       int `json:"fastRetrySeconds"`
	FailureRetrySeconds    int `json:"failureRetrySeconds"`
	MaxConsecutiveFailures int `json:"maxConsecutiveFailures"`

	// How many consecutive polls the same rule has to match before it is
	// applied. 1 applies on the first match.
	DecisionConfidence int `json:"decisionConfidence"`

	// IANA location the HHMM rule windows are evaluated in. Empty means the
	// process local time.
	Location string `json:"location"`

	// Ordered rule table, first match wins.
	DecisionPoints []DecisionPoint `json:"decisionPoints"`
}

// PollInterval is the nominal time between polls.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// FastRetry caps the sleep when a rule is about to match.
func (s Settings) FastRetry() time.Duration {
	return min(s.PollInterval(), time.Duration(s.FastRetrySeconds)*time.Second)
}

// FailureRetry caps the sleep after a failed poll.
func (s Settings) FailureRetry() time.Duration {
	return min(s.PollInterval(), time.Duration(s.FailureRetrySeconds)*time.Second)
}

// TimeLocation returns the location rule windows are evaluated in.
func (s Settings) TimeLocation() (*time.Location, error) {
	if s.Location == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid location (%s): %w", s.Location, err)
	}
	return loc, nil
}

// Validate checks the settings are usable by the control loop.
func (s Settings) Validate() error {
	if s.PollIntervalSeconds <= 0 {
		return errors.New("pollIntervalSeconds must be positive")
	}
	if s.FastRetrySeconds <= 0 {
		return errors.New("fastRetrySeconds must be positive")
	}
	if s.FailureRetrySeconds <= 0 {
		return errors.New("failureRetrySeconds must be positive")
	}
	if s.MaxConsecutiveFailures <= 0 {
		return errors.New("maxConsecutiveFailures must be positive")
	}
	if s.DecisionConfidence <= 0 {
		return errors.New("decisionConfidence must be positive")
	}
	if _, err := s.TimeLocation(); err != nil {
		return err
	}
	if len(s.DecisionPoints) == 0 {
		return errors.New("no decision points configured")
	}
	for i, dp := range s.DecisionPoints {
		if err := dp.Validate(); err != nil {
			return fmt.Errorf("decision point %d (%s): %w", i, dp.Reason, err)
		}
	}
	return nil
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial polling defaults
			if s.PollIntervalSeconds == 0 {
				s.PollIntervalSeconds = 180
				migrated = true
			}
			if s.MaxConsecutiveFailures == 0 {
				s.MaxConsecutiveFailures = 10
				migrated = true
			}
		case 2:
			// version 2: fast retry when a rule is about to match, short retry on failures
			if s.FastRetrySeconds == 0 {
				s.FastRetrySeconds = 60
				migrated = true
			}
			if s.FailureRetrySeconds == 0 {
				s.FailureRetrySeconds = 30
				migrated = true
			}
		case 3:
			// version 3: debounce by repetition
			if s.DecisionConfidence == 0 {
				s.DecisionConfidence = 1
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
