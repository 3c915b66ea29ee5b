// Package profiles picks the account profile used for a stream and rewrites
// the stream URL with that profile's search/replace rule.
package profiles

import (
	"errors"

	"channel-relay/internal/models"
)

// ErrNoEligibleProfile is returned when none of an account's profiles is
// active.
var ErrNoEligibleProfile = errors.New("no active profile available for the stream")

// Candidates returns the evaluation order: the default profile first, then
// the remaining profiles in stored order. Only the first default-flagged
// profile is promoted; uniqueness is enforced by the catalog.
func Candidates(profiles []models.AccountProfile) []models.AccountProfile {
	ordered := make([]models.AccountProfile, 0, len(profiles))
	defaultIdx := -1
	for i, profile := range profiles {
		if profile.IsDefault {
			defaultIdx = i
			ordered = append(ordered, profile)
			break
		}
	}
	for i, profile := range profiles {
		if i == defaultIdx {
			continue
		}
		ordered = append(ordered, profile)
	}
	return ordered
}

// Select returns the first active profile in Candidates order. Stream
// capacity (MaxStreams) is deliberately not consulted.
func Select(profiles []models.AccountProfile) (models.AccountProfile, error) {
	for _, profile := range Candidates(profiles) {
		if profile.IsActive {
			return profile, nil
		}
	}
	return models.AccountProfile{}, ErrNoEligibleProfile
}
