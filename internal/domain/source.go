// Package domain defines the wearable pipeline's core types: device sources, raw
// records, the canonical projections they normalize into, and daily rollups.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxIdentityLength = 255

// Source identifies a device or app that syncs data for a user.
type Source struct {
	ID           uuid.UUID
	UserID       string
	Provider     string
	ExternalID   string
	DisplayName  string
	Metadata     map[string]interface{}
	LastSyncedAt *time.Time
	DedupeKey    string
}

// SourceDedupeKey builds the natural key a (user, provider, external id) tuple
// resolves on. The provider is lowercased so casing differences from the same
// device do not fork its identity.
func SourceDedupeKey(userID, provider, externalID string) string {
	return fmt.Sprintf("%s:%s:%s", userID, strings.ToLower(provider), externalID)
}

// ValidateSourceIdentity enforces the only constraints placed on device identity
// strings: required and bounded length.
func ValidateSourceIdentity(provider, externalID string) error {
	if strings.TrimSpace(provider) == "" {
		return errors.New("source_app is required")
	}
	if strings.TrimSpace(externalID) == "" {
		return errors.New("device_id is required")
	}
	if len(provider) > maxIdentityLength {
		return fmt.Errorf("source_app exceeds %d characters", maxIdentityLength)
	}
	if len(externalID) > maxIdentityLength {
		return fmt.Errorf("device_id exceeds %d characters", maxIdentityLength)
	}
	return nil
}
