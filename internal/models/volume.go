package models

import (
	"fmt"
	"strings"
)

// VolumeType defines the role a volume plays.
type VolumeType string

const (
	VolumePrimaryMessage   VolumeType = "primary-message"
	VolumeSecondaryMessage VolumeType = "secondary-message"
	VolumeIndex            VolumeType = "index"
	VolumeExternal         VolumeType = "external"
)

var validVolumeTypes = map[VolumeType]struct{}{
	VolumePrimaryMessage:   {},
	VolumeSecondaryMessage: {},
	VolumeIndex:            {},
	VolumeExternal:         {},
}

// Volume is a configured storage root.
type Volume struct {
	ID      int16      `json:"id" yaml:"id"`
	Type    VolumeType `json:"type" yaml:"type"`
	Root    string     `json:"root" yaml:"root"`
	Current bool       `json:"current" yaml:"current"`
}

func (v Volume) String() string {
	return fmt.Sprintf("vol=%d, type=%s, root=%s", v.ID, v.Type, v.Root)
}

// SupportsHardLinks reports whether blobs on this volume can be hard linked
// from the local staging area. External volumes are remote-backed and only
// accept full copies.
func (v Volume) SupportsHardLinks() bool {
	return v.Type != VolumeExternal
}

func IsValidVolumeType(t VolumeType) bool {
	_, ok := validVolumeTypes[t]
	return ok
}

// ParseVolumeType normalizes and validates a volume type.
func ParseVolumeType(raw string) (VolumeType, error) {
	normalized := VolumeType(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case "primary":
		normalized = VolumePrimaryMessage
	case "secondary":
		normalized = VolumeSecondaryMessage
	}
	if !IsValidVolumeType(normalized) {
		return "", fmt.Errorf("invalid volume type: %s", raw)
	}
	return normalized, nil
}

// VolumeTypes returns every known volume type in display order.
func VolumeTypes() []VolumeType {
	return []VolumeType{VolumePrimaryMessage, VolumeSecondaryMessage, VolumeIndex, VolumeExternal}
}
