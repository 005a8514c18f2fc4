package common

import (
	"fmt"
)

// Set via -ldflags, see cmd/aura.
var (
	COMMIT    = ""
	BUILDDATE = ""
)

// Must be manually updated before a release.
var version = Version{
	Major:      0,
	Minor:      3,
	Patch:      0,
	Prerelease: "-pre",
}

// GetAppVersion returns the version of this build.
func GetAppVersion() Version {
	return version
}

// Version is carried in every transport frame so that peers running an
// incompatible wire format are refused early.
type Version struct {
	Major      uint32 `cbor:"1,keyasint"`
	Minor      uint32 `cbor:"2,keyasint"`
	Patch      uint32 `cbor:"3,keyasint"`
	Prerelease string `cbor:"4,keyasint,omitempty"`
}

// IsCompatible is true when both versions share major and minor numbers.
// A zero version is accepted for development builds.
func (v Version) IsCompatible(other Version) bool {
	if v.isZero() || other.isZero() {
		return true
	}
	return v.Major == other.Major && v.Minor == other.Minor
}

func (v Version) isZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Prerelease)
}
