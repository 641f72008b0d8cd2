package bundle

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CompatibleToolVersion reports whether a bundle's tool_version satisfies
// the importer's accepted range. A structurally-valid-but-newer bundle
// (tool_version above the importer's range) is not rejected outright —
// the caller surfaces ok=false as a compatibility diagnostic rather than
// folding it into IMPORT_AUTH_FAILED, since the bundle's authenticity was
// already established by Import.
func CompatibleToolVersion(toolVersion string, acceptedRange string) (ok bool, err error) {
	if toolVersion == "" {
		return true, nil
	}
	v, err := semver.NewVersion(toolVersion)
	if err != nil {
		return false, fmt.Errorf("bundle: tool_version %q is not valid semver: %w", toolVersion, err)
	}
	constraint, err := semver.NewConstraint(acceptedRange)
	if err != nil {
		return false, fmt.Errorf("bundle: accepted range %q is not a valid constraint: %w", acceptedRange, err)
	}
	return constraint.Check(v), nil
}
