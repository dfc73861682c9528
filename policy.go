package sidekit

import (
	"fmt"
	"slices"

	"github.com/Masterminds/semver"
)

const (
	// FreeAppLimitDefault is how many sideloaded apps a free developer account may have active.
	FreeAppLimitDefault = 3
	// MinimumOSVersionDefault is the oldest iOS the installer supports.
	MinimumOSVersionDefault = "12.2"
)

// Policy decides whether an installation may be committed. The zero value uses the defaults.
type Policy struct {
	// FreeAppLimit caps active free-tier apps. Zero means FreeAppLimitDefault, negative means no cap.
	FreeAppLimit int
	// MinimumOSVersion is the lowest accepted device OS version. Empty means MinimumOSVersionDefault.
	MinimumOSVersion string
}

func (p Policy) freeAppLimit() int {
	if p.FreeAppLimit == 0 {
		return FreeAppLimitDefault
	}
	return p.FreeAppLimit
}

func (p Policy) minimumOSVersion() string {
	if p.MinimumOSVersion == "" {
		return MinimumOSVersionDefault
	}
	return p.MinimumOSVersion
}

// Check evaluates the policy for installing bundleID on a device running osVersion
// with activeApps already installed through a free account. An app that is already
// active is being updated and doesn't count twice.
func (p Policy) Check(bundleID, osVersion string, activeApps []string) error {
	if limit := p.freeAppLimit(); limit > 0 && !slices.Contains(activeApps, bundleID) && len(activeApps) >= limit {
		return &ServerError{
			Code:    ServerMaximumFreeAppLimitReached,
			Context: ErrorContext{BundleIdentifier: bundleID},
			Err:     fmt.Errorf("%d of %d free apps active", len(activeApps), limit),
		}
	}

	if osVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(">= " + p.minimumOSVersion())
	if err != nil {
		return fmt.Errorf("minimum OS version %q: %w", p.minimumOSVersion(), err)
	}
	v, err := semver.NewVersion(osVersion)
	if err != nil {
		return &ServerError{Code: ServerUnsupportediOSVersion, Context: ErrorContext{BundleIdentifier: bundleID},
			Err: fmt.Errorf("device OS version %q: %w", osVersion, err)}
	}
	if !constraint.Check(v) {
		return &ServerError{Code: ServerUnsupportediOSVersion, Context: ErrorContext{BundleIdentifier: bundleID},
			Err: fmt.Errorf("device runs %s, need %s or later", osVersion, p.minimumOSVersion())}
	}
	return nil
}
