package sidekit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/blacktop/go-plist"
	"github.com/fullsailor/pkcs7"
	"github.com/prife/gosidekit/wire"
)

// ProvisioningProfile is a parsed .mobileprovision.
type ProvisioningProfile struct {
	Name           string
	UUID           string
	TeamIdentifier string
	// ApplicationIdentifier is the entitlement value, team prefix included, e.g. ABCDE12345.com.example.*
	ApplicationIdentifier string
	CreationDate          time.Time
	ExpirationDate        time.Time
	// Free is set for profiles issued to a free developer account.
	Free bool
	// Data is the profile as it is installed on the device.
	Data []byte
}

type profilePlist struct {
	Name           string         `plist:"Name"`
	UUID           string         `plist:"UUID"`
	TeamIdentifier []string       `plist:"TeamIdentifier"`
	CreationDate   time.Time      `plist:"CreationDate"`
	ExpirationDate time.Time      `plist:"ExpirationDate"`
	LocalProvision bool           `plist:"LocalProvision"`
	Entitlements   map[string]any `plist:"Entitlements"`
}

// ParseProvisioningProfile reads a profile from its CMS signed form. An unsigned
// profile plist is accepted too.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	content := data
	if p7, err := pkcs7.Parse(data); err == nil {
		content = p7.Content
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty provisioning profile", wire.ErrParse)
	}

	var raw profilePlist
	if _, err := plist.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("%w: provisioning profile: %w", wire.ErrParse, err)
	}
	p := &ProvisioningProfile{
		Name:           raw.Name,
		UUID:           raw.UUID,
		CreationDate:   raw.CreationDate,
		ExpirationDate: raw.ExpirationDate,
		Free:           raw.LocalProvision,
		Data:           data,
	}
	if len(raw.TeamIdentifier) > 0 {
		p.TeamIdentifier = raw.TeamIdentifier[0]
	}
	if appID, ok := raw.Entitlements["application-identifier"].(string); ok {
		p.ApplicationIdentifier = appID
	}
	if p.ApplicationIdentifier == "" {
		return nil, fmt.Errorf("%w: provisioning profile %q has no application-identifier", wire.ErrParse, p.Name)
	}
	return p, nil
}

// BundleIdentifier returns the application identifier without its team prefix.
func (p *ProvisioningProfile) BundleIdentifier() string {
	if p.TeamIdentifier != "" {
		if id, ok := strings.CutPrefix(p.ApplicationIdentifier, p.TeamIdentifier+"."); ok {
			return id
		}
	}
	if _, id, ok := strings.Cut(p.ApplicationIdentifier, "."); ok {
		return id
	}
	return p.ApplicationIdentifier
}

// Matches reports whether the profile covers bundleID. A trailing * matches any suffix.
func (p *ProvisioningProfile) Matches(bundleID string) bool {
	if p == nil {
		return false
	}
	pattern := p.BundleIdentifier()
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(bundleID, prefix)
	}
	return pattern == bundleID
}

func (p *ProvisioningProfile) Expired(now time.Time) bool {
	return !p.ExpirationDate.IsZero() && now.After(p.ExpirationDate)
}

// FetchProfiles asks the device side to produce profiles for bundleIDs. Valid anisette
// data is required; without it nothing is sent. Any bundle identifier left without a
// profile fails with ServerProfileNotFound.
func FetchProfiles(ctx context.Context, conn *Connection, bundleIDs []string, anisette AnisetteProvider) (map[string]*ProvisioningProfile, error) {
	ectx := conn.errorContext()
	if len(bundleIDs) == 1 {
		ectx.BundleIdentifier = bundleIDs[0]
	}
	if anisette == nil {
		return nil, ClassifyServer(fmt.Errorf("%w: no anisette provider", ErrInvalidAnisette), ectx)
	}

	profiles := make(map[string]*ProvisioningProfile, len(bundleIDs))
	err := runWorkflow(ctx, conn, ectx, func(ctx context.Context) error {
		a, err := fetchAnisette(ctx, anisette)
		if err != nil {
			return err
		}

		req := wire.FetchProvisioningProfilesRequest{UDID: conn.udid(), BundleIdentifiers: bundleIDs, Anisette: a.Data}
		var resp wire.FetchProvisioningProfilesResponse
		if err := conn.Call(ctx, wire.KindFetchProvisioningProfiles, &req, &resp); err != nil {
			return err
		}
		for _, id := range bundleIDs {
			data, ok := resp.Profiles[id]
			if !ok {
				return &ServerError{Code: ServerProfileNotFound, Context: ErrorContext{BundleIdentifier: id}}
			}
			p, err := ParseProvisioningProfile(data)
			if err != nil {
				return &ServerError{Code: ServerInvalidResponse, Context: ErrorContext{BundleIdentifier: id}, Err: err}
			}
			profiles[id] = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// RemoveProfiles removes the profiles for bundleIDs from the device. An identifier the
// device didn't report as removed fails with ServerProfileNotFound.
func RemoveProfiles(ctx context.Context, conn *Connection, bundleIDs []string) error {
	ectx := conn.errorContext()
	if len(bundleIDs) == 1 {
		ectx.BundleIdentifier = bundleIDs[0]
	}
	return runWorkflow(ctx, conn, ectx, func(ctx context.Context) error {
		req := wire.RemoveProvisioningProfilesRequest{UDID: conn.udid(), BundleIdentifiers: bundleIDs}
		var resp wire.RemoveProvisioningProfilesResponse
		if err := conn.Call(ctx, wire.KindRemoveProvisioningProfiles, &req, &resp); err != nil {
			return err
		}
		for _, id := range bundleIDs {
			if !slices.Contains(resp.Removed, id) {
				return &ServerError{Code: ServerProfileNotFound, Context: ErrorContext{BundleIdentifier: id}}
			}
		}
		return nil
	})
}
