package wire

// Payloads carried in Request.Payload and Response.Payload, one pair per request kind.
// Kinds without a struct here carry no payload in that direction.

type BeginInstallationRequest struct {
	UDID             string `plist:"udid"`
	BundleIdentifier string `plist:"bundleIdentifier"`
	AppName          string `plist:"appName,omitempty"`
	Size             int64  `plist:"size"`
	Anisette         []byte `plist:"anisetteData,omitempty"`
}

type BeginInstallationResponse struct {
	DeviceName     string   `plist:"deviceName,omitempty"`
	OSVersion      string   `plist:"osVersion"`
	ActiveFreeApps []string `plist:"activeFreeApps,omitempty"`
}

type TransferAppRequest struct {
	Offset int64  `plist:"offset"`
	Data   []byte `plist:"data"`
	Final  bool   `plist:"final"`
}

type TransferAppResponse struct {
	Written int64 `plist:"written"`
}

type InstallProvisioningProfilesRequest struct {
	BundleIdentifier string   `plist:"bundleIdentifier"`
	Profiles         [][]byte `plist:"provisioningProfiles,omitempty"`
	ActiveProfiles   []string `plist:"activeProfiles,omitempty"`
}

type CommitInstallationRequest struct {
	BundleIdentifier string `plist:"bundleIdentifier"`
}

type CommitInstallationResponse struct {
	Complete bool   `plist:"complete"`
	Status   string `plist:"status,omitempty"`
}

type RemoveAppRequest struct {
	UDID             string `plist:"udid"`
	BundleIdentifier string `plist:"bundleIdentifier"`
}

type EnumeratePluginsResponse struct {
	Plugins []string `plist:"plugins"`
}

type FetchProvisioningProfilesRequest struct {
	UDID              string   `plist:"udid"`
	BundleIdentifiers []string `plist:"bundleIdentifiers"`
	Anisette          []byte   `plist:"anisetteData,omitempty"`
}

type FetchProvisioningProfilesResponse struct {
	// Profiles maps bundle identifier to the raw, usually CMS-signed, profile.
	Profiles map[string][]byte `plist:"provisioningProfiles"`
}

type RemoveProvisioningProfilesRequest struct {
	UDID              string   `plist:"udid"`
	BundleIdentifiers []string `plist:"bundleIdentifiers"`
}

type RemoveProvisioningProfilesResponse struct {
	Removed []string `plist:"removed"`
}

// EnableUnsignedCodeExecutionRequest addresses a running app by pid or by process name.
type EnableUnsignedCodeExecutionRequest struct {
	UDID        string `plist:"udid"`
	ProcessID   int32  `plist:"processID,omitempty"`
	ProcessName string `plist:"processName,omitempty"`
}
