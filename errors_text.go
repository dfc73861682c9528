package sidekit

import (
	"fmt"
)

// configurationProfileBundleID marks a configuration profile install rather than an app's provisioning profile.
const configurationProfileBundleID = "com.apple.configurator.profile-install"

func (e *ConnectionError) Description() string {
	switch e.Code {
	case ConnectionUnknown:
		return "Unknown connection error."
	case ConnectionDeviceLocked:
		return "Device locked."
	case ConnectionInvalidRequest:
		return "Invalid request."
	case ConnectionInvalidResponse:
		return "Invalid response."
	case ConnectionUsbmuxFailure:
		return "usbmuxd error."
	case ConnectionSSLFailure:
		return "SSL error."
	case ConnectionTimedOut:
		return "Timed out."
	case ConnectionLost:
		return "Lost connection to the device."
	}
	return fmt.Sprintf("Connection error %d.", int(e.Code))
}

func (e *ConnectionError) FailureReason() string {
	switch e.Code {
	case ConnectionDeviceLocked:
		return "The device is locked. Unlock the device and try again."
	case ConnectionInvalidRequest:
		return "The request sent to the device is invalid."
	case ConnectionInvalidResponse:
		return "The response from the device is invalid."
	case ConnectionUsbmuxFailure:
		return "Cannot communicate with the device over USB. Make sure no other software is using the device over USB."
	case ConnectionSSLFailure:
		return "There is a problem with the SSL connection to the device. Make sure the computer's time and date are correct, and try again."
	case ConnectionTimedOut:
		return "The connection to the device timed out. Make sure the device is unlocked and try again."
	case ConnectionLost:
		return "The connection to the device was closed before the operation finished."
	}
	return "An unknown error occurred while talking to the device."
}

func (e *ConnectionError) RecoverySuggestion() string {
	switch e.Code {
	case ConnectionDeviceLocked:
		return "Unlock your device and try again."
	case ConnectionInvalidRequest, ConnectionInvalidResponse:
		return "Make sure the device service is running and try again."
	case ConnectionUsbmuxFailure:
		return "Make sure iTunes is not running, and no other software is using the device over USB."
	case ConnectionSSLFailure:
		return "Make sure your computer's time and date are correct, and try again."
	case ConnectionTimedOut:
		return "Make sure your device is unlocked and try again."
	case ConnectionLost:
		return "Reconnect the device and try again."
	}
	return ""
}

func (e *ServerError) Description() string {
	switch e.Code {
	case ServerUnderlyingError:
		if e.Underlying != nil {
			return fmt.Sprintf("Underlying error (%s, %d).", e.Underlying.ErrorDomain(), e.Underlying.ErrorCode())
		}
		return "Underlying error."
	case ServerUnknown:
		return "An unknown error occurred."
	case ServerConnectionFailed:
		return "Could not connect to the device."
	case ServerLostConnection:
		return "Lost connection to the device."
	case ServerDeviceNotFound:
		return "Could not find this device."
	case ServerDeviceWriteFailed:
		return "Failed to write app data to device."
	case ServerInvalidRequest:
		return "Received an invalid request."
	case ServerInvalidResponse:
		return "Received an invalid response."
	case ServerInvalidApp:
		return "The app is invalid."
	case ServerInstallationFailed:
		return "An error occurred while installing the app."
	case ServerMaximumFreeAppLimitReached:
		return "Cannot activate more than 3 apps and app extensions."
	case ServerUnsupportediOSVersion:
		return "Your device must be running iOS 12.2 or later."
	case ServerUnknownRequest:
		return "The device does not support this request."
	case ServerUnknownResponse:
		return "Received an unknown response from the device."
	case ServerInvalidAnisetteData:
		return "The provided anisette data is invalid."
	case ServerPluginNotFound:
		return "Could not find a required plug-in."
	case ServerProfileNotFound:
		return "Could not find profile."
	case ServerAppDeletionFailed:
		return "An error occurred while removing the app."
	case ServerRequestedAppNotRunning:
		return fmt.Sprintf("The requested app %s is not currently running on device %s.", e.appName(), e.deviceName())
	}
	return fmt.Sprintf("An unknown error occurred with code %d.", int(e.Code))
}

func (e *ServerError) FailureReason() string {
	switch e.Code {
	case ServerUnderlyingError:
		if e.Underlying == nil {
			return ""
		}
		if r, ok := e.Underlying.(interface{ FailureReason() string }); ok {
			return r.FailureReason()
		}
		return fmt.Sprintf("Error code: %d", e.Underlying.ErrorCode())
	case ServerProfileNotFound:
		return e.profileFailureReason("Could not find profile")
	case ServerRequestedAppNotRunning:
		return fmt.Sprintf("%s is not currently running on %s.", e.appName(), e.deviceName())
	case ServerUnknown:
		return "An unknown error occurred."
	}
	return e.Description()
}

func (e *ServerError) RecoverySuggestion() string {
	switch e.Code {
	case ServerConnectionFailed, ServerDeviceNotFound:
		return "Make sure you have trusted this device with your computer and the device is connected."
	case ServerPluginNotFound:
		return "Make sure the plug-in is installed and enabled, then try again."
	case ServerMaximumFreeAppLimitReached:
		return "Make sure “Offload Unused Apps” is disabled in Settings, then install or delete all offloaded apps."
	case ServerRequestedAppNotRunning:
		name := e.Context.DeviceName
		if name == "" {
			name = "your device"
		}
		return fmt.Sprintf("Make sure the app is running in the foreground on %s then try again.", name)
	case ServerUnderlyingError:
		if r, ok := e.Underlying.(interface{ RecoverySuggestion() string }); ok {
			return r.RecoverySuggestion()
		}
	}
	return ""
}

func (e *ServerError) profileFailureReason(base string) string {
	bundleID := e.Context.BundleIdentifier
	if bundleID == "" {
		bundleID = "this app"
	}
	profileType := "Provisioning Profile"
	if bundleID == configurationProfileBundleID {
		profileType = "Configuration Profile"
	}
	return fmt.Sprintf("%s. %s %s is not valid.", base, profileType, bundleID)
}

func (e *ServerError) appName() string {
	if e.Context.AppName != "" {
		return e.Context.AppName
	}
	return "Unknown"
}

func (e *ServerError) deviceName() string {
	if e.Context.DeviceName != "" {
		return e.Context.DeviceName
	}
	return "UnknownDevice"
}
