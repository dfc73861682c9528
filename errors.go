package sidekit

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/prife/gosidekit/wire"
)

const (
	ServerErrorDomain       = wire.ServerErrorDomain
	ConnectionErrorDomain   = wire.ConnectionErrorDomain
	InstallationErrorDomain = wire.InstallationErrorDomain
	// POSIXErrorDomain is the underlying domain reported for operating system errno values.
	POSIXErrorDomain = "NSPOSIXErrorDomain"
)

// userInfo keys of the error wire shape.
const (
	UnderlyingErrorDomainKey = "underlyingErrorDomain"
	UnderlyingErrorCodeKey   = "underlyingErrorCode"
	BundleIdentifierKey      = "bundleIdentifier"
	AppNameKey               = "appName"
	DeviceNameKey            = "deviceName"
)

// DomainError is an error that can be named on the wire by a domain and a numeric code.
type DomainError interface {
	error
	ErrorDomain() string
	ErrorCode() int
}

// ErrorContext names what an operation was acting on when it failed.
type ErrorContext struct {
	BundleIdentifier string
	AppName          string
	DeviceName       string
}

// Merge fills the fields of c that are still empty from outer. Fields c already carries win.
func (c ErrorContext) Merge(outer ErrorContext) ErrorContext {
	if c.BundleIdentifier == "" {
		c.BundleIdentifier = outer.BundleIdentifier
	}
	if c.AppName == "" {
		c.AppName = outer.AppName
	}
	if c.DeviceName == "" {
		c.DeviceName = outer.DeviceName
	}
	return c
}

func (c ErrorContext) IsZero() bool {
	return c == ErrorContext{}
}

func (c ErrorContext) String() string {
	var parts []string
	if c.BundleIdentifier != "" {
		parts = append(parts, BundleIdentifierKey+"="+c.BundleIdentifier)
	}
	if c.AppName != "" {
		parts = append(parts, AppNameKey+"="+c.AppName)
	}
	if c.DeviceName != "" {
		parts = append(parts, DeviceNameKey+"="+c.DeviceName)
	}
	return strings.Join(parts, " ")
}

func (c ErrorContext) fill(userInfo map[string]string) {
	if c.BundleIdentifier != "" {
		userInfo[BundleIdentifierKey] = c.BundleIdentifier
	}
	if c.AppName != "" {
		userInfo[AppNameKey] = c.AppName
	}
	if c.DeviceName != "" {
		userInfo[DeviceNameKey] = c.DeviceName
	}
}

func contextFromUserInfo(userInfo map[string]string) ErrorContext {
	return ErrorContext{
		BundleIdentifier: userInfo[BundleIdentifierKey],
		AppName:          userInfo[AppNameKey],
		DeviceName:       userInfo[DeviceNameKey],
	}
}

type ConnectionErrorCode int

const (
	ConnectionUnknown ConnectionErrorCode = iota
	ConnectionDeviceLocked
	ConnectionInvalidRequest
	ConnectionInvalidResponse
	ConnectionUsbmuxFailure
	ConnectionSSLFailure
	ConnectionTimedOut
	// ConnectionLost is appended after the interop codes; older peers decode it as unknown.
	ConnectionLost
)

var connectionCodeNames = map[ConnectionErrorCode]string{
	ConnectionUnknown:         "unknown",
	ConnectionDeviceLocked:    "deviceLocked",
	ConnectionInvalidRequest:  "invalidRequest",
	ConnectionInvalidResponse: "invalidResponse",
	ConnectionUsbmuxFailure:   "usbmuxFailure",
	ConnectionSSLFailure:      "sslFailure",
	ConnectionTimedOut:        "timedOut",
	ConnectionLost:            "lostConnection",
}

func (c ConnectionErrorCode) String() string {
	if name, ok := connectionCodeNames[c]; ok {
		return name
	}
	return "ConnectionErrorCode(" + strconv.Itoa(int(c)) + ")"
}

type ServerErrorCode int

const (
	ServerUnderlyingError            ServerErrorCode = -1
	ServerUnknown                    ServerErrorCode = 0
	ServerConnectionFailed           ServerErrorCode = 1
	ServerLostConnection             ServerErrorCode = 2
	ServerDeviceNotFound             ServerErrorCode = 3
	ServerDeviceWriteFailed          ServerErrorCode = 4
	ServerInvalidRequest             ServerErrorCode = 5
	ServerInvalidResponse            ServerErrorCode = 6
	ServerInvalidApp                 ServerErrorCode = 7
	ServerInstallationFailed         ServerErrorCode = 8
	ServerMaximumFreeAppLimitReached ServerErrorCode = 9
	ServerUnsupportediOSVersion      ServerErrorCode = 10
	ServerUnknownRequest             ServerErrorCode = 11
	ServerUnknownResponse            ServerErrorCode = 12
	ServerInvalidAnisetteData        ServerErrorCode = 13
	ServerPluginNotFound             ServerErrorCode = 14
	ServerProfileNotFound            ServerErrorCode = 15
	ServerAppDeletionFailed          ServerErrorCode = 16
	ServerRequestedAppNotRunning     ServerErrorCode = 100
)

var serverCodeNames = map[ServerErrorCode]string{
	ServerUnderlyingError:            "underlyingError",
	ServerUnknown:                    "unknown",
	ServerConnectionFailed:           "connectionFailed",
	ServerLostConnection:             "lostConnection",
	ServerDeviceNotFound:             "deviceNotFound",
	ServerDeviceWriteFailed:          "deviceWriteFailed",
	ServerInvalidRequest:             "invalidRequest",
	ServerInvalidResponse:            "invalidResponse",
	ServerInvalidApp:                 "invalidApp",
	ServerInstallationFailed:         "installationFailed",
	ServerMaximumFreeAppLimitReached: "maximumFreeAppLimitReached",
	ServerUnsupportediOSVersion:      "unsupportediOSVersion",
	ServerUnknownRequest:             "unknownRequest",
	ServerUnknownResponse:            "unknownResponse",
	ServerInvalidAnisetteData:        "invalidAnisetteData",
	ServerPluginNotFound:             "pluginNotFound",
	ServerProfileNotFound:            "profileNotFound",
	ServerAppDeletionFailed:          "appDeletionFailed",
	ServerRequestedAppNotRunning:     "requestedAppNotRunning",
}

func (c ServerErrorCode) String() string {
	if name, ok := serverCodeNames[c]; ok {
		return name
	}
	return "ServerErrorCode(" + strconv.Itoa(int(c)) + ")"
}

func (c ServerErrorCode) known() bool {
	_, ok := serverCodeNames[c]
	return ok
}

// ConnectionError is a transport or session establishment failure.
type ConnectionError struct {
	Code ConnectionErrorCode
	// RawCode is the wire code of an error decoded as ConnectionUnknown. It is sent back unchanged.
	RawCode int
	Context ErrorContext
	// Err is the local cause. It is not sent over the wire.
	Err error
}

var _ DomainError = &ConnectionError{}

func NewConnectionError(code ConnectionErrorCode, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Err: cause}
}

func (e *ConnectionError) ErrorDomain() string { return ConnectionErrorDomain }
func (e *ConnectionError) ErrorCode() int {
	if e.Code == ConnectionUnknown && e.RawCode != 0 {
		return e.RawCode
	}
	return int(e.Code)
}

func (e *ConnectionError) Error() string {
	return formatError(e.Code.String(), e.Description(), e.Context, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches another *ConnectionError by code, so errors.Is(err, &ConnectionError{Code: ConnectionTimedOut}) works.
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && t.Code == e.Code
}

// Payload renders e in the error wire shape.
func (e *ConnectionError) Payload() *wire.ErrorPayload {
	userInfo := map[string]string{}
	e.Context.fill(userInfo)
	return newPayload(ConnectionErrorDomain, e.ErrorCode(), userInfo)
}

// ServerError is a failure reported by an installation or management workflow.
// A ServerError with code ServerUnderlyingError always carries Underlying.
type ServerError struct {
	Code ServerErrorCode
	// RawCode is the wire code of an error decoded as ServerUnknown. It is sent back unchanged.
	RawCode int
	// Underlying is the typed inner error this one wraps, if any.
	Underlying DomainError
	Context    ErrorContext
	// Err is the local cause. It is not sent over the wire.
	Err error
}

var _ DomainError = &ServerError{}

func NewServerError(code ServerErrorCode, ctx ErrorContext) *ServerError {
	return &ServerError{Code: code, Context: ctx}
}

// NewUnderlyingError wraps inner as a ServerError of code ServerUnderlyingError.
func NewUnderlyingError(inner DomainError, ctx ErrorContext) *ServerError {
	if inner == nil || inner.ErrorDomain() == "" {
		// the invariant can't hold without an inner domain
		return &ServerError{Code: ServerUnknown, Context: ctx}
	}
	return &ServerError{Code: ServerUnderlyingError, Underlying: inner, Context: ctx}
}

func (e *ServerError) ErrorDomain() string { return ServerErrorDomain }
func (e *ServerError) ErrorCode() int {
	if e.Code == ServerUnknown && e.RawCode != 0 {
		return e.RawCode
	}
	return int(e.Code)
}

func (e *ServerError) Error() string {
	var cause error
	if e.Underlying != nil {
		cause = errors.Join(e.Underlying, e.Err)
	} else {
		cause = e.Err
	}
	return formatError(e.Code.String(), e.Description(), e.Context, cause)
}

func (e *ServerError) Unwrap() []error {
	var errs []error
	if e.Underlying != nil {
		errs = append(errs, e.Underlying)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Is matches another *ServerError by code. When the target also names an Underlying,
// its domain and code must match too.
func (e *ServerError) Is(target error) bool {
	t, ok := target.(*ServerError)
	if !ok || t.Code != e.Code {
		return false
	}
	if t.Underlying == nil {
		return true
	}
	return e.Underlying != nil &&
		e.Underlying.ErrorDomain() == t.Underlying.ErrorDomain() &&
		e.Underlying.ErrorCode() == t.Underlying.ErrorCode()
}

// UnderlyingDomain returns the domain of the wrapped error, or "".
func (e *ServerError) UnderlyingDomain() string {
	if e.Underlying == nil {
		return ""
	}
	return e.Underlying.ErrorDomain()
}

// UnderlyingCode returns the code of the wrapped error and whether there is one.
func (e *ServerError) UnderlyingCode() (int, bool) {
	if e.Underlying == nil {
		return 0, false
	}
	return e.Underlying.ErrorCode(), true
}

// Payload renders e in the error wire shape. Any wrapped error contributes both
// underlyingErrorDomain and underlyingErrorCode.
func (e *ServerError) Payload() *wire.ErrorPayload {
	userInfo := map[string]string{}
	if e.Underlying != nil {
		userInfo[UnderlyingErrorDomainKey] = e.Underlying.ErrorDomain()
		userInfo[UnderlyingErrorCodeKey] = strconv.Itoa(e.Underlying.ErrorCode())
	}
	ctx := e.Context
	if inner, ok := e.Underlying.(*ConnectionError); ok {
		ctx = ctx.Merge(inner.Context)
	}
	ctx.fill(userInfo)
	return newPayload(ServerErrorDomain, e.ErrorCode(), userInfo)
}

// ForeignError is an error from a domain this package has no type for, such as an errno.
type ForeignError struct {
	Domain   string
	Code     int
	UserInfo map[string]string
}

var _ DomainError = &ForeignError{}

func (e *ForeignError) ErrorDomain() string { return e.Domain }
func (e *ForeignError) ErrorCode() int      { return e.Code }

func (e *ForeignError) Error() string {
	if len(e.UserInfo) == 0 {
		return fmt.Sprintf("%s error %d", e.Domain, e.Code)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s error %d (", e.Domain, e.Code)
	for i, k := range sortedKeys(e.UserInfo) {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%s", k, e.UserInfo[k])
	}
	b.WriteString(")")
	return b.String()
}

func (e *ForeignError) Is(target error) bool {
	t, ok := target.(*ForeignError)
	return ok && t.Domain == e.Domain && t.Code == e.Code
}

func (e *ForeignError) Payload() *wire.ErrorPayload {
	userInfo := make(map[string]string, len(e.UserInfo))
	for k, v := range e.UserInfo {
		userInfo[k] = v
	}
	return newPayload(e.Domain, e.Code, userInfo)
}

// ErrorPayload renders any DomainError in the error wire shape.
func ErrorPayload(err DomainError) *wire.ErrorPayload {
	switch e := err.(type) {
	case *ServerError:
		return e.Payload()
	case *ConnectionError:
		return e.Payload()
	case *ForeignError:
		return e.Payload()
	default:
		return newPayload(err.ErrorDomain(), err.ErrorCode(), nil)
	}
}

// ErrorFromPayload decodes the error wire shape into a typed error.
// Unknown codes decode as the domain's unknown code with the wire code kept in RawCode.
// A server error that claims ServerUnderlyingError without both underlying fields
// decodes as ServerInvalidResponse.
func ErrorFromPayload(p *wire.ErrorPayload) DomainError {
	if p == nil {
		return &ServerError{Code: ServerInvalidResponse, Err: fmt.Errorf("%w: empty error payload", wire.ErrMalformedFrame)}
	}
	ctx := contextFromUserInfo(p.UserInfo)

	switch p.Domain {
	case ServerErrorDomain:
		code := ServerErrorCode(p.Code)
		inner, innerErr := underlyingFromUserInfo(p.UserInfo)
		if innerErr != nil {
			return &ServerError{Code: ServerInvalidResponse, Context: ctx, Err: innerErr}
		}
		if code == ServerUnderlyingError && inner == nil {
			return &ServerError{
				Code:    ServerInvalidResponse,
				Context: ctx,
				Err:     fmt.Errorf("%w: underlyingError without underlying domain and code", wire.ErrMalformedFrame),
			}
		}
		e := &ServerError{Code: code, Underlying: inner, Context: ctx}
		if !code.known() {
			e.Code = ServerUnknown
			e.RawCode = p.Code
			e.Err = fmt.Errorf("unknown server error code %d", p.Code)
		}
		return e
	case ConnectionErrorDomain:
		code := ConnectionErrorCode(p.Code)
		if _, ok := connectionCodeNames[code]; !ok {
			return &ConnectionError{Code: ConnectionUnknown, RawCode: p.Code, Context: ctx, Err: fmt.Errorf("unknown connection error code %d", p.Code)}
		}
		return &ConnectionError{Code: code, Context: ctx}
	default:
		return &ForeignError{Domain: p.Domain, Code: p.Code, UserInfo: p.UserInfo}
	}
}

func underlyingFromUserInfo(userInfo map[string]string) (DomainError, error) {
	domain, hasDomain := userInfo[UnderlyingErrorDomainKey]
	codeStr, hasCode := userInfo[UnderlyingErrorCodeKey]
	if !hasDomain && !hasCode {
		return nil, nil
	}
	if domain == "" || codeStr == "" {
		return nil, fmt.Errorf("%w: underlying error needs both domain and code", wire.ErrMalformedFrame)
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: underlying error code %q: %w", wire.ErrMalformedFrame, codeStr, err)
	}
	switch domain {
	case ConnectionErrorDomain:
		return &ConnectionError{Code: ConnectionErrorCode(code)}, nil
	case ServerErrorDomain:
		return &ServerError{Code: ServerErrorCode(code)}, nil
	default:
		return &ForeignError{Domain: domain, Code: code}, nil
	}
}

func newPayload(domain string, code int, userInfo map[string]string) *wire.ErrorPayload {
	if len(userInfo) == 0 {
		userInfo = nil
	}
	return &wire.ErrorPayload{Domain: domain, Code: code, UserInfo: userInfo}
}

func formatError(name, description string, ctx ErrorContext, cause error) string {
	var b strings.Builder
	b.WriteString(name)
	if description != "" {
		b.WriteString(": ")
		b.WriteString(description)
	}
	if !ctx.IsZero() {
		b.WriteString(" (")
		b.WriteString(ctx.String())
		b.WriteString(")")
	}
	if cause != nil {
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(cause.Error(), "\n", "; "))
	}
	return b.String()
}

// sortedKeys is used to print userInfo deterministically.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
