package wire

import (
	"fmt"

	"github.com/blacktop/go-plist"
	"github.com/google/uuid"
)

const (
	// ProtocolVersion is stamped on every request and success response.
	ProtocolVersion = 1
	// ErrorResponseVersion is the version of ErrorResponse that carries a structured error.
	ErrorResponseVersion = 2

	// Interop domains; these strings travel inside ErrorResponse and must not change.
	ServerErrorDomain       = "com.rileytestut.AltServer"
	InstallationErrorDomain = "com.rileytestut.AltServer.Installation"
	ConnectionErrorDomain   = "com.rileytestut.AltServer.Connection"

	// unknownRequestCode is ServerError unknownRequest.
	unknownRequestCode = 11
)

type RequestKind string

const (
	KindBeginInstallation           RequestKind = "BeginInstallationRequest"
	KindTransferApp                 RequestKind = "TransferAppRequest"
	KindInstallProvisioningProfiles RequestKind = "InstallProvisioningProfilesRequest"
	KindCommitInstallation          RequestKind = "CommitInstallationRequest"
	KindRemoveApp                   RequestKind = "RemoveAppRequest"
	KindEnumeratePlugins            RequestKind = "EnumeratePluginsRequest"
	KindFetchProvisioningProfiles   RequestKind = "FetchProvisioningProfilesRequest"
	KindRemoveProvisioningProfiles  RequestKind = "RemoveProvisioningProfilesRequest"
	KindEnableUnsignedCodeExecution RequestKind = "EnableUnsignedCodeExecutionRequest"
)

type ResponseKind string

const (
	ResponseBeginInstallation           ResponseKind = "BeginInstallationResponse"
	ResponseTransferApp                 ResponseKind = "TransferAppResponse"
	ResponseInstallProvisioningProfiles ResponseKind = "InstallProvisioningProfilesResponse"
	ResponseCommitInstallation          ResponseKind = "CommitInstallationResponse"
	ResponseRemoveApp                   ResponseKind = "RemoveAppResponse"
	ResponseEnumeratePlugins            ResponseKind = "EnumeratePluginsResponse"
	ResponseFetchProvisioningProfiles   ResponseKind = "FetchProvisioningProfilesResponse"
	ResponseRemoveProvisioningProfiles  ResponseKind = "RemoveProvisioningProfilesResponse"
	ResponseEnableUnsignedCodeExecution ResponseKind = "EnableUnsignedCodeExecutionResponse"
	ResponseError                       ResponseKind = "ErrorResponse"
)

// responseKinds maps every request the protocol knows to the success response that answers it.
var responseKinds = map[RequestKind]ResponseKind{
	KindBeginInstallation:           ResponseBeginInstallation,
	KindTransferApp:                 ResponseTransferApp,
	KindInstallProvisioningProfiles: ResponseInstallProvisioningProfiles,
	KindCommitInstallation:          ResponseCommitInstallation,
	KindRemoveApp:                   ResponseRemoveApp,
	KindEnumeratePlugins:            ResponseEnumeratePlugins,
	KindFetchProvisioningProfiles:   ResponseFetchProvisioningProfiles,
	KindRemoveProvisioningProfiles:  ResponseRemoveProvisioningProfiles,
	KindEnableUnsignedCodeExecution: ResponseEnableUnsignedCodeExecution,
}

var knownResponses = func() map[ResponseKind]bool {
	m := map[ResponseKind]bool{ResponseError: true}
	for _, v := range responseKinds {
		m[v] = true
	}
	return m
}()

func (k RequestKind) Known() bool {
	_, ok := responseKinds[k]
	return ok
}

// ResponseKind returns the success response identifier for k.
func (k RequestKind) ResponseKind() (ResponseKind, bool) {
	r, ok := responseKinds[k]
	return r, ok
}

func (k ResponseKind) Known() bool {
	return knownResponses[k]
}

// ErrorPayload is the wire shape of a structured error.
type ErrorPayload struct {
	Domain   string            `plist:"errorDomain"`
	Code     int               `plist:"errorCode"`
	UserInfo map[string]string `plist:"userInfo,omitempty"`
}

// Request is one correlation-tagged request frame.
type Request struct {
	Kind    RequestKind `plist:"identifier"`
	Version int         `plist:"version"`
	ID      string      `plist:"requestID"`
	Payload []byte      `plist:"payload,omitempty"`
}

// Response answers the Request whose ID it echoes. Exactly one of Payload and Error is meaningful.
type Response struct {
	Kind    ResponseKind  `plist:"identifier"`
	Version int           `plist:"version"`
	ID      string        `plist:"requestID"`
	Payload []byte        `plist:"payload,omitempty"`
	Error   *ErrorPayload `plist:"error,omitempty"`
}

// NewRequest builds a request of the given kind with a fresh correlation id.
// payload may be nil.
func NewRequest(kind RequestKind, payload any) (*Request, error) {
	if !kind.Known() {
		return nil, fmt.Errorf("%w: unknown request kind %q", ErrMalformedRequest, kind)
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", ErrMalformedRequest, kind, err)
	}
	return &Request{
		Kind:    kind,
		Version: ProtocolVersion,
		ID:      uuid.NewString(),
		Payload: data,
	}, nil
}

// NewResponse answers req with a success payload.
func NewResponse(req *Request, payload any) (*Response, error) {
	kind, ok := req.Kind.ResponseKind()
	if !ok {
		return nil, fmt.Errorf("%w: no response for request kind %q", ErrAssertion, req.Kind)
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", ErrAssertion, kind, err)
	}
	return &Response{Kind: kind, Version: ProtocolVersion, ID: req.ID, Payload: data}, nil
}

// NewErrorResponse answers req with a structured error.
func NewErrorResponse(req *Request, e *ErrorPayload) *Response {
	return &Response{Kind: ResponseError, Version: ErrorResponseVersion, ID: req.ID, Error: e}
}

// NewUnknownRequestResponse is the reply a peer gives for a request kind it doesn't know.
func NewUnknownRequestResponse(req *Request) *Response {
	return NewErrorResponse(req, &ErrorPayload{Domain: ServerErrorDomain, Code: unknownRequestCode})
}

// Decode unmarshals the request payload into v. An empty payload leaves v untouched.
func (r *Request) Decode(v any) error {
	return unmarshalPayload(r.Payload, v)
}

// Decode unmarshals the response payload into v. An empty payload leaves v untouched.
func (r *Response) Decode(v any) error {
	return unmarshalPayload(r.Payload, v)
}

func EncodeRequest(req *Request) ([]byte, error) {
	if req == nil || !req.Kind.Known() {
		var kind RequestKind
		if req != nil {
			kind = req.Kind
		}
		return nil, fmt.Errorf("%w: unknown request kind %q", ErrMalformedRequest, kind)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: %s without request id", ErrMalformedRequest, req.Kind)
	}
	data, err := plist.Marshal(req, plist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return data, nil
}

// DecodeRequest parses a request frame. A well-formed frame with an unknown kind returns the
// request together with ErrUnknownRequest, so the peer can still answer it by id.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if _, err := plist.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if req.Kind == "" || req.ID == "" {
		return nil, fmt.Errorf("%w: request without identifier or id", ErrMalformedFrame)
	}
	if !req.Kind.Known() {
		return &req, fmt.Errorf("%w: %q version %d", ErrUnknownRequest, req.Kind, req.Version)
	}
	return &req, nil
}

func EncodeResponse(resp *Response) ([]byte, error) {
	if resp == nil || resp.Kind == "" || resp.ID == "" {
		return nil, fmt.Errorf("%w: response without identifier or id", ErrAssertion)
	}
	return plist.Marshal(resp, plist.BinaryFormat)
}

// DecodeResponse parses a response frame. A well-formed frame with an unknown kind returns
// the response together with ErrUnknownResponse.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if _, err := plist.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if resp.Kind == "" || resp.ID == "" {
		return nil, fmt.Errorf("%w: response without identifier or id", ErrMalformedFrame)
	}
	if !resp.Kind.Known() {
		return &resp, fmt.Errorf("%w: %q version %d", ErrUnknownResponse, resp.Kind, resp.Version)
	}
	if resp.Kind == ResponseError && resp.Error == nil {
		return nil, fmt.Errorf("%w: ErrorResponse without error", ErrMalformedFrame)
	}
	return &resp, nil
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return plist.Marshal(payload, plist.BinaryFormat)
}

func unmarshalPayload(data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	if _, err := plist.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: payload: %w", ErrMalformedFrame, err)
	}
	return nil
}
