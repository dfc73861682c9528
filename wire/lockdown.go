package wire

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/blacktop/go-plist"
	"github.com/mitchellh/mapstructure"
)

const (
	LockdownPort uint16 = 62078

	lockdownProtocolVersion = "2"
)

// Lockdown errors that mean the device is locked and needs the passcode first.
var lockedErrors = map[string]bool{
	"PasswordProtected": true,
	"DeviceLocked":      true,
}

// Lockdown errors that mean our host identity or TLS setup was rejected.
var sslErrors = map[string]bool{
	"InvalidHostID":                true,
	"SessionInactive":              true,
	"SSLHandshakeFailed":           true,
	"InvalidPairRecord":            true,
	"PairingDialogResponsePending": true,
}

type lockdownRequest struct {
	Label           string
	ProtocolVersion string `plist:"ProtocolVersion,omitempty"`
	Request         string
	HostID          string `plist:"HostID,omitempty"`
	SystemBUID      string `plist:"SystemBUID,omitempty"`
	SessionID       string `plist:"SessionID,omitempty"`
	Service         string `plist:"Service,omitempty"`
	EscrowBag       []byte `plist:"EscrowBag,omitempty"`
	Domain          string `plist:"Domain,omitempty"`
	Key             string `plist:"Key,omitempty"`
}

type lockdownResponse struct {
	Request          string
	Error            string
	EnableSessionSSL bool
	SessionID        string
	Service          string
	Port             int
	EnableServiceSSL bool
	Key              string
	Value            any
}

// StartServiceResult says where a started service listens and whether it expects TLS.
type StartServiceResult struct {
	Service string
	Port    uint16
	SSL     bool
}

// DeviceDetail is the subset of lockdown values the client cares about.
type DeviceDetail struct {
	DeviceName        string
	DeviceClass       string
	ProductType       string
	ProductVersion    string
	BuildVersion      string
	UniqueDeviceID    string
	CPUArchitecture   string
	PasswordProtected bool
}

// Lockdown speaks the lockdownd protocol over a channel usbmuxd already connected to LockdownPort.
// Frames are a 4-byte big-endian length followed by an XML plist.
type Lockdown struct {
	net.Conn
	label   string
	pair    *PairRecord
	session string
}

func NewLockdown(conn net.Conn, pair *PairRecord) *Lockdown {
	return &Lockdown{Conn: conn, label: UsbmuxBundleID, pair: pair}
}

// StartSession opens a lockdown session with the pair record identity, switching the
// channel to TLS when the device asks for it.
func (l *Lockdown) StartSession(ctx context.Context) error {
	if l.pair == nil {
		return fmt.Errorf("%w: no pair record", ErrSSL)
	}
	var resp lockdownResponse
	err := l.Request(&lockdownRequest{
		Label:           l.label,
		ProtocolVersion: lockdownProtocolVersion,
		Request:         "StartSession",
		HostID:          l.pair.HostID,
		SystemBUID:      l.pair.SystemBUID,
	}, &resp)
	if err != nil {
		return err
	}
	if err := lockdownError("StartSession", resp.Error); err != nil {
		return err
	}
	l.session = resp.SessionID

	if resp.EnableSessionSSL {
		tlsConn, err := SecureConn(ctx, l.Conn, l.pair)
		if err != nil {
			return err
		}
		l.Conn = tlsConn
	}
	return nil
}

// StartService asks lockdownd to launch service and report its port.
func (l *Lockdown) StartService(service string, withEscrowBag bool) (*StartServiceResult, error) {
	req := &lockdownRequest{
		Label:   l.label,
		Request: "StartService",
		Service: service,
	}
	if withEscrowBag && l.pair != nil {
		req.EscrowBag = l.pair.EscrowBag
	}
	var resp lockdownResponse
	if err := l.Request(req, &resp); err != nil {
		return nil, err
	}
	if err := lockdownError("StartService "+service, resp.Error); err != nil {
		return nil, err
	}
	if resp.Port <= 0 || resp.Port > 0xFFFF {
		return nil, fmt.Errorf("%w: StartService %s returned port %d", ErrLockdown, service, resp.Port)
	}
	return &StartServiceResult{Service: service, Port: uint16(resp.Port), SSL: resp.EnableServiceSSL}, nil
}

func (l *Lockdown) GetValue(domain, key string) (any, error) {
	var resp lockdownResponse
	err := l.Request(&lockdownRequest{
		Label:           l.label,
		ProtocolVersion: lockdownProtocolVersion,
		Request:         "GetValue",
		Domain:          domain,
		Key:             key,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := lockdownError("GetValue", resp.Error); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (l *Lockdown) GetDeviceDetail() (*DeviceDetail, error) {
	v, err := l.GetValue("", "")
	if err != nil {
		return nil, err
	}
	var detail DeviceDetail
	if err := mapstructure.Decode(v, &detail); err != nil {
		return nil, fmt.Errorf("%w: device values: %w", ErrParse, err)
	}
	return &detail, nil
}

func (l *Lockdown) StopSession() error {
	if l.session == "" {
		return nil
	}
	var resp lockdownResponse
	err := l.Request(&lockdownRequest{
		Label:           l.label,
		ProtocolVersion: lockdownProtocolVersion,
		Request:         "StopSession",
		SessionID:       l.session,
	}, &resp)
	l.session = ""
	if err != nil {
		return err
	}
	return lockdownError("StopSession", resp.Error)
}

func (l *Lockdown) Request(req, resp any) error {
	if err := l.Send(req); err != nil {
		return err
	}
	return l.Recv(resp)
}

func (l *Lockdown) Send(msg any) error {
	return WriteLockdownPacket(l.Conn, msg)
}

func (l *Lockdown) Recv(msg any) error {
	data, err := readFrame(l.Conn, nil)
	if err != nil {
		return err
	}
	if _, err := plist.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("%w: lockdown packet: %w", ErrParse, err)
	}
	return nil
}

// WriteLockdownPacket writes msg as one length-prefixed XML plist.
func WriteLockdownPacket(c net.Conn, msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssertion, err)
	}
	buf := make([]byte, frameHeaderLength, frameHeaderLength+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	if _, err := c.Write(append(buf, data...)); err != nil {
		return fmt.Errorf("error sending lockdown packet: %w", err)
	}
	return nil
}

// ReadLockdownPacket reads one length-prefixed plist into msg.
func ReadLockdownPacket(c net.Conn, msg any) error {
	return (&Lockdown{Conn: c}).Recv(msg)
}

// SecureConn runs the TLS client handshake over conn using the host identity in pair.
// Device certificates are self-signed by the pairing root, so chain verification is skipped.
func SecureConn(ctx context.Context, conn net.Conn, pair *PairRecord) (*tls.Conn, error) {
	if pair == nil {
		return nil, fmt.Errorf("%w: no pair record", ErrSSL)
	}
	cert, err := tls.X509KeyPair(pair.HostCertificate, pair.HostPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: host certificate: %w", ErrSSL, err)
	}
	tlsConn := tls.Client(conn, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS11,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: handshake: %w", ErrSSL, err)
	}
	return tlsConn, nil
}

func lockdownError(op, code string) error {
	switch {
	case code == "":
		return nil
	case lockedErrors[code]:
		return fmt.Errorf("%w: %s: %s", ErrDeviceLocked, op, code)
	case sslErrors[code]:
		return fmt.Errorf("%w: %s: %s", ErrSSL, op, code)
	default:
		return fmt.Errorf("%w: %s: %s", ErrLockdown, op, code)
	}
}
