package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/blacktop/go-plist"
)

const (
	UsbmuxBundleID      = "com.github.prife.gosidekit"
	UsbmuxProgName      = "gosidekit"
	UsbmuxClientVersion = "gosidekit-usbmux-0.1.0"

	usbmuxVersion      = 1
	usbmuxMessagePlist = 8
	libUsbmuxVersion   = 3
)

// UsbmuxHeader precedes every usbmuxd packet, little endian.
type UsbmuxHeader struct {
	Length      uint32
	Version     uint32
	MessageType uint32
	Tag         uint32
}

var usbmuxHeaderSize = uint32(binary.Size(UsbmuxHeader{}))

// UsbmuxResult is the Number field of a usbmuxd Result message.
type UsbmuxResult int

const (
	ResultOK UsbmuxResult = iota
	ResultBadCommand
	ResultBadDevice
	ResultConnectionRefused
	ResultUnknown1
	ResultUnknown2
	ResultBadVersion
)

func (r UsbmuxResult) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultBadCommand:
		return "BadCommand"
	case ResultBadDevice:
		return "BadDevice"
	case ResultConnectionRefused:
		return "ConnectionRefused"
	case ResultBadVersion:
		return "BadVersion"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// err maps a usbmuxd result to the package sentinels.
func (r UsbmuxResult) err() error {
	switch r {
	case ResultOK:
		return nil
	case ResultBadDevice:
		return fmt.Errorf("%w: %w: usbmuxd result %s", ErrMux, ErrDeviceNotFound, r)
	case ResultConnectionRefused:
		return fmt.Errorf("%w: %w: usbmuxd result %s", ErrMux, ErrConnectionRefused, r)
	default:
		return fmt.Errorf("%w: usbmuxd result %s", ErrMux, r)
	}
}

// Usbmux is one connection to the usbmuxd socket. After a successful Connect the
// socket becomes a raw byte stream to the device port and must not be used for
// further usbmuxd requests.
type Usbmux struct {
	net.Conn
	tag atomic.Uint32
}

func NewUsbmux(conn net.Conn) *Usbmux {
	return &Usbmux{Conn: conn}
}

// usbmuxMessage is the request plist. Fields a message type doesn't use are omitted.
type usbmuxMessage struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string `plist:"BundleID,omitempty"`
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion,omitempty"`
	DeviceID            uint32 `plist:"DeviceID,omitempty"`
	PortNumber          uint16 `plist:"PortNumber,omitempty"`
	PairRecordID        string `plist:"PairRecordID,omitempty"`
}

func baseMessage(messageType string) *usbmuxMessage {
	return &usbmuxMessage{
		MessageType:         messageType,
		ProgName:            UsbmuxProgName,
		ClientVersionString: UsbmuxClientVersion,
		BundleID:            UsbmuxBundleID,
		LibUSBMuxVersion:    libUsbmuxVersion,
	}
}

type usbmuxResultMessage struct {
	MessageType string
	Number      UsbmuxResult
}

type usbmuxListDevicesResponse struct {
	DeviceList []*UsbmuxEvent
}

type usbmuxReadPairRecordResponse struct {
	PairRecordData []byte
	Number         UsbmuxResult
}

// UsbmuxEvent is one entry of ListDevices, or one Listen notification.
type UsbmuxEvent struct {
	MessageType string
	DeviceID    int
	Number      UsbmuxResult
	Properties  *DeviceAttachment
}

const (
	EventAttached = "Attached"
	EventDetached = "Detached"
	EventPaired   = "Paired"
	EventResult   = "Result"
)

type DeviceAttachment struct {
	ConnectionSpeed int
	ConnectionType  string
	DeviceID        int
	LocationID      int
	ProductID       int
	SerialNumber    string
	UDID            string
	USBSerialNumber string
}

// PairRecord holds the host identity and certificates usbmuxd stores for a paired device.
type PairRecord struct {
	DeviceCertificate []byte
	EscrowBag         []byte
	HostCertificate   []byte
	HostID            string
	HostPrivateKey    []byte
	RootCertificate   []byte
	RootPrivateKey    []byte
	SystemBUID        string
	WiFiMACAddress    string
}

func (m *Usbmux) ListDevices() ([]*DeviceAttachment, error) {
	var resp usbmuxListDevicesResponse
	if _, err := m.Request(baseMessage("ListDevices"), &resp); err != nil {
		return nil, err
	}

	devices := make([]*DeviceAttachment, 0, len(resp.DeviceList))
	for _, ev := range resp.DeviceList {
		if ev.Properties == nil {
			continue
		}
		if ev.Properties.DeviceID == 0 {
			ev.Properties.DeviceID = ev.DeviceID
		}
		devices = append(devices, ev.Properties)
	}
	return devices, nil
}

func (m *Usbmux) ReadPairRecord(udid string) (*PairRecord, error) {
	req := baseMessage("ReadPairRecord")
	req.PairRecordID = udid
	var resp usbmuxReadPairRecordResponse
	if _, err := m.Request(req, &resp); err != nil {
		return nil, err
	}
	if len(resp.PairRecordData) == 0 {
		if err := resp.Number.err(); err != nil {
			return nil, fmt.Errorf("read pair record %s: %w", udid, err)
		}
		return nil, fmt.Errorf("%w: no pair record for %s", ErrMux, udid)
	}

	var record PairRecord
	if _, err := plist.Unmarshal(resp.PairRecordData, &record); err != nil {
		return nil, fmt.Errorf("%w: pair record: %w", ErrParse, err)
	}
	return &record, nil
}

// Connect asks usbmuxd to tunnel this socket to port on the device.
func (m *Usbmux) Connect(deviceID int, port uint16) error {
	req := baseMessage("Connect")
	req.DeviceID = uint32(deviceID)
	req.PortNumber = htons(port)
	var resp usbmuxResultMessage
	if _, err := m.Request(req, &resp); err != nil {
		return err
	}
	if err := resp.Number.err(); err != nil {
		return fmt.Errorf("connect device %d port %d: %w", deviceID, port, err)
	}
	return nil
}

// Listen subscribes to attach/detach notifications. Read them with NextEvent.
func (m *Usbmux) Listen() error {
	var resp usbmuxResultMessage
	if _, err := m.Request(baseMessage("Listen"), &resp); err != nil {
		return err
	}
	return resp.Number.err()
}

// NextEvent blocks until usbmuxd pushes the next notification.
func (m *Usbmux) NextEvent() (*UsbmuxEvent, error) {
	var ev UsbmuxEvent
	if _, err := m.Recv(&ev); err != nil {
		return nil, err
	}
	if ev.Properties != nil && ev.Properties.DeviceID == 0 {
		ev.Properties.DeviceID = ev.DeviceID
	}
	return &ev, nil
}

// Request sends msg and decodes the reply into resp, checking that the reply tag matches.
func (m *Usbmux) Request(msg, resp any) (uint32, error) {
	tag, err := m.Send(msg)
	if err != nil {
		return 0, err
	}
	rtag, err := m.Recv(resp)
	if err != nil {
		return 0, err
	}
	if rtag != tag {
		return rtag, fmt.Errorf("%w: usbmuxd reply tag %d, expecting %d", ErrCorrelationMismatch, rtag, tag)
	}
	return rtag, nil
}

func (m *Usbmux) Send(msg any) (uint32, error) {
	tag := m.tag.Add(1)
	if err := WriteUsbmuxPacket(m, tag, msg); err != nil {
		return 0, fmt.Errorf("error sending usbmuxd packet: %w", err)
	}
	return tag, nil
}

func (m *Usbmux) Recv(msg any) (uint32, error) {
	data, hdr, err := ReadUsbmuxPacket(m)
	if err != nil {
		return 0, err
	}
	if _, err := plist.Unmarshal(data, msg); err != nil {
		return hdr.Tag, fmt.Errorf("%w: usbmuxd packet: %w", ErrParse, err)
	}
	return hdr.Tag, nil
}

// ReadUsbmuxPacket reads one usbmuxd packet and returns its plist body.
func ReadUsbmuxPacket(r io.Reader) ([]byte, *UsbmuxHeader, error) {
	var hdr UsbmuxHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, nil, errIncompleteMessage("usbmuxd header", 0, int(usbmuxHeaderSize))
		}
		return nil, nil, err
	}
	if hdr.Length < usbmuxHeaderSize || hdr.Length-usbmuxHeaderSize > MaxFrameLength {
		return nil, nil, fmt.Errorf("%w: usbmuxd packet length %d", ErrMalformedFrame, hdr.Length)
	}

	data := make([]byte, hdr.Length-usbmuxHeaderSize)
	n, err := io.ReadFull(r, data)
	if err == io.ErrUnexpectedEOF || (err == io.EOF && len(data) > 0) {
		return nil, nil, errIncompleteMessage("usbmuxd packet", n, len(data))
	} else if err != nil {
		return nil, nil, err
	}
	return data, &hdr, nil
}

// WriteUsbmuxPacket writes one plist packet with the given tag. Used by fakes and the relay.
func WriteUsbmuxPacket(w io.Writer, tag uint32, msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssertion, err)
	}
	buf := make([]byte, usbmuxHeaderSize, usbmuxHeaderSize+uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[0:], usbmuxHeaderSize+uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[4:], usbmuxVersion)
	binary.LittleEndian.PutUint32(buf[8:], usbmuxMessagePlist)
	binary.LittleEndian.PutUint32(buf[12:], tag)
	_, err = w.Write(append(buf, data...))
	return err
}
