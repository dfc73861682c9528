package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	// MaxFrameLength bounds a single frame payload. App transfer chunks are far below it.
	MaxFrameLength = 16 << 20
	// TransferChunkSize is the amount of app data carried by one TransferAppRequest.
	TransferChunkSize = 64 * 1024

	frameHeaderLength = 4
)

// FrameWriter writes length-prefixed frames.
type FrameWriter interface {
	WriteFrame(payload []byte) error
}

// FrameReader reads length-prefixed frames.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

type IConn interface {
	net.Conn
	FrameWriter
	FrameReader
	SendRequest(req *Request) error
	ReadResponse() (*Response, error)
}

// Conn is a framed connection to a device service, usually already wrapped in TLS.
// Every frame is a 4-byte big-endian length followed by that many bytes of
// binary plist. Usage looks something like:
//
//	conn := wire.NewConn(netConn)
//	conn.SendRequest(req)
//	resp, err := conn.ReadResponse()
//	conn.Close()
//
// Conn does no locking; the owner must not interleave two requests.
type Conn struct {
	net.Conn
	hbuf []byte
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		Conn: conn,
		hbuf: make([]byte, frameHeaderLength),
	}
}

var _ IConn = &Conn{}

func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty frame", ErrMalformedRequest)
	}
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("%w: frame length %d exceeds maximum:%d", ErrMalformedRequest, len(payload), MaxFrameLength)
	}

	// single write, so a frame never reaches the peer split around another writer
	buf := make([]byte, frameHeaderLength+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderLength:], payload)
	_, err := c.Write(buf)
	return err
}

func (c *Conn) ReadFrame() ([]byte, error) {
	return readFrame(c, c.hbuf)
}

func (c *Conn) SendRequest(req *Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return c.WriteFrame(data)
}

func (c *Conn) ReadRequest() (*Request, error) {
	data, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeRequest(data)
}

func (c *Conn) SendResponse(resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.WriteFrame(data)
}

func (c *Conn) ReadResponse() (*Response, error) {
	data, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeResponse(data)
}

func (c *Conn) Close() error {
	if err := c.Conn.Close(); err != nil {
		return fmt.Errorf("error closing connection: %w", err)
	}
	return nil
}

// readFrame reads a 4-byte big-endian length from r, then reads length bytes and returns them.
// A clean EOF before the header is returned as io.EOF.
func readFrame(r io.Reader, buf []byte) ([]byte, error) {
	if len(buf) < frameHeaderLength {
		buf = make([]byte, frameHeaderLength)
	}
	n, err := io.ReadFull(r, buf[:frameHeaderLength])
	if err == io.ErrUnexpectedEOF {
		return nil, errIncompleteMessage("length", n, frameHeaderLength)
	} else if err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(buf[:frameHeaderLength])
	if length == 0 || length > MaxFrameLength {
		return nil, fmt.Errorf("%w: bad frame length %d", ErrMalformedFrame, length)
	}

	data := make([]byte, length)
	n, err = io.ReadFull(r, data)
	if err == io.ErrUnexpectedEOF || (err == io.EOF && length > 0) {
		return nil, errIncompleteMessage("frame data", n, int(length))
	} else if err != nil {
		return nil, fmt.Errorf("error reading frame data: %w", err)
	}
	return data, nil
}
