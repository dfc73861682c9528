// Package devicetest provides a scripted fake device that speaks the framed request
// protocol over an in-memory pipe.
package devicetest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/prife/gosidekit/wire"
)

// Action is what the peer does with one request.
type Action struct {
	// Response is sent back when set.
	Response *wire.Response
	// Raw is written as-is instead of a response, e.g. a malformed frame.
	Raw []byte
	// Drop closes the connection without answering.
	Drop bool
	// Stall never answers. The peer stays blocked until it is closed.
	Stall bool
}

// Handler decides the Action for a request.
type Handler func(req *wire.Request) Action

// OK answers with the success response and payload.
func OK(payload any) Handler {
	return func(req *wire.Request) Action {
		resp, err := wire.NewResponse(req, payload)
		if err != nil {
			panic(err)
		}
		return Action{Response: resp}
	}
}

// Fail answers with an ErrorResponse.
func Fail(domain string, code int, userInfo map[string]string) Handler {
	return func(req *wire.Request) Action {
		return Action{Response: wire.NewErrorResponse(req, &wire.ErrorPayload{Domain: domain, Code: code, UserInfo: userInfo})}
	}
}

// Drop closes the connection when the request arrives.
func Drop() Handler {
	return func(*wire.Request) Action { return Action{Drop: true} }
}

// Stall never answers.
func Stall() Handler {
	return func(*wire.Request) Action { return Action{Stall: true} }
}

// Mismatch answers with a well-formed response carrying another request's id.
func Mismatch(payload any) Handler {
	return func(req *wire.Request) Action {
		resp, err := wire.NewResponse(req, payload)
		if err != nil {
			panic(err)
		}
		resp.ID = "not-" + req.ID
		return Action{Response: resp}
	}
}

// Reply answers with a response of an arbitrary kind, known or not.
func Reply(kind wire.ResponseKind) Handler {
	return func(req *wire.Request) Action {
		return Action{Response: &wire.Response{Kind: kind, Version: wire.ProtocolVersion, ID: req.ID}}
	}
}

// Garbage answers with a frame that doesn't decode.
func Garbage() Handler {
	body := []byte(`<?xml version="1.0" encoding="UTF-8"?><plist version="1.0"><dict><key>identifier</key>`)
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	frame = append(frame, body...)
	return func(*wire.Request) Action {
		return Action{Raw: frame}
	}
}

// Sequence runs handlers in turn, repeating the last one.
func Sequence(handlers ...Handler) Handler {
	var mu sync.Mutex
	i := 0
	return func(req *wire.Request) Action {
		mu.Lock()
		h := handlers[min(i, len(handlers)-1)]
		i++
		mu.Unlock()
		return h(req)
	}
}

// Peer is the device end of a connection. Requests without a handler get an empty
// success response; request kinds it doesn't know get the unknownRequest error.
type Peer struct {
	conn *wire.Conn

	mu       sync.Mutex
	handlers map[wire.RequestKind]Handler
	requests []*wire.Request

	closeOnce sync.Once
	closed    chan struct{}
	served    chan struct{}
	err       error
}

func NewPeer(conn net.Conn) *Peer {
	return &Peer{
		conn:     wire.NewConn(conn),
		handlers: make(map[wire.RequestKind]Handler),
		closed:   make(chan struct{}),
		served:   make(chan struct{}),
	}
}

// Pipe returns the host end of an in-memory connection whose device end is served by a new Peer.
func Pipe() (net.Conn, *Peer) {
	host, device := net.Pipe()
	p := NewPeer(device)
	go p.Serve()
	return host, p
}

func (p *Peer) Handle(kind wire.RequestKind, h Handler) *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
	return p
}

// Requests returns the requests received so far.
func (p *Peer) Requests() []*wire.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*wire.Request(nil), p.requests...)
}

// Count returns how many requests of kind were received.
func (p *Peer) Count(kind wire.RequestKind) int {
	n := 0
	for _, r := range p.Requests() {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// Serve answers requests until the connection ends. A clean close returns nil.
func (p *Peer) Serve() error {
	defer close(p.served)
	p.err = p.serve()
	return p.err
}

func (p *Peer) serve() error {
	for {
		req, err := p.conn.ReadRequest()
		if errors.Is(err, wire.ErrUnknownRequest) {
			p.record(req)
			if err := p.conn.SendResponse(wire.NewUnknownRequestResponse(req)); err != nil {
				return p.ended(err)
			}
			continue
		}
		if err != nil {
			return p.ended(err)
		}
		p.record(req)

		act := p.handler(req.Kind)(req)
		switch {
		case act.Stall:
			<-p.closed
			return nil
		case act.Drop:
			p.Close()
			return nil
		case act.Raw != nil:
			if _, err := p.conn.Write(act.Raw); err != nil {
				return p.ended(err)
			}
		case act.Response != nil:
			if err := p.conn.SendResponse(act.Response); err != nil {
				return p.ended(err)
			}
		}
	}
}

// Close closes the device end of the connection.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}

// Wait blocks until Serve returns and reports its error.
func (p *Peer) Wait() error {
	<-p.served
	return p.err
}

func (p *Peer) record(req *wire.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
}

func (p *Peer) handler(kind wire.RequestKind) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handlers[kind]; ok {
		return h
	}
	return OK(nil)
}

// ended maps the ways the host can go away to a clean return.
func (p *Peer) ended(err error) error {
	select {
	case <-p.closed:
		return nil
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("devicetest: %w", err)
}
