package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

// Client dials peers on demand. Each call opens a fresh connection bound
// by ctx's deadline; shardmesh's RPC volume (large streamed shard bodies,
// infrequent control calls) does not warrant connection pooling the way a
// high-QPS token service would, so unlike the teacher's singleton
// connection pool this stays a simple per-call dialer (see DESIGN.md).
type Client struct {
	dialTimeout time.Duration
}

// NewClient constructs a Client with a bounded dial timeout.
func NewClient() *Client {
	return &Client{dialTimeout: 2 * time.Second}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewError(CodeUnavailable, "dial %s: %v", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// Call performs a unary RPC: a single request frame, a single response
// frame.
func (c *Client) Call(ctx context.Context, addr, method string, req []byte) ([]byte, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := writeFrame(w, wireFrame{Kind: kindUnaryRequest, Method: method, Payload: req}); err != nil {
		return nil, NewError(CodeUnavailable, "write request: %v", err)
	}

	resp, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, NewError(CodeUnavailable, "read response: %v", err)
	}
	if resp.Kind != kindUnaryResponse {
		return nil, NewError(CodeInternal, "unexpected frame kind %d", resp.Kind)
	}
	if resp.Code != CodeOK {
		return nil, &Error{Code: resp.Code, Message: resp.Message}
	}
	return resp.Payload, nil
}

// ClientStream is a send-only stream the caller drives frame by frame
// (upload: leader/SuperNode -> follower, and follower -> follower replica
// forwarding). Call CloseAndRecv once all frames are sent.
type ClientStream struct {
	conn   net.Conn
	w      *bufio.Writer
	method string
	sent   bool
}

// OpenClientStream starts a client-streaming call; method is carried on the
// first data frame only, matching the sub-framing contract in spec §4.6.
func (c *Client) OpenClientStream(ctx context.Context, addr, method string) (*ClientStream, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &ClientStream{conn: conn, w: bufio.NewWriter(conn), method: method}, nil
}

// Send writes one data frame of payload (≤ MaxFrameBytes).
func (s *ClientStream) Send(payload []byte) error {
	f := wireFrame{Kind: kindStreamData, Payload: payload}
	if !s.sent {
		f.Method = s.method
		s.sent = true
	}
	if err := writeFrame(s.w, f); err != nil {
		return NewError(CodeUnavailable, "stream send: %v", err)
	}
	return nil
}

// CloseAndRecv signals end of stream and waits for the single ack response.
func (s *ClientStream) CloseAndRecv() ([]byte, error) {
	defer s.conn.Close()
	end := wireFrame{Kind: kindStreamEnd}
	if !s.sent {
		// No data frames at all (e.g. an empty upload): the method name
		// still has to reach the server so it can dispatch and reject.
		end.Method = s.method
		s.sent = true
	}
	if err := writeFrame(s.w, end); err != nil {
		return nil, NewError(CodeUnavailable, "stream close: %v", err)
	}
	resp, err := readFrame(bufio.NewReader(s.conn))
	if err != nil {
		return nil, NewError(CodeUnavailable, "stream ack: %v", err)
	}
	if resp.Code != CodeOK {
		return nil, &Error{Code: resp.Code, Message: resp.Message}
	}
	return resp.Payload, nil
}

// ServerStream is a receive-only stream the caller drains frame by frame
// (download fan-out).
type ServerStream struct {
	conn net.Conn
	r    *bufio.Reader
	done bool
}

// OpenServerStream starts a server-streaming call: one request, many
// response data frames, terminated by a stream-end frame.
func (c *Client) OpenServerStream(ctx context.Context, addr, method string, req []byte) (*ServerStream, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(conn)
	if err := writeFrame(w, wireFrame{Kind: kindUnaryRequest, Method: method, Payload: req}); err != nil {
		conn.Close()
		return nil, NewError(CodeUnavailable, "write request: %v", err)
	}
	return &ServerStream{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Recv returns the next data frame. At normal end of stream it returns a
// sentinel error that IsStreamDone recognises (not io.EOF).
func (s *ServerStream) Recv() ([]byte, error) {
	if s.done {
		return nil, errStreamClosed
	}
	f, err := readFrame(s.r)
	if err != nil {
		s.done = true
		return nil, NewError(CodeUnavailable, "stream recv: %v", err)
	}
	switch f.Kind {
	case kindStreamData:
		return f.Payload, nil
	case kindStreamEnd:
		s.done = true
		return nil, errStreamDone
	case kindStreamError:
		s.done = true
		return nil, &Error{Code: f.Code, Message: f.Message}
	default:
		s.done = true
		return nil, NewError(CodeInternal, "unexpected frame kind %d", f.Kind)
	}
}

// Close releases the underlying connection.
func (s *ServerStream) Close() error { return s.conn.Close() }

var (
	errStreamDone   = fmt.Errorf("transport: stream done")
	errStreamClosed = fmt.Errorf("transport: stream already closed")
)

// IsStreamDone reports whether err is the sentinel ServerStream.Recv
// returns at normal end of stream.
func IsStreamDone(err error) bool { return err == errStreamDone }
