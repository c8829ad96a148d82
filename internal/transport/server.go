package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/shardmesh/shardmesh/internal/telemetry/logger"
)

// UnaryHandler handles a single-request, single-response call.
type UnaryHandler func(ctx context.Context, req []byte) ([]byte, error)

// ClientStreamHandler handles a client-streaming call: it drains recv until
// io.EOF and returns a single ack payload.
type ClientStreamHandler func(ctx context.Context, recv func() ([]byte, error)) ([]byte, error)

// ServerStreamHandler handles a server-streaming call: it sends zero or
// more frames via send, then returns.
type ServerStreamHandler func(ctx context.Context, req []byte, send func([]byte) error) error

// Server dispatches incoming connections to registered method handlers. A
// connection carries exactly one call, whose kind is inferred from the
// handler type registered for its Method — mirroring the three RPC shapes
// connect-go generates stubs for, without generating any stubs (see
// DESIGN.md for why protoc/buf is not used here).
type Server struct {
	addr string
	log  logger.Logger

	mu            sync.RWMutex
	unary         map[string]UnaryHandler
	clientStreams map[string]ClientStreamHandler
	serverStreams map[string]ServerStreamHandler

	ln net.Listener
}

// NewServer constructs a Server bound to addr (not yet listening).
func NewServer(addr string, log logger.Logger) *Server {
	return &Server{
		addr:          addr,
		log:           log,
		unary:         make(map[string]UnaryHandler),
		clientStreams: make(map[string]ClientStreamHandler),
		serverStreams: make(map[string]ServerStreamHandler),
	}
}

func (s *Server) RegisterUnary(method string, h UnaryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unary[method] = h
}

func (s *Server) RegisterClientStream(method string, h ClientStreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientStreams[method] = h
}

func (s *Server) RegisterServerStream(method string, h ServerStreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverStreams[method] = h
}

// Serve accepts connections until ctx is cancelled or Listen fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	first, err := readFrame(r)
	if err != nil {
		if err != io.EOF {
			s.log.Warn("transport: failed to read first frame", "error", err)
		}
		return
	}

	switch first.Kind {
	case kindUnaryRequest:
		s.dispatchUnary(ctx, w, first)
	case kindStreamData, kindStreamEnd:
		s.dispatchClientStream(ctx, r, w, first)
	default:
		_ = writeFrame(w, wireFrame{Kind: kindUnaryResponse, Code: CodeInternal, Message: "unexpected first frame kind"})
	}
}

func (s *Server) dispatchUnary(ctx context.Context, w *bufio.Writer, first wireFrame) {
	s.mu.RLock()
	h, ok := s.unary[first.Method]
	sh, okStream := s.serverStreams[first.Method]
	s.mu.RUnlock()

	switch {
	case ok:
		resp, err := h(ctx, first.Payload)
		writeResult(w, resp, err)
	case okStream:
		sendErr := sh(ctx, first.Payload, func(b []byte) error {
			return writeFrame(w, wireFrame{Kind: kindStreamData, Payload: b})
		})
		if sendErr != nil {
			var te *Error
			if errors.As(sendErr, &te) {
				_ = writeFrame(w, wireFrame{Kind: kindStreamError, Code: te.Code, Message: te.Message})
				return
			}
			_ = writeFrame(w, wireFrame{Kind: kindStreamError, Code: CodeInternal, Message: sendErr.Error()})
			return
		}
		_ = writeFrame(w, wireFrame{Kind: kindStreamEnd})
	default:
		_ = writeFrame(w, wireFrame{Kind: kindUnaryResponse, Code: CodeNotFound, Message: "unknown method " + first.Method})
	}
}

func (s *Server) dispatchClientStream(ctx context.Context, r *bufio.Reader, w *bufio.Writer, first wireFrame) {
	s.mu.RLock()
	h, ok := s.clientStreams[first.Method]
	s.mu.RUnlock()
	if !ok {
		_ = writeFrame(w, wireFrame{Kind: kindUnaryResponse, Code: CodeNotFound, Message: "unknown method " + first.Method})
		return
	}

	delivered := false
	recv := func() ([]byte, error) {
		var f wireFrame
		var err error
		if !delivered {
			f, delivered = first, true
		} else {
			f, err = readFrame(r)
			if err != nil {
				return nil, err
			}
		}
		switch f.Kind {
		case kindStreamData:
			return f.Payload, nil
		case kindStreamEnd:
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("transport: unexpected frame kind %d mid-stream", f.Kind)
		}
	}

	resp, err := h(ctx, recv)
	writeResult(w, resp, err)
}

func writeResult(w *bufio.Writer, resp []byte, err error) {
	if err == nil {
		_ = writeFrame(w, wireFrame{Kind: kindUnaryResponse, Code: CodeOK, Payload: resp})
		return
	}
	var te *Error
	if errors.As(err, &te) {
		_ = writeFrame(w, wireFrame{Kind: kindUnaryResponse, Code: te.Code, Message: te.Message})
		return
	}
	_ = writeFrame(w, wireFrame{Kind: kindUnaryResponse, Code: CodeInternal, Message: err.Error()})
}
