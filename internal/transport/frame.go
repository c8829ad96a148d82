// Package transport is a hand-rolled, length-prefixed RPC transport
// replacing connectrpc.com/connect + generated protobuf stubs (see
// DESIGN.md: the retrieval pack carries no generated .proto code, and this
// exercise forbids running protoc/buf to produce any). It preserves
// connect's call shape — context-deadline-bound unary calls, client- and
// server-streaming, structured error codes — over plain net.Conn, framed
// the way hashicorp/raft's own TCP transport frames its RPC commands.
package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MaxFrameBytes is the wire frame payload cap spec §6 mandates (4,000,000
// bytes); sub-framing above this is the caller's responsibility.
const MaxFrameBytes = 4_000_000

type frameKind uint8

const (
	kindUnaryRequest frameKind = iota
	kindUnaryResponse
	kindStreamData
	kindStreamEnd
	kindStreamError
)

// wireFrame is the single envelope type carried over every connection.
// Gob-encoded and length-prefixed; kept deliberately flat (no nested
// generated message types) since there is no protoc pipeline in this build.
type wireFrame struct {
	Kind    frameKind
	Method  string // set only on the first frame of a call
	Code    Code
	Message string
	Payload []byte
}

func writeFrame(w *bufio.Writer, f wireFrame) error {
	if len(f.Payload) > MaxFrameBytes {
		return fmt.Errorf("transport: payload %d exceeds frame limit %d", len(f.Payload), MaxFrameBytes)
	}
	enc, err := gobEncode(f)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(enc); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (wireFrame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return wireFrame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return wireFrame{}, err
	}
	var f wireFrame
	if err := gobDecode(buf, &f); err != nil {
		return wireFrame{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	return f, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
