// Package providerframe implements the liquidity-provider wire framing:
// a 4-byte big-endian length prefix followed by a MessagePack body
// (spec.md §4.9/§6). Grounded on aristath-sentinel/bridge-go's
// msgpack-over-TCP codec, generalized from an RPC call/reply into a plain
// framed read/write pair since the provider protocol is a send-stream and
// a receive-stream, not request/response.
package providerframe

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameBytes bounds a single inbound frame to guard against a
// corrupted length prefix turning into an unbounded allocation.
const MaxFrameBytes = 16 << 20 // 16 MiB

// WriteFrame encodes v as msgpack and writes it length-prefixed.
func WriteFrame(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("providerframe: marshal: %w", err)
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("providerframe: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("providerframe: write body: %w", err)
	}
	return nil
}

// ReadFrame blocks for one length-prefixed frame and unmarshals it into v.
func ReadFrame(r io.Reader, v any) error {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("providerframe: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > MaxFrameBytes {
		return fmt.Errorf("providerframe: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("providerframe: read body: %w", err)
	}
	return msgpack.Unmarshal(body, v)
}

// ReadRawFrame returns the raw body without decoding, for the "raw"
// pass-through field on an execution report (spec.md §6).
func ReadRawFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("providerframe: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("providerframe: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("providerframe: read body: %w", err)
	}
	return body, nil
}
