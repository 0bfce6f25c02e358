// Package wire implements the runtime's socket protocol: requests and
// responses travel as 4-byte big-endian length-prefixed JSON frames over a
// loopback TCP connection. The package carries both ends — a Client that
// implements relm.Subcaller by dialing a server, and a Server that answers
// frames from a relm.Subcaller, usually the router.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload. Frames past the bound are
// protocol errors, not allocation requests.
const MaxFrameSize = 64 << 20 // 64 MiB

// WriteFrame marshals v and writes it as one length-prefixed frame. The
// header and payload go out in a single Write so concurrent writers on the
// same connection cannot interleave partial frames.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(payload), MaxFrameSize)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and unmarshals it into v. A clean EOF before
// the first header byte returns io.EOF so callers can tell an orderly
// shutdown from a truncated frame; EOF anywhere later is an error. A
// zero-length frame decodes as an empty object.
func ReadFrame(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header)
	if n > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", n, MaxFrameSize)
	}
	if n == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload (%d bytes): %w", n, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
