// Package transport implements the identity-routed duplex request/response
// layer over TCP. The coordinator binds a single Router endpoint; each seller
// connects a Dealer and presents its stable identity. Every message on the
// wire is three length-prefixed frames: peer identity, an empty delimiter,
// and the serialized envelope payload.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame; larger frames indicate stream
// corruption and fail the connection.
const maxFrameSize = 1 << 20

func writeFrame(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return b, nil
}

// writeEnvelope emits the three-frame message: identity, empty delimiter,
// payload. Callers must serialize writes per socket.
func writeEnvelope(w io.Writer, identity string, payload []byte) error {
	if err := writeFrame(w, []byte(identity)); err != nil {
		return err
	}
	if err := writeFrame(w, nil); err != nil {
		return err
	}
	return writeFrame(w, payload)
}

// readEnvelope consumes one three-frame message.
func readEnvelope(r io.Reader) (identity string, payload []byte, err error) {
	id, err := readFrame(r)
	if err != nil {
		return "", nil, err
	}
	delim, err := readFrame(r)
	if err != nil {
		return "", nil, err
	}
	if len(delim) != 0 {
		return "", nil, fmt.Errorf("expected empty delimiter frame, got %d bytes", len(delim))
	}
	payload, err = readFrame(r)
	if err != nil {
		return "", nil, err
	}
	return string(id), payload, nil
}
