package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Framing: prefijo de largo de 4 bytes big-endian + envelope CBOR. El largo
// cuenta sólo el payload. maxFrameSize corta lecturas ante un peer corrupto
// antes de intentar reservar memoria absurda.
const maxFrameSize = 4 << 20 // 4 MiB

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("rpc: frame de %d bytes supera el máximo (%d)", len(payload), maxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("rpc: frame anunciado de %d bytes supera el máximo (%d)", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
