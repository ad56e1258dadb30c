package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single framed packet at 10 MiB. Packets are control
// traffic; bulk bytes go over payload side channels.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge indicates a frame length beyond MaxFrameSize. The
// connection it arrived on cannot be resynchronized and must be closed.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian length
// followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("protocol: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A corrupt length is fatal to
// the stream: the caller must close the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("protocol: read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return payload, nil
}

// WritePacket marshals and frames a packet onto w.
func WritePacket(w io.Writer, p *Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadPacket reads and decodes one framed packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return Packet{}, err
	}
	return Unmarshal(data)
}
