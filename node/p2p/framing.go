// Package p2p carries the peer-to-peer transport: length framing, the
// request router, the soft-state peer pool, the heartbeat broadcaster, and
// the framed TCP/UDP servers.
package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LengthHeaderSize is the fixed frame prefix: a big-endian unsigned payload
// length.
const LengthHeaderSize = 4

// maxFrameBytes bounds the allocation for a declared frame length. Never
// read an attacker-controlled length unchecked.
const maxFrameBytes = 1 << 28

var ErrFrameTooLarge = errors.New("p2p: frame exceeds maximum size")

// FrameSegment prepends the length header to a payload.
func FrameSegment(data []byte) []byte {
	out := make([]byte, LengthHeaderSize+len(data))
	binary.BigEndian.PutUint32(out[:LengthHeaderSize], uint32(len(data)))
	copy(out[LengthHeaderSize:], data)
	return out
}

// WriteFrame writes one framed segment to w.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameBytes {
		return ErrFrameTooLarge
	}
	_, err := w.Write(FrameSegment(data))
	return err
}

// ReadFrame reads exactly one framed segment from r. A clean close between
// frames returns io.EOF; a close mid-frame is a protocol error surfaced as
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [LengthHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("p2p: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, int(length))
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("p2p: read frame body: %w", err)
		}
	}
	return payload, nil
}

// SplitDatagram extracts the framed payload carried inside a single UDP
// datagram.
func SplitDatagram(datagram []byte) ([]byte, error) {
	if len(datagram) < LengthHeaderSize {
		return nil, fmt.Errorf("p2p: datagram shorter than frame header")
	}
	length := binary.BigEndian.Uint32(datagram[:LengthHeaderSize])
	if uint64(length) > uint64(len(datagram)-LengthHeaderSize) {
		return nil, fmt.Errorf("p2p: datagram truncated: declared %d, have %d", length, len(datagram)-LengthHeaderSize)
	}
	return datagram[LengthHeaderSize : LengthHeaderSize+int(length)], nil
}
