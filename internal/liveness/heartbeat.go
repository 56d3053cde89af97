package liveness

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Heartbeat frames on the data channel are the 4-byte ASCII "ping" followed
// by an 8-byte big-endian nonce.
var pingMagic = []byte("ping")

const frameLen = 12

var ErrBadFrame = errors.New("bad heartbeat frame")

// EncodePing builds one heartbeat frame.
func EncodePing(nonce uint64) []byte {
	frame := make([]byte, frameLen)
	copy(frame, pingMagic)
	binary.BigEndian.PutUint64(frame[4:], nonce)
	return frame
}

// DecodePing parses one heartbeat frame and returns its nonce.
func DecodePing(frame []byte) (uint64, error) {
	if len(frame) != frameLen {
		return 0, fmt.Errorf("%w: length %d", ErrBadFrame, len(frame))
	}
	for i, b := range pingMagic {
		if frame[i] != b {
			return 0, fmt.Errorf("%w: missing ping prefix", ErrBadFrame)
		}
	}
	return binary.BigEndian.Uint64(frame[4:]), nil
}
