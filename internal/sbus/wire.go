package sbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxPayloadBytes bounds the serialized envelope of one datagram.
	MaxPayloadBytes = 64 * 1024
	// MaxFDs is the kernel limit on descriptors in one SCM_RIGHTS message.
	MaxFDs = 253

	lengthPrefixLen = 4
)

var (
	ErrShortPayload    = errors.New("sbus: short payload")
	ErrPayloadTooLarge = errors.New("sbus: payload too large")
)

// encodePayload lays out [u32 metadata length][metadata JSON][command JSON].
func encodePayload(d *Datagram) ([]byte, error) {
	md, err := d.MetadataJSON()
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	cmd, err := d.CommandJSON()
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	total := lengthPrefixLen + len(md) + len(cmd)
	if total > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, total)
	}
	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(md)))
	buf = append(buf, md...)
	buf = append(buf, cmd...)
	return buf, nil
}

func decodePayload(b []byte) (metadataJSON, commandJSON []byte, err error) {
	if len(b) < lengthPrefixLen {
		return nil, nil, ErrShortPayload
	}
	mdLen := binary.BigEndian.Uint32(b[:lengthPrefixLen])
	rest := b[lengthPrefixLen:]
	if uint64(mdLen) > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("%w: metadata length %d exceeds %d remaining bytes", ErrShortPayload, mdLen, len(rest))
	}
	return rest[:mdLen], rest[mdLen:], nil
}
