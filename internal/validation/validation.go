// Package validation narrows the control API's HTTP input checks.
// Grounded on the teacher's internal/validation/validation.go (plain
// exported Validate* functions returning sentinel errors wrapped with
// fmt.Errorf). The teacher's file-path validation has no counterpart here
// (the daemon never takes an outside file path — segments arrive as
// request bodies) so it is dropped; listen-address and hex-identifier
// checks are kept and extended for the session/group id shapes the
// control API parses.
package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
)

var (
	ErrInvalidAddr     = errors.New("invalid listen address")
	ErrEmptyString      = errors.New("value must not be empty")
	ErrOutOfRange       = errors.New("value out of range")
	ErrInvalidHexID     = errors.New("invalid hex identifier")
)

// ValidateAddr checks that addr resolves as a TCP listen address.
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

// ValidateStringNonEmpty rejects an empty string.
func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

// ValidateRangeInt rejects v outside [min, max].
func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

// ValidateHexID checks that s decodes to exactly wantBytes bytes of hex,
// the shape the control API requires of group ids in request bodies and of
// session ids in request paths.
func ValidateHexID(s string, wantBytes int) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != wantBytes {
		return nil, fmt.Errorf("%w: want %d bytes of hex", ErrInvalidHexID, wantBytes)
	}
	return raw, nil
}
