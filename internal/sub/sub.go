// Package sub defines the domain model for subscriptions over a partition log:
// record metadata, control record values, the durable ack store contract and
// the transport used to push frames to client channels.
package sub

import (
	"errors"
	"fmt"
	"strings"
)

// MaxNameLength is the longest subscription name, in bytes, a partition accepts.
const MaxNameLength = 32

// NoChannel marks metadata that carries no requesting channel or request.
const NoChannel int64 = -1

var (
	// ErrNameTooLong is returned for subscription names over MaxNameLength bytes.
	ErrNameTooLong = fmt.Errorf("subscription name must be %d characters or shorter", MaxNameLength)
	// ErrNameEmpty is returned for empty subscription names.
	ErrNameEmpty = errors.New("subscription name must not be empty")
	// ErrNameTaken is returned when a live subscription already uses the name.
	ErrNameTaken = errors.New("subscription name is already in use")
	// ErrNameInvalid is returned for names containing NUL bytes, which would
	// collide with the padding of fixed-width name keys.
	ErrNameInvalid = errors.New("subscription name must not contain NUL bytes")
	// ErrChannelClosed is returned for requests whose channel disconnected
	// before the request was applied.
	ErrChannelClosed = errors.New("requesting channel is disconnected")
	// ErrProtocolViolation reports a client exceeding its negotiated credit.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrClosed is returned by components that were shut down.
	ErrClosed = errors.New("closed")
)

// ValidateName checks a subscription name against the partition's limits.
func ValidateName(name string) error {
	switch {
	case name == "":
		return ErrNameEmpty
	case len(name) > MaxNameLength:
		return ErrNameTooLong
	case strings.IndexByte(name, 0) >= 0:
		return ErrNameInvalid
	default:
		return nil
	}
}
