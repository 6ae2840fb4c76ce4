package cnst

import "errors"

var (
	// ErrMalformedBody is returned when a channel body is not "<sessionId>|<payload>"
	ErrMalformedBody = errors.New("malformed message body")
	// ErrUnknownKind is returned for a message kind no handler serves
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrTimeout is returned when a channel call gets no reply in time
	ErrTimeout = errors.New("channel call timed out")
	// ErrChannelClosed is returned when sending through a closed channel
	ErrChannelClosed = errors.New("channel closed")

	// ErrNoChallenge is returned when the key message has no Challenge element
	ErrNoChallenge = errors.New("challenge element not found")
	// ErrNoCorrelationKey is returned when no WRM header can be extracted
	ErrNoCorrelationKey = errors.New("wrm header not found in challenge")

	// ErrUnsupportedDevice is returned for an unknown device type selection
	ErrUnsupportedDevice = errors.New("unsupported device type")
	// ErrNoDevice is returned when no device or remote CDM is selected
	ErrNoDevice = errors.New("no device selected")

	// ErrNotFound is returned by stores for a missing key
	ErrNotFound = errors.New("key not found")
)
