package swarm

import "errors"

var (
	// ErrAckTimeout is returned by Send when no acknowledgment arrives
	// within the configured window.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrNegativeAck is returned by Send when the recipient rejects the
	// message with a nack.
	ErrNegativeAck = errors.New("negative acknowledgment")

	// ErrAgentUnknown is returned when an operation names an agent that
	// is not registered.
	ErrAgentUnknown = errors.New("agent not registered")

	// ErrDecryption indicates an encrypted payload could not be opened.
	// The envelope is discarded and the sender is not notified.
	ErrDecryption = errors.New("payload decryption failed")

	// ErrUnknownProtocol indicates an inbound envelope carried an
	// unrecognized protocol field.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrNoCipher indicates an encrypted envelope arrived but no cipher
	// provider is configured.
	ErrNoCipher = errors.New("no cipher configured")

	// ErrClosed is returned by operations on a hub that has been closed.
	ErrClosed = errors.New("hub closed")

	// ErrNoValidators is returned by Consensus when no validators are
	// available.
	ErrNoValidators = errors.New("no validators available")
)
