package h2

import (
	"errors"
	"fmt"
)

// Error kinds, classified with errors.Is. Framing and protocol errors are
// connection-fatal: once one is returned the connection is poisoned and
// every later call fails with the same error. A stream lookup miss is
// recoverable.
var (
	// ErrNeedMoreData reports that the reassembler does not yet hold a
	// complete frame. It is a flow condition, not a failure.
	ErrNeedMoreData = errors.New("h2: need more data")

	// ErrFraming reports bytes that cannot be parsed as a frame.
	ErrFraming = errors.New("h2: framing error")

	// ErrProtocol reports a semantic violation that survived the engine's
	// relaxations.
	ErrProtocol = errors.New("h2: protocol error")

	// ErrStreamNotFound reports an operation on a stream id with no live
	// stream and no recorded closure.
	ErrStreamNotFound = errors.New("h2: stream not found")
)

// errStreamClosed marks an operation landing on a stream that already
// closed. Most dispatch paths swallow it; the rest surface it, and it
// classifies as a protocol error when it does.
var errStreamClosed = fmt.Errorf("stream closed: %w", ErrProtocol)

func framingErrf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFraming)...)
}

func protocolErrf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrProtocol)...)
}
