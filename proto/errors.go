package proto

import "errors"

var (
	// ErrConnectFailed marks an unreachable or refusing peer. Retried
	// by the session state machine per its backoff policy.
	ErrConnectFailed = errors.New("connect failed")

	// ErrHandshakeFailed marks a TLS handshake or encryption mismatch.
	// Kept distinct from generic I/O errors so the operator sees it.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrLinkDead is raised by the heartbeat monitor when PONGs stop
	// arriving. Treated identically to a transport I/O error.
	ErrLinkDead = errors.New("link dead")

	// ErrFrameCorrupt marks an implausible length prefix or a
	// desynchronized stream. Fatal to the transport instance.
	ErrFrameCorrupt = errors.New("frame corrupt")

	// ErrFrameTooLarge marks an outgoing body over MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrQueueClosed is returned from queue operations after shutdown.
	ErrQueueClosed = errors.New("command queue closed")

	// ErrDiscoveryUnavailable marks a discovery subsystem that failed
	// to start. Advisory: never blocks manual-address operation.
	ErrDiscoveryUnavailable = errors.New("discovery unavailable")
)
