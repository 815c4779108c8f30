package ipc

import "errors"

// Sentinel results of endpoint operations. The IPC layer reports every
// failure as a value; nothing in this package panics across the process
// boundary.
var (
	// ErrTooLarge indicates a payload of ChunkSize bytes or more.
	ErrTooLarge = errors.New("payload too large for slot")

	// ErrShutdown indicates the gateway has set the shared shutdown flag.
	ErrShutdown = errors.New("shutdown in progress")

	// ErrTimeout is returned by timed waits that expired.
	ErrTimeout = errors.New("wait timed out")

	// ErrDisconnected indicates the keep-alive callback reported a dead client.
	ErrDisconnected = errors.New("client disconnected")

	// ErrBadRegion indicates a mapped region that failed magic/version checks.
	ErrBadRegion = errors.New("invalid shared region")
)
