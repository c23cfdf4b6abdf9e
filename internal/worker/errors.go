package worker

import "errors"

var (
	// ErrStartFailed reports that the engine executable could not be launched.
	ErrStartFailed = errors.New("worker process failed to start")
	// ErrProcessDied reports end-of-stream or a write failure on a worker's
	// pipes. The handle must be discarded; a fresh process serves the next
	// request.
	ErrProcessDied = errors.New("worker process died")
	// ErrProtocol reports a response line that is not the expected JSON. The
	// stream's framing can no longer be trusted, so it is handled like a
	// dead process.
	ErrProtocol = errors.New("worker protocol violation")
	// ErrPoolBusy reports a pool at capacity with every worker serving a
	// request; none can be evicted without killing one mid-flight.
	ErrPoolBusy = errors.New("all pooled workers are in use")
)
