package node

import "errors"

var (
	// ErrNotFound maps 404 responses. At the tip this usually means the
	// probed height raced ahead of the node; the controller re-plans.
	ErrNotFound = errors.New("node: not found")

	// ErrBadRequest maps the remaining 4xx responses. Never retried.
	ErrBadRequest = errors.New("node: bad request")

	// ErrUnavailable is returned once the retry budget for 5xx/network
	// failures is exhausted.
	ErrUnavailable = errors.New("node: unavailable")
)
