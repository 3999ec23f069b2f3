package session

import "errors"

var (
	errNotAttached      = errors.New("session manager is not attached to a request queue")
	errNoToken          = errors.New("session response carried no token")
	errRefreshCancelled = errors.New("session request ended without a response")
)
