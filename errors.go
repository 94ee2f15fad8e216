package smtppool

import "errors"

// ErrClosed is reported to submissions still queued when the pool closes
// and to Send calls made after Close.
var ErrClosed = errors.New("connection pool closed")
