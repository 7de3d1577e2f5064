package seatclient

import "errors"

var (
	ErrNotConnected    = errors.New("seat hold connection is not established")
	ErrMissingShowtime = errors.New("showtime id is not set")
	ErrMissingUser     = errors.New("user id is not set")
	ErrClosed          = errors.New("seat hold session is closed")
	ErrDisabled        = errors.New("seat hold session is disabled")
)
