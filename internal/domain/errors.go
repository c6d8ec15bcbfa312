package domain

import "errors"

var (
	ErrConfiguration   = errors.New("configuration error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotConnected    = errors.New("not connected")
	ErrNotFound        = errors.New("not found")
	ErrStaleChunk      = errors.New("chunk used after it was superseded")
)
