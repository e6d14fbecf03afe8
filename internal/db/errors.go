package db

import "errors"

var (
	ErrQueueNotFound    = errors.New("queue not found")
	ErrRequestNotFound  = errors.New("request not found")
	ErrCallbackDisabled = errors.New("callback disabled for queue")
	ErrInvalidNumber    = errors.New("invalid callback number")
)
