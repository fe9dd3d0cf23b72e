package chat

import "errors"

var (
	ErrNotStarted      = errors.New("chat sync not started")
	ErrPollInFlight    = errors.New("chat poll already in flight")
	ErrSendFailed      = errors.New("failed to send message")
	ErrEmptyMessage    = errors.New("message has no content")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotRetryable    = errors.New("message is not in a failed state")
)
