package errors

import sterrors "errors"

var (
	ErrConfigRequired     = sterrors.New("speakflow: config is required")
	ErrLoggerRequired     = sterrors.New("speakflow: logger is required")
	ErrSinkRequired       = sterrors.New("speakflow: output sink is required")
	ErrEventSinkRequired  = sterrors.New("speakflow: event sink is required")
	ErrBuilderRequired    = sterrors.New("speakflow: transport builder is required")
	ErrTopicRequired      = sterrors.New("speakflow: topic is required")
	ErrMaxRetriesExceeded = sterrors.New("speakflow: max retries exceeded")
	ErrSubscriptionClosed = sterrors.New("speakflow: subscription closed by transport")
	ErrSubscriberClosed   = sterrors.New("speakflow: subscriber is closed")
	ErrWatcherRunning     = sterrors.New("speakflow: config watcher already running")
)
