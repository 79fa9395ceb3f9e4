package httpapi

import "time"

// Config defines replay server settings.
type Config struct {
	Addr     string
	BasePath string
	// HistorySize bounds the batches kept per stream for resume.
	HistorySize int
	// Interval paces recorded batches. Zero publishes them at once.
	Interval time.Duration
	// Hold keeps streams open after the recording is exhausted instead of
	// sending the finished event.
	Hold bool
}
