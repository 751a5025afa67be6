package providers

import "time"

const (
	// shutdownTimeout is the maximum time to wait for the sync runner to stop.
	shutdownTimeout = 30 * time.Second
)
