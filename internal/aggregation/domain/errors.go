package aggregation

import "errors"

var (
	// ErrInvalidGranularity marks an unsupported window width.
	ErrInvalidGranularity = errors.New("aggregation: invalid granularity")
	// ErrLateWindow marks an upsert for a window that was already drained.
	ErrLateWindow = errors.New("aggregation: window already drained")
	// ErrEmptySourceID marks a window key without a source.
	ErrEmptySourceID = errors.New("aggregation: empty source id")
	// ErrInvalidTimestamp marks a reading with a zero timestamp.
	ErrInvalidTimestamp = errors.New("aggregation: invalid timestamp")
)
