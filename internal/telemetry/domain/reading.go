package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDecode marks a malformed inbound payload. Callers skip the message,
// count it, and keep consuming.
var ErrDecode = errors.New("telemetry: decode error")

// Reading is one decoded telemetry point. Immutable once decoded.
type Reading struct {
	SourceID  string
	Value     float64
	Unit      string
	Timestamp time.Time

	// IngestSeq is the transport position marker (stream entry ID) used
	// for idempotent offset tracking.
	IngestSeq string
	// Partition identifies the inbound stream the reading arrived on.
	Partition int
	// Token is an optional producer credential carried with the payload.
	Token string
}

type readingPayload struct {
	SourceID  string  `json:"sourceId"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp int64   `json:"timestamp"`
	Token     string  `json:"token,omitempty"`
}

// DecodeReading parses an inbound message body into a Reading.
// Timestamps are producer-assigned unix milliseconds.
func DecodeReading(body []byte, partition int, ingestSeq string) (Reading, error) {
	var payload readingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if payload.SourceID == "" {
		return Reading{}, fmt.Errorf("%w: missing sourceId", ErrDecode)
	}
	if payload.Timestamp <= 0 {
		return Reading{}, fmt.Errorf("%w: missing timestamp", ErrDecode)
	}
	return Reading{
		SourceID:  payload.SourceID,
		Value:     payload.Value,
		Unit:      payload.Unit,
		Timestamp: time.UnixMilli(payload.Timestamp).UTC(),
		IngestSeq: ingestSeq,
		Partition: partition,
		Token:     payload.Token,
	}, nil
}

// EncodeReading renders a Reading back to the wire payload. Used by seed
// tooling and tests.
func EncodeReading(r Reading) ([]byte, error) {
	return json.Marshal(readingPayload{
		SourceID:  r.SourceID,
		Value:     r.Value,
		Unit:      r.Unit,
		Timestamp: r.Timestamp.UnixMilli(),
		Token:     r.Token,
	})
}
