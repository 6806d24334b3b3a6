package domain

import (
	"time"

	"github.com/google/uuid"
)

// MissedReason is the reason code stored with a MissedBlock.
type MissedReason string

const (
	// MissedReasonCatchUpWindow marks blocks skipped because the backlog exceeded max_past_blocks.
	MissedReasonCatchUpWindow MissedReason = "catch_up_window_exceeded"
	// MissedReasonRateLimited marks blocks whose fetch hit 429 on every endpoint.
	MissedReasonRateLimited MissedReason = "rate_limit_exhausted"
	// MissedReasonTransport marks blocks whose fetch exhausted retries on the current endpoint.
	MissedReasonTransport MissedReason = "transport_exhausted"
	// MissedReasonFetchFailed covers any other fetch failure (decode errors, missing data).
	MissedReasonFetchFailed MissedReason = "fetch_failed"
)

// MissedBlock is an append-only diagnostic record. It never blocks progress.
type MissedBlock struct {
	ID          string       `json:"id"`
	Network     string       `json:"network"`
	BlockNumber uint64       `json:"block_number"`
	Reason      MissedReason `json:"reason"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewMissedBlock builds a record with a fresh ID.
func NewMissedBlock(network string, number uint64, reason MissedReason, err error) MissedBlock {
	m := MissedBlock{
		ID:          uuid.NewString(),
		Network:     network,
		BlockNumber: number,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}
